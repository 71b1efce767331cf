package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/api"
	"example.com/backstage/services/orders/internal/messaging"
	"example.com/backstage/services/orders/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Start the HTTP API together with everything that changes live order state:
the membership queue consumer, the pending-group refresh and backlog pruning.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	deps, err := initInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	orderService := newOrderService(cfg, deps)
	if err := orderService.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start order service")
	}

	var azureClient *messaging.AzureClient
	if cfg.Azure.QueueConnStr != "" {
		azureClient, err = messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		defer func() {
			if err := azureClient.Close(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to close Service Bus client")
			}
		}()
	} else {
		log.Warn().Msg("Service Bus not configured, membership changes arrive through the webhook only")
	}

	server := api.NewServer(cfg, orderService, deps.metrics, deps.tracer, deps.probes())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	g.Go(func() error {
		return runScheduler(ctx, cfg, orderService)
	})

	if azureClient != nil {
		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.MembershipQueue).Msg("Starting membership queue consumer")
			return azureClient.Consume(ctx, cfg.Azure.MembershipQueue,
				messaging.NewMembershipProcessor(orderService.HandleMembershipPush))
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	log.Info().Msg("API server stopped")
	return nil
}

// runScheduler resolves pending groups so lazy expiry fires without reads,
// and prunes the notification backlog
func runScheduler(ctx context.Context, cfg config.Config, orderService *services.OrderService) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	refresh := cfg.Coordinator.GroupRefreshInterval
	if refresh <= 0 {
		refresh = time.Minute
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(refresh),
		gocron.NewTask(func() {
			res, err := orderService.RefreshPendingGroups(ctx)
			if err != nil {
				log.Warn().Err(err).Int("failed", res.Failed).Msg("Pending group refresh incomplete")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule group refresh")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			if n := orderService.PruneNotifications(); n > 0 {
				log.Info().Int("events", n).Msg("Pruned notification backlog")
			}
		}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule backlog pruning")
	}

	scheduler.Start()
	log.Info().Dur("group_refresh", refresh).Msg("Scheduler started")

	<-ctx.Done()
	return scheduler.Shutdown()
}
