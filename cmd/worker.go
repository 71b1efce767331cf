package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/messaging"
	"example.com/backstage/services/orders/internal/projections"
	"example.com/backstage/services/orders/internal/repositories"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that projects committed order events into search and the notifications queue`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	var indexer projections.Indexer
	if deps.elastic != nil {
		indexer = deps.elastic
	}

	var forwarder projections.Forwarder
	if cfg.Azure.QueueConnStr != "" {
		azureClient, err := messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		defer func() {
			if err := azureClient.Close(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to close Service Bus client")
			}
		}()

		sender, err := azureClient.NewSender(cfg.Azure.NotificationsQueue)
		if err != nil {
			return err
		}
		defer func() {
			if err := sender.Close(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to close notifications sender")
			}
		}()
		forwarder = sender
	} else {
		log.Warn().Msg("Service Bus not configured, order events are not forwarded")
	}

	processor := projections.NewEventProcessor(
		repositories.NewEventRepository(deps.db),
		indexer,
		forwarder,
		deps.metrics,
		cfg.Coordinator.ProjectionInterval,
		cfg.Coordinator.ProjectionBatch,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Bool("search", indexer != nil).
			Bool("forwarding", forwarder != nil).
			Msg("Starting order event projector")
		processor.Start()
		<-ctx.Done()
		processor.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
