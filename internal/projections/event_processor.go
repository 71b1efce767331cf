package projections

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"example.com/backstage/services/orders/internal/lifecycle"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventSource is the outbox
type EventSource interface {
	GetUnprocessed(ctx context.Context, limit int) ([]models.Event, error)
	MarkProcessed(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, reason string) error
}

// Indexer stores order documents for search
type Indexer interface {
	IndexOrder(ctx context.Context, rec models.OrderRecord) error
}

// Forwarder hands order events to other services
type Forwarder interface {
	Send(ctx context.Context, subject, messageID string, body interface{}) error
}

// Envelope is the message other services receive for each order event
type Envelope struct {
	EventID   string             `json:"event_id"`
	EventType string             `json:"event_type"`
	Version   int                `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Order     models.OrderRecord `json:"order"`
}

// EventProcessor projects outbox events into search and the message bus
type EventProcessor struct {
	events             EventSource
	indexer            Indexer
	forwarder          Forwarder
	metrics            *metrics.Metrics
	batchSize          int
	processingInterval time.Duration
	running            bool
	mutex              sync.Mutex
	stopChan           chan struct{}
	done               chan struct{}
}

// NewEventProcessor creates a new event processor. indexer and forwarder may be nil.
func NewEventProcessor(events EventSource, indexer Indexer, forwarder Forwarder, m *metrics.Metrics, interval time.Duration, batchSize int) *EventProcessor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EventProcessor{
		events:             events,
		indexer:            indexer,
		forwarder:          forwarder,
		metrics:            m,
		batchSize:          batchSize,
		processingInterval: interval,
	}
}

// Start starts the event processor
func (p *EventProcessor) Start() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	go p.processEvents(p.stopChan, p.done)
}

// Stop stops the event processor and waits for the current batch
func (p *EventProcessor) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.running {
		return
	}

	p.running = false
	close(p.stopChan)
	<-p.done
}

func (p *EventProcessor) processEvents(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.ProcessBatch(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to process event batch")
			}
		case <-stop:
			return
		}
	}
}

// ProcessBatch projects one batch of events and returns how many succeeded
func (p *EventProcessor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.events.GetUnprocessed(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	log.Info().Int("events", len(events)).Msg("Processing outbox events")

	projected := 0
	for _, event := range events {
		if err := p.processEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to process event")
			if err := p.events.MarkFailed(ctx, event.ID, err.Error()); err != nil {
				log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to record event error")
			}
			continue
		}

		if err := p.events.MarkProcessed(ctx, event.ID); err != nil {
			log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to mark event as processed")
			continue
		}
		projected++
		p.metrics.IncrementCounter(metrics.EventsProjected)
	}
	return projected, nil
}

func (p *EventProcessor) processEvent(ctx context.Context, event models.Event) error {
	if event.AggregateType != lifecycle.AggregateType {
		log.Warn().Str("aggregate_type", event.AggregateType).Msg("Unknown aggregate type")
		return nil
	}

	var rec models.OrderRecord
	if err := json.Unmarshal(event.Data, &rec); err != nil {
		return errors.Wrap(err, "failed to unmarshal order record")
	}

	if p.indexer != nil {
		if err := p.indexer.IndexOrder(ctx, rec); err != nil {
			return errors.Wrap(err, "failed to index order")
		}
	}

	if p.forwarder != nil {
		envelope := Envelope{
			EventID:   event.EventID,
			EventType: event.EventType,
			Version:   event.Version,
			Timestamp: event.Timestamp,
			Order:     rec,
		}
		if err := p.forwarder.Send(ctx, event.EventType, event.EventID, envelope); err != nil {
			return errors.Wrap(err, "failed to forward order event")
		}
	}
	return nil
}
