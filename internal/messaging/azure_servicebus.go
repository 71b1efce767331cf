package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/orders/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const receiveBatchSize = 10

// MessageProcessor handles one received message. An error abandons it for redelivery.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// AzureClient wraps the Service Bus client used by the worker
type AzureClient struct {
	client *azservicebus.Client
}

// NewAzureClient creates a new Azure Service Bus client
func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}
	return &AzureClient{client: client}, nil
}

// Consume receives messages from queueName until ctx is done
func (a *AzureClient) Consume(ctx context.Context, queueName string, processor MessageProcessor) error {
	receiver, err := a.client.NewReceiverForQueue(queueName, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create receiver for queue %s", queueName)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("queue", queueName).Msg("Error closing receiver")
		}
	}()

	log.Info().Str("queue", queueName).Msg("Starting consumer")
	for {
		messages, err := receiver.ReceiveMessages(ctx, receiveBatchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Str("queue", queueName).Msg("Consumer stopped")
				return nil
			}
			log.Error().Err(err).Str("queue", queueName).Msg("Error receiving messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, message := range messages {
			settle(ctx, receiver, message, processor)
		}
	}
}

// settler is the part of the receiver used to acknowledge messages
type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
}

func settle(ctx context.Context, receiver settler, message *azservicebus.ReceivedMessage, processor MessageProcessor) {
	// settlement must survive a shutdown that started mid-batch
	settleCtx := context.WithoutCancel(ctx)

	if err := processor.ProcessMessage(ctx, message); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
		if err := receiver.AbandonMessage(settleCtx, message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error abandoning message")
		}
		return
	}

	if err := receiver.CompleteMessage(settleCtx, message, nil); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error completing message")
	}
}

// Sender publishes JSON messages to one queue
type Sender struct {
	sender    *azservicebus.Sender
	queueName string
}

// NewSender creates a sender for queueName
func (a *AzureClient) NewSender(queueName string) (*Sender, error) {
	sender, err := a.client.NewSender(queueName, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sender for queue %s", queueName)
	}
	return &Sender{sender: sender, queueName: queueName}, nil
}

// Send marshals body and sends it with subject as the message Subject
func (s *Sender) Send(ctx context.Context, subject, messageID string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message body")
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		ContentType: &contentType,
		Subject:     &subject,
		ApplicationProperties: map[string]interface{}{
			"source": "orders",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}
	if messageID != "" {
		msg.MessageID = &messageID
	}

	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send message to %s", s.queueName)
	}
	return nil
}

// Close closes the sender
func (s *Sender) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

// Close closes the Service Bus client
func (a *AzureClient) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}
