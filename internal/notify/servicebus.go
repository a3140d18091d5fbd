package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

// Invitation is the message asking a new principal to join an organization
type Invitation struct {
	InvitationID   string    `json:"invitation_id"`
	OrganizationID string    `json:"organization_id"`
	Organization   string    `json:"organization"`
	Email          string    `json:"email"`
	Name           string    `json:"name,omitempty"`
	Token          string    `json:"token"`
	URL            string    `json:"url,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

// Notifier dispatches notifications. Sending the same invitation twice yields
// the same message id.
type Notifier interface {
	SendInvitation(ctx context.Context, inv Invitation) (string, error)
	Close() error
}

// messageSender is the part of *azservicebus.Sender the notifier uses
type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// ServiceBusNotifier enqueues notifications on an Azure Service Bus queue
// for the delivery service.
type ServiceBusNotifier struct {
	client *azservicebus.Client
	sender messageSender
	queue  string
}

// NewServiceBusNotifier creates a notifier for the configured queue
func NewServiceBusNotifier(cfg config.AzureConfig) (*ServiceBusNotifier, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.NotificationQueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &ServiceBusNotifier{client: client, sender: sender, queue: cfg.NotificationQueueName}, nil
}

// SendInvitation enqueues an invitation. The message id is derived from the
// invitation id so the queue's duplicate detection drops resends.
func (n *ServiceBusNotifier) SendInvitation(ctx context.Context, inv Invitation) (string, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invitation: %w", err)
	}

	messageID := MessageID(inv.InvitationID)
	contentType := "application/json"
	subject := "invitation"
	msg := &azservicebus.Message{
		MessageID:   &messageID,
		ContentType: &contentType,
		Subject:     &subject,
		Body:        data,
		ApplicationProperties: map[string]interface{}{
			"source":          "tenant-backbone",
			"organization_id": inv.OrganizationID,
			"time":            time.Now().UTC().Format(time.RFC3339),
		},
	}
	if inv.CorrelationID != "" {
		msg.CorrelationID = &inv.CorrelationID
	}

	if err := n.sender.SendMessage(ctx, msg, nil); err != nil {
		metrics.Get().RecordError(metrics.ErrorTypeMessaging)
		return "", fmt.Errorf("failed to send invitation %s: %w", inv.InvitationID, err)
	}

	metrics.Get().Inc(metrics.CounterNotificationsSent)
	log.Info().Str("invitation_id", inv.InvitationID).Str("queue", n.queue).Str("message_id", messageID).Msg("Invitation enqueued")
	return messageID, nil
}

// Close closes the sender and the client
func (n *ServiceBusNotifier) Close() error {
	if n.sender != nil {
		if err := n.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if n.client != nil {
		return n.client.Close(context.Background())
	}
	return nil
}

// MessageID returns the notification message id of an invitation
func MessageID(invitationID string) string {
	return "invitation-" + invitationID
}

// LogNotifier only logs notifications. It stands in when no queue is configured.
type LogNotifier struct{}

// SendInvitation logs the invitation
func (LogNotifier) SendInvitation(ctx context.Context, inv Invitation) (string, error) {
	log.Warn().Str("invitation_id", inv.InvitationID).Str("email", inv.Email).Msg("No notification queue configured, invitation only logged")
	return MessageID(inv.InvitationID), nil
}

// Close does nothing
func (LogNotifier) Close() error {
	return nil
}
