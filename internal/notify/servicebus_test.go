package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error {
	args := m.Called(ctx, message, options)
	return args.Error(0)
}

func (m *mockSender) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func invitation() Invitation {
	return Invitation{
		InvitationID:   "inv-1",
		OrganizationID: "org-1",
		Organization:   "Acme",
		Email:          "admin@acme.test",
		Token:          "secret",
		ExpiresAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CorrelationID:  "corr-1",
	}
}

func TestSendInvitationUsesStableMessageID(t *testing.T) {
	sender := new(mockSender)
	sender.On("SendMessage", mock.Anything, mock.MatchedBy(func(msg *azservicebus.Message) bool {
		var body Invitation
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return false
		}
		return *msg.MessageID == "invitation-inv-1" &&
			*msg.CorrelationID == "corr-1" &&
			body.Email == "admin@acme.test" &&
			msg.ApplicationProperties["organization_id"] == "org-1"
	}), (*azservicebus.SendMessageOptions)(nil)).Return(nil).Twice()

	n := &ServiceBusNotifier{sender: sender, queue: "tenant-notifications"}

	first, err := n.SendInvitation(context.Background(), invitation())
	require.NoError(t, err)
	second, err := n.SendInvitation(context.Background(), invitation())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	sender.AssertExpectations(t)
}

func TestSendInvitationFailure(t *testing.T) {
	sender := new(mockSender)
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("amqp link detached"))

	n := &ServiceBusNotifier{sender: sender, queue: "tenant-notifications"}
	_, err := n.SendInvitation(context.Background(), invitation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inv-1")
}

func TestCloseClosesSender(t *testing.T) {
	sender := new(mockSender)
	sender.On("Close", mock.Anything).Return(nil)

	n := &ServiceBusNotifier{sender: sender}
	require.NoError(t, n.Close())
	sender.AssertExpectations(t)
}

func TestNewServiceBusNotifierRequiresConnectionString(t *testing.T) {
	_, err := NewServiceBusNotifier(config.AzureConfig{NotificationQueueName: "q"})
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	id, err := LogNotifier{}.SendInvitation(context.Background(), invitation())
	require.NoError(t, err)
	assert.Equal(t, MessageID("inv-1"), id)
}
