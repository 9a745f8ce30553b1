package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/pkg/jobs"
)

type senderStub struct {
	mu       sync.Mutex
	messages []OutboundMessage
	done     chan struct{}
	expect   int
}

func newSenderStub(expect int) *senderStub {
	return &senderStub{done: make(chan struct{}), expect: expect}
}

func (s *senderStub) Send(_ context.Context, msg OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if len(s.messages) == s.expect {
		close(s.done)
	}
	return nil
}

func (s *senderStub) wait(t *testing.T) []OutboundMessage {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notifications")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboundMessage(nil), s.messages...)
}

func TestNotificationServiceDeliversRoutingEvents(t *testing.T) {
	sender := newSenderStub(2)
	svc := NewNotificationService(sender, nil, jobs.QueueConfig{Workers: 1, RetryDelay: time.Millisecond})
	svc.Start(context.Background())
	defer svc.Stop()

	next := models.RoleManager
	svc.Notify(models.RoutingEvent{
		Kind:            models.RoutingEventSubmitted,
		ReimbursementID: "rb-001",
		SubmitterID:     "emp-1",
		NextRole:        &next,
		Total:           "125.50",
		Category:        "EXPENSE",
	})

	messages := sender.wait(t)
	require.Len(t, messages, 2)
	assert.Equal(t, "MANAGER", messages[0].Recipient)
	assert.Contains(t, messages[0].Body, "rb-001")
	assert.Contains(t, messages[0].Body, "125.50")
	assert.Equal(t, "emp-1", messages[1].Recipient)
}

func TestNotificationServiceDropsWhenNotStarted(t *testing.T) {
	sender := newSenderStub(1)
	svc := NewNotificationService(sender, nil, jobs.QueueConfig{Workers: 1})

	// must not panic or block while the queue is stopped
	svc.Notify(models.RoutingEvent{Kind: models.RoutingEventApproved, ReimbursementID: "rb-002", SubmitterID: "emp-1"})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Empty(t, sender.messages)
}

func TestRenderMessages(t *testing.T) {
	next := models.RoleFinance

	t.Run("advanced notifies next role and submitter", func(t *testing.T) {
		msgs := renderMessages(models.RoutingEvent{
			Kind:            models.RoutingEventAdvanced,
			ReimbursementID: "rb-010",
			SubmitterID:     "emp-7",
			ActorRole:       models.RoleManager,
			NextRole:        &next,
		})
		require.Len(t, msgs, 2)
		assert.Equal(t, "FINANCE", msgs[0].Recipient)
		assert.Contains(t, msgs[0].Body, "MANAGER")
		assert.Equal(t, "emp-7", msgs[1].Recipient)
	})

	t.Run("rejected includes remarks", func(t *testing.T) {
		msgs := renderMessages(models.RoutingEvent{
			Kind:            models.RoutingEventRejected,
			ReimbursementID: "rb-011",
			SubmitterID:     "emp-7",
			ActorRole:       models.RoleFinance,
			Remarks:         "missing receipt",
		})
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].Body, "missing receipt")
		assert.Equal(t, "Reimbursement rejected", msgs[0].Subject)
	})

	t.Run("approved notifies submitter only", func(t *testing.T) {
		msgs := renderMessages(models.RoutingEvent{
			Kind:            models.RoutingEventApproved,
			ReimbursementID: "rb-012",
			SubmitterID:     "emp-7",
			Total:           "40.00",
		})
		require.Len(t, msgs, 1)
		assert.Equal(t, "emp-7", msgs[0].Recipient)
	})
}
