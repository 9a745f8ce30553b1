package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/pkg/jobs"
)

// OutboundMessage is a rendered, human-readable notification.
type OutboundMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// MessageSender delivers rendered notifications. Implementations may talk to
// an email gateway or chat webhook; failures are retried by the queue and
// eventually dropped, never surfaced to routing.
type MessageSender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// LogSender writes notifications to the structured log. It is the default
// sender for environments without a delivery channel.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a log-backed sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements MessageSender.
func (s *LogSender) Send(_ context.Context, msg OutboundMessage) error {
	s.logger.Info("notification",
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// NotificationService consumes routing events asynchronously and fans them
// out as messages. It satisfies RoutingNotifier; Notify never blocks routing
// beyond a buffered channel send.
type NotificationService struct {
	queue  *jobs.Queue
	sender MessageSender
	logger *zap.Logger
}

// NewNotificationService builds the service and its worker queue.
func NewNotificationService(sender MessageSender, logger *zap.Logger, cfg jobs.QueueConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = NewLogSender(logger)
	}
	svc := &NotificationService{sender: sender, logger: logger}
	cfg.Logger = logger
	svc.queue = jobs.NewQueue("notifications", svc.handle, cfg)
	return svc
}

// Start launches the worker pool.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Notify implements RoutingNotifier. Enqueue failures are logged and
// swallowed: notification is advisory, routing already committed.
func (s *NotificationService) Notify(event models.RoutingEvent) {
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    string(event.Kind),
		Payload: event,
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("dropping routing notification",
			zap.String("reimbursement_id", event.ReimbursementID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.RoutingEvent)
	if !ok {
		s.logger.Warn("unexpected notification payload", zap.String("job_id", job.ID))
		return nil
	}
	for _, msg := range renderMessages(event) {
		if err := s.sender.Send(ctx, msg); err != nil {
			return fmt.Errorf("send notification for %s: %w", event.ReimbursementID, err)
		}
	}
	return nil
}

// renderMessages turns one routing event into the messages it implies: the
// next approver learns about work, the submitter learns about progress.
func renderMessages(event models.RoutingEvent) []OutboundMessage {
	var msgs []OutboundMessage
	switch event.Kind {
	case models.RoutingEventSubmitted:
		if event.NextRole != nil {
			msgs = append(msgs, OutboundMessage{
				Recipient: string(*event.NextRole),
				Subject:   "Reimbursement awaiting your approval",
				Body:      fmt.Sprintf("A new %s reimbursement of %s (request %s) awaits %s approval.", event.Category, event.Total, event.ReimbursementID, *event.NextRole),
			})
		}
		msgs = append(msgs, OutboundMessage{
			Recipient: event.SubmitterID,
			Subject:   "Reimbursement submitted",
			Body:      fmt.Sprintf("Your %s reimbursement of %s (request %s) was submitted and routed for approval.", event.Category, event.Total, event.ReimbursementID),
		})
	case models.RoutingEventAdvanced:
		if event.NextRole != nil {
			msgs = append(msgs, OutboundMessage{
				Recipient: string(*event.NextRole),
				Subject:   "Reimbursement awaiting your approval",
				Body:      fmt.Sprintf("Reimbursement %s was approved by %s and now awaits %s approval.", event.ReimbursementID, event.ActorRole, *event.NextRole),
			})
		}
		msgs = append(msgs, OutboundMessage{
			Recipient: event.SubmitterID,
			Subject:   "Reimbursement progressing",
			Body:      fmt.Sprintf("Your reimbursement %s was approved by %s and moved to the next approver.", event.ReimbursementID, event.ActorRole),
		})
	case models.RoutingEventApproved:
		msgs = append(msgs, OutboundMessage{
			Recipient: event.SubmitterID,
			Subject:   "Reimbursement approved",
			Body:      fmt.Sprintf("Your %s reimbursement of %s (request %s) is fully approved and queued for payment.", event.Category, event.Total, event.ReimbursementID),
		})
	case models.RoutingEventRejected:
		body := fmt.Sprintf("Your reimbursement %s was rejected by %s.", event.ReimbursementID, event.ActorRole)
		if event.Remarks != "" {
			body = fmt.Sprintf("%s Reason: %s", body, event.Remarks)
		}
		msgs = append(msgs, OutboundMessage{
			Recipient: event.SubmitterID,
			Subject:   "Reimbursement rejected",
			Body:      body,
		})
	}
	return msgs
}
