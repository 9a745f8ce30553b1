package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
)

type reimbursementStore interface {
	Create(ctx context.Context, rec *models.Reimbursement, firstRole models.UserRole) error
	GetByID(ctx context.Context, id string) (*models.Reimbursement, error)
	List(ctx context.Context, filter models.ReimbursementFilter) ([]models.Reimbursement, error)
	SetReceiptRef(ctx context.Context, id, receiptRef string) error
	Decide(ctx context.Context, id string, fn repository.DecideFunc) (*models.Reimbursement, error)
}

type approvalLedger interface {
	ListByReimbursement(ctx context.Context, reimbursementID string) ([]models.Approval, error)
	PendingForRole(ctx context.Context, role models.UserRole, limit, offset int) ([]models.Approval, []models.Reimbursement, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// RoutingNotifier receives routing events after a committed transaction.
// Delivery is best-effort; implementations must never block routing.
type RoutingNotifier interface {
	Notify(event models.RoutingEvent)
}

// RoutingNotifierFunc allows plain functions as notifiers.
type RoutingNotifierFunc func(event models.RoutingEvent)

// Notify implements RoutingNotifier.
func (f RoutingNotifierFunc) Notify(event models.RoutingEvent) {
	f(event)
}

// RoutingService is the sole authority over the reimbursement lifecycle: it
// validates whose turn it is, writes the ledger decision, and advances or
// terminates the record. Everything else in the system only reads.
type RoutingService struct {
	repo      reimbursementStore
	ledger    approvalLedger
	chain     *models.ApprovalChain
	notifier  RoutingNotifier
	audit     auditLogger
	metrics   *MetricsService
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// RoutingServiceOption configures the service.
type RoutingServiceOption func(*RoutingService)

// WithRoutingNotifier sets the post-commit event sink.
func WithRoutingNotifier(n RoutingNotifier) RoutingServiceOption {
	return func(s *RoutingService) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithRoutingMetrics attaches the metrics service.
func WithRoutingMetrics(m *MetricsService) RoutingServiceOption {
	return func(s *RoutingService) { s.metrics = m }
}

// WithRoutingCache attaches the cache used for dashboard invalidation.
func WithRoutingCache(c *CacheService) RoutingServiceOption {
	return func(s *RoutingService) { s.cache = c }
}

// WithRoutingClock overrides the time source (tests).
func WithRoutingClock(now func() time.Time) RoutingServiceOption {
	return func(s *RoutingService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRoutingService constructs the routing engine around an injected
// approval chain.
func NewRoutingService(repo reimbursementStore, ledger approvalLedger, chain *models.ApprovalChain, audit auditLogger, logger *zap.Logger, opts ...RoutingServiceOption) *RoutingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &RoutingService{
		repo:      repo,
		ledger:    ledger,
		chain:     chain,
		audit:     audit,
		notifier:  RoutingNotifierFunc(func(models.RoutingEvent) {}),
		validator: validator.New(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Chain exposes the injected role sequence (read-only copy).
func (s *RoutingService) Chain() []models.UserRole {
	return s.chain.Roles()
}

// Submit validates the payload and creates the reimbursement at level 1 of
// the chain. The level-1 ledger entry is seeded in the same transaction.
func (s *RoutingService) Submit(ctx context.Context, req dto.CreateReimbursementRequest, userID string) (*models.Reimbursement, error) {
	if userID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reimbursement payload")
	}
	switch req.Category {
	case models.CategoryExpense, models.CategoryOvertime, models.CategoryTravel, models.CategoryMedical:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported category: %s", req.Category))
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "description is required")
	}
	cents, err := models.ParseCents(req.Total)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid total: %v", err))
	}
	if cents <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "total must be greater than zero")
	}
	expenseDate, err := time.Parse("2006-01-02", req.DateOfExpense)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "date_of_expense must be YYYY-MM-DD")
	}

	rec := &models.Reimbursement{
		UserID:        userID,
		Category:      req.Category,
		Type:          strings.TrimSpace(req.Type),
		Description:   strings.TrimSpace(req.Description),
		Items:         req.Items,
		TotalCents:    cents,
		Merchant:      strings.TrimSpace(req.Merchant),
		DateOfExpense: expenseDate,
		SAPCode:       strings.TrimSpace(req.SAPCode),
		SubmittedAt:   s.now(),
	}
	if ref := strings.TrimSpace(req.Receipt); ref != "" {
		rec.ReceiptRef = &ref
	}

	if err := s.repo.Create(ctx, rec, s.chain.First()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create reimbursement")
	}

	s.metrics.RecordDecision("submitted")
	s.emitAudit(ctx, userID, models.AuditActionSubmit, rec.ID, nil)
	s.invalidateProjections(ctx)

	first := s.chain.First()
	s.notifier.Notify(models.RoutingEvent{
		Kind:            models.RoutingEventSubmitted,
		ReimbursementID: rec.ID,
		SubmitterID:     rec.UserID,
		NextRole:        &first,
		Total:           rec.Total(),
		Category:        string(rec.Category),
	})
	return rec, nil
}

// Decide applies one approver action. The turn check, ledger write, record
// transition and optional next-level seed all happen inside a single storage
// transaction owned by the repository; this method only plans the outcome
// and translates failures.
func (s *RoutingService) Decide(ctx context.Context, id string, actor *models.JWTClaims, outcome models.DecisionOutcome, remarks string) (*models.Reimbursement, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if outcome != models.OutcomeApprove && outcome != models.OutcomeReject {
		return nil, appErrors.Clone(appErrors.ErrValidation, "outcome must be APPROVE or REJECT")
	}
	trimmed := strings.TrimSpace(remarks)
	if outcome == models.OutcomeReject && trimmed == "" {
		return nil, appErrors.ErrMissingRemarks
	}
	if !s.chain.Contains(actor.Role) {
		return nil, appErrors.ErrWrongTurn
	}

	var submitterID string
	var nextRole *models.UserRole
	rec, err := s.repo.Decide(ctx, id, func(rec *models.Reimbursement, level *models.Approval) (repository.DecisionPlan, error) {
		submitterID = rec.UserID
		if rec.CurrentApprover == nil {
			return repository.DecisionPlan{}, appErrors.Clone(appErrors.ErrInternal, "pending reimbursement has no current approver")
		}
		// Both checks matter: the record pointer defends against a stale
		// client racing a level change, the ledger role is the source of
		// truth for the level itself.
		if *rec.CurrentApprover != actor.Role || level.ApproverRole != actor.Role {
			return repository.DecisionPlan{}, appErrors.ErrWrongTurn
		}

		now := s.now()
		plan := repository.DecisionPlan{
			ActorID:   actor.UserID,
			Remarks:   optionalString(trimmed),
			DecidedAt: now,
		}
		if outcome == models.OutcomeReject {
			plan.LevelStatus = models.ApprovalStatusRejected
			plan.RecordStatus = models.ReimbursementStatusRejected
			return plan, nil
		}

		plan.LevelStatus = models.ApprovalStatusApproved
		if next, ok := s.chain.Next(actor.Role); ok {
			plan.RecordStatus = models.ReimbursementStatusPending
			plan.NextApprover = &next
			plan.NextLevel = level.ApprovalLevel + 1
			nextRole = &next
		} else {
			plan.RecordStatus = models.ReimbursementStatusApproved
			approvedAt := now
			plan.ApprovedAt = &approvedAt
		}
		return plan, nil
	})
	if err != nil {
		return nil, s.translateDecideError(err)
	}

	kind := models.RoutingEventRejected
	action := models.AuditActionReject
	metric := "rejected"
	if outcome == models.OutcomeApprove {
		if nextRole != nil {
			kind = models.RoutingEventAdvanced
			metric = "advanced"
		} else {
			kind = models.RoutingEventApproved
			metric = "approved"
		}
		action = models.AuditActionApprove
	}

	s.metrics.RecordDecision(metric)
	s.emitAudit(ctx, actor.UserID, action, rec.ID, optionalString(trimmed))
	s.invalidateProjections(ctx)

	s.notifier.Notify(models.RoutingEvent{
		Kind:            kind,
		ReimbursementID: rec.ID,
		SubmitterID:     submitterID,
		ActorID:         actor.UserID,
		ActorRole:       actor.Role,
		NextRole:        nextRole,
		Remarks:         trimmed,
		Total:           rec.Total(),
		Category:        string(rec.Category),
	})
	return rec, nil
}

func (s *RoutingService) translateDecideError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.ErrNotFound
	case errors.Is(err, repository.ErrTerminalState):
		return appErrors.ErrAlreadyDecided
	case errors.Is(err, repository.ErrLevelConflict):
		if s.metrics != nil {
			s.metrics.RecordDecision("conflict")
		}
		return appErrors.ErrDecisionConflict
	case errors.Is(err, repository.ErrLedgerInconsistent):
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "approval ledger inconsistent")
	default:
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply decision")
	}
}

// Detail returns the reimbursement with its full approval trail, enforcing
// submitter/approver visibility.
func (s *RoutingService) Detail(ctx context.Context, id string, actor *models.JWTClaims) (*dto.ReimbursementDetail, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reimbursement")
	}
	if !s.canView(actor, rec) {
		return nil, appErrors.ErrForbidden
	}
	trail, err := s.ledger.ListByReimbursement(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval trail")
	}
	detail := s.project(rec)
	detail.Trail = projectTrail(trail)
	return detail, nil
}

// Trail returns the ordered ledger entries only.
func (s *RoutingService) Trail(ctx context.Context, id string, actor *models.JWTClaims) ([]dto.TrailEntry, error) {
	detail, err := s.Detail(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return detail.Trail, nil
}

// List returns reimbursements visible to the actor. Employees always see
// their own submissions; admins and chain members may filter by user.
func (s *RoutingService) List(ctx context.Context, query dto.ReimbursementQuery, actor *models.JWTClaims) ([]dto.ReimbursementDetail, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.ReimbursementFilter{
		Status:   query.Status,
		Category: query.Category,
		Limit:    query.Limit,
		Offset:   query.Offset,
	}
	if actor.Role == models.RoleAdmin || s.chain.Contains(actor.Role) {
		filter.UserID = query.UserID
	} else {
		filter.UserID = actor.UserID
	}
	records, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list reimbursements")
	}
	out := make([]dto.ReimbursementDetail, 0, len(records))
	for i := range records {
		out = append(out, *s.project(&records[i]))
	}
	return out, nil
}

// PendingForRole builds the work queue for the actor's role: every
// reimbursement whose pending ledger entry awaits that role.
func (s *RoutingService) PendingForRole(ctx context.Context, actor *models.JWTClaims, limit, offset int) ([]dto.PendingApprovalItem, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !s.chain.Contains(actor.Role) {
		return nil, appErrors.ErrForbidden
	}
	approvals, records, err := s.ledger.PendingForRole(ctx, actor.Role, limit, offset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending approvals")
	}
	items := make([]dto.PendingApprovalItem, 0, len(approvals))
	for i := range approvals {
		items = append(items, dto.PendingApprovalItem{
			ReimbursementID: approvals[i].ReimbursementID,
			SubmitterID:     records[i].UserID,
			Category:        string(records[i].Category),
			Description:     records[i].Description,
			Total:           records[i].Total(),
			ApprovalLevel:   approvals[i].ApprovalLevel,
			SubmittedAt:     records[i].SubmittedAt,
		})
	}
	return items, nil
}

// AttachReceipt links an uploaded receipt to a still-pending reimbursement.
func (s *RoutingService) AttachReceipt(ctx context.Context, id, receiptRef string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reimbursement")
	}
	if rec.UserID != actor.UserID && actor.Role != models.RoleAdmin {
		return appErrors.ErrForbidden
	}
	if err := s.repo.SetReceiptRef(ctx, id, receiptRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrAlreadyDecided
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to attach receipt")
	}
	s.emitAudit(ctx, actor.UserID, models.AuditActionReceiptUpload, id, &receiptRef)
	return nil
}

func (s *RoutingService) canView(actor *models.JWTClaims, rec *models.Reimbursement) bool {
	if actor.Role == models.RoleAdmin || s.chain.Contains(actor.Role) {
		return true
	}
	return rec.UserID == actor.UserID
}

// project derives the display status from the routing position: a request
// past level 1 shows which role last approved it.
func (s *RoutingService) project(rec *models.Reimbursement) *dto.ReimbursementDetail {
	display := string(rec.Status)
	if rec.Status == models.ReimbursementStatusPending && rec.CurrentApprover != nil {
		if level := s.chain.Level(*rec.CurrentApprover); level > 1 {
			if prev, ok := s.chain.At(level - 1); ok {
				display = fmt.Sprintf("%s_APPROVED", prev)
			}
		}
	}
	return &dto.ReimbursementDetail{
		ID:              rec.ID,
		UserID:          rec.UserID,
		Category:        string(rec.Category),
		Type:            rec.Type,
		Description:     rec.Description,
		Items:           rec.Items,
		Total:           rec.Total(),
		Merchant:        rec.Merchant,
		DateOfExpense:   rec.DateOfExpense,
		SAPCode:         rec.SAPCode,
		Status:          string(rec.Status),
		DisplayStatus:   display,
		CurrentApprover: rec.CurrentApprover,
		ReceiptRef:      rec.ReceiptRef,
		SubmittedAt:     rec.SubmittedAt,
		ApprovedAt:      rec.ApprovedAt,
	}
}

func projectTrail(entries []models.Approval) []dto.TrailEntry {
	out := make([]dto.TrailEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, dto.TrailEntry{
			ApprovalLevel: entry.ApprovalLevel,
			ApproverRole:  entry.ApproverRole,
			ApproverID:    entry.ApproverID,
			Status:        string(entry.Status),
			Remarks:       entry.Remarks,
			DecidedAt:     entry.DecidedAt,
		})
	}
	return out
}

func (s *RoutingService) emitAudit(ctx context.Context, userID, action, resourceID string, note *string) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "reimbursement",
		ResourceID: &resourceID,
		IPAddress:  "system",
		UserAgent:  "routing-service",
	}
	if note != nil {
		log.NewValues = []byte(fmt.Sprintf(`{"remarks":%q}`, *note))
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func (s *RoutingService) invalidateProjections(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, "dashboard:*"); err != nil {
		s.logger.Warn("failed to invalidate dashboard cache", zap.Error(err))
	}
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
