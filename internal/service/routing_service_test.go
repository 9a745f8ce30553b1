package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
)

// routingStoreStub mimics the repository's transactional semantics in memory:
// terminal records reject the callback, the lowest pending level is handed to
// the callback, and the plan is applied atomically.
type routingStoreStub struct {
	records   map[string]*models.Reimbursement
	approvals map[string][]models.Approval
	seq       int

	// when set, Decide reports a lost race after the callback succeeded
	raceLoser bool
}

func newRoutingStoreStub() *routingStoreStub {
	return &routingStoreStub{
		records:   make(map[string]*models.Reimbursement),
		approvals: make(map[string][]models.Approval),
	}
}

func (s *routingStoreStub) Create(ctx context.Context, rec *models.Reimbursement, firstRole models.UserRole) error {
	s.seq++
	rec.ID = fmt.Sprintf("rb-%03d", s.seq)
	rec.Status = models.ReimbursementStatusPending
	role := firstRole
	rec.CurrentApprover = &role
	s.records[rec.ID] = rec
	s.approvals[rec.ID] = []models.Approval{{
		ID:              rec.ID + "-l1",
		ReimbursementID: rec.ID,
		ApprovalLevel:   1,
		ApproverRole:    firstRole,
		Status:          models.ApprovalStatusPending,
	}}
	return nil
}

func (s *routingStoreStub) GetByID(ctx context.Context, id string) (*models.Reimbursement, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *rec
	return &copy, nil
}

func (s *routingStoreStub) List(ctx context.Context, filter models.ReimbursementFilter) ([]models.Reimbursement, error) {
	out := make([]models.Reimbursement, 0, len(s.records))
	for _, rec := range s.records {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *routingStoreStub) SetReceiptRef(ctx context.Context, id, receiptRef string) error {
	rec, ok := s.records[id]
	if !ok {
		return sql.ErrNoRows
	}
	if rec.Status != models.ReimbursementStatusPending {
		return sql.ErrNoRows
	}
	ref := receiptRef
	rec.ReceiptRef = &ref
	return nil
}

func (s *routingStoreStub) Decide(ctx context.Context, id string, fn repository.DecideFunc) (*models.Reimbursement, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if rec.Status != models.ReimbursementStatusPending {
		return nil, repository.ErrTerminalState
	}
	levels := s.approvals[id]
	var pending *models.Approval
	for i := range levels {
		if levels[i].Status == models.ApprovalStatusPending {
			pending = &levels[i]
			break
		}
	}
	if pending == nil {
		return nil, repository.ErrLedgerInconsistent
	}

	snapshot := *rec
	level := *pending
	plan, err := fn(&snapshot, &level)
	if err != nil {
		return nil, err
	}
	if s.raceLoser {
		return nil, repository.ErrLevelConflict
	}

	pending.Status = plan.LevelStatus
	actorID := plan.ActorID
	pending.ApproverID = &actorID
	pending.Remarks = plan.Remarks
	decidedAt := plan.DecidedAt
	pending.DecidedAt = &decidedAt

	rec.Status = plan.RecordStatus
	rec.CurrentApprover = plan.NextApprover
	rec.ApprovedAt = plan.ApprovedAt
	if plan.NextApprover != nil {
		s.approvals[id] = append(s.approvals[id], models.Approval{
			ID:              fmt.Sprintf("%s-l%d", id, plan.NextLevel),
			ReimbursementID: id,
			ApprovalLevel:   plan.NextLevel,
			ApproverRole:    *plan.NextApprover,
			Status:          models.ApprovalStatusPending,
		})
	}
	copy := *rec
	return &copy, nil
}

func (s *routingStoreStub) ListByReimbursement(ctx context.Context, reimbursementID string) ([]models.Approval, error) {
	if _, ok := s.records[reimbursementID]; !ok {
		return nil, sql.ErrNoRows
	}
	return append([]models.Approval(nil), s.approvals[reimbursementID]...), nil
}

func (s *routingStoreStub) PendingForRole(ctx context.Context, role models.UserRole, limit, offset int) ([]models.Approval, []models.Reimbursement, error) {
	var approvals []models.Approval
	var records []models.Reimbursement
	for id, levels := range s.approvals {
		for _, level := range levels {
			if level.Status == models.ApprovalStatusPending && level.ApproverRole == role {
				approvals = append(approvals, level)
				records = append(records, *s.records[id])
			}
		}
	}
	return approvals, records, nil
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type notifierStub struct {
	events []models.RoutingEvent
}

func (n *notifierStub) Notify(event models.RoutingEvent) {
	n.events = append(n.events, event)
}

func testChain(t *testing.T) *models.ApprovalChain {
	t.Helper()
	chain, err := models.NewApprovalChain([]models.UserRole{models.RoleManager, models.RoleFinance, models.RoleDirector})
	require.NoError(t, err)
	return chain
}

func claimsFor(userID string, role models.UserRole) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: role}
}

func validSubmission() dto.CreateReimbursementRequest {
	return dto.CreateReimbursementRequest{
		Category:      models.CategoryExpense,
		Type:          "Team Lunch",
		Description:   "Client meeting lunch",
		Total:         "125.50",
		Merchant:      "Warung Sederhana",
		DateOfExpense: "2026-03-10",
		SAPCode:       "SAP-7001",
	}
}

func newTestRoutingService(t *testing.T) (*RoutingService, *routingStoreStub, *auditStub, *notifierStub) {
	t.Helper()
	store := newRoutingStoreStub()
	audit := &auditStub{}
	notifier := &notifierStub{}
	svc := NewRoutingService(store, store, testChain(t), audit, nil, WithRoutingNotifier(notifier))
	return svc, store, audit, notifier
}

func submitOne(t *testing.T, svc *RoutingService) *models.Reimbursement {
	t.Helper()
	rec, err := svc.Submit(context.Background(), validSubmission(), "emp-1")
	require.NoError(t, err)
	return rec
}

func TestSubmitSeedsFirstLevel(t *testing.T) {
	svc, store, audit, notifier := newTestRoutingService(t)

	rec := submitOne(t, svc)

	require.Equal(t, models.ReimbursementStatusPending, rec.Status)
	require.NotNil(t, rec.CurrentApprover)
	assert.Equal(t, models.RoleManager, *rec.CurrentApprover)
	assert.Equal(t, int64(12550), rec.TotalCents)

	levels := store.approvals[rec.ID]
	require.Len(t, levels, 1)
	assert.Equal(t, 1, levels[0].ApprovalLevel)
	assert.Equal(t, models.RoleManager, levels[0].ApproverRole)
	assert.Equal(t, models.ApprovalStatusPending, levels[0].Status)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.RoutingEventSubmitted, notifier.events[0].Kind)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionSubmit, audit.logs[0].Action)
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _, _ := newTestRoutingService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*dto.CreateReimbursementRequest)
	}{
		{"missing description", func(r *dto.CreateReimbursementRequest) { r.Description = "" }},
		{"unknown category", func(r *dto.CreateReimbursementRequest) { r.Category = "PARTY" }},
		{"zero total", func(r *dto.CreateReimbursementRequest) { r.Total = "0" }},
		{"negative total", func(r *dto.CreateReimbursementRequest) { r.Total = "-10.00" }},
		{"malformed total", func(r *dto.CreateReimbursementRequest) { r.Total = "12.5.0" }},
		{"bad date", func(r *dto.CreateReimbursementRequest) { r.DateOfExpense = "10-03-2026" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmission()
			tc.mutate(&req)
			_, err := svc.Submit(ctx, req, "emp-1")
			require.Error(t, err)
			assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
		})
	}
}

func TestDecideFullChainApproves(t *testing.T) {
	svc, store, _, notifier := newTestRoutingService(t)
	ctx := context.Background()
	rec := submitOne(t, svc)

	after, err := svc.Decide(ctx, rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "ok")
	require.NoError(t, err)
	require.NotNil(t, after.CurrentApprover)
	assert.Equal(t, models.RoleFinance, *after.CurrentApprover)
	assert.Equal(t, models.ReimbursementStatusPending, after.Status)

	after, err = svc.Decide(ctx, rec.ID, claimsFor("fin-1", models.RoleFinance), models.OutcomeApprove, "")
	require.NoError(t, err)
	require.NotNil(t, after.CurrentApprover)
	assert.Equal(t, models.RoleDirector, *after.CurrentApprover)

	after, err = svc.Decide(ctx, rec.ID, claimsFor("dir-1", models.RoleDirector), models.OutcomeApprove, "final")
	require.NoError(t, err)
	assert.Equal(t, models.ReimbursementStatusApproved, after.Status)
	assert.Nil(t, after.CurrentApprover)
	require.NotNil(t, after.ApprovedAt)

	levels := store.approvals[rec.ID]
	require.Len(t, levels, 3)
	for i, level := range levels {
		assert.Equal(t, i+1, level.ApprovalLevel)
		assert.Equal(t, models.ApprovalStatusApproved, level.Status)
		require.NotNil(t, level.DecidedAt)
	}

	kinds := make([]models.RoutingEventKind, 0, len(notifier.events))
	for _, event := range notifier.events {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []models.RoutingEventKind{
		models.RoutingEventSubmitted,
		models.RoutingEventAdvanced,
		models.RoutingEventAdvanced,
		models.RoutingEventApproved,
	}, kinds)
}

func TestDecideRejectMidChainIsTerminal(t *testing.T) {
	svc, store, _, notifier := newTestRoutingService(t)
	ctx := context.Background()
	rec := submitOne(t, svc)

	_, err := svc.Decide(ctx, rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	require.NoError(t, err)

	after, err := svc.Decide(ctx, rec.ID, claimsFor("fin-1", models.RoleFinance), models.OutcomeReject, "missing receipt")
	require.NoError(t, err)
	assert.Equal(t, models.ReimbursementStatusRejected, after.Status)
	assert.Nil(t, after.CurrentApprover)
	assert.Nil(t, after.ApprovedAt)

	// no level 3 entry is ever created
	levels := store.approvals[rec.ID]
	require.Len(t, levels, 2)
	assert.Equal(t, models.ApprovalStatusRejected, levels[1].Status)
	require.NotNil(t, levels[1].Remarks)
	assert.Equal(t, "missing receipt", *levels[1].Remarks)

	last := notifier.events[len(notifier.events)-1]
	assert.Equal(t, models.RoutingEventRejected, last.Kind)

	// the director can no longer act
	_, err = svc.Decide(ctx, rec.ID, claimsFor("dir-1", models.RoleDirector), models.OutcomeApprove, "")
	assertAppErrorCode(t, err, appErrors.ErrAlreadyDecided.Code)
}

func TestDecideRejectRequiresRemarks(t *testing.T) {
	svc, _, _, _ := newTestRoutingService(t)
	rec := submitOne(t, svc)

	_, err := svc.Decide(context.Background(), rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeReject, "   ")
	assertAppErrorCode(t, err, appErrors.ErrMissingRemarks.Code)
}

func TestDecideWrongTurn(t *testing.T) {
	svc, _, _, _ := newTestRoutingService(t)
	ctx := context.Background()
	rec := submitOne(t, svc)

	// finance cannot act while level 1 awaits the manager
	_, err := svc.Decide(ctx, rec.ID, claimsFor("fin-1", models.RoleFinance), models.OutcomeApprove, "")
	assertAppErrorCode(t, err, appErrors.ErrWrongTurn.Code)

	// the manager cannot act twice
	_, err = svc.Decide(ctx, rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	require.NoError(t, err)
	_, err = svc.Decide(ctx, rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	assertAppErrorCode(t, err, appErrors.ErrWrongTurn.Code)

	// roles outside the chain are refused before any lookup
	_, err = svc.Decide(ctx, rec.ID, claimsFor("emp-1", models.RoleEmployee), models.OutcomeApprove, "")
	assertAppErrorCode(t, err, appErrors.ErrWrongTurn.Code)
}

func TestDecideUnknownIDAndOutcome(t *testing.T) {
	svc, _, _, _ := newTestRoutingService(t)
	ctx := context.Background()

	_, err := svc.Decide(ctx, "rb-404", claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	assertAppErrorCode(t, err, appErrors.ErrNotFound.Code)

	rec := submitOne(t, svc)
	_, err = svc.Decide(ctx, rec.ID, claimsFor("mgr-1", models.RoleManager), "MAYBE", "")
	assertAppErrorCode(t, err, appErrors.ErrValidation.Code)
}

func TestDecideLostRaceIsRetryableConflict(t *testing.T) {
	svc, store, _, _ := newTestRoutingService(t)
	rec := submitOne(t, svc)

	store.raceLoser = true
	_, err := svc.Decide(context.Background(), rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	assertAppErrorCode(t, err, appErrors.ErrDecisionConflict.Code)

	// the record is untouched, so a retry can succeed
	store.raceLoser = false
	after, err := svc.Decide(context.Background(), rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	require.NoError(t, err)
	require.NotNil(t, after.CurrentApprover)
	assert.Equal(t, models.RoleFinance, *after.CurrentApprover)
}

func TestDetailDerivesDisplayStatusAndVisibility(t *testing.T) {
	svc, _, _, _ := newTestRoutingService(t)
	ctx := context.Background()
	rec := submitOne(t, svc)

	detail, err := svc.Detail(ctx, rec.ID, claimsFor("emp-1", models.RoleEmployee))
	require.NoError(t, err)
	assert.Equal(t, "PENDING", detail.DisplayStatus)

	_, err = svc.Decide(ctx, rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	require.NoError(t, err)

	detail, err = svc.Detail(ctx, rec.ID, claimsFor("emp-1", models.RoleEmployee))
	require.NoError(t, err)
	assert.Equal(t, "PENDING", detail.Status)
	assert.Equal(t, "MANAGER_APPROVED", detail.DisplayStatus)
	require.Len(t, detail.Trail, 2)
	assert.Equal(t, "APPROVED", detail.Trail[0].Status)
	assert.Equal(t, "PENDING", detail.Trail[1].Status)

	// other employees cannot see it, approvers and admins can
	_, err = svc.Detail(ctx, rec.ID, claimsFor("emp-2", models.RoleEmployee))
	assertAppErrorCode(t, err, appErrors.ErrForbidden.Code)
	_, err = svc.Detail(ctx, rec.ID, claimsFor("dir-1", models.RoleDirector))
	require.NoError(t, err)
	_, err = svc.Detail(ctx, rec.ID, claimsFor("adm-1", models.RoleAdmin))
	require.NoError(t, err)
}

func TestPendingForRole(t *testing.T) {
	svc, _, _, _ := newTestRoutingService(t)
	ctx := context.Background()
	first := submitOne(t, svc)
	second := submitOne(t, svc)

	_, err := svc.Decide(ctx, first.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	require.NoError(t, err)

	managerQueue, err := svc.PendingForRole(ctx, claimsFor("mgr-1", models.RoleManager), 50, 0)
	require.NoError(t, err)
	require.Len(t, managerQueue, 1)
	assert.Equal(t, second.ID, managerQueue[0].ReimbursementID)

	financeQueue, err := svc.PendingForRole(ctx, claimsFor("fin-1", models.RoleFinance), 50, 0)
	require.NoError(t, err)
	require.Len(t, financeQueue, 1)
	assert.Equal(t, first.ID, financeQueue[0].ReimbursementID)
	assert.Equal(t, 2, financeQueue[0].ApprovalLevel)

	_, err = svc.PendingForRole(ctx, claimsFor("emp-1", models.RoleEmployee), 50, 0)
	assertAppErrorCode(t, err, appErrors.ErrForbidden.Code)
}

func TestListScopesEmployeesToOwnRecords(t *testing.T) {
	svc, store, _, _ := newTestRoutingService(t)
	ctx := context.Background()
	submitOne(t, svc)

	other := &models.Reimbursement{UserID: "emp-2", Category: models.CategoryExpense, TotalCents: 5000, Status: models.ReimbursementStatusPending}
	require.NoError(t, store.Create(ctx, other, models.RoleManager))

	mine, err := svc.List(ctx, dto.ReimbursementQuery{UserID: "emp-2"}, claimsFor("emp-1", models.RoleEmployee))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "emp-1", mine[0].UserID)

	all, err := svc.List(ctx, dto.ReimbursementQuery{}, claimsFor("adm-1", models.RoleAdmin))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAttachReceiptOnlyWhilePending(t *testing.T) {
	svc, _, _, _ := newTestRoutingService(t)
	ctx := context.Background()
	rec := submitOne(t, svc)

	err := svc.AttachReceipt(ctx, rec.ID, "receipts/2026/03/r1.pdf", claimsFor("emp-1", models.RoleEmployee))
	require.NoError(t, err)

	err = svc.AttachReceipt(ctx, rec.ID, "receipts/x.pdf", claimsFor("emp-2", models.RoleEmployee))
	assertAppErrorCode(t, err, appErrors.ErrForbidden.Code)

	_, err = svc.Decide(ctx, rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeReject, "no")
	require.NoError(t, err)
	err = svc.AttachReceipt(ctx, rec.ID, "receipts/late.pdf", claimsFor("emp-1", models.RoleEmployee))
	assertAppErrorCode(t, err, appErrors.ErrAlreadyDecided.Code)
}

func TestDecideStampsInjectedClock(t *testing.T) {
	store := newRoutingStoreStub()
	fixed := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
	svc := NewRoutingService(store, store, testChain(t), nil, nil, WithRoutingClock(func() time.Time { return fixed }))

	rec, err := svc.Submit(context.Background(), validSubmission(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, fixed, rec.SubmittedAt)

	_, err = svc.Decide(context.Background(), rec.ID, claimsFor("mgr-1", models.RoleManager), models.OutcomeApprove, "")
	require.NoError(t, err)
	require.NotNil(t, store.approvals[rec.ID][0].DecidedAt)
	assert.Equal(t, fixed, *store.approvals[rec.ID][0].DecidedAt)
}

func assertAppErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, appErrors.FromError(err).Code)
}
