package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/middleware"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	"github.com/noah-isme/reimburse-api/internal/service"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memoryRoutingStore backs the routing service for handler tests with the
// same lock-and-plan semantics as the SQL repository.
type memoryRoutingStore struct {
	records   map[string]*models.Reimbursement
	approvals map[string][]models.Approval
	seq       int
}

func newMemoryRoutingStore() *memoryRoutingStore {
	return &memoryRoutingStore{
		records:   make(map[string]*models.Reimbursement),
		approvals: make(map[string][]models.Approval),
	}
}

func (s *memoryRoutingStore) Create(ctx context.Context, rec *models.Reimbursement, firstRole models.UserRole) error {
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

func (s *memoryRoutingStore) GetByID(ctx context.Context, id string) (*models.Reimbursement, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *rec
	return &copy, nil
}

func (s *memoryRoutingStore) List(ctx context.Context, filter models.ReimbursementFilter) ([]models.Reimbursement, error) {
	out := make([]models.Reimbursement, 0, len(s.records))
	for _, rec := range s.records {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *memoryRoutingStore) SetReceiptRef(ctx context.Context, id, receiptRef string) error {
	rec, ok := s.records[id]
	if !ok || rec.Status != models.ReimbursementStatusPending {
		return sql.ErrNoRows
	}
	ref := receiptRef
	rec.ReceiptRef = &ref
	return nil
}

func (s *memoryRoutingStore) Decide(ctx context.Context, id string, fn repository.DecideFunc) (*models.Reimbursement, error) {
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

func (s *memoryRoutingStore) ListByReimbursement(ctx context.Context, reimbursementID string) ([]models.Approval, error) {
	if _, ok := s.records[reimbursementID]; !ok {
		return nil, sql.ErrNoRows
	}
	return append([]models.Approval(nil), s.approvals[reimbursementID]...), nil
}

func (s *memoryRoutingStore) PendingForRole(ctx context.Context, role models.UserRole, limit, offset int) ([]models.Approval, []models.Reimbursement, error) {
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

func newRoutingServiceForHandlers(t *testing.T) (*service.RoutingService, *memoryRoutingStore) {
	t.Helper()
	store := newMemoryRoutingStore()
	chain, err := models.NewApprovalChain([]models.UserRole{models.RoleManager, models.RoleFinance, models.RoleDirector})
	require.NoError(t, err)
	return service.NewRoutingService(store, store, chain, nil, nil), store
}

func asUser(userID string, role models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: userID, Role: role})
	}
}

func performJSON(t *testing.T, router *gin.Engine, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	envelope := decodeEnvelope(t, rec)
	errObj, ok := envelope["error"].(map[string]interface{})
	require.True(t, ok, "expected error envelope, got %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func submissionRequest() dto.CreateReimbursementRequest {
	return dto.CreateReimbursementRequest{
		Category:      models.CategoryExpense,
		Description:   "Client lunch",
		Total:         "125.50",
		DateOfExpense: "2026-03-10",
	}
}

func submissionPayload() map[string]interface{} {
	return map[string]interface{}{
		"category":        "EXPENSE",
		"description":     "Client lunch",
		"total":           "125.50",
		"date_of_expense": "2026-03-10",
	}
}

func TestReimbursementHandlerCreate(t *testing.T) {
	routing, store := newRoutingServiceForHandlers(t)
	h := NewReimbursementHandler(routing, nil, nil, "/api/v1")

	router := gin.New()
	router.POST("/api/v1/reimbursements", asUser("emp-1", models.RoleEmployee), h.Create)

	rec := performJSON(t, router, http.MethodPost, "/api/v1/reimbursements", submissionPayload())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	envelope := decodeEnvelope(t, rec)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "PENDING", data["status"])
	assert.Equal(t, "MANAGER", data["current_approver"])
	assert.Len(t, store.records, 1)
}

func TestReimbursementHandlerCreateValidation(t *testing.T) {
	routing, _ := newRoutingServiceForHandlers(t)
	h := NewReimbursementHandler(routing, nil, nil, "/api/v1")

	router := gin.New()
	router.POST("/api/v1/reimbursements", asUser("emp-1", models.RoleEmployee), h.Create)

	payload := submissionPayload()
	payload["total"] = "-5.00"
	rec := performJSON(t, router, http.MethodPost, "/api/v1/reimbursements", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, errorCode(t, rec))
}

func TestReimbursementHandlerDetailAndTrail(t *testing.T) {
	routing, _ := newRoutingServiceForHandlers(t)
	h := NewReimbursementHandler(routing, nil, nil, "/api/v1")

	rec, err := routing.Submit(context.Background(), submissionRequest(), "emp-1")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/api/v1/reimbursements/:id", asUser("emp-1", models.RoleEmployee), h.Detail)
	router.GET("/api/v1/reimbursements/:id/trail", asUser("emp-1", models.RoleEmployee), h.Trail)

	res := performJSON(t, router, http.MethodGet, "/api/v1/reimbursements/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	data := decodeEnvelope(t, res)["data"].(map[string]interface{})
	assert.Equal(t, "PENDING", data["display_status"])

	res = performJSON(t, router, http.MethodGet, "/api/v1/reimbursements/"+rec.ID+"/trail", nil)
	require.Equal(t, http.StatusOK, res.Code)
	trail := decodeEnvelope(t, res)["data"].([]interface{})
	require.Len(t, trail, 1)

	res = performJSON(t, router, http.MethodGet, "/api/v1/reimbursements/rb-404", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, appErrors.ErrNotFound.Code, errorCode(t, res))
}

func TestReimbursementHandlerPendingQueue(t *testing.T) {
	routing, _ := newRoutingServiceForHandlers(t)
	h := NewReimbursementHandler(routing, nil, nil, "/api/v1")

	_, err := routing.Submit(context.Background(), submissionRequest(), "emp-1")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/api/v1/reimbursements/pending-all-approvals", asUser("mgr-1", models.RoleManager), h.PendingAllApprovals)

	res := performJSON(t, router, http.MethodGet, "/api/v1/reimbursements/pending-all-approvals", nil)
	require.Equal(t, http.StatusOK, res.Code)
	items := decodeEnvelope(t, res)["data"].([]interface{})
	require.Len(t, items, 1)

	// employees have no approval queue
	employeeRouter := gin.New()
	employeeRouter.GET("/api/v1/reimbursements/pending-all-approvals", asUser("emp-1", models.RoleEmployee), h.PendingAllApprovals)
	res = performJSON(t, employeeRouter, http.MethodGet, "/api/v1/reimbursements/pending-all-approvals", nil)
	require.Equal(t, http.StatusForbidden, res.Code)
}
