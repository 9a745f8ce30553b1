package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
)

const dashboardSummaryCacheKey = "dashboard:summary"

type dashboardStore interface {
	Summarize(ctx context.Context) ([]repository.StatusAggregate, error)
}

type dashboardLedger interface {
	CountPendingByRole(ctx context.Context) (map[models.UserRole]int, error)
}

// DashboardService aggregates routing state for approver and admin views.
// Results are cached with a short TTL; the routing service invalidates the
// cache on every committed decision.
type DashboardService struct {
	store    dashboardStore
	ledger   dashboardLedger
	cache    *CacheService
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewDashboardService constructs the service.
func NewDashboardService(store dashboardStore, ledger dashboardLedger, cache *CacheService, cacheTTL time.Duration, logger *zap.Logger) *DashboardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &DashboardService{store: store, ledger: ledger, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

// Summary returns per-status counts and totals plus the pending backlog per
// approver role. The second return reports whether the result was served
// from cache.
func (s *DashboardService) Summary(ctx context.Context) (*dto.DashboardSummary, bool, error) {
	var cached dto.DashboardSummary
	if s.cache != nil {
		if hit, err := s.cache.Get(ctx, dashboardSummaryCacheKey, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	aggregates, err := s.store.Summarize(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to summarize reimbursements")
	}
	pendingByRole, err := s.ledger.CountPendingByRole(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count pending approvals")
	}

	summary := &dto.DashboardSummary{
		ByStatus:      make(map[string]int, len(aggregates)),
		PendingByRole: make(map[string]int, len(pendingByRole)),
		ApprovedTotal: models.FormatCents(0),
		PendingTotal:  models.FormatCents(0),
		RejectedTotal: models.FormatCents(0),
	}
	for _, agg := range aggregates {
		summary.TotalRequests += agg.Count
		summary.ByStatus[string(agg.Status)] = agg.Count
		switch agg.Status {
		case models.ReimbursementStatusApproved:
			summary.ApprovedTotal = models.FormatCents(agg.TotalCents)
		case models.ReimbursementStatusPending:
			summary.PendingTotal = models.FormatCents(agg.TotalCents)
		case models.ReimbursementStatusRejected:
			summary.RejectedTotal = models.FormatCents(agg.TotalCents)
		}
	}
	for role, count := range pendingByRole {
		summary.PendingByRole[string(role)] = count
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, dashboardSummaryCacheKey, summary, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache dashboard summary", zap.Error(err))
		}
	}
	return summary, false, nil
}
