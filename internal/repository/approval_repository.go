package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/reimburse-api/internal/models"
)

// ApprovalRepository reads the approval ledger. All ledger writes go through
// the reimbursement repository's decide transaction; nothing here mutates.
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository constructs the repository.
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `id, reimbursement_id, approval_level, approver_role, approver_id, status, remarks, decided_at`

// ListByReimbursement returns the full trail ordered by level.
func (r *ApprovalRepository) ListByReimbursement(ctx context.Context, reimbursementID string) ([]models.Approval, error) {
	query := fmt.Sprintf(`SELECT %s FROM approvals WHERE reimbursement_id = $1 ORDER BY approval_level`, approvalColumns)
	var entries []models.Approval
	if err := r.db.SelectContext(ctx, &entries, query, reimbursementID); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return entries, nil
}

// PendingForRole returns every reimbursement with a pending ledger entry
// awaiting the given role, oldest submission first.
func (r *ApprovalRepository) PendingForRole(ctx context.Context, role models.UserRole, limit, offset int) ([]models.Approval, []models.Reimbursement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT a.id, a.reimbursement_id, a.approval_level, a.approver_role, a.approver_id, a.status, a.remarks, a.decided_at,
       r.id AS "r.id", r.user_id AS "r.user_id", r.category AS "r.category", r.type AS "r.type", r.description AS "r.description",
       r.items AS "r.items", r.total_cents AS "r.total_cents", r.merchant AS "r.merchant", r.date_of_expense AS "r.date_of_expense",
       r.sap_code AS "r.sap_code", r.status AS "r.status", r.current_approver AS "r.current_approver", r.receipt_ref AS "r.receipt_ref",
       r.submitted_at AS "r.submitted_at", r.approved_at AS "r.approved_at"
	FROM approvals a
	JOIN reimbursements r ON r.id = a.reimbursement_id
	WHERE a.approver_role = $1 AND a.status = $2 AND r.status = $3
	ORDER BY r.submitted_at
	LIMIT %d OFFSET %d`, limit, offset)

	rows, err := r.db.QueryxContext(ctx, query, role, models.ApprovalStatusPending, models.ReimbursementStatusPending)
	if err != nil {
		return nil, nil, fmt.Errorf("pending approvals for role: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	var records []models.Reimbursement
	for rows.Next() {
		var row struct {
			models.Approval
			Rec models.Reimbursement `db:"r"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, nil, fmt.Errorf("scan pending approval row: %w", err)
		}
		approvals = append(approvals, row.Approval)
		records = append(records, row.Rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate pending approvals: %w", err)
	}
	return approvals, records, nil
}

// CountPendingByRole returns pending ledger entry counts grouped by role,
// used by the dashboard.
func (r *ApprovalRepository) CountPendingByRole(ctx context.Context) (map[models.UserRole]int, error) {
	const query = `SELECT approver_role, COUNT(*) AS cnt FROM approvals a
	JOIN reimbursements r ON r.id = a.reimbursement_id
	WHERE a.status = $1 AND r.status = $2
	GROUP BY approver_role`
	rows, err := r.db.QueryxContext(ctx, query, models.ApprovalStatusPending, models.ReimbursementStatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending by role: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.UserRole]int)
	for rows.Next() {
		var role models.UserRole
		var cnt int
		if err := rows.Scan(&role, &cnt); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		counts[role] = cnt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending counts: %w", err)
	}
	return counts, nil
}
