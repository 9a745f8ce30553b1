package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/reimburse-api/internal/models"
)

// Sentinel errors surfaced by the decide transaction. The service layer maps
// them onto the HTTP-aware error taxonomy.
var (
	// ErrTerminalState is returned when the reimbursement is already
	// APPROVED or REJECTED.
	ErrTerminalState = errors.New("reimbursement is in a terminal state")
	// ErrLevelConflict is returned when a concurrent decision won the race
	// for the same pending level. The caller should retry the whole
	// operation; no partial effect was applied.
	ErrLevelConflict = errors.New("approval level decided concurrently")
	// ErrLedgerInconsistent is returned when a PENDING reimbursement has no
	// pending ledger entry. This indicates corrupted state, not a race.
	ErrLedgerInconsistent = errors.New("no pending ledger entry for pending reimbursement")
)

// DecisionPlan describes the writes the routing engine wants applied to the
// locked reimbursement and its pending ledger entry. It is produced by the
// decide callback after turn validation.
type DecisionPlan struct {
	LevelStatus  models.ApprovalStatus
	ActorID      string
	Remarks      *string
	DecidedAt    time.Time
	RecordStatus models.ReimbursementStatus
	NextApprover *models.UserRole
	NextLevel    int
	ApprovedAt   *time.Time
}

// DecideFunc inspects the locked reimbursement and its current pending level
// and returns the plan to apply. Returning an error aborts the transaction
// without any write.
type DecideFunc func(rec *models.Reimbursement, level *models.Approval) (DecisionPlan, error)

// ReimbursementRepository persists reimbursement records and owns the
// single-transaction decide protocol.
type ReimbursementRepository struct {
	db        *sqlx.DB
	txTimeout time.Duration
}

// NewReimbursementRepository constructs the repository. txTimeout bounds
// every decide transaction so a stuck lock turns into a retryable error.
func NewReimbursementRepository(db *sqlx.DB, txTimeout time.Duration) *ReimbursementRepository {
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	return &ReimbursementRepository{db: db, txTimeout: txTimeout}
}

const reimbursementColumns = `id, user_id, category, type, description, items, total_cents, merchant,
       date_of_expense, sap_code, status, current_approver, receipt_ref, submitted_at, approved_at`

// Create inserts the reimbursement together with its level-1 ledger entry in
// one transaction, so a submitted request always has exactly one actionable
// pending level.
func (r *ReimbursementRepository) Create(ctx context.Context, rec *models.Reimbursement, firstRole models.UserRole) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	rec.Status = models.ReimbursementStatusPending
	role := firstRole
	rec.CurrentApprover = &role

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertRecord = `INSERT INTO reimbursements
	(id, user_id, category, type, description, items, total_cents, merchant, date_of_expense, sap_code, status, current_approver, receipt_ref, submitted_at, approved_at)
	VALUES (:id, :user_id, :category, :type, :description, :items, :total_cents, :merchant, :date_of_expense, :sap_code, :status, :current_approver, :receipt_ref, :submitted_at, :approved_at)`
	if _, err := tx.NamedExecContext(ctx, insertRecord, rec); err != nil {
		return fmt.Errorf("insert reimbursement: %w", err)
	}

	const insertLevel = `INSERT INTO approvals (id, reimbursement_id, approval_level, approver_role, status)
	VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, insertLevel, uuid.NewString(), rec.ID, 1, firstRole, models.ApprovalStatusPending); err != nil {
		return fmt.Errorf("insert level-1 approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submit tx: %w", err)
	}
	return nil
}

// GetByID fetches a reimbursement by identifier.
func (r *ReimbursementRepository) GetByID(ctx context.Context, id string) (*models.Reimbursement, error) {
	query := fmt.Sprintf(`SELECT %s FROM reimbursements WHERE id = $1 LIMIT 1`, reimbursementColumns)
	var rec models.Reimbursement
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find reimbursement by id: %w", err)
	}
	return &rec, nil
}

// List returns reimbursements matching the filter, latest first.
func (r *ReimbursementRepository) List(ctx context.Context, filter models.ReimbursementFilter) ([]models.Reimbursement, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(fmt.Sprintf("SELECT %s FROM reimbursements", reimbursementColumns))

	conditions := make([]string, 0, 3)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY submitted_at DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 5000 {
		limit = 5000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var records []models.Reimbursement
	if err := r.db.SelectContext(ctx, &records, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list reimbursements: %w", err)
	}
	return records, nil
}

// StatusAggregate is one row of the per-status dashboard rollup.
type StatusAggregate struct {
	Status     models.ReimbursementStatus `db:"status"`
	Count      int                        `db:"cnt"`
	TotalCents int64                      `db:"total_cents"`
}

// Summarize returns request counts and amount totals grouped by status.
func (r *ReimbursementRepository) Summarize(ctx context.Context) ([]StatusAggregate, error) {
	const query = `SELECT status, COUNT(*) AS cnt, COALESCE(SUM(total_cents), 0) AS total_cents
	FROM reimbursements GROUP BY status`
	var aggregates []StatusAggregate
	if err := r.db.SelectContext(ctx, &aggregates, query); err != nil {
		return nil, fmt.Errorf("summarize reimbursements: %w", err)
	}
	return aggregates, nil
}

// SetReceiptRef attaches an uploaded receipt reference to a pending request.
func (r *ReimbursementRepository) SetReceiptRef(ctx context.Context, id, receiptRef string) error {
	const query = `UPDATE reimbursements SET receipt_ref = $2 WHERE id = $1 AND status = $3`
	result, err := r.db.ExecContext(ctx, query, id, receiptRef, models.ReimbursementStatusPending)
	if err != nil {
		return fmt.Errorf("set receipt ref: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check receipt update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Decide executes one routing decision as a single atomic unit: it locks the
// reimbursement row, loads the lowest pending ledger entry, lets the routing
// engine plan the outcome, then applies the ledger write (guarded by
// status='PENDING'), the record transition, and the optional next-level
// insert. Either everything commits or nothing does.
func (r *ReimbursementRepository) Decide(ctx context.Context, id string, fn DecideFunc) (*models.Reimbursement, error) {
	ctx, cancel := context.WithTimeout(ctx, r.txTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin decide tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockQuery := fmt.Sprintf(`SELECT %s FROM reimbursements WHERE id = $1 FOR UPDATE`, reimbursementColumns)
	var rec models.Reimbursement
	if err := tx.GetContext(ctx, &rec, lockQuery, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, classifyTxError(err, "lock reimbursement")
	}

	if rec.Status.Terminal() {
		return nil, ErrTerminalState
	}

	const levelQuery = `SELECT id, reimbursement_id, approval_level, approver_role, approver_id, status, remarks, decided_at
	FROM approvals WHERE reimbursement_id = $1 AND status = $2 ORDER BY approval_level LIMIT 1`
	var level models.Approval
	if err := tx.GetContext(ctx, &level, levelQuery, id, models.ApprovalStatusPending); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLedgerInconsistent
		}
		return nil, classifyTxError(err, "load pending level")
	}

	plan, err := fn(&rec, &level)
	if err != nil {
		return nil, err
	}

	const decideLevel = `UPDATE approvals SET status = $2, approver_id = $3, remarks = $4, decided_at = $5
	WHERE id = $1 AND status = $6`
	result, err := tx.ExecContext(ctx, decideLevel, level.ID, plan.LevelStatus, plan.ActorID, plan.Remarks, plan.DecidedAt, models.ApprovalStatusPending)
	if err != nil {
		return nil, classifyTxError(err, "decide approval level")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check decide rows: %w", err)
	}
	if rows == 0 {
		return nil, ErrLevelConflict
	}

	const updateRecord = `UPDATE reimbursements SET status = $2, current_approver = $3, approved_at = $4 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updateRecord, id, plan.RecordStatus, plan.NextApprover, plan.ApprovedAt); err != nil {
		return nil, classifyTxError(err, "advance reimbursement")
	}

	if plan.NextApprover != nil {
		const insertNext = `INSERT INTO approvals (id, reimbursement_id, approval_level, approver_role, status)
		VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.ExecContext(ctx, insertNext, uuid.NewString(), id, plan.NextLevel, *plan.NextApprover, models.ApprovalStatusPending); err != nil {
			return nil, classifyTxError(err, "seed next approval level")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyTxError(err, "commit decide tx")
	}

	rec.Status = plan.RecordStatus
	rec.CurrentApprover = plan.NextApprover
	rec.ApprovedAt = plan.ApprovedAt
	return &rec, nil
}

// classifyTxError folds lock/serialization/timeout failures into
// ErrLevelConflict so callers see one retryable error for every race shape.
func classifyTxError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLevelConflict
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization failure, deadlock, lock not available
			return ErrLevelConflict
		case "23505": // unique_violation on (reimbursement_id, approval_level)
			return ErrLevelConflict
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
