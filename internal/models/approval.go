package models

import "time"

// ApprovalStatus captures the state of a single approval level.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
)

// Approval is one ledger entry: the durable record of one approval level's
// outcome for a reimbursement. Entries are immutable once decided; at most
// one entry exists per (reimbursement, level), enforced by a unique index.
type Approval struct {
	ID              string         `db:"id" json:"id"`
	ReimbursementID string         `db:"reimbursement_id" json:"reimbursement_id"`
	ApprovalLevel   int            `db:"approval_level" json:"approval_level"`
	ApproverRole    UserRole       `db:"approver_role" json:"approver_role"`
	ApproverID      *string        `db:"approver_id" json:"approver_id,omitempty"`
	Status          ApprovalStatus `db:"status" json:"status"`
	Remarks         *string        `db:"remarks" json:"remarks,omitempty"`
	DecidedAt       *time.Time     `db:"decided_at" json:"decided_at,omitempty"`
}

// Decided reports whether this level has been acted on.
func (a *Approval) Decided() bool {
	return a.Status != ApprovalStatusPending
}

// DecisionOutcome is the action an approver takes on a pending level.
type DecisionOutcome string

const (
	OutcomeApprove DecisionOutcome = "APPROVE"
	OutcomeReject  DecisionOutcome = "REJECT"
)
