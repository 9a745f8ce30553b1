package dto

import (
	"time"

	"github.com/noah-isme/reimburse-api/internal/models"
)

// CreateReimbursementRequest is the submission payload. Total is a decimal
// string ("125.50") converted to fixed-point cents before persistence.
type CreateReimbursementRequest struct {
	Category      models.ReimbursementCategory `json:"category" validate:"required"`
	Type          string                       `json:"type"`
	Description   string                       `json:"description" validate:"required"`
	Items         string                       `json:"items"`
	Total         string                       `json:"total" validate:"required"`
	Merchant      string                       `json:"merchant"`
	DateOfExpense string                       `json:"date_of_expense" validate:"required"`
	SAPCode       string                       `json:"sap_code"`
	Receipt       string                       `json:"receipt,omitempty"`
}

// DecisionRequest carries an approver's remarks. Remarks are optional for
// approvals and mandatory for rejections.
type DecisionRequest struct {
	Remarks string `json:"remarks"`
}

// TrailEntry is one approval ledger entry projected for display.
type TrailEntry struct {
	ApprovalLevel int             `json:"approval_level"`
	ApproverRole  models.UserRole `json:"approver_role"`
	ApproverID    *string         `json:"approver_id,omitempty"`
	ApproverName  string          `json:"approver_name,omitempty"`
	Status        string          `json:"status"`
	Remarks       *string         `json:"remarks,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
}

// ReimbursementDetail combines the record with its trail and derived
// display status ("MANAGER_APPROVED" while awaiting the next level).
type ReimbursementDetail struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Category        string           `json:"category"`
	Type            string           `json:"type,omitempty"`
	Description     string           `json:"description"`
	Items           string           `json:"items,omitempty"`
	Total           string           `json:"total"`
	Merchant        string           `json:"merchant,omitempty"`
	DateOfExpense   time.Time        `json:"date_of_expense"`
	SAPCode         string           `json:"sap_code,omitempty"`
	Status          string           `json:"status"`
	DisplayStatus   string           `json:"display_status"`
	CurrentApprover *models.UserRole `json:"current_approver,omitempty"`
	ReceiptRef      *string          `json:"receipt_ref,omitempty"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	ApprovedAt      *time.Time       `json:"approved_at,omitempty"`
	Trail           []TrailEntry     `json:"trail,omitempty"`
}

// PendingApprovalItem is one row of an approver's work queue.
type PendingApprovalItem struct {
	ReimbursementID string    `json:"reimbursement_id"`
	SubmitterID     string    `json:"submitter_id"`
	SubmitterName   string    `json:"submitter_name,omitempty"`
	Category        string    `json:"category"`
	Description     string    `json:"description"`
	Total           string    `json:"total"`
	ApprovalLevel   int       `json:"approval_level"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// ReimbursementQuery mirrors supported listing filters.
type ReimbursementQuery struct {
	UserID   string
	Status   []models.ReimbursementStatus
	Category models.ReimbursementCategory
	Limit    int
	Offset   int
}
