package models

import (
	"fmt"
	"strings"
	"time"
)

// ReimbursementStatus captures the lifecycle of a reimbursement request.
// Only these three values are persisted; "<role> approved" progress labels
// are derived for display from the approval trail.
type ReimbursementStatus string

const (
	ReimbursementStatusPending  ReimbursementStatus = "PENDING"
	ReimbursementStatusApproved ReimbursementStatus = "APPROVED"
	ReimbursementStatusRejected ReimbursementStatus = "REJECTED"
)

// Terminal reports whether no further routing action is possible.
func (s ReimbursementStatus) Terminal() bool {
	return s == ReimbursementStatusApproved || s == ReimbursementStatusRejected
}

// ReimbursementCategory enumerates supported request categories.
type ReimbursementCategory string

const (
	CategoryExpense  ReimbursementCategory = "EXPENSE"
	CategoryOvertime ReimbursementCategory = "OVERTIME"
	CategoryTravel   ReimbursementCategory = "TRAVEL"
	CategoryMedical  ReimbursementCategory = "MEDICAL"
)

// Reimbursement is the monetary request being routed for approval.
// CurrentApprover is non-nil exactly while Status is PENDING; the routing
// service is the only writer of Status, CurrentApprover and ApprovedAt.
type Reimbursement struct {
	ID              string                `db:"id" json:"id"`
	UserID          string                `db:"user_id" json:"user_id"`
	Category        ReimbursementCategory `db:"category" json:"category"`
	Type            string                `db:"type" json:"type"`
	Description     string                `db:"description" json:"description"`
	Items           string                `db:"items" json:"items"`
	TotalCents      int64                 `db:"total_cents" json:"total_cents"`
	Merchant        string                `db:"merchant" json:"merchant"`
	DateOfExpense   time.Time             `db:"date_of_expense" json:"date_of_expense"`
	SAPCode         string                `db:"sap_code" json:"sap_code"`
	Status          ReimbursementStatus   `db:"status" json:"status"`
	CurrentApprover *UserRole             `db:"current_approver" json:"current_approver,omitempty"`
	ReceiptRef      *string               `db:"receipt_ref" json:"receipt_ref,omitempty"`
	SubmittedAt     time.Time             `db:"submitted_at" json:"submitted_at"`
	ApprovedAt      *time.Time            `db:"approved_at" json:"approved_at,omitempty"`
}

// Total renders the fixed-point amount as a decimal string.
func (r *Reimbursement) Total() string {
	return FormatCents(r.TotalCents)
}

// ReimbursementFilter constrains listing queries.
type ReimbursementFilter struct {
	UserID   string
	Status   []ReimbursementStatus
	Category ReimbursementCategory
	Limit    int
	Offset   int
}

// ParseCents converts a decimal amount string ("125.50") into fixed-point
// cents. At most two fraction digits are accepted; floats are never used.
func ParseCents(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two fraction digits", raw)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	digits := whole + frac
	var cents int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", raw)
		}
		cents = cents*10 + int64(c-'0')
		if cents < 0 {
			return 0, fmt.Errorf("amount %q overflows", raw)
		}
	}
	if neg {
		cents = -cents
	}
	return cents, nil
}

// FormatCents renders integer cents as a decimal amount string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
