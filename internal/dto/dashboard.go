package dto

// DashboardSummary aggregates reimbursement counts and totals for the
// admin/approver dashboard. Totals are decimal strings.
type DashboardSummary struct {
	TotalRequests  int                   `json:"total_requests"`
	ByStatus       map[string]int        `json:"by_status"`
	PendingByRole  map[string]int        `json:"pending_by_role"`
	ApprovedTotal  string                `json:"approved_total"`
	PendingTotal   string                `json:"pending_total"`
	RejectedTotal  string                `json:"rejected_total"`
	RecentActivity []DashboardActivity   `json:"recent_activity,omitempty"`
}

// DashboardActivity is one recent routing action.
type DashboardActivity struct {
	ReimbursementID string `json:"reimbursement_id"`
	Action          string `json:"action"`
	ActorRole       string `json:"actor_role,omitempty"`
	OccurredAt      string `json:"occurred_at"`
}

// ExportResult points at a generated statement file.
type ExportResult struct {
	FileName  string `json:"file_name"`
	Format    string `json:"format"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}
