package models

// RoutingEventKind enumerates routing outcomes that trigger notifications.
type RoutingEventKind string

const (
	RoutingEventSubmitted RoutingEventKind = "SUBMITTED"
	RoutingEventAdvanced  RoutingEventKind = "ADVANCED"
	RoutingEventApproved  RoutingEventKind = "APPROVED"
	RoutingEventRejected  RoutingEventKind = "REJECTED"
)

// RoutingEvent is emitted by the routing service after a committed
// transaction. Delivery is advisory: the event carries everything the
// notification worker needs so it never reads routing state back.
type RoutingEvent struct {
	Kind            RoutingEventKind `json:"kind"`
	ReimbursementID string           `json:"reimbursement_id"`
	SubmitterID     string           `json:"submitter_id"`
	ActorID         string           `json:"actor_id,omitempty"`
	ActorRole       UserRole         `json:"actor_role,omitempty"`
	NextRole        *UserRole        `json:"next_role,omitempty"`
	Remarks         string           `json:"remarks,omitempty"`
	Total           string           `json:"total"`
	Category        string           `json:"category"`
}
