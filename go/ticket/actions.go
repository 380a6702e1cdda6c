package ticket

import "encoding/json"

// ActionKind classifies a UserAction emitted by the engine.
type ActionKind string

const (
	// ActionApproveRequest stages an approval assignment for a target user.
	ActionApproveRequest ActionKind = "approve_request"
	// ActionNotify stages a notification for a target user.
	ActionNotify ActionKind = "notify"
	// ActionCompletion closes the ticket. At most one per advancement,
	// always the final element of the result.
	ActionCompletion ActionKind = "completion"
)

// UserAction is an intent emitted by the engine during one advancement.
// The orchestrator materializes it into user_active_tickets or
// notifications rows within the same transaction.
type UserAction struct {
	Kind     ActionKind `json:"kind"`
	TicketID int64      `json:"ticket_id"`
	Node     int        `json:"node"`
	// Target is the username receiving the action.
	// Empty for Completion.
	Target string `json:"target,omitempty"`
}

// ActiveKind is the persisted type_ of a user_active_tickets row.
type ActiveKind string

const (
	// ActiveOwn marks the creating owner's assignment at node 0.
	ActiveOwn ActiveKind = "own"
	// ActiveApprove marks a staged approval assignment.
	ActiveApprove ActiveKind = "approve"
)

// Dispatch is a buffered callback emission. The engine collects Dispatches
// during an advancement; the orchestrator forwards them to the callback
// fabric only after the transaction commits, so a rollback never leaks a
// dispatch and a slow fabric never extends transaction duration.
type Dispatch struct {
	TicketID int64 `json:"ticket_id"`
	Node     int   `json:"node"`
	// Payload is the submitted data of the originating event, or null for
	// auto-fired steps.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Callbacks names the external tasks to run, as configured on the step.
	Callbacks []string `json:"callbacks"`
}
