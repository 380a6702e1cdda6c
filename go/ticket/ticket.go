// Package ticket implements the ticket state machine and step-firing engine.
// A Ticket is one live execution of a named process graph; the engine
// advances its completion mask as events arrive, and emits the user-facing
// actions and callback dispatches which the orchestrator materializes.
package ticket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status of a ticket. Transitions out of StatusOpen are terminal.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusRejected Status = "rejected"
)

// State is the free-form data a ticket accumulates from submitted payloads.
type State map[string]json.RawMessage

// Overlay merges `data` into the State key-wise and returns the result.
// The overlay is shallow: on key collision the incoming value wins whole.
// The receiver is never mutated.
func (s State) Overlay(data State) State {
	if len(data) == 0 && s != nil {
		return s
	}
	var out = make(State, len(s)+len(data))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Ticket is one live execution of a process graph.
type Ticket struct {
	ID        int64     `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	ProcessID string    `json:"process_id"`
	LogID     uuid.UUID `json:"log_id"`
	IsPublic  bool      `json:"is_public"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
	Complete  Mask      `json:"complete"`
	State     State     `json:"state,omitempty"`

	// OwnerName is resolved through the users table on reads.
	// It is not a column of the tickets table.
	OwnerName string `json:"owner_name,omitempty"`
}

// Touch advances UpdatedAt. Every mutation of the ticket touches it.
func (t *Ticket) Touch() {
	t.UpdatedAt = time.Now().UTC()
}
