package ticket

import "fmt"

// Engine errors. All of them abort the current advancement and cause the
// enclosing transaction to roll back.
var (
	// ErrInvalidTicket means the arriving event cannot fire from its
	// trigger source: a user (or the callback fabric) targeted a node
	// which is not user-fireable, or an unknown node.
	ErrInvalidTicket = fmt.Errorf("event is not fireable from this trigger source")

	// ErrInvalidEvent means the auto-fire path reached an Initiate step,
	// which is structurally impossible in a valid graph.
	ErrInvalidEvent = fmt.Errorf("initiate step cannot fire automatically")

	// ErrProcessData means the process graph could not be read.
	ErrProcessData = fmt.Errorf("failed to read process data")

	// ErrFailedToLog means a ticket-scoped log could not be published.
	ErrFailedToLog = fmt.Errorf("failed to publish ticket log")
)
