// Package ops implements the operational log taxonomy of the ticket system.
// Every log is keyed by a log-id: ticket-scoped logs carry the ticket's
// log_id, while engine-level and pre-ticket logs carry the admin scope.
package ops

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an operational log event.
type Kind string

const (
	KindInfo                Kind = "info"
	KindError               Kind = "error"
	KindRequest             Kind = "request"
	KindApproval            Kind = "approval"
	KindRejection           Kind = "rejection"
	KindCompletion          Kind = "completion"
	KindNotificationSuccess Kind = "notification_success"
	KindFailedToPing        Kind = "failed_to_ping"
	KindFailedToCallback    Kind = "failed_to_execute_callback"
)

// AdminLogID scopes logs which precede a ticket or outlive any single one.
var AdminLogID = uuid.MustParse("00000000-0000-0000-0000-00000000adb1")

// Log is the canonical shape of an operational log document.
type Log struct {
	Timestamp time.Time       `json:"ts"`
	Kind      Kind            `json:"kind"`
	LogID     uuid.UUID       `json:"log_id"`
	Message   string          `json:"message"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// Publisher is a sink of Logs bound to a single log-id scope.
type Publisher interface {
	// LogID is the scope stamped onto published Logs.
	LogID() uuid.UUID
	// PublishLog delivers the Log to the sink.
	PublishLog(log Log) error
}
