package ops

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LocalPublisher publishes ops Logs to the local process stderr.
// Currently it uses `logrus` to do so, though this may change in the future.
type LocalPublisher struct {
	logID uuid.UUID
}

var _ Publisher = &LocalPublisher{}

// NewLocalPublisher returns a LocalPublisher scoped to the given log-id.
func NewLocalPublisher(logID uuid.UUID) *LocalPublisher {
	return &LocalPublisher{logID: logID}
}

// NewAdminPublisher returns a LocalPublisher bound to the admin scope,
// for engine-level logs which precede any ticket.
func NewAdminPublisher() *LocalPublisher {
	return &LocalPublisher{logID: AdminLogID}
}

func (p *LocalPublisher) LogID() uuid.UUID { return p.logID }

func (p *LocalPublisher) PublishLog(log Log) error {
	if log.LogID == uuid.Nil {
		log.LogID = p.logID
	}

	var level logrus.Level
	switch log.Kind {
	case KindError:
		level = logrus.ErrorLevel
	case KindFailedToPing, KindFailedToCallback, KindRejection:
		level = logrus.WarnLevel
	default:
		level = logrus.InfoLevel
	}

	var fields = logrus.Fields{
		"logId": log.LogID.String(),
		"kind":  log.Kind,
	}
	var logger = logrus.StandardLogger()

	if len(log.Fields) != 0 {
		var rawMap map[string]json.RawMessage
		if err := json.Unmarshal(log.Fields, &rawMap); err != nil {
			return err
		}
		if _, ok := logger.Formatter.(*logrus.JSONFormatter); ok {
			// Logrus will JSON-encode, so pass through raw values.
			for k, v := range rawMap {
				fields[k] = v
			}
		} else {
			// We're in text mode. Decode our raw JSON values.
			for k, v := range rawMap {
				var vv interface{}
				_ = json.Unmarshal(v, &vv)
				fields[k] = vv
			}
		}
	}

	logger.WithFields(fields).Log(level, log.Message)
	return nil
}
