package ops

import (
	"encoding/json"
	"fmt"
	"time"
)

// PublishLog constructs and publishes a Log using the given Publisher.
// Fields must be pairs of a string key followed by a JSON-encodable
// interface{} value. PublishLog panics if `fields` are odd, or if a field
// key isn't a string, or if a value cannot be encoded as JSON.
func PublishLog(publisher Publisher, kind Kind, message string, fields ...interface{}) error {
	// We panic because incorrect fields are a developer implementation
	// error, and not a user or input error.
	if len(fields)%2 != 0 {
		panic(fmt.Sprintf("fields must be of even length: %#v", fields))
	}

	var raw json.RawMessage
	if len(fields) != 0 {
		var fieldsMap = make(map[string]json.RawMessage, len(fields)/2)
		for i := 0; i != len(fields); i += 2 {
			var key = fields[i].(string)
			var value = fields[i+1]

			// Errors typically have JSON struct marshalling behavior and
			// appear as '{}', so explicitly cast them to their displayed string.
			if err, ok := value.(error); ok {
				value = err.Error()
			}

			var valueRaw, err = json.Marshal(value)
			if err != nil {
				panic(err)
			}
			fieldsMap[key] = valueRaw
		}

		var err error
		if raw, err = json.Marshal(fieldsMap); err != nil {
			panic(err)
		}
	}

	return publisher.PublishLog(Log{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		LogID:     publisher.LogID(),
		Message:   message,
		Fields:    raw,
	})
}
