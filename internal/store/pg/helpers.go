package pg

import (
	"encoding/json"
	"time"
)

// jsonOrNull marshals v to JSON for storage in a jsonb column, returning nil
// (SQL NULL) for a nil input instead of the literal string "null".
func jsonOrNull(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// nowUTC is the timestamp written to created_at/updated_at columns.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// nilTime converts a zero time.Time to nil so it round-trips as SQL NULL
// through a *time.Time driver arg instead of "0001-01-01".
func nilTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// derefTime returns the zero value for a nil *time.Time.
func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
