package chatsync

import (
	"fmt"
	"maps"
	"time"
)

const (
	// UsersCollection is the collection holding identity records.
	UsersCollection = "users"
	// ConversationsCollection is the collection holding conversation records.
	ConversationsCollection = "conversations"
	// TopicAll subscribes to every record in a collection.
	TopicAll = "*"
)

// Record is one decoded record as delivered by a record store.
//
// Values follow encoding/json conventions: strings, float64, bool, nil,
// []any and map[string]any. Backends may also hand out []string values.
type Record map[string]any

// ID returns the record id, or an empty string when absent or not a string.
func (r Record) ID() string {
	id, _ := r.String("id")
	return id
}

// String returns a string field and whether it was present with a string type.
func (r Record) String(key string) (string, bool) {
	if r == nil {
		return "", false
	}
	value, ok := r[key].(string)

	return value, ok
}

// StringSlice returns a list-of-strings field.
//
// A missing or null field yields (nil, true) when optional is true. Any
// non-string element makes the field invalid.
func (r Record) StringSlice(key string, optional bool) ([]string, bool) {
	raw, exists := r[key]
	if !exists || raw == nil {
		return nil, optional
	}

	switch typed := raw.(type) {
	case []string:
		return append([]string(nil), typed...), true
	case []any:
		values := make([]string, 0, len(typed))
		for _, item := range typed {
			value, ok := item.(string)
			if !ok {
				return nil, false
			}
			values = append(values, value)
		}
		return values, true
	default:
		return nil, false
	}
}

// Time parses a timestamp field written either as RFC 3339 or in the
// record-store layout "2006-01-02 15:04:05.000Z".
func (r Record) Time(key string) (time.Time, bool) {
	raw, ok := r.String(key)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false
	}

	return parsed, true
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	cloned := make(Record, len(r))
	for key, value := range r {
		cloned[key] = cloneValue(value)
	}

	return cloned
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return map[string]any(Record(typed).Clone())
	case Record:
		return typed.Clone()
	case []any:
		cloned := make([]any, len(typed))
		for index, item := range typed {
			cloned[index] = cloneValue(item)
		}
		return cloned
	case []string:
		return append([]string(nil), typed...)
	case []map[string]any:
		cloned := make([]any, len(typed))
		for index, item := range typed {
			cloned[index] = map[string]any(Record(item).Clone())
		}
		return cloned
	default:
		return value
	}
}

// Merge returns a copy of r with every key of patch applied on top.
func (r Record) Merge(patch Record) Record {
	merged := r.Clone()
	if merged == nil {
		merged = make(Record, len(patch))
	}
	maps.Copy(merged, patch.Clone())

	return merged
}

// StoreTimestampLayout is the timestamp layout used by the record store.
const StoreTimestampLayout = "2006-01-02 15:04:05.000Z"

// ParseTimestamp parses RFC 3339 or StoreTimestampLayout timestamps.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, StoreTimestampLayout, "2006-01-02 15:04:05Z"} {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("parse timestamp %q: unsupported layout", raw)
}

// FormatTimestamp renders t in StoreTimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(StoreTimestampLayout)
}

// Action identifies the kind of change carried by a live record event.
type Action string

const (
	// ActionCreate reports a newly created record.
	ActionCreate Action = "create"
	// ActionUpdate reports a modified record.
	ActionUpdate Action = "update"
	// ActionDelete reports a removed record.
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// RecordEvent is one change delivered on a live subscription.
type RecordEvent struct {
	// Action selects how Record should be applied.
	Action Action
	// Record is the record state after the change (or before, for delete).
	Record Record
}

// Validate checks that the event names a known action and a record id.
func (e RecordEvent) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("validate record event: %w: unknown action %q", ErrInvalidRecord, e.Action)
	}
	if e.Record.ID() == "" {
		return fmt.Errorf("validate record event %s: %w: missing record id", e.Action, ErrInvalidRecord)
	}

	return nil
}
