// internal/changefeed/event.go

package changefeed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags a change event.
type Kind int

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
	// KindSnapshot replaces the consumer's view with Records. Heartbeats and
	// polling both produce it.
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Event is what subscribers receive. Record is set for insert, update and
// delete; Records for snapshots. At is when the snapshot fetch started.
type Event[T any] struct {
	Kind    Kind
	Scope   string
	Record  T
	Records []T
	At      time.Time
}

// EventType is the wire name of a row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Kind maps the wire name to a Kind.
func (t EventType) Kind() (Kind, error) {
	switch EventType(strings.ToUpper(string(t))) {
	case EventInsert:
		return KindInsert, nil
	case EventUpdate:
		return KindUpdate, nil
	case EventDelete:
		return KindDelete, nil
	}
	return 0, fmt.Errorf("unknown event type %q", string(t))
}

// Notification is the envelope every transport carries.
type Notification struct {
	Type  EventType       `json:"type"`
	Table string          `json:"table"`
	Scope string          `json:"scope"`
	Row   json.RawMessage `json:"row"`
}

// Topic identifies one table filtered to one scope.
type Topic struct {
	Table string
	Scope string
}

func (t Topic) String() string {
	return t.Table + ":" + t.Scope
}

// NewNotification marshals row into an envelope.
func NewNotification(typ EventType, table, scope string, row any) (Notification, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Notification{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return Notification{Type: typ, Table: table, Scope: scope, Row: data}, nil
}
