// internal/presence/roster.go

package presence

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the derived presence shown to other members.
type Status string

const (
	StatusOnline  Status = "online"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// Stored member statuses accepted by Touch.
var rawStatuses = map[string]Status{
	"online":    StatusOnline,
	"idle":      StatusOnline,
	"dnd":       StatusDND,
	"offline":   StatusOffline,
	"invisible": StatusOffline,
}

// Member is one row of a server's member list.
type Member struct {
	ScopeID    string     `json:"scope_id" db:"scope_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Status     string     `json:"status" db:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
}

// Entry is the derived presence of one member.
type Entry struct {
	Status   Status `json:"status"`
	LastSeen string `json:"last_seen"`
}

// Roster maps user id to presence for one server. It is rebuilt from a full
// member list on every change and never patched.
type Roster struct {
	ScopeID   string           `json:"scope_id"`
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Online counts members whose derived status is online.
func (r *Roster) Online() int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == StatusOnline {
			n++
		}
	}
	return n
}

// Derive builds a roster from a full member list. An online member not seen
// for staleAfter is shown offline.
func Derive(scopeID string, members []Member, now time.Time, staleAfter time.Duration) *Roster {
	r := &Roster{
		ScopeID:   scopeID,
		Entries:   make(map[string]Entry, len(members)),
		UpdatedAt: now,
	}
	for _, m := range members {
		status := deriveStatus(m.Status)
		if status == StatusOnline && staleAfter > 0 && m.LastSeenAt != nil && now.Sub(*m.LastSeenAt) > staleAfter {
			status = StatusOffline
		}
		r.Entries[m.UserID] = Entry{Status: status, LastSeen: lastSeen(status, m.LastSeenAt, now)}
	}
	return r
}

func deriveStatus(raw string) Status {
	if s, ok := rawStatuses[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusOffline
}

func lastSeen(status Status, at *time.Time, now time.Time) string {
	if status == StatusOnline {
		return "online"
	}
	if at == nil || at.IsZero() {
		return "never"
	}
	if at.After(now) {
		return "now"
	}
	return humanize.RelTime(*at, now, "ago", "from now")
}

// ValidStatus reports whether raw is a stored status Touch accepts.
func ValidStatus(raw string) bool {
	_, ok := rawStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}
