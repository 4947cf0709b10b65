// internal/messaging/models.go

package messaging

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status tells whether a message is known to the server.
type Status string

const (
	StatusConfirmed  Status = "confirmed"
	StatusOptimistic Status = "optimistic"
	StatusFailed     Status = "failed"
)

const optimisticPrefix = "tmp-"

// Message is one chat message in a scope.
type Message struct {
	ID          string      `json:"id" db:"id"`
	ScopeID     string      `json:"scope_id" db:"scope_id"`
	SenderID    string      `json:"sender_id" db:"sender_id"`
	Content     *string     `json:"content,omitempty" db:"content"`
	Attachments Attachments `json:"attachments,omitempty" db:"attachments"`
	ReplyTo     *string     `json:"reply_to,omitempty" db:"reply_to"`
	ClientID    string      `json:"client_id,omitempty" db:"client_id"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	EditedAt    *time.Time  `json:"edited_at,omitempty" db:"edited_at"`
	ReadAt      *time.Time  `json:"read_at,omitempty" db:"read_at"`
	Status      Status      `json:"status,omitempty" db:"-"`
}

// Text returns the content or "" when there is none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Attachments is stored as a JSONB column.
type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *Attachments) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("attachments: unsupported type %T", src)
	}
	return json.Unmarshal(data, a)
}

// AttachmentUpload is a file waiting to be uploaded.
type AttachmentUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// AttachmentFailure reports one file that did not upload.
type AttachmentFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Draft is what a caller needs to retry a send.
type Draft struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *string      `json:"reply_to,omitempty"`
}

// SendRequest is the input of Engine.Send.
type SendRequest struct {
	ScopeID     string
	SenderID    string
	Content     string
	Attachments []AttachmentUpload
	ReplyTo     *string
	// StrictAttachments aborts the send when any file fails to upload.
	StrictAttachments bool
}

// SendResult is returned alongside the error from Send and Resend. On a
// network failure Message is the failed entry and Draft is set.
type SendResult struct {
	Message            *Message            `json:"message,omitempty"`
	Draft              *Draft              `json:"draft,omitempty"`
	CooldownRemaining  time.Duration       `json:"-"`
	AttachmentFailures []AttachmentFailure `json:"attachment_failures,omitempty"`
}

// View is a copy of a conversation for presentation.
type View struct {
	ScopeID  string    `json:"scope_id"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	Loading  bool      `json:"loading"`
}

// Cursor is a position in a scope ordered by (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Page is a slice of history in ascending order.
type Page struct {
	Messages []Message
	HasMore  bool
}

// NewOptimisticID returns a unique local id for an unconfirmed message.
func NewOptimisticID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", optimisticPrefix, now.UnixNano(), uuid.NewString())
}

// IsOptimisticID reports whether id was produced by NewOptimisticID.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, optimisticPrefix)
}

func (r *SendRequest) validate() error {
	if strings.TrimSpace(r.ScopeID) == "" {
		return &ValidationError{Field: "scope_id", Reason: "required"}
	}
	if strings.TrimSpace(r.SenderID) == "" {
		return &ValidationError{Field: "sender_id", Reason: "required"}
	}
	if strings.TrimSpace(r.Content) == "" && len(r.Attachments) == 0 {
		return &ValidationError{Field: "content", Reason: "message is empty"}
	}
	for _, a := range r.Attachments {
		if len(a.Data) == 0 {
			return &ValidationError{Field: "attachments", Reason: fmt.Sprintf("%s is empty", a.Name)}
		}
	}
	return nil
}

// rateBody is the text the guard sees. Attachment-only sends use the file names.
func rateBody(content string, names []string) string {
	if strings.TrimSpace(content) != "" {
		return content
	}
	return strings.Join(names, " ")
}

func uploadNames(files []AttachmentUpload) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}

func attachmentNames(files []Attachment) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}

func contentPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var errNoBlobStore = errors.New("no blob store configured")
