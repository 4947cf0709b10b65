// internal/messaging/repository.go

package messaging

import (
	"context"
)

// Repository is the message store.
type Repository interface {
	// ListMessages returns up to limit messages strictly older than before
	// (the newest page when before is nil), in ascending order.
	ListMessages(ctx context.Context, scopeID string, before *Cursor, limit int) (*Page, error)
	InsertMessage(ctx context.Context, msg *Message) (*Message, error)
	UpdateMessage(ctx context.Context, id, content string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// ResolveDirectConversation returns the scope shared by two users,
	// creating it when needed.
	ResolveDirectConversation(ctx context.Context, userA, userB string) (string, error)
}

// BlobStore uploads attachment files.
type BlobStore interface {
	Upload(ctx context.Context, scopeID string, file AttachmentUpload) (*Attachment, error)
}

// Notifier receives a fresh view after every change to a conversation. It is
// called with the conversation locked and must not block or call back into
// the engine.
type Notifier interface {
	ConversationChanged(view View)
}
