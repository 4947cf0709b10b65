// internal/memstore/blobs.go

package memstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/imadgeboyega/kiekky-realtime/internal/messaging"
)

var ErrBlobTooLarge = errors.New("file exceeds maximum size")

type blob struct {
	contentType string
	data        []byte
}

// Blobs keeps uploaded attachments in memory and serves them over HTTP.
type Blobs struct {
	baseURL string
	maxSize int64

	mu    sync.RWMutex
	files map[string]blob
}

func NewBlobs(baseURL string, maxSize int64) *Blobs {
	return &Blobs{
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
		files:   make(map[string]blob),
	}
}

func (b *Blobs) Upload(ctx context.Context, scopeID string, file messaging.AttachmentUpload) (*messaging.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.maxSize > 0 && int64(len(file.Data)) > b.maxSize {
		return nil, fmt.Errorf("%s: %w", file.Name, ErrBlobTooLarge)
	}

	mt := mimetype.Detect(file.Data)
	ext := path.Ext(file.Name)
	if ext == "" {
		ext = mt.Extension()
	}
	key := fmt.Sprintf("%s/%s%s", scopeID, uuid.NewString(), ext)

	b.mu.Lock()
	b.files[key] = blob{contentType: mt.String(), data: append([]byte(nil), file.Data...)}
	b.mu.Unlock()

	return &messaging.Attachment{
		URL:         b.baseURL + "/" + key,
		Name:        file.Name,
		ContentType: mt.String(),
		Size:        int64(len(file.Data)),
	}, nil
}

// ServeHTTP serves a stored file by its key. Mount it with http.StripPrefix.
func (b *Blobs) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")

	b.mu.RLock()
	f, ok := b.files[key]
	b.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", f.contentType)
	w.Write(f.data)
}
