package messaging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func TestLocalBlobStore_Upload(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalBlobStore(dir, "http://localhost:8080/uploads/", 1024)

	att, err := store.Upload(context.Background(), "room", AttachmentUpload{Name: "pixel.png", ContentType: "text/plain", Data: pngHeader})
	require.NoError(t, err)

	assert.Equal(t, "image/png", att.ContentType, "the sniffed type wins over the declared one")
	assert.Equal(t, "pixel.png", att.Name)
	assert.Equal(t, int64(len(pngHeader)), att.Size)
	require.True(t, strings.HasPrefix(att.URL, "http://localhost:8080/uploads/messages/room/"))
	assert.True(t, strings.HasSuffix(att.URL, ".png"))

	key := strings.TrimPrefix(att.URL, "http://localhost:8080/uploads/")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestLocalBlobStore_Rules(t *testing.T) {
	store := NewLocalBlobStore(t.TempDir(), "http://cdn", 16)

	_, err := store.Upload(context.Background(), "room", AttachmentUpload{Name: "big.txt", Data: []byte(strings.Repeat("a", 17))})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	elf := []byte("\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00")
	_, err = store.Upload(context.Background(), "room", AttachmentUpload{Name: "run", Data: elf})
	assert.ErrorIs(t, err, ErrFileTypeBlocked)

	att, err := store.Upload(context.Background(), "room", AttachmentUpload{Name: "note", Data: []byte("hello there")})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", att.ContentType)
	assert.True(t, strings.HasSuffix(att.URL, ".txt"), att.URL)
}

func TestLocalBlobStore_CancelledContext(t *testing.T) {
	store := NewLocalBlobStore(t.TempDir(), "http://cdn", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Upload(ctx, "room", AttachmentUpload{Name: "a.txt", Data: []byte("a")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttachments_ScanAndValue(t *testing.T) {
	in := Attachments{{URL: "u", Name: "n", ContentType: "text/plain", Size: 3}}
	v, err := in.Value()
	require.NoError(t, err)

	var out Attachments
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	empty, err := Attachments(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), empty)

	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
	assert.Error(t, out.Scan(42))
}
