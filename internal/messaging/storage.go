// internal/messaging/storage.go

package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrFileTypeBlocked = errors.New("file type not allowed")
)

var defaultAllowedTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"video/mp4", "video/quicktime", "video/webm",
	"audio/mpeg", "audio/wav", "audio/ogg",
	"application/pdf", "application/zip", "text/plain",
}

// fileRules is the size and type policy shared by every blob store.
type fileRules struct {
	maxSize      int64
	allowedTypes []string
}

// inspect sniffs the real content type and applies the policy. The declared
// type is ignored when the bytes say otherwise.
func (r fileRules) inspect(file AttachmentUpload) (contentType, ext string, err error) {
	if r.maxSize > 0 && int64(len(file.Data)) > r.maxSize {
		return "", "", fmt.Errorf("%s: %w (%d > %d bytes)", file.Name, ErrFileTooLarge, len(file.Data), r.maxSize)
	}
	mt := mimetype.Detect(file.Data)
	contentType = mt.String()
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if len(r.allowedTypes) > 0 && !mimetype.EqualsAny(contentType, r.allowedTypes...) {
		return "", "", fmt.Errorf("%s: %w (%s)", file.Name, ErrFileTypeBlocked, contentType)
	}
	ext = filepath.Ext(file.Name)
	if ext == "" {
		ext = mt.Extension()
	}
	return contentType, ext, nil
}

func objectKey(scopeID, ext string, now time.Time) string {
	return fmt.Sprintf("messages/%s/%s/%s%s", scopeID, now.Format("2006/01/02"), uuid.New().String(), ext)
}

// S3BlobStore uploads attachments to a bucket served from cdnURL.
type S3BlobStore struct {
	s3Client *s3.S3
	bucket   string
	cdnURL   string
	rules    fileRules
}

func NewS3BlobStore(awsSession *session.Session, bucket, cdnURL string, maxFileSize int64) *S3BlobStore {
	return &S3BlobStore{
		s3Client: s3.New(awsSession),
		bucket:   bucket,
		cdnURL:   strings.TrimRight(cdnURL, "/"),
		rules:    fileRules{maxSize: maxFileSize, allowedTypes: defaultAllowedTypes},
	}
}

func (s *S3BlobStore) Upload(ctx context.Context, scopeID string, file AttachmentUpload) (*Attachment, error) {
	contentType, ext, err := s.rules.inspect(file)
	if err != nil {
		return nil, err
	}
	key := objectKey(scopeID, ext, time.Now())

	_, err = s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(file.Data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(file.Data))),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(time.Now().Format(time.RFC3339)),
			"file-name":   aws.String(file.Name),
			"scope-id":    aws.String(scopeID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s to s3: %w", file.Name, err)
	}

	return &Attachment{
		URL:         fmt.Sprintf("%s/%s", s.cdnURL, key),
		Name:        file.Name,
		ContentType: contentType,
		Size:        int64(len(file.Data)),
	}, nil
}

// LocalBlobStore writes attachments under dir and serves them from baseURL.
type LocalBlobStore struct {
	dir     string
	baseURL string
	rules   fileRules
}

func NewLocalBlobStore(dir, baseURL string, maxFileSize int64) *LocalBlobStore {
	return &LocalBlobStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		rules:   fileRules{maxSize: maxFileSize, allowedTypes: defaultAllowedTypes},
	}
}

func (s *LocalBlobStore) Upload(ctx context.Context, scopeID string, file AttachmentUpload) (*Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contentType, ext, err := s.rules.inspect(file)
	if err != nil {
		return nil, err
	}
	key := objectKey(scopeID, ext, time.Now())

	fullPath := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.WriteFile(fullPath, file.Data, 0o644); err != nil {
		return nil, fmt.Errorf("save %s: %w", file.Name, err)
	}

	return &Attachment{
		URL:         fmt.Sprintf("%s/%s", s.baseURL, key),
		Name:        file.Name,
		ContentType: contentType,
		Size:        int64(len(file.Data)),
	}, nil
}
