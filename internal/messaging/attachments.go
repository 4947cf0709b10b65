package messaging

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// uploadAll uploads files in parallel. Failures are collected per file and
// never stop the others. Uploaded attachments keep the input order.
func (e *Engine) uploadAll(ctx context.Context, scopeID string, files []AttachmentUpload) ([]Attachment, []AttachmentFailure) {
	if len(files) == 0 {
		return nil, nil
	}

	results := make([]*Attachment, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(e.cfg.UploadConcurrency)
	for i, f := range files {
		g.Go(func() error {
			if e.blobs == nil {
				errs[i] = errNoBlobStore
				return nil
			}
			results[i], errs[i] = e.blobs.Upload(ctx, scopeID, f)
			return nil
		})
	}
	_ = g.Wait()

	var uploaded []Attachment
	var failures []AttachmentFailure
	for i, f := range files {
		if errs[i] != nil || results[i] == nil {
			reason := "upload failed"
			if errs[i] != nil {
				reason = errs[i].Error()
			}
			failures = append(failures, AttachmentFailure{Name: f.Name, Reason: reason})
			uploadFailures.Inc()
			e.log.Warn().Err(errs[i]).Str("scope", scopeID).Str("file", f.Name).Msg("attachment upload failed")
			continue
		}
		uploaded = append(uploaded, *results[i])
	}
	return uploaded, failures
}
