package engine

import (
	"context"
	"io"
	"path/filepath"

	"github.com/meszmate/orekh/internal/xmpp/upload"
)

// Upload transfers size bytes from body to the server's upload service and
// returns the download location. Any failure, including being offline,
// yields nil.
func (e *Engine) Upload(ctx context.Context, filename, contentType string, size int64, body io.Reader) *upload.Result {
	n, ctx, done := e.uploadSession(ctx)
	if n == nil {
		return nil
	}
	defer done()
	return n.Upload(ctx, filename, contentType, size, body, e.progress(filename))
}

// UploadFile uploads a file from disk.
func (e *Engine) UploadFile(ctx context.Context, path string) *upload.Result {
	n, ctx, done := e.uploadSession(ctx)
	if n == nil {
		return nil
	}
	defer done()
	return n.UploadFile(ctx, path, e.progress(filepath.Base(path)))
}

func (e *Engine) uploadSession(ctx context.Context) (*upload.Negotiator, context.Context, context.CancelFunc) {
	sess, _, err := e.session()
	if err != nil {
		e.logger.Debug("upload while offline")
		return nil, nil, nil
	}
	e.mu.Lock()
	n := e.uploader
	e.mu.Unlock()
	if n == nil {
		return nil, nil, nil
	}

	ctx, cancel := bound(ctx, sess)
	return n, ctx, cancel
}

func (e *Engine) progress(filename string) func(int) {
	return func(pct int) {
		e.uploadFeed.Publish(UploadProgress{Filename: filename, Percent: pct})
	}
}
