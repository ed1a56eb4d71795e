// Package archive keeps raw copies of pages that failed extraction so layout
// changes and challenges can be inspected later.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BlobStore persists archived pages.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, metadata map[string]string, r io.Reader) (string, error)
}

// Archiver writes pages under {prefix}/{provider}/{yyyy-mm-dd}/{sha256(url)}.html.
// A nil *Archiver is valid and archives nothing.
type Archiver struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// New builds an archiver over store.
func New(store BlobStore, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
		now:    time.Now,
	}
}

// Save stores body best effort and returns the object URI, or "" when nothing
// was written. Failures are logged, never returned.
func (a *Archiver) Save(ctx context.Context, provider, pageURL string, body []byte, reason string) string {
	if a == nil || a.store == nil || len(body) == 0 {
		return ""
	}
	key := a.Key(provider, pageURL)
	uri, err := a.store.PutObject(ctx, key, "text/html; charset=utf-8", map[string]string{
		"provider": provider,
		"url":      pageURL,
		"reason":   reason,
	}, bytes.NewReader(body))
	if err != nil {
		a.logger.Warn("archive page failed",
			zap.String("provider", provider),
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return ""
	}
	a.logger.Info("archived page",
		zap.String("provider", provider),
		zap.String("url", pageURL),
		zap.String("reason", reason),
		zap.String("uri", uri),
	)
	return uri
}

// Key returns the object path for a page fetched now.
func (a *Archiver) Key(provider, pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	name := fmt.Sprintf("%s.html", hex.EncodeToString(sum[:]))
	day := a.now().UTC().Format("2006-01-02")
	if a.prefix == "" {
		return path.Join(provider, day, name)
	}
	return path.Join(a.prefix, provider, day, name)
}
