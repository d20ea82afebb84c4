// Package qrcodes renders batch QR codes once and keeps them in the blob
// store, either on demand or from a background worker.
package qrcodes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"herbtrace/internal/blob"
	"herbtrace/internal/codec"
	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

// KeyPrefix is the blob key prefix shared by every QR artifact.
const KeyPrefix = "qr/"

// Artifact describes a stored QR image.
type Artifact struct {
	BatchID     domain.BatchID `json:"batch_id"`
	Key         string         `json:"key"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	ETag        string         `json:"etag,omitempty"`
	URL         string         `json:"url,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Publisher renders and stores QR artifacts. Concurrent Ensure calls for the
// same batch share one render.
type Publisher struct {
	store    blob.Store
	renderer codec.Renderer
	logger   core.Logger
	group    singleflight.Group
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l core.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher returns a publisher writing to store. A nil renderer uses a
// default-size PNG renderer.
func NewPublisher(store blob.Store, renderer codec.Renderer, opts ...PublisherOption) *Publisher {
	if renderer == nil {
		renderer = codec.NewQRRenderer(codec.DefaultImageSize)
	}
	p := &Publisher{store: store, renderer: renderer, logger: discard{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Key returns the blob key for id. Path separators and dots are escaped so
// any identifier maps to a single flat object name.
func Key(id domain.BatchID) string {
	return KeyPrefix + strings.ReplaceAll(url.PathEscape(string(id)), ".", "%2E") + ".png"
}

// Ensure returns the stored artifact for id, rendering and storing it first
// when absent.
func (p *Publisher) Ensure(ctx context.Context, id domain.BatchID) (Artifact, error) {
	if id.IsBlank() {
		return Artifact{}, domain.ErrEmptyIdentifier
	}
	key := Key(id)
	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.ensure(ctx, id, key)
	})
	if err != nil {
		return Artifact{}, err
	}
	return v.(Artifact), nil
}

func (p *Publisher) ensure(ctx context.Context, id domain.BatchID, key string) (Artifact, error) {
	info, err := p.store.Head(ctx, key)
	if err == nil {
		return toArtifact(id, info), nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return Artifact{}, fmt.Errorf("head %s: %w", key, err)
	}
	png, err := codec.RenderBatch(p.renderer, id)
	if err != nil {
		return Artifact{}, err
	}
	info, err = p.store.Put(ctx, key, bytes.NewReader(png), blob.PutOptions{
		ContentType: p.renderer.ContentType(),
		Metadata:    map[string]string{"batch-id": string(id), "payload": codec.Encode(id)},
	})
	if errors.Is(err, blob.ErrExists) {
		info, err = p.store.Head(ctx, key)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("store %s: %w", key, err)
	}
	p.logger.Debug("qr artifact stored", "batch_id", string(id), "key", key, "size_bytes", info.Size)
	return toArtifact(id, info), nil
}

// Open ensures the artifact exists and returns a reader over its image.
func (p *Publisher) Open(ctx context.Context, id domain.BatchID) (Artifact, io.ReadCloser, error) {
	art, err := p.Ensure(ctx, id)
	if err != nil {
		return Artifact{}, nil, err
	}
	info, rc, err := p.store.Get(ctx, art.Key)
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("get %s: %w", art.Key, err)
	}
	return toArtifact(id, info), rc, nil
}

// List returns every stored artifact.
func (p *Publisher) List(ctx context.Context) ([]blob.Info, error) {
	return p.store.List(ctx, KeyPrefix)
}

func toArtifact(id domain.BatchID, info blob.Info) Artifact {
	return Artifact{
		BatchID:     id,
		Key:         info.Key,
		ContentType: info.ContentType,
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		URL:         info.URL,
		CreatedAt:   info.LastModified,
	}
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
