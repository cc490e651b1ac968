// Package storage provides the response stores backing the fallback cache.
package storage

import (
	"context"
	"time"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// CachedResponse is a previously successful decision kept for reuse during
// repeated fallback.
type CachedResponse struct {
	Decision  domain.Decision
	Component string
	StoredAt  time.Time
}

// ResponseStore persists successful responses keyed by request signature.
type ResponseStore interface {
	Get(ctx context.Context, signature string) (CachedResponse, bool)
	Put(ctx context.Context, signature string, resp CachedResponse) error
	// Prune drops entries older than the cutoff and returns how many were
	// removed.
	Prune(ctx context.Context, cutoff time.Time) int
	Close() error
}
