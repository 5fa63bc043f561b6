// Package kvstore provides the persistent KV contract (spec §6 C3)
// used to durably store session data and the fetcher's settings
// metadata across process restarts. Grounded on the teacher's
// internal/infrastructure/cache package: same Get/Set/Delete/Exists
// shape, trimmed to what the client SDK actually needs (no SET
// operations, no cache stats — those served Redis-backed alert
// dedup, not this domain).
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the contract consumed by the session manager and the
// fetcher for crash-durable persistence. A zero TTL means no
// expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
