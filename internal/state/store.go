package state

import "context"

// Store is the durable key/value layer behind the bot's pair snapshots,
// sweep timestamps and cycle audit records. Keys are namespaced by the
// helpers in this package; callers never touch raw keys.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
