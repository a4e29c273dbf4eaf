package realtime

import "context"

// ConnectionRegistry tracks live connections and their namespace subscriptions.
//
// Requirements:
//   - Reads reflect every write that returned before them (no staleness).
//   - DeleteNamespaceConnection and ClearConnection return what they removed,
//     so callers never read-then-write registry state.
type ConnectionRegistry interface {
	// SaveConnection upserts by ServerConnectionID.
	SaveConnection(ctx context.Context, conn Connection) error
	GetConnection(ctx context.Context, id string) (Connection, bool, error)

	// SaveNamespaceConnection upserts a subscription; re-subscribing replaces prior flags.
	SaveNamespaceConnection(ctx context.Context, id string, sub NamespaceSubscription) error
	// GetConnectionsByNamespace returns subscribers in subscription order.
	GetConnectionsByNamespace(ctx context.Context, namespace string) ([]NamespaceConnection, error)
	DeleteNamespaceConnection(ctx context.Context, id, namespace string) (NamespaceSubscription, bool, error)
	CountConnectionsByNamespace(ctx context.Context, namespace string) (int, error)
	CountConnections(ctx context.Context) (int, error)

	// ClearConnection removes the connection and returns it with every
	// subscription it held.
	ClearConnection(ctx context.Context, id string) (Connection, []NamespaceSubscription, bool, error)

	// Rate-limit bookkeeping, in unix milliseconds.
	RateLimitExceededTime(ctx context.Context, id string) (int64, bool, error)
	SetRateLimitExceededTime(ctx context.Context, id string, ms int64) error
	RateLimitNotifiedTime(ctx context.Context, id string) (int64, bool, error)
	SetRateLimitNotifiedTime(ctx context.Context, id string, ms int64) error
}
