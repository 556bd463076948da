package ports

import (
	"context"

	"pwacache/internal/domain/swcache"
)

// NamespaceStore is the persistent named-cache collaborator.
// Implementations must be safe for concurrent use.
type NamespaceStore interface {
	// Open returns the cache for ns, creating the namespace if needed.
	Open(ctx context.Context, ns swcache.Namespace) (NamedCache, error)
	// Namespaces enumerates every existing namespace.
	Namespaces(ctx context.Context) ([]swcache.Namespace, error)
	// DeleteNamespace removes ns and all its entries. It reports whether ns existed.
	DeleteNamespace(ctx context.Context, ns swcache.Namespace) (bool, error)
	// RetireVersion deletes every namespace and entry of version and returns
	// how many namespaces were removed. Until ReviveVersion, Open no longer
	// creates namespaces of that version.
	RetireVersion(ctx context.Context, version string) (int, error)
	// ReviveVersion lets a retired version be installed again.
	ReviveVersion(ctx context.Context, version string) error
}

// NamedCache is one opened namespace.
type NamedCache interface {
	Namespace() swcache.Namespace
	// Match returns the stored response for key, found=false when absent.
	Match(ctx context.Context, key string) (*swcache.StoredResponse, bool, error)
	// Put stores resp under key, overwriting any previous entry. It fails with
	// swcache.ErrNamespaceGone once the namespace has been deleted.
	Put(ctx context.Context, key string, resp *swcache.StoredResponse) error
	Keys(ctx context.Context) ([]string, error)
	// Trim evicts the oldest captured entries until at most limit remain and
	// returns how many were removed. A limit <= 0 disables trimming.
	Trim(ctx context.Context, limit int) (int, error)
}
