package swcache

import (
	"errors"

	"pwacache/internal/errs"
)

var (
	// ErrNetwork marks a failed network fetch (transport error or unreadable body).
	ErrNetwork = errors.New("network error")
	// ErrCacheUnavailable marks a persistent namespace that could not be opened.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrNotCached is returned by cache-only when nothing is stored for the request.
	ErrNotCached = errors.New("not cached")
	// ErrNamespaceGone is returned by writes to a namespace deleted after it was opened.
	ErrNamespaceGone = errors.New("cache namespace deleted")

	ErrInvalidClass      = errors.New("invalid resource class")
	ErrInvalidStrategy   = errors.New("invalid cache strategy")
	ErrInvalidConfig     = errors.New("invalid cache config")
	ErrInvalidNamespace  = errors.New("invalid namespace")
	ErrInvalidManifest   = errors.New("invalid precache manifest")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrInvalidState      = errors.New("invalid lifecycle state")
	ErrInvalidControl    = errors.New("invalid control message")

	ErrInstallFailed     = errors.New("install failed")
	ErrNothingToActivate = errors.New("no installed version waiting to activate")
)

func init() {
	errs.RegisterKind(ErrNetwork, "network")
	errs.RegisterKind(ErrCacheUnavailable, "cache_unavailable")
	errs.RegisterKind(ErrNotCached, "not_cached")
	errs.RegisterKind(ErrNamespaceGone, "namespace_gone")
	errs.RegisterKind(ErrInstallFailed, "install_failed")
	errs.RegisterKind(ErrInvalidTransition, "invalid_transition")
	errs.RegisterKind(ErrNothingToActivate, "nothing_to_activate")
}
