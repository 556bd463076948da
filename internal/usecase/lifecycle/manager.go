package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/ports"
)

// Manager drives versions through install and activation and owns the active
// version the interceptor routes to.
type Manager struct {
	store         ports.NamespaceStore
	registrations ports.RegistrationStore
	uow           ports.UnitOfWork
	fetcher       ports.Fetcher
	origin        *url.URL
	clients       *ClientRegistry
	metrics       ports.Metrics
	now           func() time.Time
	concurrency   int

	// opMu serializes install, activate and clear.
	opMu sync.Mutex

	mu      sync.RWMutex
	active  string
	waiting *pendingVersion
	states  map[string]versionState
}

type pendingVersion struct {
	manifest swcache.Manifest
}

type versionState struct {
	state     swcache.LifecycleState
	assets    []string
	updatedAt time.Time
}

type Deps struct {
	Store         ports.NamespaceStore
	Registrations ports.RegistrationStore
	UnitOfWork    ports.UnitOfWork
	Fetcher       ports.Fetcher
	// Origin resolves relative manifest asset paths.
	Origin  *url.URL
	Clients *ClientRegistry
	Metrics ports.Metrics
	Now     func() time.Time
	// FetchConcurrency bounds parallel asset fetches during install.
	FetchConcurrency int
}

func NewManager(deps Deps) *Manager {
	m := &Manager{
		store:         deps.Store,
		registrations: deps.Registrations,
		uow:           deps.UnitOfWork,
		fetcher:       deps.Fetcher,
		origin:        deps.Origin,
		clients:       deps.Clients,
		metrics:       deps.Metrics,
		now:           deps.Now,
		concurrency:   deps.FetchConcurrency,
		states:        make(map[string]versionState),
	}
	if m.uow == nil {
		m.uow = ports.DirectUnitOfWork{}
	}
	if m.fetcher == nil {
		m.fetcher = http.DefaultClient
	}
	if m.clients == nil {
		m.clients = NewClientRegistry()
	}
	if m.metrics == nil {
		m.metrics = ports.NoopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.concurrency <= 0 {
		m.concurrency = 4
	}
	return m
}

func (m *Manager) Clients() *ClientRegistry {
	return m.clients
}

// ActiveVersion reports the version in control.
func (m *Manager) ActiveVersion() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != ""
}

// WaitingVersion reports an installed version waiting to activate.
func (m *Manager) WaitingVersion() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.waiting == nil {
		return "", false
	}
	return m.waiting.manifest.Version, true
}

// State returns the lifecycle state of version.
func (m *Manager) State(version string) swcache.LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[version].state
}

// Restore rebuilds lifecycle state from the registration store, then drops
// namespaces that belong to neither the active nor the waiting version.
func (m *Manager) Restore(ctx context.Context) error {
	if m.registrations == nil {
		return nil
	}
	ctx = logging.WithComponent(ctx, "lifecycle.manager")

	m.opMu.Lock()
	defer m.opMu.Unlock()

	regs, err := m.registrations.List(ctx)
	if err != nil {
		return errs.Wrap(err, "list registrations")
	}

	m.mu.Lock()
	for _, reg := range regs {
		m.states[reg.Version] = versionState{state: reg.State, assets: reg.Assets, updatedAt: reg.UpdatedAt}
		switch reg.State {
		case swcache.StateActive:
			m.active = reg.Version
		case swcache.StateInstalled, swcache.StateActivating:
			m.waiting = &pendingVersion{manifest: swcache.Manifest{Version: reg.Version, Assets: reg.Assets}}
		}
	}
	if m.waiting != nil && m.waiting.manifest.Version == m.active {
		m.waiting = nil
	}
	keep := map[string]bool{}
	if m.active != "" {
		keep[m.active] = true
	}
	if m.waiting != nil {
		keep[m.waiting.manifest.Version] = true
	}
	active := m.active
	m.mu.Unlock()

	// An interrupted install never completed, so it can never activate.
	for _, reg := range regs {
		if reg.State == swcache.StateInstalling {
			m.setState(ctx, reg.Version, swcache.StateRedundant, reg.Assets)
		}
	}

	if len(regs) > 0 {
		if _, err := m.collectGarbage(ctx, func(ns swcache.Namespace) bool { return !keep[ns.Version] }); err != nil {
			return err
		}
	}

	logging.Info(ctx, "lifecycle state restored",
		slog.String("active", active),
		slog.Int("registrations", len(regs)),
	)
	return nil
}

// Install pre-populates manifest into the static namespace of its version. It is
// all-or-nothing: on any failure nothing is written, the version becomes
// redundant and the active version keeps control.
func (m *Manager) Install(ctx context.Context, manifest swcache.Manifest) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	if m.store == nil {
		return fmt.Errorf("install %s: %w", manifest.Version, swcache.ErrCacheUnavailable)
	}

	version := manifest.Version
	ctx = logging.WithVersion(logging.WithComponent(ctx, "lifecycle.manager"), version)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.State(version) {
	case swcache.StateInstalled, swcache.StateActivating, swcache.StateActive:
		logging.Info(ctx, "version already installed, skip install")
		return nil
	}

	// A retry after a failed install starts a fresh lifecycle for the version.
	if err := m.store.ReviveVersion(ctx, version); err != nil {
		return errs.Wrapf(err, "revive %s", version)
	}
	m.mu.Lock()
	m.states[version] = versionState{state: swcache.StateNone}
	m.mu.Unlock()

	if err := m.transition(ctx, version, swcache.StateInstalling, manifest.Assets); err != nil {
		return err
	}
	logging.Info(ctx, "install started", slog.Int("assets", len(manifest.Assets)))

	if err := m.precache(ctx, manifest); err != nil {
		m.failInstall(ctx, manifest, err)
		return fmt.Errorf("install %s: %w: %w", version, swcache.ErrInstallFailed, err)
	}
	if err := m.transition(ctx, version, swcache.StateInstalled, manifest.Assets); err != nil {
		return err
	}

	m.mu.Lock()
	previous := m.waiting
	m.waiting = &pendingVersion{manifest: manifest}
	m.mu.Unlock()

	if previous != nil && previous.manifest.Version != version {
		m.setState(ctx, previous.manifest.Version, swcache.StateRedundant, previous.manifest.Assets)
		logging.Info(ctx, "replaced waiting version", slog.String("previous", previous.manifest.Version))
	}

	logging.Info(ctx, "install completed")
	return nil
}

// precache fetches every asset first and only then writes them, together with
// the installed registration, in one unit of work.
func (m *Manager) precache(ctx context.Context, manifest swcache.Manifest) error {
	requests := make([]*http.Request, len(manifest.Assets))
	for i, asset := range manifest.Assets {
		req, err := m.assetRequest(ctx, asset)
		if err != nil {
			return err
		}
		requests[i] = req
	}

	fetched := make([]*swcache.StoredResponse, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			stored, err := m.fetchAsset(req.WithContext(gctx))
			if err != nil {
				return err
			}
			fetched[i] = stored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ns := swcache.Namespace{Version: manifest.Version, Bucket: swcache.BucketStatic}
	return m.uow.WithTx(ctx, func(txCtx context.Context) error {
		cache, err := m.store.Open(txCtx, ns)
		if err != nil {
			return fmt.Errorf("open namespace %s: %w: %w", ns, swcache.ErrCacheUnavailable, err)
		}
		for i, req := range requests {
			if err := cache.Put(txCtx, swcache.RequestKey(req), fetched[i]); err != nil {
				return errs.Wrapf(err, "store asset %s", manifest.Assets[i])
			}
		}
		return m.persist(txCtx, manifest.Version, swcache.StateInstalled, manifest.Assets)
	})
}

func (m *Manager) assetRequest(ctx context.Context, asset string) (*http.Request, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return nil, errs.Wrapf(err, "parse asset %q", asset)
	}
	if !ref.IsAbs() {
		if m.origin == nil {
			return nil, fmt.Errorf("asset %q is relative and no origin is configured", asset)
		}
		ref = m.origin.ResolveReference(ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return nil, errs.Wrapf(err, "build request for %q", asset)
	}
	return req, nil
}

func (m *Manager) fetchAsset(req *http.Request) (*swcache.StoredResponse, error) {
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", swcache.ErrNetwork, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", swcache.ErrNetwork, req.URL, err)
	}
	if !swcache.IsSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", req.URL, resp.StatusCode)
	}
	return swcache.NewStoredResponse(resp, body, m.now()), nil
}

func (m *Manager) failInstall(ctx context.Context, manifest swcache.Manifest, cause error) {
	logging.Error(ctx, "install failed", slog.Any("err", errs.Loggable(cause)))

	// Non-transactional stores may hold a partial write.
	ns := swcache.Namespace{Version: manifest.Version, Bucket: swcache.BucketStatic}
	if _, err := m.store.DeleteNamespace(context.WithoutCancel(ctx), ns); err != nil {
		logging.Warn(ctx, "cleanup after failed install", slog.Any("err", errs.Loggable(err)))
	}
	if err := m.transition(context.WithoutCancel(ctx), manifest.Version, swcache.StateRedundant, manifest.Assets); err != nil {
		logging.Warn(ctx, "mark failed install redundant", slog.Any("err", errs.Loggable(err)))
	}
}

// Activate promotes the waiting version: every namespace of another version is
// deleted, the previous active version becomes redundant and open clients are
// claimed.
func (m *Manager) Activate(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", errors.New("context is required")
	}
	ctx = logging.WithComponent(ctx, "lifecycle.manager")

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	waiting := m.waiting
	previous := m.active
	m.mu.RUnlock()
	if waiting == nil {
		return "", swcache.ErrNothingToActivate
	}
	version := waiting.manifest.Version
	assets := waiting.manifest.Assets
	ctx = logging.WithVersion(ctx, version)

	if m.State(version) != swcache.StateActivating {
		if err := m.transition(ctx, version, swcache.StateActivating, assets); err != nil {
			return "", err
		}
	}

	// Route new requests to the new version before old namespaces disappear.
	m.mu.Lock()
	m.active = version
	m.mu.Unlock()

	deleted, err := m.retireOtherVersions(ctx, version, previous)
	if err != nil {
		return "", errs.Wrapf(err, "activate %s", version)
	}

	if err := m.transition(ctx, version, swcache.StateActive, assets); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.waiting = nil
	m.mu.Unlock()

	if previous != "" && previous != version {
		m.setState(ctx, previous, swcache.StateRedundant, m.assetsOf(previous))
	}

	claimed := m.clients.Claim(version)
	logging.Info(ctx, "activation completed",
		slog.String("previous", previous),
		slog.Int("deleted_namespaces", deleted),
		slog.Int("claimed_clients", claimed),
	)
	return version, nil
}

// Update installs manifest and activates it right away. It does nothing when the
// version is already active.
func (m *Manager) Update(ctx context.Context, manifest swcache.Manifest) (bool, error) {
	if active, ok := m.ActiveVersion(); ok && active == manifest.Version {
		return false, nil
	}
	if err := m.Install(ctx, manifest); err != nil {
		return false, err
	}
	if _, err := m.Activate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// retireOtherVersions deletes everything stored for versions other than keep,
// including previous even when none of its namespaces is listed any more.
func (m *Manager) retireOtherVersions(ctx context.Context, keep string, previous string) (int, error) {
	namespaces, err := m.store.Namespaces(ctx)
	if err != nil {
		return 0, errs.Wrap(err, "list namespaces")
	}

	versions := make([]string, 0, len(namespaces)+1)
	seen := make(map[string]struct{}, len(namespaces)+1)
	add := func(version string) {
		if version == "" || version == keep {
			return
		}
		if _, ok := seen[version]; ok {
			return
		}
		seen[version] = struct{}{}
		versions = append(versions, version)
	}
	add(previous)
	for _, ns := range namespaces {
		if ns.IsObsolete(keep) {
			add(ns.Version)
		}
	}

	deleted := 0
	for _, version := range versions {
		removed, err := m.store.RetireVersion(ctx, version)
		if err != nil {
			return deleted, errs.Wrapf(err, "retire version %s", version)
		}
		deleted += removed
		logging.Debug(ctx, "retired obsolete version", slog.String("retired", version), slog.Int("namespaces", removed))
	}
	return deleted, nil
}

func (m *Manager) collectGarbage(ctx context.Context, obsolete func(swcache.Namespace) bool) (int, error) {
	namespaces, err := m.store.Namespaces(ctx)
	if err != nil {
		return 0, errs.Wrap(err, "list namespaces")
	}

	deleted := 0
	for _, ns := range namespaces {
		if !obsolete(ns) {
			continue
		}
		existed, err := m.store.DeleteNamespace(ctx, ns)
		if err != nil {
			return deleted, errs.Wrapf(err, "delete namespace %s", ns)
		}
		if existed {
			deleted++
			logging.Debug(ctx, "deleted obsolete namespace", slog.String("namespace", ns.String()))
		}
	}
	return deleted, nil
}

// ClearAll deletes every namespace of every version and returns how many were
// removed. Lifecycle state is left untouched.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	deleted, err := m.collectGarbage(ctx, func(swcache.Namespace) bool { return true })
	if err != nil {
		return deleted, errs.Wrap(err, "clear caches")
	}
	logging.Info(logging.WithComponent(ctx, "lifecycle.manager"), "all caches cleared", slog.Int("namespaces", deleted))
	return deleted, nil
}

// NamespaceInfo describes one stored namespace.
type NamespaceInfo struct {
	Namespace swcache.Namespace `json:"namespace" yaml:"namespace"`
	Entries   int               `json:"entries" yaml:"entries"`
	Current   bool              `json:"current" yaml:"current"`
}

// Namespaces lists stored namespaces with their entry counts.
func (m *Manager) Namespaces(ctx context.Context) ([]NamespaceInfo, error) {
	namespaces, err := m.store.Namespaces(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "list namespaces")
	}
	active, _ := m.ActiveVersion()

	out := make([]NamespaceInfo, 0, len(namespaces))
	for _, ns := range namespaces {
		cache, err := m.store.Open(ctx, ns)
		if err != nil {
			return nil, errs.Wrapf(err, "open namespace %s", ns)
		}
		keys, err := cache.Keys(ctx)
		if err != nil {
			return nil, errs.Wrapf(err, "list keys of %s", ns)
		}
		out = append(out, NamespaceInfo{Namespace: ns, Entries: len(keys), Current: ns.Version == active})
	}
	return out, nil
}

// CacheSize is the total number of stored responses across namespaces.
func (m *Manager) CacheSize(ctx context.Context) (int, error) {
	infos, err := m.Namespaces(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, info := range infos {
		total += info.Entries
	}
	return total, nil
}

// VersionStatus is one row of Status.
type VersionStatus struct {
	Version   string                 `json:"version" yaml:"version"`
	State     swcache.LifecycleState `json:"state" yaml:"state"`
	Assets    int                    `json:"assets" yaml:"assets"`
	UpdatedAt time.Time              `json:"updated_at" yaml:"updated_at"`
}

type Status struct {
	Active   string          `json:"active,omitempty" yaml:"active,omitempty"`
	Waiting  string          `json:"waiting,omitempty" yaml:"waiting,omitempty"`
	Clients  int             `json:"clients" yaml:"clients"`
	Versions []VersionStatus `json:"versions" yaml:"versions"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{Active: m.active, Clients: m.clients.Len()}
	if m.waiting != nil {
		st.Waiting = m.waiting.manifest.Version
	}
	for version, vs := range m.states {
		if vs.state == swcache.StateNone {
			continue
		}
		st.Versions = append(st.Versions, VersionStatus{
			Version:   version,
			State:     vs.state,
			Assets:    len(vs.assets),
			UpdatedAt: vs.updatedAt,
		})
	}
	sort.Slice(st.Versions, func(i, j int) bool {
		if !st.Versions[i].UpdatedAt.Equal(st.Versions[j].UpdatedAt) {
			return st.Versions[i].UpdatedAt.Before(st.Versions[j].UpdatedAt)
		}
		return st.Versions[i].Version < st.Versions[j].Version
	})
	return st
}

// RegisterClient attaches a client controlled by the active version.
func (m *Manager) RegisterClient() (*Client, func()) {
	active, _ := m.ActiveVersion()
	return m.clients.Register(active)
}

// transition validates and records a state change.
func (m *Manager) transition(ctx context.Context, version string, to swcache.LifecycleState, assets []string) error {
	if _, err := swcache.Transition(m.State(version), to); err != nil {
		return errs.Wrapf(err, "version %s", version)
	}
	m.setState(ctx, version, to, assets)
	return nil
}

// setState records state without validation, for moves the state machine allows
// from several origins (superseded or interrupted versions).
func (m *Manager) setState(ctx context.Context, version string, state swcache.LifecycleState, assets []string) {
	m.mu.Lock()
	m.states[version] = versionState{state: state, assets: assets, updatedAt: m.now().UTC()}
	m.mu.Unlock()

	m.metrics.ObserveLifecycle(version, state)
	if err := m.persist(ctx, version, state, assets); err != nil {
		logging.Warn(ctx, "persist lifecycle state",
			slog.String("state", string(state)),
			slog.Any("err", errs.Loggable(err)),
		)
	}
}

func (m *Manager) persist(ctx context.Context, version string, state swcache.LifecycleState, assets []string) error {
	if m.registrations == nil {
		return nil
	}
	return m.registrations.Save(ctx, ports.Registration{
		Version:   version,
		State:     state,
		Assets:    assets,
		UpdatedAt: m.now().UTC(),
	})
}

func (m *Manager) assetsOf(version string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[version].assets
}
