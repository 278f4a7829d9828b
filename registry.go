package vaultfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"
)

// Registry tracks the vaults open on each session and resolves, for any
// path, the vault that governs it.
//
// A Registry is owned by whoever owns the sessions (typically a connection
// pool). Sessions are passed to every call and never stored, so one
// registry can serve many sessions; vaults and cache entries are kept
// apart by Session.ID.
//
// Example:
//
//	registry, err := vaultfs.NewRegistry(
//	    vaultfs.WithDiscovery(cryptovault.NewProber(), cryptovault.NewLoader(keys)),
//	)
//	fs := registry.Overlay(backend)
//	w, err := vaultfs.FeatureOf[vaultfs.Write](fs, vaultfs.FeatureWrite)
type Registry struct {
	opts    RegistryOptions
	logger  *slog.Logger
	exclude []glob.Glob

	mu     sync.RWMutex
	vaults map[string]*vaultTable
	// probed memoizes directories whose probe gave a definitive answer
	probed map[resolutionKey]struct{}
	// gen is bumped by every mutation that can change a resolution
	gen uint64

	cache *resolutionCache
	group singleflight.Group
}

// vaultTable holds the open vaults of one session.
type vaultTable struct {
	byRoot map[string]Vault
	// sorted roots for longest-prefix matching
	sortedRoots []string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	options := RegistryOptions{
		CacheShards: 32,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.AutoDiscovery && (options.Prober == nil || options.Loader == nil) {
		return nil, errors.New("auto-discovery requires a prober and a loader")
	}

	exclude := make([]glob.Glob, 0, len(options.ProbeExclude))
	for _, pattern := range options.ProbeExclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid probe exclude pattern %q: %w", pattern, err)
		}
		exclude = append(exclude, g)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		opts:    options,
		logger:  logger,
		exclude: exclude,
		vaults:  make(map[string]*vaultTable),
		probed:  make(map[resolutionKey]struct{}),
		cache:   newResolutionCache(options.CacheShards),
	}, nil
}

// Find returns the vault governing file, or NullVault if there is none.
//
// Results are cached per (session, path). When auto-discovery is enabled,
// directories between file and the deepest open vault root are probed for
// a marker; the deepest marker found wins and is opened as a side effect.
// A probe I/O failure is returned wrapped in ErrResolution and nothing is
// cached, so the next call retries.
func (r *Registry) Find(ctx context.Context, session Session, file Path) (Vault, error) {
	key := resolutionKey{session: session.ID(), path: file.Abs(), dir: file.IsDir()}
	if v, ok := r.cache.get(key); ok {
		return v, nil
	}

	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	flight := key.session + "\x00" + key.path
	if key.dir {
		flight += "/"
	}
	for {
		v, err, _ := r.group.Do(flight, func() (any, error) {
			return r.resolve(ctx, session, file, key)
		})
		if err != nil {
			return nil, err
		}
		// A flight that started before a mutation seen on entry may carry
		// a closed or superseded vault.
		if res := v.(resolution); res.gen >= gen {
			return res.vault, nil
		}
	}
}

// resolution is the outcome of one resolve flight and the registry
// generation it started from.
type resolution struct {
	vault Vault
	gen   uint64
}

// resolve computes and caches the vault of file.
func (r *Registry) resolve(ctx context.Context, session Session, file Path, key resolutionKey) (resolution, error) {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	candidate := r.deepestOpen(key.session, file)

	vault, err := r.discover(ctx, session, file, candidate)
	if err != nil {
		return resolution{}, err
	}
	if vault == nil {
		vault = candidate
	}
	if vault == nil {
		vault = NullVault
	}

	// A result computed across a mutation may be stale; hand it out but
	// do not cache it.
	r.mu.Lock()
	if r.gen == gen {
		r.cache.put(key, vault)
	}
	r.mu.Unlock()

	return resolution{vault: vault, gen: gen}, nil
}

// deepestOpen returns the open vault with the longest root containing p.
func (r *Registry) deepestOpen(session string, p Path) Vault {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.vaults[session]
	if !ok {
		return nil
	}
	for _, root := range t.sortedRoots {
		if p.IsWithin(NewPath(root, TypeDirectory)) {
			return t.byRoot[root]
		}
	}
	return nil
}

// discover probes the directories from file up to, but excluding, the root
// of candidate and returns the first vault found.
func (r *Registry) discover(ctx context.Context, session Session, file Path, candidate Vault) (Vault, error) {
	if !r.opts.AutoDiscovery {
		return nil, nil
	}

	dir := file
	if !file.IsDir() {
		dir = file.Parent()
	}
	for {
		if candidate != nil && !dir.IsChildOf(candidate.Root()) {
			return nil, nil
		}
		v, err := r.probe(ctx, session, dir)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
		if dir.IsRoot() {
			return nil, nil
		}
		dir = dir.Parent()
	}
}

// probe checks dir for a vault marker, at most once per directory.
func (r *Registry) probe(ctx context.Context, session Session, dir Path) (Vault, error) {
	if r.excluded(dir) {
		return nil, nil
	}

	key := resolutionKey{session: session.ID(), path: dir.Abs(), dir: true}

	r.mu.RLock()
	_, done := r.probed[key]
	var existing Vault
	if t, ok := r.vaults[key.session]; ok {
		existing = t.byRoot[key.path]
	}
	r.mu.RUnlock()

	if existing != nil {
		return existing, nil
	}
	if done {
		return nil, nil
	}

	cfg, err := r.opts.Prober.Probe(ctx, session, dir)
	if errors.Is(err, ErrVaultNotFound) {
		r.mu.Lock()
		r.probed[key] = struct{}{}
		r.mu.Unlock()
		r.logger.Debug("vault probe: no marker", slog.String("session", key.session), slog.String("dir", key.path))
		return nil, nil
	}
	if err != nil {
		r.logger.Warn("vault probe failed",
			slog.String("session", key.session),
			slog.String("dir", key.path),
			slog.String("error", err.Error()))
		return nil, &VaultError{Op: "probe", Path: dir.Abs(), Root: dir.Abs(), Err: fmt.Errorf("%w: %w", ErrResolution, err)}
	}

	vault, err := r.opts.Loader.Load(ctx, session, cfg)
	if err != nil {
		return nil, &VaultError{Op: "load", Path: dir.Abs(), Root: cfg.Root.Abs(), Err: err}
	}

	return r.register(key.session, vault, true)
}

// excluded reports whether dir matches a probe exclusion pattern.
func (r *Registry) excluded(dir Path) bool {
	for _, g := range r.exclude {
		if g.Match(dir.Abs()) {
			return true
		}
	}
	return false
}

// Open registers vault for session. Opening the same vault twice is a
// no-op; opening a different vault at a root that already has one fails
// with ErrVaultExists.
func (r *Registry) Open(session Session, vault Vault) error {
	_, err := r.register(session.ID(), vault, false)
	return err
}

// register adds vault to the session's table and returns the vault that
// ends up registered for its root. A discovered vault that lost a race
// against another discovery of the same root is closed and the winner is
// returned.
func (r *Registry) register(session string, vault Vault, discovered bool) (Vault, error) {
	root := vault.Root()

	r.mu.Lock()
	t, ok := r.vaults[session]
	if !ok {
		t = &vaultTable{byRoot: make(map[string]Vault)}
		r.vaults[session] = t
	}

	if existing, exists := t.byRoot[root.Abs()]; exists {
		r.mu.Unlock()
		if existing == vault {
			return existing, nil
		}
		if discovered {
			r.logger.Debug("vault discovery superseded", slog.String("session", session), slog.String("root", root.Abs()))
			if err := vault.Close(); err != nil {
				r.logger.Warn("close superseded vault", slog.String("root", root.Abs()), slog.String("error", err.Error()))
			}
			return existing, nil
		}
		return nil, &VaultError{Op: "open", Path: root.Abs(), Root: root.Abs(), Err: ErrVaultExists}
	}

	t.byRoot[root.Abs()] = vault
	t.updateSortedRoots()
	r.probed[resolutionKey{session: session, path: root.Abs(), dir: true}] = struct{}{}
	r.gen++
	evicted := r.cache.invalidate(session, overlapping(root))
	r.mu.Unlock()

	r.logger.Info("vault opened",
		slog.String("session", session),
		slog.String("root", root.Abs()),
		slog.Bool("discovered", discovered),
		slog.Int("evicted", evicted))
	return vault, nil
}

// Close closes the vault at root and forgets it. Cached resolutions that
// could involve root are evicted. The root is not probed again until
// Invalidate is called for it, so a closed vault stays closed.
func (r *Registry) Close(session Session, root Path) error {
	sid := session.ID()

	r.mu.Lock()
	t, ok := r.vaults[sid]
	var vault Vault
	if ok {
		vault = t.byRoot[root.Abs()]
	}
	if vault == nil {
		r.mu.Unlock()
		return &VaultError{Op: "close", Path: root.Abs(), Root: root.Abs(), Err: ErrVaultNotOpen}
	}

	delete(t.byRoot, root.Abs())
	t.updateSortedRoots()
	r.gen++
	evicted := r.cache.invalidate(sid, overlapping(root))
	r.mu.Unlock()

	r.logger.Info("vault closed", slog.String("session", sid), slog.String("root", root.Abs()), slog.Int("evicted", evicted))
	return vault.Close()
}

// Invalidate forgets probe results and cached resolutions at or below dir,
// so the next Find probes again. Marker watchers call it when a marker
// appears or disappears.
func (r *Registry) Invalidate(session Session, dir Path) {
	sid := session.ID()

	r.mu.Lock()
	for key := range r.probed {
		if key.session == sid && NewPath(key.path, TypeDirectory).IsWithin(dir) {
			delete(r.probed, key)
		}
	}
	r.gen++
	r.cache.invalidate(sid, overlapping(dir))
	r.mu.Unlock()

	r.logger.Debug("vault registry invalidated", slog.String("session", sid), slog.String("dir", dir.Abs()))
}

// Vaults returns the vaults open on session, deepest root first.
func (r *Registry) Vaults(session Session) []Vault {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.vaults[session.ID()]
	if !ok {
		return nil
	}
	result := make([]Vault, 0, len(t.sortedRoots))
	for _, root := range t.sortedRoots {
		result = append(result, t.byRoot[root])
	}
	return result
}

// Shutdown closes every open vault and clears all state.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	var vaults []Vault
	for _, t := range r.vaults {
		for _, v := range t.byRoot {
			vaults = append(vaults, v)
		}
	}
	r.vaults = make(map[string]*vaultTable)
	r.probed = make(map[resolutionKey]struct{})
	r.gen++
	r.cache.clear()
	r.mu.Unlock()

	var errs []error
	for _, v := range vaults {
		if err := v.Close(); err != nil {
			errs = append(errs, &VaultError{Op: "close", Path: v.Root().Abs(), Root: v.Root().Abs(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Stats returns resolution cache statistics.
func (r *Registry) Stats() CacheStatistics {
	return r.cache.stats()
}

// updateSortedRoots orders roots longest first. Must be called with lock held.
func (t *vaultTable) updateSortedRoots() {
	roots := make([]string, 0, len(t.byRoot))
	for root := range t.byRoot {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool {
		if len(roots[i]) != len(roots[j]) {
			return len(roots[i]) > len(roots[j])
		}
		return roots[i] < roots[j]
	})
	t.sortedRoots = roots
}

// overlapping matches paths whose resolution can change when a vault at
// root is opened or closed.
func overlapping(root Path) func(Path) bool {
	return func(p Path) bool {
		return p.IsWithin(root) || root.IsWithin(p)
	}
}
