package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/gobeaver/vaultfs"
)

// Watcher keeps a registry in sync with vault markers changed outside the
// registry, for example by another process. A marker that appears makes
// its directory eligible for discovery again; a marker that disappears
// closes the vault.
type Watcher struct {
	session  *Session
	registry *vaultfs.Registry
	marker   string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for marker files named marker. The session
// must be backed by an OS directory.
func NewWatcher(session *Session, registry *vaultfs.Registry, marker string, logger *slog.Logger) (*Watcher, error) {
	if session.root == "" {
		return nil, fmt.Errorf("%w: watching requires an OS-backed session", vaultfs.ErrNotSupported)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		session:  session,
		registry: registry,
		marker:   marker,
		logger:   logger,
		watcher:  w,
	}, nil
}

// Add watches dir for marker changes. Directories are not watched
// recursively.
func (w *Watcher) Add(dir vaultfs.Path) error {
	if err := w.watcher.Add(w.osPath(dir)); err != nil {
		return pathError("watch", dir, err)
	}
	return nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("marker watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// handle reacts to a single filesystem event.
func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Base(event.Name) != w.marker {
		return
	}
	rel, err := filepath.Rel(w.session.root, filepath.Dir(event.Name))
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	dir := vaultfs.NewPath(filepath.ToSlash(rel), vaultfs.TypeDirectory)
	if rel == "." {
		dir = vaultfs.Root()
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if err := w.registry.Close(w.session, dir); err != nil && !errors.Is(err, vaultfs.ErrVaultNotOpen) {
			w.logger.Warn("close vault after marker removal", slog.String("root", dir.Abs()), slog.String("error", err.Error()))
		}
		w.registry.Invalidate(w.session, dir)
		w.logger.Info("vault marker removed", slog.String("root", dir.Abs()))
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.registry.Invalidate(w.session, dir)
		w.logger.Debug("vault marker changed", slog.String("root", dir.Abs()))
	}
}

func (w *Watcher) osPath(p vaultfs.Path) string {
	return filepath.Join(w.session.root, filepath.FromSlash(p.Abs()))
}
