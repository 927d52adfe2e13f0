// Package watch reports settled file changes under library roots so scans can be re-run.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go-modelvault/internal/helpers"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const DefaultDebounce = 2 * time.Second

// Handler receives the roots whose trees changed, each with the changed paths.
type Handler func(root string, paths []string)

type Options struct {
	Debounce time.Duration
	// Ignore reports paths whose events are dropped. Hidden and cache directories are always ignored.
	Ignore func(path string) bool
}

// IgnorePartials drops in-progress download files.
func IgnorePartials(path string) bool {
	return strings.HasSuffix(path, ".part")
}

type Watcher struct {
	roots   []string
	opts    Options
	handler Handler
	fsw     *fsnotify.Watcher
}

// New watches every directory under roots. Missing roots are skipped with a warning.
func New(roots []string, handler Handler, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{opts: opts, handler: handler, fsw: fsw}
	for _, root := range roots {
		root = filepath.Clean(root)
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			log.Warnf("Not watching %s: not a directory", root)
			continue
		}
		if err := w.addTree(root); err != nil {
			fsw.Close()
			return nil, err
		}
		w.roots = append(w.roots, root)
	}
	return w, nil
}

// Roots returns the roots actually being watched.
func (w *Watcher) Roots() []string { return w.roots }

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != dir && helpers.IsHiddenOrCacheDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

// ignored checks the path components below root.
func (w *Watcher) ignored(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if helpers.IsHiddenOrCacheDir(part) {
			return true
		}
	}
	return w.opts.Ignore != nil && w.opts.Ignore(p)
}

func (w *Watcher) rootOf(p string) string {
	best := ""
	for _, root := range w.roots {
		if (p == root || strings.HasPrefix(p, root+string(filepath.Separator))) && len(root) > len(best) {
			best = root
		}
	}
	return best
}

// Run delivers batches to the handler until ctx is done, then closes the watcher.
// A batch is flushed once no event arrived for the debounce window.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	pending := make(map[string]map[string]bool)
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()

	flush := func() {
		roots := make([]string, 0, len(pending))
		for root := range pending {
			roots = append(roots, root)
		}
		sort.Strings(roots)
		for _, root := range roots {
			paths := make([]string, 0, len(pending[root]))
			for p := range pending[root] {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			log.WithField("root", root).Infof("%d change(s) settled", len(paths))
			w.handler(root, paths)
		}
		pending = make(map[string]map[string]bool)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("File watcher error")
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			root := w.rootOf(ev.Name)
			if root == "" || ev.Op == fsnotify.Chmod || w.ignored(root, ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						log.WithError(err).Warnf("Cannot watch new directory %s", ev.Name)
					}
				}
			}
			if pending[root] == nil {
				pending[root] = make(map[string]bool)
			}
			pending[root][ev.Name] = true
			timer.Reset(w.opts.Debounce)
		case <-timer.C:
			flush()
		}
	}
}
