// Package watch turns filesystem activity in a set of directories into
// debounced change callbacks. The fsnotify watcher heals itself when the
// backend breaks.
package watch

import (
	"context"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cupcake/internal/eventbus"
	logx "cupcake/pkg/logx"
)

const (
	DefaultDebounce = 250 * time.Millisecond

	// DefaultRetry is how often directories that could not be added are retried.
	DefaultRetry = time.Second

	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

type Options struct {
	Dirs []string
	// Filter selects relevant paths; nil accepts everything.
	Filter   func(path string) bool
	Debounce time.Duration
	// Retry paces Add attempts for missing directories.
	Retry time.Duration
	Log   logx.Logger
}

// OnChange receives the distinct paths that changed during one debounce window.
type OnChange func(ctx context.Context, paths []string)

// Run watches opts.Dirs until ctx ends. Directories that cannot be added
// are retried every opts.Retry; once one is added a change is reported for
// it, since files may already exist there. Run returns nil on cancellation.
func Run(ctx context.Context, opts Options, fn OnChange) error {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := newDebouncer(opts.Debounce, func(paths []string) {
		if ctx.Err() == nil {
			fn(ctx, paths)
		}
	})
	defer d.stop()

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func(reason string) bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		log.Warn(reason, logx.Duration("backoff", wait), logx.Any("dirs", opts.Dirs))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.Err(err))
			if !sleep("watcher init retry") {
				return nil
			}
			continue
		}

		var missing []string
		for _, dir := range opts.Dirs {
			if err := w.Add(dir); err != nil {
				log.Warn("watch add failed", logx.String("dir", dir), logx.Err(err))
				missing = append(missing, dir)
			}
		}
		added := len(opts.Dirs) - len(missing)
		if added == 0 {
			_ = w.Close()
			if !sleep("no watchable directory; retrying") {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		log.Debug("watcher started", logx.Int("dirs", added))

		if !loop(ctx, w, opts.Filter, d, missing, opts.Retry, log) {
			_ = w.Close()
			return nil
		}
		_ = w.Close()
		if !sleep("watcher stopped; restarting") {
			return nil
		}
	}
	return nil
}

// loop pumps events until the watcher breaks (true) or ctx ends (false).
// Directories in missing are re-added on a ticker until all are watched.
func loop(ctx context.Context, w *fsnotify.Watcher, filter func(string) bool, d *debouncer, missing []string, retry time.Duration, log logx.Logger) bool {
	if retry <= 0 {
		retry = DefaultRetry
	}
	var retryC <-chan time.Time
	if len(missing) > 0 {
		t := time.NewTicker(retry)
		defer t.Stop()
		retryC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-retryC:
			still := missing[:0]
			for _, dir := range missing {
				if err := w.Add(dir); err != nil {
					still = append(still, dir)
					continue
				}
				log.Info("watching directory", logx.String("dir", dir))
				d.add(dir)
			}
			missing = still
			if len(missing) == 0 {
				retryC = nil
			}
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if ev.Op == 0 || (filter != nil && !filter(ev.Name)) {
				continue
			}
			d.add(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			// Overflow means events were lost; report a change anyway.
			if strings.Contains(msg, "overflow") {
				log.Warn("watch overflow", logx.Err(err))
				d.add("")
				continue
			}
			log.Warn("watch error", logx.Err(err))
			if strings.Contains(msg, "closed") {
				return true
			}
		}
	}
}

type debouncer struct {
	mu      sync.Mutex
	wait    time.Duration
	timer   *time.Timer
	pending map[string]struct{}
	fire    func([]string)
}

func newDebouncer(wait time.Duration, fire func([]string)) *debouncer {
	if wait <= 0 {
		wait = DefaultDebounce
	}
	return &debouncer{wait: wait, pending: map[string]struct{}{}, fire: fire}
}

func (d *debouncer) add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if path != "" {
		d.pending[filepath.Clean(path)] = struct{}{}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	d.pending = map[string]struct{}{}
	d.mu.Unlock()
	sort.Strings(paths)
	d.fire(paths)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// PublishState returns an OnChange that announces directory changes on the
// bus as state.changed wake-up signals.
func PublishState(bus eventbus.Bus) OnChange {
	return func(ctx context.Context, paths []string) {
		src := ""
		if len(paths) > 0 {
			src = paths[0]
		}
		bus.Publish(eventbus.Event{Type: eventbus.StateChanged, Source: src, Data: paths})
	}
}

// SkipTemp ignores editor swap files and cupcake's own temp files.
func SkipTemp(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, ".cupcake-"), strings.HasSuffix(base, ".swp"), strings.HasSuffix(base, "~"):
		return false
	}
	return true
}
