package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"newsup/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch follows edits to the config file until ctx ends. The parent
// directory is watched so that editors replacing the file by rename are
// seen. A broken watcher is rebuilt after a jittered, growing pause.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	log := m.log.With(logx.String("dir", dir))

	var pending debouncer
	defer pending.stop()

	pause := watchRetryMin
	for {
		w, err := openWatcher(dir)
		if err != nil {
			log.Warn("config watcher unavailable", logx.Err(err), logx.Duration("retry_in", pause))
		} else {
			pause = watchRetryMin
			log.Debug("watching config file", logx.String("file", name))
			if done := m.follow(ctx, w, name, func() { pending.arm(m.settle, m.reload) }, log); done {
				return nil
			}
			log.Warn("config watcher failed; rebuilding")
		}
		if !sleepCtx(ctx, pause+rand.N(pause/2+1)) {
			return nil
		}
		pause = min(2*pause, watchRetryMax)
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// follow consumes w until ctx ends (true) or the watcher breaks (false).
func (m *Manager) follow(ctx context.Context, w *fsnotify.Watcher, name string, changed func(), log logx.Logger) bool {
	defer w.Close()
	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if ev.Op&interesting != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == fsnotify.ErrEventOverflow {
				// Events were lost; the file may have changed.
				changed()
			}
			if err != nil {
				log.Warn("config watcher error", logx.Err(err))
			}
		}
	}
}

// debouncer runs the last armed func once no new arm arrived for d.
type debouncer struct {
	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) arm(after time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(after, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
