package livestream

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "confbot/internal/log"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchRetryDelay = 5 * time.Second
)

// Watch refreshes the provider whenever the file changes, until ctx is
// done. The parent directory is watched so editors that save by rename
// are handled. The periodic refresh keeps running independently; Watch
// only shortens the delay after an edit.
func (p *Provider) Watch(ctx context.Context) {
	dir := filepath.Dir(p.path)
	file := filepath.Base(p.path)

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			appLog.Warn("livestream watch init failed", err, "dir", dir)
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
				continue
			}
		}

		appLog.Debug("livestream watcher started", "dir", dir, "file", file)
		p.watchLoop(ctx, w, file)
		_ = w.Close()
	}
}

func (p *Provider) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := p.Refresh(ctx); err != nil {
				appLog.Warn("livestream reload after change failed", err, "path", p.path)
			} else {
				appLog.Info("livestreams reloaded after file change", "path", p.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			appLog.Warn("livestream watch error", err, "path", p.path)
		}
	}
}
