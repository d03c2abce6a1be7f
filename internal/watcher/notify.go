package watcher

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NotifyDevChanges nudges the watcher whenever a node appears or disappears
// under devRoot, so hot-swaps are picked up ahead of the next poll tick. The
// poll loop remains the source of truth; this only shortens its latency.
func NotifyDevChanges(ctx context.Context, w *Watcher, devRoot string) error {
	if w == nil {
		return errors.New("watcher: nil watcher")
	}
	if strings.TrimSpace(devRoot) == "" {
		devRoot = "/dev"
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "watcher: create fs notifier failed")
	}
	if err := fsw.Add(devRoot); err != nil {
		fsw.Close()
		return errors.Wrapf(err, "watcher: watch %s failed", devRoot)
	}
	log.Debug().Str("dir", devRoot).Msg("watching device directory for changes")

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove) != 0 {
					w.Nudge()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("device directory notifier error")
			}
		}
	}()
	return nil
}
