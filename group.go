package driveyard

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// goSafe runs fn in an errgroup goroutine, recovering panics and restarting
// the goroutine with exponential backoff. A panicking watcher or scheduler
// loop must not take the rest of the engine down with it.
//
// Panics print to stderr rather than the structured logger: the logger itself
// may be what panicked.
func goSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(ctx)
			}()

			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			jitter := time.Duration(0)
			if half := backoff / 2; half > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(half))
			}
			time.Sleep(backoff + jitter)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}
