package realitycheck

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ReloadFunc rebuilds the tracker directory from its sources. Used by
// SIGHUP, the file watcher and POST /api/reload.
type ReloadFunc func(ctx context.Context) error

// SIGHUPReloader watches for SIGHUP signals and reloads the tracker
// directory. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that calls reload on every SIGHUP. A failed
// reload keeps the previous rules active.
func WatchSIGHUP(reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading tracker directory")
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("tracker directory reloaded")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
