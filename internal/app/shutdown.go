package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Shutdown gracefully shuts down the application. It is bounded by
// shutdownTimeout and safe to call more than once.
func (a *App) Shutdown() error {
	a.stopOnce.Do(func() {
		a.shutdownErr = a.shutdown()
	})
	return a.shutdownErr
}

func (a *App) shutdown() error {
	a.logger.Info("application-shutting-down")

	if a.healthChecker != nil {
		a.healthChecker.SetReady(false)
	}

	// Cancel context to signal all components
	a.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// The loop owns the open orders; wait for it before touching them.
	if a.loopStarted.Load() {
		select {
		case <-a.loopDone:
			a.cancelOpen(nil)
		case <-shutdownCtx.Done():
			a.logger.Warn("trading-loop-did-not-stop")
		}
	}

	if a.streams != nil {
		err := a.streams.Close()
		if err != nil {
			a.logger.Error("feed-streams-close-error", zap.Error(err))
		}
	}

	if !waitFor(shutdownCtx, a.tracker.Wait) {
		a.logger.Warn("fill-tracker-wait-timed-out")
	}

	if !waitFor(shutdownCtx, a.settleWG.Wait) {
		a.logger.Warn("settlements-still-running",
			zap.String("note", "run redeem-all later to finish them"))
	}

	if a.httpServer != nil {
		err := a.httpServer.Shutdown(shutdownCtx)
		if err != nil {
			a.logger.Error("http-server-shutdown-error", zap.Error(err))
		}
	}

	if a.telegram != nil {
		a.telegram.Wait()
	}

	err := a.storage.Close()
	if err != nil {
		a.logger.Error("storage-close-error", zap.Error(err))
	}

	// Wait for all goroutines
	if !waitFor(shutdownCtx, a.wg.Wait) {
		a.logger.Warn("goroutines-still-running")
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.logger.Info("application-shutdown-complete")

	return nil
}

// waitFor runs wait and reports whether it returned before ctx ended.
func waitFor(ctx context.Context, wait func()) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
