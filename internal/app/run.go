package app

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.logger.Info("application-starting",
		zap.String("policy", a.policy.Name()),
		zap.String("symbol", a.cfg.MarketSymbol),
		zap.Duration("tick-interval", a.cfg.TradingTickInterval),
		zap.String("log-level", a.cfg.LogLevel))

	err := a.startComponents()
	if err != nil {
		_ = a.Shutdown()
		return err
	}

	a.healthChecker.SetReady(true)

	a.logger.Info("application-ready",
		zap.String("http-addr", ":"+a.cfg.HTTPPort),
		zap.String("index-url", a.cfg.FeedIndexWSURL),
		zap.String("book-url", a.cfg.FeedBookWSURL))

	return a.waitForShutdown()
}

func (a *App) startComponents() error {
	a.wg.Add(1)
	go a.runHTTPServer()

	// Give HTTP server a moment to start
	time.Sleep(100 * time.Millisecond)

	err := a.streams.Start(a.ctx)
	if err != nil {
		return fmt.Errorf("start feed streams: %w", err)
	}

	a.balanceCheck.Start(a.ctx)

	if a.telegram != nil {
		a.telegram.Start(a.ctx)
	}

	if a.bot != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.bot.Run(a.ctx)
		}()
	}

	a.wg.Add(1)
	go a.runWalletTracker()

	a.startLoop()

	return nil
}

func (a *App) runHTTPServer() {
	defer a.wg.Done()
	err := a.httpServer.Start()
	if err != nil {
		a.logger.Error("http-server-error", zap.Error(err))
	}
}

func (a *App) runWalletTracker() {
	defer a.wg.Done()
	err := a.walletTracker.Run(a.ctx)
	if err != nil && !errors.Is(err, a.ctx.Err()) {
		a.logger.Error("wallet-tracker-error", zap.Error(err))
	}
}

func (a *App) waitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		a.logger.Info("shutdown-signal-received", zap.String("signal", sig.String()))
	case <-a.ctx.Done():
		a.logger.Info("context-cancelled")
	case <-a.loopDone:
		a.logger.Error("trading-loop-exited")
	}

	return a.Shutdown()
}
