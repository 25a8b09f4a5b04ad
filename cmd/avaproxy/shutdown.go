package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// runProxy starts every component, waits for a shutdown trigger and
// then stops the components in order.
func runProxy(app *application, flags cliFlags, stdin io.Reader) error {
	logger := app.logger

	listener, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.server.Addr, err)
	}

	app.dispatcher.Start()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("proxy listening",
			observability.String("address", listener.Addr().String()),
			observability.String("backend", app.client.BaseURL()),
		)
		if err := app.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if app.admin != nil {
		if err := app.admin.Start(); err != nil {
			logger.Error("failed to start admin server", observability.Error(err))
		}
	}

	watcher := startConfigWatcher(flags.configPath, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stdinDone <-chan struct{}
	if flags.stdinShutdown {
		stdinDone = waitForEnter(stdin)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-stdinDone:
		logger.Info("received shutdown request from stdin")
	case err := <-serveErr:
		runErr = err
		logger.Error("proxy server failed", observability.Error(err))
	}

	shutdown(app, watcher)
	return runErr
}

// waitForEnter returns a channel closed once a line (or EOF) is read.
func waitForEnter(r io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = bufio.NewReader(r).ReadString('\n')
	}()
	return done
}

// startConfigWatcher watches the configuration file and applies the
// settings that can change at runtime. Only the log level is reloadable;
// the watcher warns about every other changed setting.
func startConfigWatcher(configPath string, logger observability.Logger) *config.Watcher {
	if configPath == "" {
		return nil
	}

	path, err := config.ResolveConfigPath(configPath)
	if err != nil {
		logger.Warn("config watcher disabled", observability.Error(err))
		return nil
	}

	watcher, err := config.NewWatcher(path, func(cfg *config.Config, _ []string) {
		applyReload(cfg, logger)
	}, config.WithLogger(logger))
	if err != nil {
		logger.Warn("config watcher disabled", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		_ = watcher.Stop()
		logger.Warn("config watcher disabled", observability.Error(err))
		return nil
	}
	return watcher
}

// applyReload applies a reloaded configuration to the running process.
func applyReload(cfg *config.Config, logger observability.Logger) {
	setter, ok := logger.(observability.LevelSetter)
	if !ok || setter.Level() == cfg.Logging.Level {
		return
	}
	if err := setter.SetLevel(cfg.Logging.Level); err != nil {
		logger.Warn("failed to apply log level", observability.Error(err))
		return
	}
	logger.Info("log level changed", observability.String("level", cfg.Logging.Level))
}

// shutdown stops every component within the configured shutdown timeout.
// Readiness fails first so load balancers stop routing, then in-flight
// requests are drained before the workers exit.
func shutdown(app *application, watcher *config.Watcher) {
	logger := app.logger

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Listener.ShutdownTimeout.Duration())
	defer cancel()

	app.checker.SetDraining(true)

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Shutdown(ctx); err != nil {
		logger.Error("failed to stop proxy server gracefully", observability.Error(err))
	}

	if err := app.dispatcher.Stop(ctx); err != nil {
		logger.Error("failed to stop dispatcher gracefully", observability.Error(err))
	}

	if app.rateLimiter != nil {
		app.rateLimiter.Stop()
	}

	if app.admin != nil {
		if err := app.admin.Stop(ctx); err != nil {
			logger.Error("failed to stop admin server gracefully", observability.Error(err))
		}
	}

	app.client.CloseIdleConnections()

	if err := app.tracer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("avaproxy stopped")
}

