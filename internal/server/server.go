// Package server provides the gateway's lifecycle runner: signal handling,
// HTTP serving, background workers, and graceful shutdown in reverse
// startup order.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// App is everything the runner needs to serve. The composition root in
// cmd/gateway assembles it.
type App struct {
	Name    string
	Port    int
	Handler http.Handler
	Logger  *slog.Logger

	// ShuttingDown is shared with the router's health check: it flips before
	// the drain delay so load balancers stop sending traffic.
	ShuttingDown *atomic.Bool

	// Workers run alongside the HTTP server (CCU sampler, metrics reporter,
	// invalidation subscriber). Each must return once ctx closes; a worker
	// error takes the whole process down.
	Workers []func(context.Context) error

	// Cleanup hooks run after the HTTP server has drained, in reverse order
	// of registration, mirroring startup.
	Cleanup []func(context.Context) error
}

// Run executes the full lifecycle: signal handling, HTTP serving with the
// background workers, and graceful shutdown. If ln is non-nil it is used
// instead of binding App.Port (enables port-0 testing).
func Run(ctx context.Context, app App, ln net.Listener) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if ln == nil {
		var err error
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", app.Port))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	httpServer := &http.Server{
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout must cover the slowest downstream dispatch budget.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info("starting HTTP server",
			slog.String("service", app.Name),
			slog.String("addr", ln.Addr().String()),
		)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	for _, w := range app.Workers {
		w := w
		g.Go(func() error { return w(ctx) })
	}

	// Shutdown trigger: wait for cancellation, then drain in reverse order
	// of startup.
	g.Go(func() error {
		<-ctx.Done()
		app.Logger.Info("received shutdown signal, starting graceful shutdown")

		// 1. Health checks flip to 503 so load balancers stop routing here.
		if app.ShuttingDown != nil {
			app.ShuttingDown.Store(true)
		}

		// 2. Let the endpoint removal propagate before refusing connections.
		time.Sleep(domain.ShutdownDrainDelay)

		// 3. Drain in-flight HTTP requests.
		httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer httpCancel()
		if err := httpServer.Shutdown(httpCtx); err != nil {
			app.Logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// 4. Cleanup hooks, newest first.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer cleanupCancel()
		for i := len(app.Cleanup) - 1; i >= 0; i-- {
			if err := app.Cleanup[i](cleanupCtx); err != nil {
				app.Logger.Error("cleanup hook failed", slog.String("error", err.Error()))
			}
		}

		app.Logger.Info("shutdown complete")
		return nil
	})

	// Workers report ctx.Err() when they stop on cancellation; that is a
	// clean shutdown, not a failure.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
