package frontbase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const shutdownTimeout = 5 * time.Second

// Handler returns the HTTP routes: /health and the /socket endpoint.
func (a *App) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.Handle("/socket", a.server).Methods(http.MethodGet)
	return router
}

// Run listens on the configured address and serves until ctx ends.
func (a *App) Run(ctx context.Context, _ *RunCommand) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the change watcher, bootstraps the server state and serves
// connections from ln until ctx ends or something fails. Connections that
// arrive before bootstrap finishes are accepted but cannot do anything.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr, err := a.watcher.Start(ctx)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("watch changes: %w", err)
	}

	httpServer := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	if err = a.Bootstrap(ctx); err != nil {
		a.log.Error().Err(err).Msg("bootstrap failed")
	} else {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("shutting down")
		case err = <-serverErr:
			a.log.Error().Err(err).Msg("http server failed")
		case err = <-watchErr:
			if ctx.Err() != nil {
				err = nil
				a.log.Info().Msg("shutting down")
				break
			}
			a.log.Error().Err(err).Msg("change watcher stopped")
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	return errors.Join(err, a.server.Shutdown(shutdownCtx), httpServer.Shutdown(shutdownCtx))
}
