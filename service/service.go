// Package service runs an HTTP handler until its context is cancelled.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const DefaultShutdownTimeout = 10 * time.Second

// Start listens on host:port and serves handler until ctx is done.
func Start(ctx context.Context, host, port string, handler http.Handler, logger zerolog.Logger, beforeShutdown ...func()) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	return Serve(ctx, ln, handler, logger, beforeShutdown...)
}

// Serve owns ln. When ctx is done it runs beforeShutdown in order while the
// server is still accepting, then stops accepting and waits up to
// DefaultShutdownTimeout for in-flight requests.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, logger zerolog.Logger, beforeShutdown ...func()) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("http server started")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	for _, fn := range beforeShutdown {
		fn()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	logger.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
