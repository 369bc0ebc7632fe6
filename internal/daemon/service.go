// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serviceFunc adapts a blocking function to a supervised service.
type serviceFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func newService(name string, fn func(ctx context.Context) error) *serviceFunc {
	return &serviceFunc{name: name, fn: fn}
}

func (s *serviceFunc) Serve(ctx context.Context) error { return s.fn(ctx) }
func (s *serviceFunc) String() string                  { return s.name }

// serveHTTP runs the daemon's HTTP surface: webhook ingest, the live
// websocket, metrics and the read-only API.
func (d *Daemon) serveHTTP(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v0", func(r chi.Router) {
		d.ingest.Routes(r)
		d.apiRoutes(r)
	})
	r.Get("/ws", d.broker.HandleWS)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              d.cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return ctx.Err()
		}
		return err
	}
}
