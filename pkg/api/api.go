// Package api exposes the intake HTTP surface: test submission with
// duplicate suppression, queue status, and health.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-boottest/pkg/config"
	"github.com/dirkhh/adsb-boottest/pkg/reporter"
	"github.com/dirkhh/adsb-boottest/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Notifier wakes the queue scheduler after an accepted submission.
type Notifier interface {
	Notify()
}

// CredentialHealthSource exposes the reporter credential state for the
// health endpoint. Nil when reporting is disabled.
type CredentialHealthSource interface {
	Health() reporter.CredentialHealth
}

// Server exposes the intake API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	notifier   Notifier
	credential CredentialHealthSource
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new intake API server. credential may be nil when
// GitHub reporting is disabled.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	notifier Notifier,
	credential CredentialHealthSource,
) Server {
	return &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		store:      st,
		notifier:   notifier,
		credential: credential,
	}
}

// Start binds the listener and serves the router.
func (s *server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("Intake API starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("Intake API stopped")

	return nil
}
