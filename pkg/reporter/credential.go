package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-boottest/pkg/github"
)

// defaultCheckInterval is how often the credential is re-validated after
// startup.
const defaultCheckInterval = 24 * time.Hour

// CredentialHealth is the externally visible credential state, surfaced
// through the intake API health endpoint.
type CredentialHealth struct {
	Valid        bool       `json:"valid"`
	Login        string     `json:"login,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ExpiringSoon bool       `json:"expiring_soon"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// CredentialMonitor validates the reporting credential on startup and
// re-checks it periodically, warning ahead of expiry without ever halting
// reporting.
type CredentialMonitor struct {
	log           logrus.FieldLogger
	gh            github.Client
	warnThreshold time.Duration
	checkInterval time.Duration

	mu     sync.Mutex
	health CredentialHealth

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCredentialMonitor creates a credential monitor with the given expiry
// warning threshold.
func NewCredentialMonitor(
	log logrus.FieldLogger,
	gh github.Client,
	warnThreshold time.Duration,
) *CredentialMonitor {
	return &CredentialMonitor{
		log:           log.WithField("component", "credential-monitor"),
		gh:            gh,
		warnThreshold: warnThreshold,
		checkInterval: defaultCheckInterval,
		done:          make(chan struct{}),
	}
}

// Validate performs the startup credential check. A failure here is fatal
// for the reporter: it must not start in a state where every post would
// silently fail.
func (m *CredentialMonitor) Validate(ctx context.Context) error {
	info, err := m.gh.ValidateToken(ctx)
	if err != nil {
		return fmt.Errorf(
			"github credential rejected (check github.token and its scopes): %w",
			err,
		)
	}

	m.record(info)

	m.log.WithFields(logrus.Fields{
		"login":          info.Login,
		"rate_remaining": info.RateRemaining,
	}).Info("GitHub credential validated")

	return nil
}

// Start launches the periodic re-check loop. Validate must have been
// called first.
func (m *CredentialMonitor) Start(ctx context.Context) error {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.check(ctx)
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the monitor goroutine to stop and waits for it.
func (m *CredentialMonitor) Stop() error {
	close(m.done)
	m.wg.Wait()

	return nil
}

// Health returns the last observed credential state.
func (m *CredentialMonitor) Health() CredentialHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.health
}

// check re-validates the credential. A transient failure only flips the
// health surface; reporting keeps running and retrying on its own.
func (m *CredentialMonitor) check(ctx context.Context) {
	info, err := m.gh.ValidateToken(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Credential re-validation failed")

		m.mu.Lock()
		m.health.Valid = false
		m.health.CheckedAt = time.Now().UTC()
		m.mu.Unlock()

		return
	}

	m.record(info)
}

// record updates the health surface and emits the expiry warning when the
// credential is inside the warning threshold.
func (m *CredentialMonitor) record(info *github.TokenInfo) {
	now := time.Now().UTC()

	expiringSoon := info.ExpiresAt != nil &&
		info.ExpiresAt.Sub(now) <= m.warnThreshold

	m.mu.Lock()
	m.health = CredentialHealth{
		Valid:        true,
		Login:        info.Login,
		ExpiresAt:    info.ExpiresAt,
		ExpiringSoon: expiringSoon,
		CheckedAt:    now,
	}
	m.mu.Unlock()

	if expiringSoon {
		m.log.WithFields(logrus.Fields{
			"expires_at": info.ExpiresAt.Format(time.RFC3339),
			"remaining":  info.ExpiresAt.Sub(now).Round(time.Hour).String(),
		}).Warn("GitHub credential expires soon, rotate the token")
	}
}
