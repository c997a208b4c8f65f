// Package lease implements time-bounded exclusive claims on workflow executions.
// Every operation is one conditional update of the execution row.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrLeaseLost is the cancellation cause of a keepalive context whose lease
// could not be renewed.
var ErrLeaseLost = errors.New("lease lost")

// Lease is a claim held by one worker. Token is the lock_id written on claim.
type Lease struct {
	ExecutionID string
	Token       string
	Until       time.Time
	Duration    time.Duration
}

// Manager issues, renews and releases leases.
type Manager struct {
	repo   persistence.ExecutionRepository
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewManager creates a lease manager over the execution ledger.
func NewManager(repo persistence.ExecutionRepository, clock clockwork.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		clock:  clock,
		logger: logger.With("module", "lease"),
	}
}

// Claim takes the execution when it is unleased or its lease expired. A lost
// race returns (nil, false, nil).
func (m *Manager) Claim(ctx context.Context, executionID string, duration time.Duration) (*Lease, bool, error) {
	now := m.clock.Now()
	until := now.Add(duration)
	token := uuid.NewString()

	ok, err := m.repo.TryClaim(ctx, executionID, token, now.UnixMilli(), until.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim execution %s: %w", executionID, err)
	}

	if !ok {
		m.logger.DebugContext(ctx, "claim lost", "execution_id", executionID)

		return nil, false, nil
	}

	return &Lease{ExecutionID: executionID, Token: token, Until: until, Duration: duration}, true, nil
}

// Renew extends the lease by its duration from now. It reports false when the
// token no longer matches.
func (m *Manager) Renew(ctx context.Context, lease *Lease) (bool, error) {
	now := m.clock.Now()
	until := now.Add(lease.Duration)

	ok, err := m.repo.Renew(ctx, lease.ExecutionID, lease.Token, now.UnixMilli(), until.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to renew lease on %s: %w", lease.ExecutionID, err)
	}

	if ok {
		lease.Until = until
	}

	return ok, nil
}

// Release clears the lease; it is a no-op when the execution was reclaimed.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	ok, err := m.repo.Release(ctx, lease.ExecutionID, lease.Token, m.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to release lease on %s: %w", lease.ExecutionID, err)
	}

	if !ok {
		m.logger.DebugContext(ctx, "release skipped, lease no longer held", "execution_id", lease.ExecutionID)
	}

	return nil
}

// Keepalive renews the lease every interval until stop is called. The returned
// context is cancelled with ErrLeaseLost as soon as a renewal fails.
func (m *Manager) Keepalive(ctx context.Context, lease *Lease, interval time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	ticker := m.clock.NewTicker(interval)
	done := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				ok, err := m.Renew(ctx, lease)
				if err != nil || !ok {
					m.logger.WarnContext(ctx, "lease renewal failed",
						"execution_id", lease.ExecutionID,
						"error", err)
					cancel(ErrLeaseLost)

					return
				}
			}
		}
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(nil)
		})
	}

	return ctx, stop
}

// Lost reports whether ctx was cancelled because its lease was lost.
func Lost(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrLeaseLost)
}
