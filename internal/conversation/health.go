// ABOUTME: Periodic backend health monitor owned by the conversation service
// ABOUTME: Keeps the connection status current without blocking or being blocked by sends

package conversation

import (
	"context"
	"time"
)

// defaultHealthInterval is how often the backend is polled when no interval
// is configured.
const defaultHealthInterval = 30 * time.Second

// StartHealthMonitor polls the backend until ctx is cancelled: one immediate
// check, then one per interval. The poll runs independently of send state;
// the connection status field is last-write-wins, so overwriting it
// unconditionally is safe.
func (s *Service) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	go func() {
		s.CheckNow(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckNow(ctx)
			}
		}
	}()
}

// CheckNow runs a single health check and updates the connection status.
func (s *Service) CheckNow(ctx context.Context) Status {
	s.setConnection(StatusChecking)

	status := StatusDisconnected
	if s.chat.CheckHealth(ctx) {
		status = StatusConnected
	}
	s.setConnection(status)
	return status
}
