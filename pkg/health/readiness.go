package health

import (
	"context"
	"fmt"
	"time"
)

// WaitReady polls address with a TCPChecker on cfg.Interval until it
// accepts a connection or ctx is done. The StartPeriod grace window lets
// the first several failures (cloud-init still bringing up networking)
// pass without counting toward Retries.
func WaitReady(ctx context.Context, address string, cfg Config) error {
	checker := NewTCPChecker(address).WithTimeout(cfg.Timeout)
	status := NewStatus()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	counted := 0
	for {
		result := checker.Check(ctx)
		status.Update(result, cfg)
		if result.Healthy {
			return nil
		}
		if !status.InStartPeriod(cfg) {
			counted++
			if counted >= cfg.Retries {
				return fmt.Errorf("%s unreachable after %d attempts: %s", address, status.ConsecutiveFailures, result.Message)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not ready: %w", address, ctx.Err())
		case <-ticker.C:
		}
	}
}
