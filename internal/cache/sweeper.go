package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
)

// StartSweeper runs Sweep on the cron schedule until ctx is done or the
// manager is closed.
func (m *Manager) StartSweeper(ctx context.Context, schedule string) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-m.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Printf("scheduled sweep: %v", err)
			}
		}
	}()
	return nil
}
