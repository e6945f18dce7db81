// services/scheduler.go
package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// StartMaintenanceScheduler runs the expired-lock sweep and the artifact
// retry on fixed intervals. The caller shuts the scheduler down.
func StartMaintenanceScheduler(ctx context.Context, locks *TurnLockService, artifacts *ArtifactService, sweepEvery, retryEvery time.Duration, clock clockwork.Clock) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Every sweepEvery: drop leases nobody came back for
	_, err = sched.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(func() {
			if _, err := locks.SweepExpiredLocks(ctx); err != nil {
				log.Printf("[Scheduler] Lock sweep failed: %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("sweep-expired-locks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule lock sweep: %w", err)
	}

	if artifacts != nil && artifacts.Generator != nil {
		_, err = sched.NewJob(
			gocron.DurationJob(retryEvery),
			gocron.NewTask(func() {
				if n := artifacts.RetryMissing(ctx); n > 0 {
					log.Printf("✅ [Scheduler] Generated artifacts for %d finished hunt(s)", n)
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithName("retry-artifacts"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule artifact retry: %w", err)
		}
	}

	sched.Start()
	return sched, nil
}
