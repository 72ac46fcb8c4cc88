package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/repos"
)

// Heartbeat periodically refreshes a claimed job's liveness timestamp so
// other workers do not repossess it mid-run. Stop must be called on every
// exit path; the pipeline does so with a defer immediately after start.
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func StartHeartbeat(ctx context.Context, baseLog *logger.Logger, repo repos.GenerationJobRepo, db *gorm.DB, jobID uuid.UUID, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hbCtx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	log := baseLog.With("component", "Heartbeat", "job_id", jobID)

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := repo.Heartbeat(hbCtx, db, jobID); err != nil {
					log.Warn("heartbeat refresh failed", "error", err)
				}
			}
		}
	}()
	return h
}

// Stop cancels the ticker and waits for the goroutine to exit, so no refresh
// can land after the worker has released the job.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}
