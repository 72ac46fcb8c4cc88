package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/repos"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

type ClaimResult int

const (
	ClaimNotFound ClaimResult = iota
	Claimed
	AlreadyActive
	AlreadyTerminal
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyActive:
		return "already_active"
	case AlreadyTerminal:
		return "already_terminal"
	default:
		return "not_found"
	}
}

// ClaimManager grants exclusive processing rights over a job. The only
// concurrency primitive is a conditional update on the status column: set
// status=processing where status still equals the value just read. Losing
// that race is a normal outcome, not an error.
type ClaimManager struct {
	db   *gorm.DB
	log  *logger.Logger
	repo repos.GenerationJobRepo
	cfg  Config
}

func NewClaimManager(db *gorm.DB, baseLog *logger.Logger, repo repos.GenerationJobRepo, cfg Config) *ClaimManager {
	return &ClaimManager{
		db:   db,
		log:  baseLog.With("component", "ClaimManager"),
		repo: repo,
		cfg:  cfg.withDefaults(),
	}
}

func (m *ClaimManager) TryClaim(ctx context.Context, jobID uuid.UUID) (ClaimResult, *types.GenerationJob, error) {
	job, err := m.repo.GetByID(ctx, m.db, jobID)
	if err != nil {
		return ClaimNotFound, nil, err
	}
	if job == nil {
		return ClaimNotFound, nil, nil
	}

	if types.IsTerminalJobStatus(job.Status) {
		return AlreadyTerminal, job, nil
	}

	// Recovery path: a crash between the last artifact write and the final
	// status write can leave a finished job stuck in an active status.
	if job.CurrentStep >= StepCompleted && job.Content != "" {
		err := m.repo.UpdateFields(ctx, m.db, job.ID, map[string]interface{}{
			"status": types.JobStatusCompleted,
		})
		if err != nil {
			m.log.Warn("failed to correct finished job status", "job_id", job.ID, "error", err)
		} else {
			job.Status = types.JobStatusCompleted
		}
		return AlreadyTerminal, job, nil
	}

	if types.IsActiveJobStatus(job.Status) && !m.isStale(job) {
		return AlreadyActive, job, nil
	}

	ok, err := m.repo.ClaimConditional(ctx, m.db, job.ID, job.Status, types.JobStatusProcessing)
	if err != nil {
		return ClaimNotFound, nil, err
	}
	if !ok {
		// Another worker changed the status between our read and the CAS.
		return AlreadyActive, job, nil
	}

	now := time.Now()
	job.Status = types.JobStatusProcessing
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return Claimed, job, nil
}

func (m *ClaimManager) isStale(job *types.GenerationJob) bool {
	liveness := job.UpdatedAt
	if job.HeartbeatAt != nil {
		liveness = *job.HeartbeatAt
	}
	return time.Since(liveness) > m.cfg.StaleThreshold
}
