package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/jobs"
	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/repos"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobActive   = errors.New("job is already being processed")
)

// processBudget bounds a single Process invocation. A job that needs longer
// finishes across repeated invocations: checkpoints make re-entry cheap.
const processBudget = 5 * time.Minute

type CreateJobInput struct {
	AccountID       uuid.UUID
	Topic           string
	Subtopics       []string
	Mode            string
	Transcript      string
	QuestionTargets map[string]int
}

type ProcessService struct {
	log     *logger.Logger
	db      *gorm.DB
	jobRepo repos.GenerationJobRepo
	logRepo repos.JobLogRepo
	orch    *jobs.Orchestrator
}

func NewProcessService(
	baseLog *logger.Logger,
	db *gorm.DB,
	jobRepo repos.GenerationJobRepo,
	logRepo repos.JobLogRepo,
	orch *jobs.Orchestrator,
) *ProcessService {
	return &ProcessService{
		log:     baseLog.With("service", "process"),
		db:      db,
		jobRepo: jobRepo,
		logRepo: logRepo,
		orch:    orch,
	}
}

// CreateJob registers a queued job. Nothing runs until Process is called.
func (s *ProcessService) CreateJob(ctx context.Context, in CreateJobInput) (*types.GenerationJob, error) {
	mode := in.Mode
	if mode == "" {
		mode = types.ModeLecture
	}
	job := &types.GenerationJob{
		ID:          uuid.New(),
		AccountID:   in.AccountID,
		Status:      types.JobStatusQueued,
		CurrentStep: jobs.StepNone,
		Topic:       in.Topic,
		Mode:        mode,
		Transcript:  in.Transcript,
		ResumeToken: uuid.NewString(),
	}
	if len(in.Subtopics) > 0 {
		job.Subtopics = mustJSON(in.Subtopics)
	}
	if len(in.QuestionTargets) > 0 {
		job.QuestionTargets = mustJSON(in.QuestionTargets)
	}
	if _, err := s.jobRepo.Create(ctx, nil, []*types.GenerationJob{job}); err != nil {
		return nil, err
	}
	s.log.Info("job created", "job_id", job.ID, "mode", job.Mode, "topic", job.Topic)
	return job, nil
}

// Process drives the job forward under a wall-clock budget. Invoking it on a
// job another worker holds, or on a finished job, is a cheap no-op: the claim
// outcome is reported, not treated as a failure.
func (s *ProcessService) Process(ctx context.Context, jobID uuid.UUID) (*types.GenerationJob, error) {
	ctx, cancel := context.WithTimeout(ctx, processBudget)
	defer cancel()

	result, job, err := s.orch.Process(ctx, jobID)
	switch result {
	case jobs.ClaimNotFound:
		return nil, ErrJobNotFound
	case jobs.AlreadyActive:
		return job, ErrJobActive
	case jobs.AlreadyTerminal:
		return job, nil
	}
	if err != nil {
		return job, err
	}
	return job, nil
}

// Stop requests cooperative shutdown by moving the job to failed. The worker
// notices at its next guarded write and exits cleanly; a finished job is left
// untouched.
func (s *ProcessService) Stop(ctx context.Context, jobID uuid.UUID) (*types.GenerationJob, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if types.IsTerminalJobStatus(job.Status) {
		return job, nil
	}
	ok, err := s.jobRepo.UpdateFieldsUnlessTerminal(ctx, nil, jobID, map[string]interface{}{
		"status":        types.JobStatusFailed,
		"error_message": "stopped by user",
	})
	if err != nil {
		return nil, err
	}
	if ok {
		s.log.Info("stop requested", "job_id", jobID)
	}
	return s.jobRepo.GetByID(ctx, nil, jobID)
}

func (s *ProcessService) GetJob(ctx context.Context, jobID uuid.UUID) (*types.GenerationJob, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *ProcessService) ListJobs(ctx context.Context, accountID uuid.UUID) ([]*types.GenerationJob, error) {
	return s.jobRepo.GetByAccountID(ctx, nil, accountID)
}

func (s *ProcessService) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*types.JobLog, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return s.logRepo.ListByJobID(ctx, nil, jobID)
}
