package jobs

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/repos"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

// LogWriter appends observability entries to a job's log. Failures are
// swallowed after a zap warning: telemetry must never fail a generation.
type LogWriter struct {
	log   *logger.Logger
	repo  repos.JobLogRepo
	db    *gorm.DB
	jobID uuid.UUID
}

func NewLogWriter(baseLog *logger.Logger, repo repos.JobLogRepo, db *gorm.DB, jobID uuid.UUID) *LogWriter {
	return &LogWriter{
		log:   baseLog.With("component", "JobLog", "job_id", jobID),
		repo:  repo,
		db:    db,
		jobID: jobID,
	}
}

func (w *LogWriter) write(ctx context.Context, stage, level, message string) {
	if w == nil {
		return
	}
	if w.repo != nil {
		err := w.repo.Append(ctx, w.db, &types.JobLog{
			JobID:   w.jobID,
			Stage:   stage,
			Message: message,
			Level:   level,
		})
		if err != nil && w.log != nil {
			w.log.Warn("failed to append job log", "stage", stage, "error", err)
		}
	}
	if w.log == nil {
		return
	}
	switch level {
	case types.LogLevelWarning:
		w.log.Warn(message, "stage", stage)
	case types.LogLevelError:
		w.log.Error(message, "stage", stage)
	default:
		w.log.Info(message, "stage", stage, "level", level)
	}
}

func (w *LogWriter) Info(ctx context.Context, stage, message string) {
	w.write(ctx, stage, types.LogLevelInfo, message)
}

func (w *LogWriter) Step(ctx context.Context, stage, message string) {
	w.write(ctx, stage, types.LogLevelStep, message)
}

func (w *LogWriter) Success(ctx context.Context, stage, message string) {
	w.write(ctx, stage, types.LogLevelSuccess, message)
}

func (w *LogWriter) Warning(ctx context.Context, stage, message string) {
	w.write(ctx, stage, types.LogLevelWarning, message)
}

func (w *LogWriter) Error(ctx context.Context, stage, message string) {
	w.write(ctx, stage, types.LogLevelError, message)
}
