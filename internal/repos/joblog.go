package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

type JobLogRepo interface {
	Append(ctx context.Context, tx *gorm.DB, entry *types.JobLog) error
	ListByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobLog, error)
}

type jobLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobLogRepo(db *gorm.DB, baseLog *logger.Logger) JobLogRepo {
	return &jobLogRepo{
		db:  db,
		log: baseLog.With("repo", "JobLogRepo"),
	}
}

func (r *jobLogRepo) Append(ctx context.Context, tx *gorm.DB, entry *types.JobLog) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if entry == nil || entry.JobID == uuid.Nil {
		return nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Level == "" {
		entry.Level = types.LogLevelInfo
	}
	return transaction.WithContext(ctx).Create(entry).Error
}

func (r *jobLogRepo) ListByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var entries []*types.JobLog
	if jobID == uuid.Nil {
		return entries, nil
	}
	if err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
