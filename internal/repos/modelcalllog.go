package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

type ModelCallLogRepo interface {
	Create(ctx context.Context, tx *gorm.DB, logs []*types.ModelCallLog) ([]*types.ModelCallLog, error)
}

type modelCallLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewModelCallLogRepo(db *gorm.DB, baseLog *logger.Logger) ModelCallLogRepo {
	return &modelCallLogRepo{
		db:  db,
		log: baseLog.With("repo", "ModelCallLogRepo"),
	}
}

func (r *modelCallLogRepo) Create(ctx context.Context, tx *gorm.DB, logs []*types.ModelCallLog) ([]*types.ModelCallLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(logs) == 0 {
		return []*types.ModelCallLog{}, nil
	}
	for _, l := range logs {
		if l != nil && l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
	}
	if err := transaction.WithContext(ctx).Create(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
