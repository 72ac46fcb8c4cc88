package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

// artifactColumns is the closed set of columns SaveArtifact may touch.
// Control fields (status, current_step, heartbeat_at) go through
// UpdateFields/ClaimConditional/Heartbeat so their invariants stay in one place.
var artifactColumns = map[string]bool{
	"course_context":     true,
	"gap_analysis":       true,
	"instructor_quality": true,
	"content":            true,
	"assignment":         true,
}

type GenerationJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, jobs []*types.GenerationJob) ([]*types.GenerationJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationJob, error)
	GetByAccountID(ctx context.Context, tx *gorm.DB, accountID uuid.UUID) ([]*types.GenerationJob, error)

	// ClaimConditional performs the single compare-and-swap the whole
	// concurrency model rests on: move the job to newStatus, refresh the
	// heartbeat, but only if the status column still equals expectedStatus.
	// Returns false when another worker won the race (zero rows affected).
	ClaimConditional(ctx context.Context, tx *gorm.DB, id uuid.UUID, expectedStatus, newStatus string) (bool, error)

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error

	// UpdateFieldsUnlessTerminal applies updates only while the job is not
	// completed/failed. Returns false when the row was terminal (e.g. a
	// cooperative stop landed first) and nothing was written.
	UpdateFieldsUnlessTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error)

	// Heartbeat refreshes liveness only while the job is in an active status,
	// so a worker that lost its claim cannot resurrect a finished job.
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error

	// SaveArtifact writes one stage artifact column. Empty values are
	// rejected: an artifact, once produced, is never blanked by a later stage.
	SaveArtifact(ctx context.Context, tx *gorm.DB, id uuid.UUID, column string, value interface{}) error
}

type generationJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationJobRepo(db *gorm.DB, baseLog *logger.Logger) GenerationJobRepo {
	return &generationJobRepo{
		db:  db,
		log: baseLog.With("repo", "GenerationJobRepo"),
	}
}

func (r *generationJobRepo) Create(ctx context.Context, tx *gorm.DB, jobs []*types.GenerationJob) ([]*types.GenerationJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*types.GenerationJob{}, nil
	}
	for _, j := range jobs {
		if j != nil && j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
	}
	if err := transaction.WithContext(ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *generationJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.GenerationJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *generationJobRepo) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID uuid.UUID) ([]*types.GenerationJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var jobs []*types.GenerationJob
	if accountID == uuid.Nil {
		return jobs, nil
	}
	if err := transaction.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *generationJobRepo) ClaimConditional(ctx context.Context, tx *gorm.DB, id uuid.UUID, expectedStatus, newStatus string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ? AND status = ?", id, expectedStatus).
		Updates(map[string]interface{}{
			"status":       newStatus,
			"heartbeat_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *generationJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationJobRepo) UpdateFieldsUnlessTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ? AND status NOT IN ?", id, []string{types.JobStatusCompleted, types.JobStatusFailed}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *generationJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ? AND status IN ?", id, types.ActiveJobStatuses).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *generationJobRepo) SaveArtifact(ctx context.Context, tx *gorm.DB, id uuid.UUID, column string, value interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if !artifactColumns[column] {
		return fmt.Errorf("unknown artifact column %q", column)
	}
	if isEmptyArtifact(value) {
		return fmt.Errorf("refusing to overwrite artifact %q with empty value", column)
	}
	return transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			column:       value,
			"updated_at": time.Now(),
		}).Error
}

func isEmptyArtifact(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0 || string(v) == "null" || string(v) == "{}"
	case datatypes.JSON:
		return len(v) == 0 || string(v) == "null" || string(v) == "{}"
	default:
		return false
	}
}
