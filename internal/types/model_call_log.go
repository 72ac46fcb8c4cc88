package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ModelCallLog is a per-call audit row for every request sent to the model
// backend: which stage issued it, which model served it, and the token usage
// that feeds the cost ledger.
type ModelCallLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Stage     string         `gorm:"column:stage;not null" json:"stage"`
	Model     string         `gorm:"column:model;not null" json:"model"`
	Success   bool           `gorm:"column:success;not null" json:"success"`
	Error     string         `gorm:"column:error" json:"error,omitempty"`
	Usage     datatypes.JSON `gorm:"type:jsonb;column:usage" json:"usage,omitempty"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
}

func (ModelCallLog) TableName() string { return "model_call_log" }
