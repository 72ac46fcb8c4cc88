package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	LogLevelInfo    = "info"
	LogLevelStep    = "step"
	LogLevelSuccess = "success"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// JobLog is an append-only observability record owned by a GenerationJob.
// It never drives control flow; resume decisions read only the job row.
type JobLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	Stage     string    `gorm:"column:stage;not null" json:"stage"`
	Message   string    `gorm:"column:message;not null" json:"message"`
	Level     string    `gorm:"column:level;not null" json:"level"` // info|step|success|warning|error
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (JobLog) TableName() string { return "job_log" }
