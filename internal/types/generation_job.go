package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job status values. A job is terminal once it reaches completed or failed;
// everything in between belongs to exactly one claiming worker.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusDrafting   = "drafting"
	JobStatusCritiquing = "critiquing"
	JobStatusRefining   = "refining"
	JobStatusFormatting = "formatting"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	ModeLecture    = "lecture"
	ModePreRead    = "pre-read"
	ModeAssignment = "assignment"
)

// ActiveJobStatuses are the statuses that mean some worker currently holds
// the job. A fresh heartbeat on one of these blocks a second claim.
var ActiveJobStatuses = []string{
	JobStatusProcessing,
	JobStatusDrafting,
	JobStatusCritiquing,
	JobStatusRefining,
	JobStatusFormatting,
}

func IsActiveJobStatus(status string) bool {
	for _, s := range ActiveJobStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func IsTerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

type GenerationJob struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID uuid.UUID `gorm:"type:uuid;not null;index" json:"account_id"`

	Status      string `gorm:"column:status;not null;index" json:"status"`
	CurrentStep int    `gorm:"column:current_step;not null;default:0" json:"current_step"`

	// Inputs, immutable after creation.
	Topic           string         `gorm:"column:topic;not null" json:"topic"`
	Subtopics       datatypes.JSON `gorm:"type:jsonb;column:subtopics" json:"subtopics"`
	Mode            string         `gorm:"column:mode;not null" json:"mode"` // lecture|pre-read|assignment
	Transcript      string         `gorm:"column:transcript" json:"transcript,omitempty"`
	QuestionTargets datatypes.JSON `gorm:"type:jsonb;column:question_targets" json:"question_targets,omitempty"`

	// Per-stage artifacts; each is written exactly once by its stage and
	// never overwritten with an empty value.
	CourseContext     datatypes.JSON `gorm:"type:jsonb;column:course_context" json:"course_context,omitempty"`
	GapAnalysis       datatypes.JSON `gorm:"type:jsonb;column:gap_analysis" json:"gap_analysis,omitempty"`
	InstructorQuality datatypes.JSON `gorm:"type:jsonb;column:instructor_quality" json:"instructor_quality,omitempty"`
	Content           string         `gorm:"column:content" json:"content,omitempty"`
	Assignment        datatypes.JSON `gorm:"type:jsonb;column:assignment" json:"assignment,omitempty"`

	EstimatedCost float64        `gorm:"column:estimated_cost;not null;default:0" json:"estimated_cost"`
	CostBreakdown datatypes.JSON `gorm:"type:jsonb;column:cost_breakdown" json:"cost_breakdown,omitempty"`

	ErrorMessage string `gorm:"column:error_message" json:"error_message,omitempty"`
	ResumeToken  string `gorm:"column:resume_token" json:"resume_token,omitempty"`

	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationJob) TableName() string { return "generation_job" }
