package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Scope is the isolation unit for one knowledge graph. Exactly one scope is
// the default at any time; entity/relation/document counters are
// denormalized and refreshed from the graph store on demand.
type Scope struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string    `gorm:"uniqueIndex;not null" json:"name"`
	Description   string    `gorm:"column:description" json:"description,omitempty"`
	IsDefault     bool      `gorm:"column:is_default;not null;default:false;index" json:"is_default"`
	EntityCount   int       `gorm:"column:entity_count;not null;default:0" json:"entity_count"`
	RelationCount int       `gorm:"column:relation_count;not null;default:0" json:"relation_count"`
	DocumentCount int       `gorm:"column:document_count;not null;default:0" json:"document_count"`
	CreatedAt     time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (Scope) TableName() string { return "scope" }

type Document struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ScopeID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"scope_id"`
	Filename         string         `gorm:"not null" json:"filename"`
	OriginalFilename string         `gorm:"not null" json:"original_filename"`
	FilePath         string         `gorm:"not null" json:"file_path"`
	FileSize         int64          `gorm:"not null" json:"file_size"`
	Status           DocumentStatus `gorm:"not null;index" json:"status"`
	CreatedAt        time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null" json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

func (Document) TableName() string { return "document" }

// Task is one unit of asynchronous work. DocumentID is nil for umbrella
// (batch) tasks. Progress is kept in [0,1]; callers promise non-decreasing
// values while processing but the store does not reject decreases.
type Task struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID     *uuid.UUID `gorm:"type:uuid;index" json:"document_id,omitempty"`
	QueueJobID     *uuid.UUID `gorm:"type:uuid;index" json:"queue_job_id,omitempty"`
	Status         TaskStatus `gorm:"not null;index" json:"status"`
	Progress       float64    `gorm:"not null;default:0" json:"progress"`
	CurrentStep    string     `gorm:"column:current_step" json:"current_step"`
	Message        string     `gorm:"column:message" json:"message"`
	Error          string     `gorm:"column:error" json:"error,omitempty"`
	EntitiesCount  int        `gorm:"column:entities_count;not null;default:0" json:"entities_count"`
	RelationsCount int        `gorm:"column:relations_count;not null;default:0" json:"relations_count"`
	InputTokens    int64      `gorm:"column:input_tokens;not null;default:0" json:"input_tokens"`
	OutputTokens   int64      `gorm:"column:output_tokens;not null;default:0" json:"output_tokens"`
	CreatedAt      time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null" json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (Task) TableName() string { return "task" }

// Queue job kinds.
const (
	JobKindDocumentBuild = "document_build"
	JobKindBatchDispatch = "batch_dispatch"
)

// Queue job statuses.
const (
	JobQueued   = "queued"
	JobRunning  = "running"
	JobDone     = "done"
	JobFailed   = "failed"
	JobCanceled = "canceled"
)

// QueueJob is a durable job descriptor claimed by the worker pool. Delivery
// is at-least-once: workers tolerate duplicates because terminal task writes
// are idempotent.
type QueueJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Kind        string         `gorm:"not null;index" json:"kind"`
	TaskID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"task_id"`
	DocumentID  *uuid.UUID     `gorm:"type:uuid;index" json:"document_id,omitempty"`
	ScopeID     *uuid.UUID     `gorm:"type:uuid;index" json:"scope_id,omitempty"`
	Status      string         `gorm:"not null;index" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	LockedAt    *time.Time     `gorm:"index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `json:"last_error_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (QueueJob) TableName() string { return "queue_job" }
