package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base holds the fields shared by all models. IDs are UUID v7 so primary keys
// sort chronologically, which keeps B-tree inserts append-mostly and lets
// listings order by ID without a separate created_at sort.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUID v7 when the ID is unset.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Robot status values. The sweeper owns the online → offline transition;
// robots self-report the rest via heartbeat.
const (
	RobotStatusOnline      = "online"
	RobotStatusBusy        = "busy"
	RobotStatusOffline     = "offline"
	RobotStatusError       = "error"
	RobotStatusMaintenance = "maintenance"
)

// NameColumnMax caps robot name/hostname length; the disambiguation logic
// truncates the base name to fit this before appending a suffix.
const NameColumnMax = 128

// Robot is the persistent record of a worker that has registered with the
// orchestrator. RobotID is client-chosen and stable across reconnects; Name
// and Hostname carry unique constraints and are deterministically
// disambiguated on collision (see RobotRepository.Register).
//
// Capabilities, Tags and CurrentJobIDs are JSON-encoded text columns: the
// orchestrator routes on them but never interprets individual values beyond
// set membership.
type Robot struct {
	base
	RobotID           string `gorm:"uniqueIndex;not null"`
	Name              string `gorm:"uniqueIndex;not null;size:128"`
	Hostname          string `gorm:"uniqueIndex;not null;size:128"`
	TenantID          string `gorm:"not null;default:'default';index"`
	Environment       string `gorm:"not null;default:''"`
	Version           string `gorm:"not null;default:''"`
	MaxConcurrentJobs int    `gorm:"not null;default:1"`
	Capabilities      string `gorm:"type:text;not null;default:'[]'"`
	Tags              string `gorm:"type:text;not null;default:'[]'"`
	Status            string `gorm:"not null;default:'offline';index"`
	CurrentJobIDs     string `gorm:"type:text;not null;default:'[]'"`
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	LastSeenAt        *time.Time
	LastHeartbeatAt   *time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

// Job status values. Transitions are monotonic except assigned → pending on
// robot reject or disconnect before start. The last four are terminal and
// absorbing.
const (
	JobStatusPending   = "pending"
	JobStatusAssigned  = "assigned"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusTimedOut  = "timed_out"
)

// IsTerminalJobStatus reports whether status is absorbing.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusTimedOut:
		return true
	}
	return false
}

// Job priorities, stored as integers so the candidate query can ORDER BY
// priority DESC without a lookup table.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// PriorityFromString maps an API priority name to its stored value.
// Unknown names map to normal.
func PriorityFromString(s string) int {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// PriorityToString maps a stored priority back to its API name.
func PriorityToString(p int) string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Job is one execution of a workflow on one robot. WorkflowJSON is opaque to
// the orchestrator: it is stored and forwarded byte-for-byte. The routing
// fields (RequestedRobotID, RequiredCapabilities, Priority) drive the
// dispatcher's eligibility predicate.
type Job struct {
	base
	TenantID             string `gorm:"not null;default:'default';index"`
	WorkflowID           string `gorm:"not null;default:''"`
	WorkflowName         string `gorm:"not null"`
	WorkflowJSON         []byte `gorm:"type:blob"`
	Parameters           string `gorm:"type:text;not null;default:'{}'"`
	RequestedRobotID     string `gorm:"not null;default:''"`
	RequiredCapabilities string `gorm:"type:text;not null;default:'[]'"`
	Priority             int    `gorm:"not null;default:1;index"`
	TimeoutSeconds       int    `gorm:"not null;default:3600"`
	Status               string `gorm:"not null;default:'pending';index"`
	AssignedRobotID      string `gorm:"not null;default:'';index"`
	ProgressPercent      float64
	CurrentNode          string `gorm:"not null;default:''"`
	AssignedAt           *time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
	Result               string `gorm:"type:text;not null;default:'{}'"`
	Error                string `gorm:"type:text;not null;default:''"`
}

// API key status values. Expiry is detected at verification time by comparing
// ExpiresAt; the stored status is only flipped lazily.
const (
	APIKeyStatusValid   = "valid"
	APIKeyStatusRevoked = "revoked"
	APIKeyStatusExpired = "expired"
)

// APIKey authenticates a robot's channel connection. The secret is handed out
// exactly once at mint time; only its bcrypt hash is stored. KeyID is
// embedded in the presented secret so verification needs a single indexed
// lookup plus one constant-time compare.
type APIKey struct {
	base
	KeyID      string `gorm:"uniqueIndex;not null"`
	RobotID    string `gorm:"not null;index"`
	SecretHash string `gorm:"not null"`
	Status     string `gorm:"not null;default:'valid'"`
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	LastUsedIP string `gorm:"not null;default:''"`
}

// LogEntry is one line of the append-only per-job diagnostic stream. Entries
// arrive in batches from robots and are bulk-inserted; the retention purge
// deletes old rows on a schedule.
type LogEntry struct {
	base
	JobID     string    `gorm:"not null;index"`
	RobotID   string    `gorm:"not null;index"`
	Timestamp time.Time `gorm:"not null;index"`
	Level     string    `gorm:"not null;default:'info'"`
	Source    string    `gorm:"not null;default:''"`
	Message   string    `gorm:"type:text;not null"`
	NodeID    string    `gorm:"not null;default:''"`
	Extra     string    `gorm:"type:text;not null;default:'{}'"`
}

// AuditEntry records control-plane actions and notable dispatch events
// (rejections, missing cancel acks, key lifecycle) for operator forensics.
type AuditEntry struct {
	base
	Actor       string `gorm:"not null;default:''"`
	Action      string `gorm:"not null;index"`
	SubjectType string `gorm:"not null;default:''"`
	SubjectID   string `gorm:"not null;default:'';index"`
	Detail      string `gorm:"type:text;not null;default:'{}'"`
}

// TableName maps AuditEntry onto the audit_log table.
func (AuditEntry) TableName() string { return "audit_log" }
