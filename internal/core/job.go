package core

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle status of a job as stored by the job service.
type JobStatus string

const (
	StatusPending          JobStatus = "PENDING"
	StatusProcessingInputs JobStatus = "PROCESSING_INPUTS"
	StatusStagingInputs    JobStatus = "STAGING_INPUTS"
	StatusStagingJob       JobStatus = "STAGING_JOB"
	StatusSubmittingJob    JobStatus = "SUBMITTING_JOB"
	StatusQueued           JobStatus = "QUEUED"
	StatusRunning          JobStatus = "RUNNING"
	StatusArchiving        JobStatus = "ARCHIVING"
	StatusBlocked          JobStatus = "BLOCKED"
	StatusPaused           JobStatus = "PAUSED"
	StatusFinished         JobStatus = "FINISHED"
	StatusCancelled        JobStatus = "CANCELLED"
	StatusFailed           JobStatus = "FAILED"
)

var validStatuses = map[JobStatus]bool{
	StatusPending:          true,
	StatusProcessingInputs: true,
	StatusStagingInputs:    true,
	StatusStagingJob:       true,
	StatusSubmittingJob:    true,
	StatusQueued:           true,
	StatusRunning:          true,
	StatusArchiving:        true,
	StatusBlocked:          true,
	StatusPaused:           true,
	StatusFinished:         true,
	StatusCancelled:        true,
	StatusFailed:           true,
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal returns true if the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusFailed
}

// ActiveStatuses are the statuses that count against execution quotas.
var ActiveStatuses = []JobStatus{
	StatusProcessingInputs,
	StatusStagingInputs,
	StatusStagingJob,
	StatusSubmittingJob,
	StatusQueued,
	StatusRunning,
	StatusArchiving,
}

// IsActive reports whether s counts against execution quotas.
func (s JobStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Job is the subset of a job that recovery needs to read or restore.
type Job struct {
	UUID          string    `json:"uuid"`
	TenantID      string    `json:"tenant_id"`
	Owner         string    `json:"owner,omitempty"`
	SystemID      string    `json:"system_id,omitempty"`
	AppID         string    `json:"app_id,omitempty"`
	Queue         string    `json:"queue"`
	SystemQueue   string    `json:"system_queue,omitempty"`
	Status        JobStatus `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	LastUpdated   string    `json:"last_updated,omitempty"`
}

// JobEvent is published whenever recovery changes a job's status.
type JobEvent struct {
	EventType string    `json:"event_type"`
	JobUUID   string    `json:"job_uuid"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp string    `json:"timestamp"`
}

const (
	EventJobResubmitted = "job.resubmitted"
	EventJobFailed      = "job.failed"
	EventJobCancelled   = "job.cancelled"
)

// TimeFormat is the wire format for timestamps.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime formats t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time formatted with FormatTime.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// NewUUIDv7 returns a new time-ordered UUID string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
