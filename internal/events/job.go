package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a Job method is called from a status
// that does not allow it.
var ErrInvalidTransition = errors.New("invalid job transition")

type JobType string

const (
	JobChunkItem           JobType = "CHUNK_ITEM"
	JobExtractEntities     JobType = "EXTRACT_ENTITIES"
	JobEmbedPassages       JobType = "EMBED_PASSAGES"
	JobIndexText           JobType = "INDEX_TEXT"
	JobBuildEntityPage     JobType = "BUILD_ENTITY_PAGE"
	JobScheduleEntityPages JobType = "SCHEDULE_ENTITY_PAGES"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// DefaultJobMaxAttempts is used when a Job is created without a limit.
const DefaultJobMaxAttempts = 3

// Job is the work-oriented view of one agent handling one event. The worker
// persists jobs as a delivery ledger so retries can skip agents that already
// succeeded.
//
//	pending -> in_progress -> completed
//	                       -> pending (attempts < max_attempts)
//	                       -> failed
type Job struct {
	ID             string
	Type           JobType
	EventID        string
	AgentID        string
	TenantID       string
	UserID         string
	CorrelationID  string
	Priority       int
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	AssignedWorker string
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// NewJob creates a pending job for agentID handling env.
func NewJob(t JobType, agentID string, env Envelope, maxAttempts int) *Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultJobMaxAttempts
	}
	return &Job{
		ID:            uuid.New().String(),
		Type:          t,
		EventID:       env.ID,
		AgentID:       agentID,
		TenantID:      env.TenantID,
		UserID:        env.UserID,
		CorrelationID: env.CorrelationID,
		Status:        JobPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     time.Now().UTC(),
	}
}

// Start assigns the job to worker and counts an attempt.
func (j *Job) Start(worker string) error {
	if j.Status != JobPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, j.Status)
	}
	if j.Attempts >= j.MaxAttempts {
		return fmt.Errorf("%w: attempts exhausted (%d/%d)", ErrInvalidTransition, j.Attempts, j.MaxAttempts)
	}
	j.Status = JobInProgress
	j.Attempts++
	j.AssignedWorker = worker
	j.StartedAt = time.Now().UTC()
	j.Error = ""
	return nil
}

func (j *Job) Complete() error {
	if j.Status != JobInProgress {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, j.Status)
	}
	j.Status = JobCompleted
	j.CompletedAt = time.Now().UTC()
	return nil
}

// Fail records reason and returns the job to pending while attempts remain.
func (j *Job) Fail(reason string) error {
	if j.Status != JobInProgress {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.Status)
	}
	j.Error = reason
	if j.Attempts >= j.MaxAttempts {
		j.Status = JobFailed
		j.CompletedAt = time.Now().UTC()
		return nil
	}
	j.Status = JobPending
	return nil
}

func (j *Job) Cancel() error {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, j.Status)
	}
	j.Status = JobCancelled
	j.CompletedAt = time.Now().UTC()
	return nil
}

// Reopen makes a terminal or stuck job runnable again. Used when an operator
// retries the parent event or a crashed worker left the job in progress.
func (j *Job) Reopen(maxAttempts int) {
	if j.Status == JobCompleted {
		return
	}
	j.Status = JobPending
	j.Attempts = 0
	if maxAttempts > 0 {
		j.MaxAttempts = maxAttempts
	}
	j.AssignedWorker = ""
	j.CompletedAt = time.Time{}
}

func (j *Job) CanRetry() bool {
	return j.Status == JobPending && j.Attempts < j.MaxAttempts
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}
