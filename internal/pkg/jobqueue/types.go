package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobType string

const JobTypeTaxRecheck JobType = "tax_recheck"

// JobStatus is the lifecycle state stored on a job record.
//
//	scheduled -> pending -> processing -> completed
//	                            |-> failed -> retrying -> pending
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is the JSON record kept under JobKeyPrefix+ID.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	RunAt       *time.Time             `json:"run_at,omitempty"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

func newJob(id string, jobType JobType, payload map[string]interface{}) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
}

// TaxRecheckJobPayload names the invoice whose tax is re-read and the delay
// it was scheduled with.
type TaxRecheckJobPayload struct {
	InvoiceID    string `json:"invoice_id"`
	DelaySeconds int64  `json:"delay_seconds"`
}

func (p TaxRecheckJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"invoice_id":    p.InvoiceID,
		"delay_seconds": p.DelaySeconds,
	}
}

// TaxRecheckJobPayloadFromMap reads a payload back from a decoded job record,
// where numbers arrive as float64.
func TaxRecheckJobPayloadFromMap(data map[string]interface{}) (*TaxRecheckJobPayload, error) {
	p := &TaxRecheckJobPayload{}
	if v, ok := data["invoice_id"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("invoice_id: want string, got %T", v)
		}
		p.InvoiceID = s
	}

	switch v := data["delay_seconds"].(type) {
	case nil:
	case float64:
		p.DelaySeconds = int64(v)
	case int64:
		p.DelaySeconds = v
	case int:
		p.DelaySeconds = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("delay_seconds: %w", err)
		}
		p.DelaySeconds = n
	default:
		return nil, fmt.Errorf("delay_seconds: want number, got %T", v)
	}
	return p, nil
}

// IsRetryable reports whether a failed job has attempts left.
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

func (j *Job) touch(status JobStatus) time.Time {
	now := time.Now()
	j.Status = status
	j.UpdatedAt = now
	return now
}

// MarkAsScheduled records when a delayed job becomes due.
func (j *Job) MarkAsScheduled(runAt time.Time) {
	j.touch(JobStatusScheduled)
	j.RunAt = &runAt
}

func (j *Job) MarkAsProcessing() {
	now := j.touch(JobStatusProcessing)
	j.ProcessedAt = &now
}

func (j *Job) MarkAsCompleted() {
	now := j.touch(JobStatusCompleted)
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed stores the error and counts the attempt.
func (j *Job) MarkAsFailed(errorMsg string) {
	j.touch(JobStatusFailed)
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

func (j *Job) MarkAsRetrying() {
	j.touch(JobStatusRetrying)
}

// RetryBackoff grows by 30s per failed attempt.
func (j *Job) RetryBackoff() time.Duration {
	if j.RetryCount < 1 {
		return 0
	}
	return time.Duration(j.RetryCount) * 30 * time.Second
}

// startedAt is when the current attempt began, falling back to the last update.
func (j *Job) startedAt() time.Time {
	if j.ProcessedAt != nil && !j.ProcessedAt.IsZero() {
		return *j.ProcessedAt
	}
	return j.UpdatedAt
}
