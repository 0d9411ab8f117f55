package types

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow record.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	// StatusPartial is a derived outcome: some targets succeeded, some failed.
	StatusPartial   WorkflowStatus = "partial"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
	StatusTimeout   WorkflowStatus = "timeout"
)

// Terminal reports whether the status is a terminal state.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Task is an opaque unit of work. It identifies what to do; targets identify
// where. Immutable once dispatched, owned by the caller.
type Task struct {
	// ID is caller-supplied; the executor assigns one if empty.
	ID string `json:"id,omitempty"`

	// Type discriminates the kind of work an adapter performs.
	Type string `json:"type"`

	// Params carries free-form task parameters. The well-known key
	// "adapter" names the adapter the healer should resubmit through.
	Params map[string]any `json:"params,omitempty"`
}

// ParamString returns a string parameter, or "" when absent or not a string.
func (t *Task) ParamString(key string) string {
	if t == nil || t.Params == nil {
		return ""
	}
	s, _ := t.Params[key].(string)
	return s
}

// TargetResult is one target's success payload.
type TargetResult struct {
	Target     string    `json:"target"`
	Output     any       `json:"output,omitempty"`
	Attempts   int       `json:"attempts"`
	Recovered  bool      `json:"recovered,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// TargetError is one target's failure record.
type TargetError struct {
	Target    string    `json:"target"`
	Message   string    `json:"message"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowRecord is the unit of state tracked by the workflow state store.
//
// Invariant: len(Results)+len(Errors) <= len(Targets) while the run is in
// flight, with equality once it completes. Records are never deleted by the
// core; deletion is an operator action.
type WorkflowRecord struct {
	ID       string         `json:"id" gorm:"primaryKey"`
	Status   WorkflowStatus `json:"status" gorm:"index"`
	Task     *Task          `json:"task,omitempty" gorm:"serializer:json"`
	Targets  []string       `json:"targets,omitempty" gorm:"serializer:json"`
	Progress int            `json:"progress"`
	Results  []TargetResult `json:"results,omitempty" gorm:"serializer:json"`
	Errors   []TargetError  `json:"errors,omitempty" gorm:"serializer:json"`

	// The store owns both stamps; gorm's automatic tracking is disabled so
	// persisted values match what the store wrote.
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime:false"`

	// RetryCount is incremented each time the healer resubmits the run.
	RetryCount int `json:"retry_count"`

	// HealedFromFailure marks a run the healer resurrected.
	HealedFromFailure bool `json:"healed_from_failure,omitempty"`

	// TimedOut marks a run the healer force-failed for being stuck.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Clone returns a deep-enough copy so callers can mutate freely without
// racing the store's in-memory map.
func (r *WorkflowRecord) Clone() *WorkflowRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Targets = append([]string(nil), r.Targets...)
	cp.Results = append([]TargetResult(nil), r.Results...)
	cp.Errors = append([]TargetError(nil), r.Errors...)
	if r.Task != nil {
		task := *r.Task
		if r.Task.Params != nil {
			task.Params = make(map[string]any, len(r.Task.Params))
			for k, v := range r.Task.Params {
				task.Params[k] = v
			}
		}
		cp.Task = &task
	}
	return &cp
}

// HealthStatus is the uniform adapter health report.
type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Healthy reports whether the adapter considers itself usable.
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}
