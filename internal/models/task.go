package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a backfill task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"   // StatusPending indicates the task is queued but not yet started
	StatusRunning   TaskStatus = "running"   // StatusRunning indicates the task is currently executing
	StatusCompleted TaskStatus = "completed" // StatusCompleted indicates the task finished successfully
	StatusFailed    TaskStatus = "failed"    // StatusFailed indicates the task encountered an error
)

// TaskKind is the closed set of work-unit kinds the scheduler can dispatch.
// Dispatch switches over TaskKind exhaustively; adding a kind without
// extending every switch is a bug the scheduler surfaces as an error rather
// than silently ignoring.
type TaskKind int

const (
	// TaskBackfillCandles runs the resumable candle backfill loop.
	TaskBackfillCandles TaskKind = iota
	// TaskBackfillTrades runs the per-day trade backfill loop.
	TaskBackfillTrades
	// TaskBackfillFunding fetches and stores funding-rate history.
	TaskBackfillFunding
	// TaskSyncMetadata refreshes symbol metadata from the source.
	TaskSyncMetadata
)

// taskKindNames maps kinds to their wire/config names.
var taskKindNames = map[TaskKind]string{
	TaskBackfillCandles: "backfill_candles",
	TaskBackfillTrades:  "backfill_trades",
	TaskBackfillFunding: "backfill_funding",
	TaskSyncMetadata:    "sync_metadata",
}

// String returns the kind's config name, or "unknown" for values outside the
// defined set.
func (k TaskKind) String() string {
	if name, ok := taskKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether the kind is one of the defined values.
func (k TaskKind) Valid() bool {
	_, ok := taskKindNames[k]
	return ok
}

// ParseTaskKind converts a config name into a TaskKind.
// Returns an error for names outside the closed set.
func ParseTaskKind(name string) (TaskKind, error) {
	for kind, kindName := range taskKindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown task kind: %q", name)
}

// SeriesFor returns the series type a task kind operates on.
// TaskSyncMetadata has no series; it returns the zero SeriesType.
func (k TaskKind) SeriesFor() SeriesType {
	switch k {
	case TaskBackfillCandles:
		return SeriesCandles
	case TaskBackfillTrades:
		return SeriesTrades
	case TaskBackfillFunding:
		return SeriesFunding
	default:
		return ""
	}
}

// Task represents one schedulable unit of backfill work with status tracking.
// It carries the series identity, the requested time span, and progress
// counters updated as the work proceeds.
type Task struct {
	ID               string     `json:"id"`
	Kind             TaskKind   `json:"kind"`
	Key              SeriesKey  `json:"key"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	Status           TaskStatus `json:"status"`
	Progress         int        `json:"progress"`
	RecordsCollected int        `json:"records_collected"`
	Error            string     `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MaxTaskRetries is the maximum number of retry attempts for failed tasks.
const MaxTaskRetries = 5

// NewTask creates a Task in pending status with zero progress.
// All time values should be UTC.
func NewTask(id string, kind TaskKind, key SeriesKey, startTime, endTime time.Time) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:               id,
		Kind:             kind,
		Key:              key,
		StartTime:        startTime.UTC(),
		EndTime:          endTime.UTC(),
		Status:           StatusPending,
		Progress:         0,
		RecordsCollected: 0,
		RetryCount:       0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate performs comprehensive validation of the task fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "ID", Message: "task ID is required"}
	}

	if !t.Kind.Valid() {
		return &ValidationError{Field: "Kind", Message: fmt.Sprintf("invalid task kind: %d", t.Kind)}
	}

	if err := t.Key.Validate(); err != nil {
		return fmt.Errorf("task key: %w", err)
	}

	if series := t.Kind.SeriesFor(); series != "" && t.Key.Series != series {
		return &ValidationError{
			Field:   "Key",
			Message: fmt.Sprintf("task kind %s requires a %s series key, got %s", t.Kind, series, t.Key.Series),
		}
	}

	switch t.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
	default:
		return &ValidationError{Field: "Status", Message: fmt.Sprintf("invalid status: %q", t.Status)}
	}

	if t.StartTime.IsZero() {
		return &ValidationError{Field: "StartTime", Message: "start time is required"}
	}
	if t.EndTime.IsZero() {
		return &ValidationError{Field: "EndTime", Message: "end time is required"}
	}
	if t.StartTime.After(t.EndTime) {
		return &ValidationError{Field: "StartTime", Message: "start time must be before end time"}
	}

	if t.Progress < 0 || t.Progress > 100 {
		return &ValidationError{Field: "Progress", Message: "progress must be between 0 and 100"}
	}
	if t.RecordsCollected < 0 {
		return &ValidationError{Field: "RecordsCollected", Message: "records collected cannot be negative"}
	}
	if t.RetryCount < 0 {
		return &ValidationError{Field: "RetryCount", Message: "retry count cannot be negative"}
	}

	return nil
}

// Start transitions the task from pending to running status.
func (t *Task) Start() error {
	if t.Status != StatusPending {
		return fmt.Errorf("cannot start task: current status is %s, expected %s", t.Status, StatusPending)
	}

	t.Status = StatusRunning
	t.UpdatedAt = time.Now().UTC()
	t.Error = ""
	return nil
}

// Complete transitions the task from running to completed status and sets
// progress to 100%.
func (t *Task) Complete() error {
	if t.Status != StatusRunning {
		return fmt.Errorf("cannot complete task: current status is %s, expected %s", t.Status, StatusRunning)
	}

	t.Status = StatusCompleted
	t.Progress = 100
	t.UpdatedAt = time.Now().UTC()
	t.Error = ""
	return nil
}

// Fail transitions the task from running to failed status, recording the
// error message.
func (t *Task) Fail(errorMsg string) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("cannot fail task: current status is %s, expected %s", t.Status, StatusRunning)
	}

	t.Status = StatusFailed
	t.Error = errorMsg
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Retry transitions a failed task back to pending and increments the retry
// counter. The previous error message is kept for debugging.
func (t *Task) Retry() error {
	if t.Status != StatusFailed {
		return fmt.Errorf("cannot retry task: current status is %s, expected %s", t.Status, StatusFailed)
	}

	if !t.CanRetry() {
		return fmt.Errorf("cannot retry task: maximum retry attempts (%d) exceeded", MaxTaskRetries)
	}

	t.Status = StatusPending
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CanRetry reports whether the task has retry attempts remaining.
func (t *Task) CanRetry() bool {
	return t.RetryCount < MaxTaskRetries
}

// UpdateProgress updates the task's progress percentage and records count.
func (t *Task) UpdateProgress(progress int, recordsCollected int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("invalid progress value: %d, must be between 0 and 100", progress)
	}
	if recordsCollected < 0 {
		return fmt.Errorf("invalid records collected: %d, cannot be negative", recordsCollected)
	}

	t.Progress = progress
	t.RecordsCollected = recordsCollected
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementRecordsCollected adds to the records-collected counter.
func (t *Task) IncrementRecordsCollected(count int) error {
	if count < 0 {
		return fmt.Errorf("cannot increment by negative value: %d", count)
	}

	t.RecordsCollected += count
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// IsTerminal reports whether the task has finished, successfully or not.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Duration returns the task's requested time span.
func (t *Task) Duration() time.Duration {
	return t.EndTime.Sub(t.StartTime)
}

// String returns a human-readable representation of the task.
func (t *Task) String() string {
	return fmt.Sprintf("Task{ID: %s, Kind: %s, Key: %s, Status: %s, Progress: %d%%}",
		t.ID, t.Kind, t.Key, t.Status, t.Progress)
}
