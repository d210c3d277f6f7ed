package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskLogLimit bounds the in-memory task log; only the most recent
// entries are kept.
const TaskLogLimit = 200

type TaskLogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// AccountResult is the per-account outcome within a task.
type AccountResult struct {
	AccountID string `json:"account_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// RefreshTask is one execution of a batch of accounts. Status transitions
// are monotonic: pending -> running -> success|failed|cancelled.
type RefreshTask struct {
	ID              string          `json:"id"`
	AccountIDs      []string        `json:"account_ids"`
	Status          TaskStatus      `json:"status"`
	Progress        int             `json:"progress"`
	SuccessCount    int             `json:"success_count"`
	FailCount       int             `json:"fail_count"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Results         []AccountResult `json:"results"`
	Error           string          `json:"error,omitempty"`
	Logs            []TaskLogEntry  `json:"logs"`
	CancelRequested bool            `json:"cancel_requested"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
}

// AppendLog adds a log entry, dropping the oldest entries beyond
// TaskLogLimit.
func (t *RefreshTask) AppendLog(level, message string) {
	t.Logs = append(t.Logs, TaskLogEntry{Time: time.Now(), Level: level, Message: message})
	if len(t.Logs) > TaskLogLimit {
		t.Logs = t.Logs[len(t.Logs)-TaskLogLimit:]
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *RefreshTask) Clone() *RefreshTask {
	c := *t
	c.AccountIDs = append([]string(nil), t.AccountIDs...)
	c.Results = append([]AccountResult(nil), t.Results...)
	c.Logs = append([]TaskLogEntry(nil), t.Logs...)
	if t.FinishedAt != nil {
		fin := *t.FinishedAt
		c.FinishedAt = &fin
	}
	return &c
}

// TaskRecord is the persisted history row for a finished task. List fields
// are stored JSON-encoded; this shape is the stable schema consumed by
// observability tooling.
type TaskRecord struct {
	ID              string     `gorm:"column:id;primaryKey" json:"id"`
	Type            string     `gorm:"column:type" json:"type"`
	Status          string     `gorm:"column:status" json:"status"`
	Progress        int        `gorm:"column:progress" json:"progress"`
	SuccessCount    int        `gorm:"column:success_count" json:"success_count"`
	FailCount       int        `gorm:"column:fail_count" json:"fail_count"`
	AccountIDs      string     `gorm:"column:account_ids" json:"account_ids"`
	Results         string     `gorm:"column:results" json:"results"`
	Logs            string     `gorm:"column:logs" json:"logs"`
	Error           string     `gorm:"column:error" json:"error,omitempty"`
	CancelRequested bool       `gorm:"column:cancel_requested" json:"cancel_requested"`
	CancelReason    string     `gorm:"column:cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
	FinishedAt      *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

// TableName specifies the table name for GORM
func (TaskRecord) TableName() string {
	return "task_history"
}

// Record converts the task into its persistable history row.
func (t *RefreshTask) Record() (*TaskRecord, error) {
	ids, err := json.Marshal(t.AccountIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode account ids: %w", err)
	}
	results, err := json.Marshal(t.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	logs, err := json.Marshal(t.Logs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode logs: %w", err)
	}
	return &TaskRecord{
		ID:              t.ID,
		Type:            "login",
		Status:          string(t.Status),
		Progress:        t.Progress,
		SuccessCount:    t.SuccessCount,
		FailCount:       t.FailCount,
		AccountIDs:      string(ids),
		Results:         string(results),
		Logs:            string(logs),
		Error:           t.Error,
		CancelRequested: t.CancelRequested,
		CancelReason:    t.CancelReason,
		CreatedAt:       t.CreatedAt,
		FinishedAt:      t.FinishedAt,
	}, nil
}
