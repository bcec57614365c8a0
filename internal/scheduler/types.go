// Package scheduler runs agent prompts on cron schedules: durable agent
// definitions, a tick loop evaluating due schedules, an execution log,
// and an at-most-one-run guard per agent.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/symbolkernel/kernel/internal/kerrors"
)

// Agent is one durable scheduled prompt.
type Agent struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Schedule    string    `json:"schedule"`
	Enabled     bool      `json:"enabled"`
	OwnerUserID string    `json:"ownerUserId,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	LastRunAt     time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus string    `json:"lastRunStatus,omitempty"`
}

// ExecutionStatus is the lifecycle of one agent run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionLog captures one agent execution.
type ExecutionLog struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agentId"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      time.Time       `json:"finishedAt,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Error           string          `json:"error,omitempty"`
	TraceCount      int             `json:"traceCount"`
	ResponsePreview string          `json:"responsePreview,omitempty"`
	TraceIDs        []string        `json:"traceIds,omitempty"`

	Traces any `json:"traces,omitempty"` // attached on demand, never persisted
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule rejects malformed cron expressions at upsert time.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return kerrors.NewValidationError("schedule", "invalid cron expression: "+err.Error())
	}
	return nil
}

// nextRun evaluates expr against after.
func nextRun(expr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
