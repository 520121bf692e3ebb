package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDiagnosticSweep runs a full consistency scan of the ledger.
	TaskDiagnosticSweep = "diag:sweep"
	// TaskClosingCleanup removes pending closings that were never approved.
	TaskClosingCleanup = "closing:cleanup"
)

// DiagnosticSweepPayload narrows an on-demand or scheduled scan.
type DiagnosticSweepPayload struct {
	CostCenterID int64      `json:"costCenterId,omitempty"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
}

// NewDiagnosticSweepTask constructs a diagnostic sweep task.
func NewDiagnosticSweepTask(payload DiagnosticSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDiagnosticSweep, data), nil
}

// ClosingCleanupPayload configures the stale pending closing sweep.
type ClosingCleanupPayload struct {
	// MaxAgeDays is how long a pending closing may linger before it is
	// discarded. Zero falls back to the handler default.
	MaxAgeDays int `json:"maxAgeDays,omitempty"`
}

// NewClosingCleanupTask constructs a stale closing cleanup task.
func NewClosingCleanupTask(payload ClosingCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosingCleanup, data), nil
}
