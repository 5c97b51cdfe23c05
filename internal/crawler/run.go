package crawler

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned by RunStore lookups for unknown IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStatus tracks the lifecycle of a crawl run.
type RunStatus string

// Run statuses.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the run can no longer change status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// RunStats are the counters an engine keeps for one run.
type RunStats struct {
	Responses int64 `json:"responses"`
	Ignored   int64 `json:"ignored"`
	Items     int64 `json:"items"`
	Scheduled int64 `json:"scheduled"`
	Dropped   int64 `json:"dropped"`
	Faults    int64 `json:"faults"`
}

// Run describes one crawl started from a set of seeds.
type Run struct {
	ID       string     `json:"run_id"`
	Seeds    []string   `json:"seeds"`
	Status   RunStatus  `json:"status"`
	Created  time.Time  `json:"created_at"`
	Started  *time.Time `json:"started_at,omitempty"`
	Finished *time.Time `json:"finished_at,omitempty"`
	Error    string     `json:"error,omitempty"`
	Stats    RunStats   `json:"stats"`
}
