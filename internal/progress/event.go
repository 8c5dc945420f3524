package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Stage denotes the coarse lifecycle state at emission time.
type Stage string

// Supported lifecycle stages.
const (
	StageQueued    Stage = "queued"
	StageRunning   Stage = "running"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// ErrorKind distinguishes why a job failed.
type ErrorKind string

// Error kinds carried on failed terminal events.
const (
	ErrorKindError     ErrorKind = "error"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindTimeout   ErrorKind = "timeout"
)

// Event captures one immutable unit of job progress. Per job, sequence
// numbers form a contiguous run starting at 1 with exactly one terminal
// event (completed or failed) as the last element.
type Event struct {
	// JobID identifies the owning job.
	JobID string
	// Sequence is assigned by the store, unique and contiguous per job.
	Sequence uint64
	// Stage is the lifecycle state at emission time.
	Stage Stage
	// PhaseLabel is a free-form description of the current sub-task.
	PhaseLabel string
	// Agent names the unit currently executing, collaborator-supplied.
	Agent string
	// Percent is 0-100, non-decreasing within a job while running.
	Percent int
	// Payload is opaque structured detail, never interpreted here.
	Payload json.RawMessage
	// Error holds the failure description on failed events.
	Error string
	// ErrorKind qualifies Error (error, cancelled, timeout).
	ErrorKind ErrorKind
	// TS is the creation time stamped by the emitter.
	TS time.Time
}

// Terminal reports whether the event ends its job's stream.
func (e Event) Terminal() bool {
	return e.Stage == StageCompleted || e.Stage == StageFailed
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	switch e.Stage {
	case StageQueued, StageRunning:
		if e.Error != "" {
			return errors.New("non-terminal event must not carry an error")
		}
	case StageCompleted:
		if e.Error != "" {
			return errors.New("completed event must not carry an error")
		}
	case StageFailed:
		if e.Error == "" {
			return errors.New("failed event requires an error")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
