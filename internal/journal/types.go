package journal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
)

// ErrNotFound signals that a job id is unknown or already evicted.
var ErrNotFound = errors.New("job not found")

// Sentinel causes used to distinguish why a job context ended. The runner
// maps them to the error kind carried on the terminal event.
var (
	ErrCancelled = errors.New("job cancelled")
	ErrTimeout   = errors.New("job timed out")
)

// JobParameters describe one journal generation request. The engine treats
// them as opaque apart from validation; the crew work unit interprets them.
type JobParameters struct {
	// Topic is the subject the crew writes about.
	Topic string `json:"topic"`
	// Style optionally steers tone (e.g. "reflective", "technical").
	Style string `json:"style,omitempty"`
	// Sections is the number of journal sections to produce.
	Sections int `json:"sections,omitempty"`
	// Tags carry caller metadata that is echoed back on snapshots.
	Tags map[string]string `json:"tags,omitempty"`
}

// Job is the mutable record for one job. The store owns the live record;
// every read path receives a value copy, never the live object.
type Job struct {
	// ID is the UUIDv7 string assigned at creation.
	ID string `json:"id"`
	// CreatedAt is when the job was accepted (stage queued).
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is set on the first running event.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is set exactly once, on the terminal event.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Stage mirrors the latest event's stage.
	Stage progress.Stage `json:"stage"`
	// PhaseLabel is the latest human-readable phase description.
	PhaseLabel string `json:"current_stage_label,omitempty"`
	// Agent names the unit currently executing, collaborator-supplied.
	Agent string `json:"agent,omitempty"`
	// Percent is monotonically non-decreasing while running.
	Percent int `json:"progress_percent"`
	// LastSequence is the sequence number of the newest event.
	LastSequence uint64 `json:"last_event_sequence"`
	// Result is present only when Stage is completed.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is present only when Stage is failed.
	Error string `json:"error,omitempty"`
	// ErrorKind distinguishes cancellation and timeout from real failures.
	ErrorKind progress.ErrorKind `json:"error_kind,omitempty"`
	// Params echo the creation request.
	Params JobParameters `json:"params"`
}

// Terminal reports whether the record reached completed or failed.
func (j Job) Terminal() bool {
	return j.Stage == progress.StageCompleted || j.Stage == progress.StageFailed
}
