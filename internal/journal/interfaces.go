package journal

import (
	"context"
	"encoding/json"
	"time"
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator allocates unique job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Update is one progress report from a work unit. Percent and Label feed
// the job record; Agent and Payload pass through to subscribers untouched.
type Update struct {
	Percent int
	Label   string
	Agent   string
	Payload json.RawMessage
}

// Reporter delivers work-unit progress to the runner. Report blocks until
// the runner has accepted the update and returns a non-nil error once the
// job is cancelled or timed out; work units must stop when that happens.
type Reporter interface {
	Report(ctx context.Context, u Update) error
}

// WorkUnit is one executable job body. Run returns the opaque result
// payload on success. The runner owns sequencing, timestamps, and the
// terminal event; work units only report and return.
type WorkUnit interface {
	Run(ctx context.Context, rep Reporter) (json.RawMessage, error)
}

// WorkUnitFactory builds a work unit for freshly created jobs.
type WorkUnitFactory interface {
	New(params JobParameters) WorkUnit
}

// Publisher mirrors payloads to an external delivery channel (Pub/Sub in
// production, an in-memory recorder in tests).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
