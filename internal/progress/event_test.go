package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validEvent(stage Stage) Event {
	evt := Event{
		JobID:    "job-1",
		Sequence: 1,
		Stage:    stage,
		Percent:  10,
		TS:       time.Now(),
	}
	if stage == StageFailed {
		evt.Error = "boom"
		evt.ErrorKind = ErrorKindError
	}
	if stage == StageCompleted {
		evt.Percent = 100
	}
	return evt
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	for _, stage := range []Stage{StageQueued, StageRunning, StageCompleted, StageFailed} {
		require.NoError(t, validEvent(stage).Validate(), "stage %s", stage)
	}

	evt := validEvent(StageRunning)
	evt.JobID = ""
	require.Error(t, evt.Validate())

	evt = validEvent(StageRunning)
	evt.TS = time.Time{}
	require.Error(t, evt.Validate())

	evt = validEvent(StageRunning)
	evt.Percent = 101
	require.Error(t, evt.Validate())

	evt = validEvent(StageRunning)
	evt.Percent = -1
	require.Error(t, evt.Validate())

	evt = validEvent(StageRunning)
	evt.Error = "unexpected"
	require.Error(t, evt.Validate())

	evt = validEvent(StageCompleted)
	evt.Error = "unexpected"
	require.Error(t, evt.Validate())

	evt = validEvent(StageFailed)
	evt.Error = ""
	require.Error(t, evt.Validate())

	evt = validEvent(StageRunning)
	evt.Stage = Stage("bogus")
	require.Error(t, evt.Validate())
}

func TestEventTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, validEvent(StageQueued).Terminal())
	require.False(t, validEvent(StageRunning).Terminal())
	require.True(t, validEvent(StageCompleted).Terminal())
	require.True(t, validEvent(StageFailed).Terminal())
}
