package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
)

func runningEvent(jobID, agent string, seq uint64) progress.Event {
	return progress.Event{
		JobID:    jobID,
		Sequence: seq,
		Stage:    progress.StageRunning,
		Agent:    agent,
		Percent:  10,
		TS:       time.Now(),
	}
}

func TestPrometheusSinkJobLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Now()
	batch := []progress.Event{
		runningEvent("job-1", "researcher", 1),
		runningEvent("job-1", "writer", 2),
		{
			JobID:    "job-1",
			Sequence: 3,
			Stage:    progress.StageCompleted,
			Percent:  100,
			TS:       start.Add(2 * time.Second),
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.reportsTotal.WithLabelValues("researcher")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.reportsTotal.WithLabelValues("writer")))
}

func TestPrometheusSinkFailureLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	kinds := []struct {
		kind  progress.ErrorKind
		label string
	}{
		{progress.ErrorKindError, "error"},
		{progress.ErrorKindCancelled, "cancelled"},
		{progress.ErrorKindTimeout, "timeout"},
	}
	for i, tc := range kinds {
		jobID := string(rune('a' + i))
		batch := []progress.Event{
			runningEvent(jobID, "writer", 1),
			{
				JobID:     jobID,
				Sequence:  2,
				Stage:     progress.StageFailed,
				Error:     "boom",
				ErrorKind: tc.kind,
				TS:        time.Now(),
			},
		}
		require.NoError(t, sink.Consume(context.Background(), batch))
		require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues(tc.label)))
	}
	require.Equal(t, float64(0), testutil.ToFloat64(sink.jobsRunning))
}

func TestPrometheusSinkIgnoresUnknownJobTerminal(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	// Terminal without a preceding running event still counts the result
	// but must not touch the running gauge.
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{
		JobID:    "job-x",
		Sequence: 1,
		Stage:    progress.StageCompleted,
		Percent:  100,
		TS:       time.Now(),
	}}))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.jobsRunning))
}
