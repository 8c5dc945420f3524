// Package memory provides the in-process job registry. Job records live
// here for the duration of a run plus a bounded retention window; history
// does not survive process restarts.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/journal"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
)

// Config tunes retention and fan-out bounds.
//   - Retention: how long terminal records stay queryable (default 1h).
//   - HistoryCap: retained events per job (default 256).
//   - SubscriberQueue: per-consumer queue beyond replay (default 64).
//   - OnSubscriberDrop: optional hook invoked per lag-dropped consumer.
type Config struct {
	Retention        time.Duration
	HistoryCap       int
	SubscriberQueue  int
	OnSubscriberDrop func()
}

const defaultRetention = time.Hour

// JobStore is the process-wide registry of job records. Each entry pairs
// the mutable record with its broadcast channel; a per-entry mutex makes
// record updates atomic with event publication, and no lock spans two
// jobs.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	cfg     Config
	clock   journal.Clock
	idGen   journal.IDGenerator
	logger  *zap.Logger
	closed  bool
	evictWG sync.WaitGroup
}

type entry struct {
	mu     sync.Mutex
	job    journal.Job
	bcast  *progress.Broadcaster
	cancel context.CancelCauseFunc
	evict  *time.Timer
}

// NewJobStore constructs a JobStore.
func NewJobStore(cfg Config, clock journal.Clock, idGen journal.IDGenerator, logger *zap.Logger) *JobStore {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStore{
		jobs:   make(map[string]*entry),
		cfg:    cfg,
		clock:  clock,
		idGen:  idGen,
		logger: logger,
	}
}

// CreateJob allocates a fresh id and inserts a record in queued stage. It
// returns immediately; work starts only when the runner executes the job.
func (s *JobStore) CreateJob(params journal.JobParameters) (journal.Job, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return journal.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	job := journal.Job{
		ID:        id,
		CreatedAt: s.clock.Now(),
		Stage:     progress.StageQueued,
		Params:    params,
	}
	e := &entry{
		job: job,
		bcast: progress.NewBroadcaster(progress.BroadcasterConfig{
			HistoryCap:      s.cfg.HistoryCap,
			SubscriberQueue: s.cfg.SubscriberQueue,
			Logger:          s.logger.Named("broadcast"),
			OnDrop:          s.cfg.OnSubscriberDrop,
		}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return journal.Job{}, errors.New("job store closed")
	}
	if _, exists := s.jobs[id]; exists {
		return journal.Job{}, fmt.Errorf("job id collision: %s", id)
	}
	s.jobs[id] = e
	return job, nil
}

// Get returns a snapshot copy of the record, never the live object. It
// does not block on in-flight event delivery beyond the short per-job
// critical section.
func (s *JobStore) Get(jobID string) (journal.Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return journal.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// List returns snapshots filtered by optional stage, newest first by
// creation time, honoring limit/offset.
func (s *JobStore) List(stage *progress.Stage, limit, offset int) []journal.Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]journal.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		job := e.job
		e.mu.Unlock()
		if stage != nil && job.Stage != *stage {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if offset >= len(jobs) {
		return []journal.Job{}
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

// Subscribe attaches a consumer to the job's broadcast channel. For jobs
// already terminal the stream replays the retained history and closes
// immediately after.
func (s *JobStore) Subscribe(jobID string) (*progress.Subscriber, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return e.bcast.Attach(), nil
}

// Detach removes a consumer from the job's broadcast channel. Idempotent;
// detaching from an evicted job is a no-op.
func (s *JobStore) Detach(jobID string, sub *progress.Subscriber) {
	e, err := s.lookup(jobID)
	if err != nil {
		return
	}
	e.bcast.Detach(sub)
}

// Append assigns the next sequence number, applies the event to the
// record, and publishes it on the broadcast channel, all inside the
// job's critical section, so a concurrent Get never observes a sequence
// number that was not yet published. The finalized event is returned for
// mirroring.
func (s *JobStore) Append(jobID string, evt progress.Event) (progress.Event, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return progress.Event{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Terminal() {
		return progress.Event{}, progress.ErrTerminated
	}

	evt.JobID = jobID
	evt.Sequence = e.job.LastSequence + 1
	if evt.TS.IsZero() {
		evt.TS = s.clock.Now()
	}
	switch evt.Stage {
	case progress.StageRunning:
		if evt.Percent < e.job.Percent {
			// Percent never goes backwards while running.
			evt.Percent = e.job.Percent
		}
	case progress.StageCompleted:
		evt.Percent = 100
	case progress.StageFailed:
		// Failure freezes percent at the last reported value.
		evt.Percent = e.job.Percent
	}
	if err := evt.Validate(); err != nil {
		return progress.Event{}, fmt.Errorf("invalid progress event: %w", err)
	}

	// Publish before folding the event into the record: a publish
	// rejected during shutdown must not leave the record showing a
	// sequence no subscriber could have seen.
	if err := e.bcast.Publish(evt); err != nil {
		return progress.Event{}, fmt.Errorf("publish progress event: %w", err)
	}
	s.apply(e, evt)

	if evt.Terminal() {
		s.scheduleEviction(jobID, e)
	}
	return evt, nil
}

// apply folds the event into the record; callers hold e.mu.
func (s *JobStore) apply(e *entry, evt progress.Event) {
	e.job.LastSequence = evt.Sequence
	e.job.Stage = evt.Stage
	e.job.Percent = evt.Percent
	if evt.PhaseLabel != "" {
		e.job.PhaseLabel = evt.PhaseLabel
	}
	if evt.Agent != "" {
		e.job.Agent = evt.Agent
	}
	ts := evt.TS
	if evt.Stage == progress.StageRunning && e.job.StartedAt == nil {
		e.job.StartedAt = &ts
	}
	switch evt.Stage {
	case progress.StageCompleted:
		e.job.FinishedAt = &ts
		e.job.Result = evt.Payload
	case progress.StageFailed:
		e.job.FinishedAt = &ts
		e.job.Error = evt.Error
		e.job.ErrorKind = evt.ErrorKind
	}
}

// RegisterCancel stores the job's cancel function so Cancel can reach a
// running execution.
func (s *JobStore) RegisterCancel(jobID string, cancel context.CancelCauseFunc) error {
	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
	return nil
}

// Cancel requests cooperative cancellation. Cancelling a terminal or
// not-yet-executing job is a no-op; unknown ids return ErrNotFound.
func (s *JobStore) Cancel(jobID string) error {
	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.cancel
	terminal := e.job.Terminal()
	e.mu.Unlock()

	if terminal || cancel == nil {
		return nil
	}
	cancel(journal.ErrCancelled)
	return nil
}

// Close force-closes every broadcast channel so no subscriber hangs, and
// stops pending evictions. The store rejects new jobs afterwards.
func (s *JobStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.evict != nil && e.evict.Stop() {
			// Stopped before firing, so the callback's Done never runs.
			s.evictWG.Done()
		}
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel(context.Canceled)
		}
		e.bcast.Shutdown()
	}
	s.evictWG.Wait()
}

func (s *JobStore) lookup(jobID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return nil, journal.ErrNotFound
	}
	return e, nil
}

// scheduleEviction arms the retention timer; callers hold e.mu.
func (s *JobStore) scheduleEviction(jobID string, e *entry) {
	s.evictWG.Add(1)
	e.evict = time.AfterFunc(s.cfg.Retention, func() {
		defer s.evictWG.Done()
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
		s.logger.Debug("terminal job evicted", zap.String("job_id", jobID))
	})
}
