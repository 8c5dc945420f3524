// Package runner executes journal jobs in background goroutines and turns
// work-unit reports into sequenced progress events.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/journal"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/storage/memory"
)

// Config tunes job execution.
//   - Timeout: per-job deadline; zero disables the deadline.
//   - MaxConcurrent: cap on simultaneously running jobs; zero means
//     unlimited. Jobs past the cap stay queued until a slot frees.
//   - BaseContext: parent of every job context; defaults to Background.
type Config struct {
	Timeout       time.Duration
	MaxConcurrent int
	BaseContext   context.Context
}

// Runner drives work units to completion. Every Execute call spawns one
// goroutine; the caller returns immediately with the job still queued.
type Runner struct {
	store   *memory.JobStore
	factory journal.WorkUnitFactory
	mirror  progress.Emitter
	cfg     Config
	logger  *zap.Logger
	slots   chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Runner. mirror may be nil when no mirroring is wanted.
func New(store *memory.JobStore, factory journal.WorkUnitFactory, mirror progress.Emitter, cfg Config, logger *zap.Logger) *Runner {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:   store,
		factory: factory,
		mirror:  mirror,
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.MaxConcurrent > 0 {
		r.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return r
}

// Execute starts the job in the background and returns immediately.
// Cancellation works from this point on, even while the job waits for an
// execution slot.
func (r *Runner) Execute(job journal.Job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithCancelCause(r.cfg.BaseContext)
		defer cancel(nil)
		if err := r.store.RegisterCancel(job.ID, cancel); err != nil {
			// Evicted before execution started; nothing to run against.
			r.logger.Warn("job vanished before execution", zap.String("job_id", job.ID), zap.Error(err))
			return
		}

		if r.slots != nil {
			select {
			case r.slots <- struct{}{}:
				defer func() { <-r.slots }()
			case <-ctx.Done():
				r.finalize(job.ID, unitResult{err: context.Cause(ctx)}, ctx)
				return
			}
		}
		r.run(ctx, job)
	}()
}

// Wait blocks until every in-flight job has finished or ctx expires.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type unitResult struct {
	payload json.RawMessage
	err     error
}

// run executes the work unit. The deadline starts here, once a slot is
// held, not while the job waits in queue.
func (r *Runner) run(ctx context.Context, job journal.Job) {
	if r.cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, r.cfg.Timeout, journal.ErrTimeout)
		defer cancelTimeout()
	}

	unit := r.factory.New(job.Params)
	updates := make(chan journal.Update, 16)
	rep := &chanReporter{ctx: ctx, updates: updates}

	done := make(chan unitResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("work unit panicked",
					zap.String("job_id", job.ID),
					zap.Any("panic", p),
					zap.Stack("stack"))
				done <- unitResult{err: fmt.Errorf("work unit panic: %v", p)}
			}
		}()
		payload, err := unit.Run(ctx, rep)
		done <- unitResult{payload: payload, err: err}
	}()

	var res unitResult
consume:
	for {
		select {
		case u := <-updates:
			r.report(job.ID, u)
		case res = <-done:
			break consume
		}
	}
	// Reports buffered before the unit returned still count.
drain:
	for {
		select {
		case u := <-updates:
			r.report(job.ID, u)
		default:
			break drain
		}
	}

	r.finalize(job.ID, res, ctx)
}

// report appends one running event for a work-unit update.
func (r *Runner) report(jobID string, u journal.Update) {
	evt, err := r.store.Append(jobID, progress.Event{
		Stage:      progress.StageRunning,
		PhaseLabel: u.Label,
		Agent:      u.Agent,
		Percent:    u.Percent,
		Payload:    u.Payload,
	})
	if err != nil {
		r.logger.Warn("progress report dropped",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	r.emit(evt)
}

// finalize appends the terminal event, mapping context causes onto the
// error kind.
func (r *Runner) finalize(jobID string, res unitResult, ctx context.Context) {
	var evt progress.Event
	if res.err == nil {
		evt = progress.Event{
			Stage:   progress.StageCompleted,
			Percent: 100,
			Payload: res.payload,
		}
	} else {
		err := res.err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if cause := context.Cause(ctx); cause != nil {
				err = cause
			}
		}
		kind := progress.ErrorKindError
		switch {
		case errors.Is(err, journal.ErrCancelled):
			kind = progress.ErrorKindCancelled
		case errors.Is(err, journal.ErrTimeout):
			kind = progress.ErrorKindTimeout
		}
		evt = progress.Event{
			Stage:     progress.StageFailed,
			Error:     err.Error(),
			ErrorKind: kind,
		}
	}

	final, err := r.store.Append(jobID, evt)
	if err != nil {
		r.logger.Warn("terminal event dropped",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	r.emit(final)
}

func (r *Runner) emit(evt progress.Event) {
	if r.mirror != nil {
		r.mirror.Emit(evt)
	}
}

// chanReporter forwards work-unit updates over a channel so the job
// goroutine, not the work unit, owns event sequencing.
type chanReporter struct {
	ctx     context.Context
	updates chan<- journal.Update
}

var _ journal.Reporter = (*chanReporter)(nil)

func (c *chanReporter) Report(ctx context.Context, u journal.Update) error {
	select {
	case c.updates <- u:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	}
}
