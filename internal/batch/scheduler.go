// Package batch amortizes target-model forward passes across concurrent
// sessions: score requests arriving within a short window are combined into
// a single backend call.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avelsh/specdec/internal/backend"
	"github.com/avelsh/specdec/internal/domain"
)

// Options are the scheduler policy knobs.
type Options struct {
	// MaxBatchSize caps how many score requests one backend call carries.
	MaxBatchSize int
	// MaxWait bounds how long the first request of a window waits for
	// company before the batch is flushed anyway.
	MaxWait time.Duration
	// Timeout is the shared deadline applied to each backend call. Zero
	// means no deadline.
	Timeout time.Duration
}

// Scheduler accumulates score requests and issues combined ScoreBatch calls.
// Requests submitted together (one RPC's sequences) stay in the same backend
// call so their failure semantics are all-or-nothing.
type Scheduler struct {
	target backend.Target
	opts   Options
	jobs   chan *job
}

type job struct {
	reqs []backend.ScoreRequest
	out  chan groupResult
}

type groupResult struct {
	results []backend.ScoreResult
	err     error
}

// New creates a scheduler; Run must be started for Score to make progress.
func New(target backend.Target, opts Options) *Scheduler {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 8
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Millisecond
	}
	return &Scheduler{
		target: target,
		opts:   opts,
		jobs:   make(chan *job),
	}
}

// Score submits one group of requests and blocks until the combined backend
// call completes. Every request in the group receives a result, or the whole
// group fails together.
func (s *Scheduler) Score(ctx context.Context, reqs []backend.ScoreRequest) ([]backend.ScoreResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	j := &job{reqs: reqs, out: make(chan groupResult, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-j.out:
		return res.results, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drains and batches jobs until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Batch scheduler started",
		"max_batch_size", s.opts.MaxBatchSize, "max_wait", s.opts.MaxWait)
	for {
		select {
		case j := <-s.jobs:
			s.collect(ctx, j)
		case <-ctx.Done():
			slog.Info("Batch scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

// collect gathers more jobs until the batch is full or the window closes,
// then flushes. A group is never split across batches; a group larger than
// MaxBatchSize simply forms an oversized batch of its own.
func (s *Scheduler) collect(ctx context.Context, first *job) {
	pending := []*job{first}
	size := len(first.reqs)
	timer := time.NewTimer(s.opts.MaxWait)
	defer timer.Stop()

	for size < s.opts.MaxBatchSize {
		select {
		case j := <-s.jobs:
			pending = append(pending, j)
			size += len(j.reqs)
		case <-timer.C:
			s.flush(ctx, pending)
			return
		case <-ctx.Done():
			fail(pending, ctx.Err())
			return
		}
	}
	s.flush(ctx, pending)
}

func (s *Scheduler) flush(ctx context.Context, pending []*job) {
	combined := make([]backend.ScoreRequest, 0, totalReqs(pending))
	for _, j := range pending {
		combined = append(combined, j.reqs...)
	}

	callCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	results, err := s.target.ScoreBatch(callCtx, combined)
	if err != nil {
		// One forward pass scored every session together, so one failure
		// invalidates the whole batch. No partial results are fabricated.
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", domain.ErrBackend, err)
		}
		slog.Error("Batched forward pass failed", "batch_size", len(combined), "error", err)
		fail(pending, err)
		return
	}
	if len(results) != len(combined) {
		err := fmt.Errorf("%w: backend returned %d results for %d requests",
			domain.ErrBackend, len(results), len(combined))
		fail(pending, err)
		return
	}

	off := 0
	for _, j := range pending {
		n := len(j.reqs)
		j.out <- groupResult{results: results[off : off+n]}
		off += n
	}
}

func fail(pending []*job, err error) {
	for _, j := range pending {
		j.out <- groupResult{err: err}
	}
}

func totalReqs(pending []*job) int {
	n := 0
	for _, j := range pending {
		n += len(j.reqs)
	}
	return n
}
