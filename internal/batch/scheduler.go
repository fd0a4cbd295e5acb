package batch

import (
	"context"
	"log/slog"
	"sync"

	"stv/longvideo/internal/segment"

	stlextension "github.com/memory-overflow/go-orderedmap"
)

// Runner generates one segment. *segment.Generator satisfies it.
type Runner interface {
	Generate(ctx context.Context, req segment.Request) segment.Result
}

type Summary struct {
	Completed int
	Failed    int
	Canceled  int
	// Skipped segments were never launched because the task was cancelled first.
	Skipped int
	// Errored segments could not be persisted. Err is the first such cause.
	Errored int
	Err     error
}

// Resolved reports whether every segment reached completed or failed.
func (s Summary) Resolved() bool {
	return s.Canceled == 0 && s.Skipped == 0 && s.Errored == 0
}

type Scheduler struct {
	gen Runner
	log *slog.Logger
}

func NewScheduler(gen Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{gen: gen, log: logger}
}

// RunBatch keeps up to concurrency generators busy until every request has run. As
// one resolves the next pending request starts. onResolved, if set, is called from
// the worker goroutine after each segment.
func (s *Scheduler) RunBatch(ctx context.Context, reqs []segment.Request, concurrency int, onResolved func(segment.Result)) Summary {
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		mu      sync.Mutex
		summary Summary
	)
	wg := stlextension.NewLimitWaitGroup(uint(concurrency))
	for i := range reqs {
		req := reqs[i]
		// blocks while concurrency generators are running
		wg.Add(1)
		if ctx.Err() != nil || (req.Cancelled != nil && req.Cancelled()) {
			wg.Done()
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			continue
		}
		go func() {
			defer wg.Done()
			res := s.gen.Generate(ctx, req)
			mu.Lock()
			switch res.Outcome {
			case segment.OutcomeCompleted:
				summary.Completed++
			case segment.OutcomeFailed:
				summary.Failed++
			case segment.OutcomeStoreError:
				summary.Errored++
				if summary.Err == nil {
					summary.Err = res.Err
				}
			default:
				summary.Canceled++
			}
			mu.Unlock()
			if onResolved != nil {
				onResolved(res)
			}
		}()
	}
	wg.Wait()
	s.log.Debug("batch_finished",
		"completed", summary.Completed,
		"failed", summary.Failed,
		"canceled", summary.Canceled,
		"skipped", summary.Skipped,
		"errored", summary.Errored,
	)
	return summary
}
