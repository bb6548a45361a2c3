// Package scheduler runs one action per item across a bounded worker pool.
//
// Every health pass and every cache-sharing pass of the roster goes through
// Dispatch. Items are shuffled before submission so no server is always probed
// first, disabled items are skipped without using a worker, and a batch that
// loses too many items at full concurrency is retried once at SafeConcurrency
// in case the local network, not the servers, was the problem.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"
)

// SafeConcurrency is the worker count used when a batch is retried.
const SafeConcurrency = 6

// MaxConcurrency caps the worker count of any batch.
var MaxConcurrency = defaultMaxConcurrency()

func defaultMaxConcurrency() int {
	if runtime.GOOS == "windows" {
		return 40
	}
	return 100
}

var (
	// ErrPoolStart is returned when no worker pool could be created.
	ErrPoolStart = errors.New("failed to start worker pool")
	// ErrTooFewSurvivors is returned when no item is enabled after a batch.
	ErrTooFewSurvivors = errors.New("no items survived the batch")
)

// Item is what a batch operates on.
type Item interface {
	ID() string
	IsDisabled() bool
	ResetTestStatus()
}

// Action runs against one item. A non-nil error is fatal for the whole batch.
type Action[T Item, R any] func(ctx context.Context, item T) (R, error)

// Outcome pairs an item with its action result.
type Outcome[T Item, R any] struct {
	Item    T
	Result  R
	Err     error
	Skipped bool // item was disabled, or the batch stopped before it ran
}

// Batch describes one dispatch.
type Batch[T Item, R any] struct {
	Name        string
	Items       []T
	Action      Action[T, R]
	Concurrency int
	// MinSuccessRatio triggers one retry at SafeConcurrency when fewer than
	// this share of the attempted items are still enabled afterwards.
	MinSuccessRatio float64
}

// Pool is the subset of workerpool.WorkerPool the scheduler needs.
type Pool interface {
	Submit(task func())
	StopWait()
}

// PoolFactory creates a pool with the given number of workers.
type PoolFactory func(size int) (Pool, error)

// WorkerPoolFactory creates a gammazero/workerpool pool.
func WorkerPoolFactory(size int) (Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", size)
	}
	return workerpool.New(size), nil
}

// StatusFunc receives progress updates. It may be called from several
// goroutines at once.
type StatusFunc func(msg string, count, total int)

// Scheduler holds the dispatch dependencies shared by all batches.
type Scheduler struct {
	NewPool PoolFactory
	Status  StatusFunc
	Logger  logrus.FieldLogger
}

// New returns a Scheduler backed by gammazero/workerpool that reports
// progress to logger.
func New(logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{NewPool: WorkerPoolFactory, Logger: logger}
}

func (s *Scheduler) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func (s *Scheduler) status(msg string, count, total int) {
	if s.Status != nil {
		s.Status(msg, count, total)
		return
	}
	s.logger().WithFields(logrus.Fields{"count": count, "total": total}).Info(msg)
}

// Dispatch runs b.Action for every enabled item of b and returns one Outcome
// per item in the order of b.Items.
func Dispatch[T Item, R any](ctx context.Context, s *Scheduler, b Batch[T, R]) ([]Outcome[T, R], error) {
	if len(b.Items) == 0 {
		return nil, nil
	}
	conc := b.Concurrency
	if conc > MaxConcurrency {
		conc = MaxConcurrency
	}
	if conc > len(b.Items) {
		conc = len(b.Items)
	}
	if conc < 1 {
		conc = 1
	}
	log := s.logger().WithField("batch", b.Name)

	outs, err := runOnce(ctx, s, b, conc)
	if errors.Is(err, ErrPoolStart) {
		log.WithError(err).Warnf("retrying with %d workers", SafeConcurrency)
		resetAttempted(outs)
		conc = SafeConcurrency
		outs, err = runOnce(ctx, s, b, conc)
	}
	if err != nil {
		return outs, err
	}

	if attempted, enabled := survival(outs); b.MinSuccessRatio > 0 && conc > SafeConcurrency && attempted > 0 {
		ratio := float64(enabled) / float64(attempted)
		if ratio < b.MinSuccessRatio {
			log.WithFields(logrus.Fields{
				"attempted": attempted,
				"enabled":   enabled,
				"workers":   conc,
			}).Warnf("low success ratio %.2f, retrying with %d workers", ratio, SafeConcurrency)
			resetAttempted(outs)
			outs, err = runOnce(ctx, s, b, SafeConcurrency)
			if err != nil {
				return outs, err
			}
		}
	}

	if _, enabled := survival(outs); enabled == 0 {
		return outs, fmt.Errorf("%s: %w", b.Name, ErrTooFewSurvivors)
	}
	return outs, nil
}

func runOnce[T Item, R any](ctx context.Context, s *Scheduler, b Batch[T, R], conc int) ([]Outcome[T, R], error) {
	outs := make([]Outcome[T, R], len(b.Items))
	for i, item := range b.Items {
		outs[i].Item = item
		outs[i].Skipped = item.IsDisabled()
	}

	newPool := s.NewPool
	if newPool == nil {
		newPool = WorkerPoolFactory
	}
	pool, err := newPool(conc)
	if err != nil {
		return outs, fmt.Errorf("%w: %v", ErrPoolStart, err)
	}

	order := rand.Perm(len(b.Items))
	total := len(b.Items)
	var (
		done     atomic.Int64
		stop     atomic.Bool
		errOnce  sync.Once
		firstErr error
	)
	for _, i := range order {
		if outs[i].Skipped {
			s.status(b.Name, int(done.Add(1)), total)
			continue
		}
		i := i
		pool.Submit(func() {
			defer func() { s.status(b.Name, int(done.Add(1)), total) }()
			if stop.Load() || ctx.Err() != nil {
				outs[i].Skipped = true
				return
			}
			r, err := b.Action(ctx, outs[i].Item)
			outs[i].Result, outs[i].Err = r, err
			if err != nil {
				stop.Store(true)
				errOnce.Do(func() { firstErr = err })
			}
		})
	}
	pool.StopWait()

	if firstErr != nil {
		return outs, firstErr
	}
	if err := ctx.Err(); err != nil {
		return outs, err
	}
	return outs, nil
}

// survival counts the items that ran and how many of those are still enabled.
// Before a run every item that was not disabled up front counts as attempted.
func survival[T Item, R any](outs []Outcome[T, R]) (attempted, enabled int) {
	for _, o := range outs {
		if o.Skipped {
			continue
		}
		attempted++
		if !o.Item.IsDisabled() {
			enabled++
		}
	}
	return attempted, enabled
}

func resetAttempted[T Item, R any](outs []Outcome[T, R]) {
	for _, o := range outs {
		if !o.Skipped {
			o.Item.ResetTestStatus()
		}
	}
}
