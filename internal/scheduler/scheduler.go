package scheduler

import (
	"context"
	"time"

	"converge/internal/logger"
)

// Scheduler drives discrete cycle ticks: one at every interval boundary and
// one for every on-demand trigger. Business logic never reads the wall clock
// itself; the injectable nowFn is the only time source.
type Scheduler struct {
	Interval       time.Duration
	RunImmediately bool

	ctx     context.Context
	nowFn   func() time.Time
	trigger chan struct{}
}

func New(ctx context.Context, interval time.Duration) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Scheduler{
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
		trigger:  make(chan struct{}, 1),
	}
}

// SetNowFunc injects a clock for tests.
func (s *Scheduler) SetNowFunc(fn func() time.Time) {
	if s != nil && fn != nil {
		s.nowFn = fn
	}
}

// Trigger requests an on-demand cycle. Coalesces when one is already pending.
func (s *Scheduler) Trigger() {
	if s == nil {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start blocks, invoking task once per tick until the context ends. A task
// runs to completion before the next tick is considered; overlapping cycles
// are not a thing.
func (s *Scheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("scheduler: task is nil, exit")
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("scheduler: started interval=%s run_immediately=%v at=%s",
		s.Interval, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task()
	}

	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-s.trigger:
			logger.Infof("scheduler: on-demand trigger")
			task()
		case <-timer.C:
			task()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.Interval)
	}
}
