// Package maintenance runs the lock-guarded usage sweep. Exactly one instance
// in the cluster sweeps at a time: the one holding the maintenance lock.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flemzord/pulse/internal/lock"
	"github.com/flemzord/pulse/internal/metrics"
)

// State is a step of the loop's lifecycle.
type State int32

// Loop states, in lifecycle order.
const (
	NotRunning State = iota
	AcquiringLock
	Sweeping
	Releasing
	Exited
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case AcquiringLock:
		return "acquiring_lock"
	case Sweeping:
		return "sweeping"
	case Releasing:
		return "releasing"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sweeper is the usage store the loop maintains.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, timeout time.Duration) (bool, error)
	BroadcastActiveModels(ctx context.Context) error
}

// Config wires a Loop.
type Config struct {
	Lock    lock.Lock
	Sweeper Sweeper
	// Timeout is the usage staleness threshold passed to Sweep.
	Timeout time.Duration
	// Interval is the pause between sweeps. Defaults to Timeout.
	Interval time.Duration
	// MaxBackoff caps the pause after failed sweeps. Defaults to 10×Interval.
	MaxBackoff time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Loop is the maintenance state machine.
type Loop struct {
	lock       lock.Lock
	sweeper    Sweeper
	timeout    time.Duration
	interval   time.Duration
	maxBackoff time.Duration
	now        func() time.Time
	logger     *slog.Logger

	state atomic.Int32
}

// New returns a Loop in the NotRunning state.
func New(cfg Config) *Loop {
	l := &Loop{
		lock:       cfg.Lock,
		sweeper:    cfg.Sweeper,
		timeout:    cfg.Timeout,
		interval:   cfg.Interval,
		maxBackoff: cfg.MaxBackoff,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if l.lock == nil {
		l.lock = lock.Noop{}
	}
	if l.interval <= 0 {
		l.interval = l.timeout
	}
	if l.interval <= 0 {
		l.interval = time.Second
	}
	if l.maxBackoff < l.interval {
		l.maxBackoff = 10 * l.interval
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run executes one leadership term: acquire the lock, sweep until the lock
// is lost or ctx is done, release. It returns once Exited and never panics.
// On an instance that does not get the lock Run returns immediately.
func (l *Loop) Run(ctx context.Context) {
	defer l.setState(Exited)
	l.setState(AcquiringLock)

	held, err := l.lock.Acquire(ctx)
	if err != nil {
		l.logger.Error("maintenance: acquiring lock failed", "error", err)
		l.release(ctx)
		return
	}
	if !held {
		l.logger.Debug("maintenance: lock held by another instance, not sweeping")
		return
	}

	metrics.MaintenanceLeader.Set(1)
	defer metrics.MaintenanceLeader.Set(0)
	defer l.release(ctx)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("maintenance: loop aborted", "panic", r)
		}
	}()

	l.setState(Sweeping)
	l.logger.Info("maintenance: acquired lock, sweeping usage", "interval", l.interval, "timeout", l.timeout)
	l.sweepLoop(ctx)
}

// Supervise calls Run repeatedly until ctx is done, waiting one interval
// between terms so a follower can take over from a leader that went away.
func (l *Loop) Supervise(ctx context.Context) {
	for {
		l.Run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

func (l *Loop) sweepLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.interval
	bo.MaxInterval = l.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		held, err := l.cycle(ctx)
		wait := l.interval
		switch {
		case err != nil:
			metrics.MaintenanceCycles.WithLabelValues("error").Inc()
			wait = bo.NextBackOff()
			l.logger.Error("maintenance: sweep failed, retrying", "error", err, "retry_in", wait)
		case !held:
			metrics.MaintenanceCycles.WithLabelValues("lost").Inc()
			l.logger.Warn("maintenance: unable to renew lock, another instance may have taken over")
			return
		default:
			metrics.MaintenanceCycles.WithLabelValues("ok").Inc()
			bo.Reset()
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// cycle renews the lock and sweeps once. held is false only when the lock
// was positively lost; errors leave leadership in place so the next cycle
// retries.
func (l *Loop) cycle(ctx context.Context) (held bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			held, err = true, fmt.Errorf("maintenance: sweep panicked: %v", r)
		}
	}()

	held, err = l.lock.Renew(ctx)
	if err != nil {
		return true, err
	}
	if !held {
		return false, nil
	}

	changed, err := l.sweeper.Sweep(ctx, l.now(), l.timeout)
	if err != nil {
		return true, err
	}
	if changed {
		if err := l.sweeper.BroadcastActiveModels(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// release gives up the lock. ctx may already be cancelled, so release runs
// on a detached, bounded context. Failures are logged only.
func (l *Loop) release(ctx context.Context) {
	l.setState(Releasing)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.lock.Release(rctx); err != nil {
		l.logger.Error("maintenance: releasing lock failed", "error", err)
		return
	}
	l.logger.Debug("maintenance: released lock")
}
