// Package crontest provides test doubles for the cron package.
package crontest

import (
	"context"
	"sync"
	"time"

	"github.com/flemzord/pulse/internal/cron"
)

// MockJob is a configurable test double for cron.Job.
type MockJob struct {
	NameVal     string
	ScheduleVal string
	RunFunc     func(ctx context.Context) error

	mu       sync.Mutex
	calls    int
	lastCall time.Time
	ran      chan struct{}
}

var _ cron.Job = (*MockJob)(nil)

// Name implements cron.Job.
func (m *MockJob) Name() string { return m.NameVal }

// Schedule implements cron.Job.
func (m *MockJob) Schedule() string { return m.ScheduleVal }

// Run implements cron.Job and increments the call counter.
func (m *MockJob) Run(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.lastCall = time.Now()
	ran := m.ranLocked()
	m.mu.Unlock()

	select {
	case ran <- struct{}{}:
	default:
	}

	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	return nil
}

// Ran is signalled, without blocking, after each Run.
func (m *MockJob) Ran() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ranLocked()
}

func (m *MockJob) ranLocked() chan struct{} {
	if m.ran == nil {
		m.ran = make(chan struct{}, 1)
	}
	return m.ran
}

// CallCount returns the number of times Run was called.
func (m *MockJob) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastCall returns the time of the last Run call.
func (m *MockJob) LastCall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCall
}
