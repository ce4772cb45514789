package cron_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/flemzord/pulse/internal/cron"
	"github.com/flemzord/pulse/internal/cron/crontest"
)

func TestScheduler_RunsDescriptorSchedule(t *testing.T) {
	t.Parallel()

	job := &crontest.MockJob{NameVal: "tick", ScheduleVal: "@every 1s"}
	s := cron.NewScheduler(slog.Default())
	if err := s.RegisterJob(job); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	select {
	case <-job.Ran():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run within 5s")
	}
	if job.CallCount() < 1 || job.LastCall().IsZero() {
		t.Errorf("got %d calls at %v, want at least one", job.CallCount(), job.LastCall())
	}
}
