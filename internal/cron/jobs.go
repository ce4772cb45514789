package cron

import (
	"context"
	"errors"
	"log/slog"
)

// UserLister re-emits the online user list to every connection.
type UserLister interface {
	BroadcastUserList(ctx context.Context) error
}

// ModelLister re-emits the active model list to every connection.
type ModelLister interface {
	BroadcastActiveModels(ctx context.Context) error
}

// PresenceBroadcastJob periodically pushes user-list and usage to all
// connections so clients that missed a change converge.
type PresenceBroadcastJob struct {
	Users  UserLister
	Models ModelLister
	// Leader gates the job to one instance. Nil means always run.
	Leader       func() bool
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "@every 30s"
}

var _ Job = (*PresenceBroadcastJob)(nil)

// Name implements Job.
func (j *PresenceBroadcastJob) Name() string { return "presence_rebroadcast" }

// Schedule implements Job.
func (j *PresenceBroadcastJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "@every 30s"
}

// Run emits both lists. A failure of one does not skip the other.
func (j *PresenceBroadcastJob) Run(ctx context.Context) error {
	if j.Leader != nil && !j.Leader() {
		return nil
	}
	var errs []error
	if j.Users != nil {
		errs = append(errs, j.Users.BroadcastUserList(ctx))
	}
	if j.Models != nil {
		errs = append(errs, j.Models.BroadcastActiveModels(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if j.Logger != nil {
		j.Logger.Debug("cron: presence rebroadcast")
	}
	return nil
}
