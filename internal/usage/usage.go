// Package usage tracks which models are in use and by which connections.
// Entries expire once they have not been refreshed for longer than the
// staleness timeout; the maintenance loop sweeps them.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/flemzord/pulse/internal/metrics"
	"github.com/flemzord/pulse/internal/pool"
)

// DefaultTimeout is the staleness threshold used when none is configured.
const DefaultTimeout = 3 * time.Second

// EventUsage is the outbound event carrying the in-use model list.
const EventUsage = "usage"

// ErrEmptyModel is returned when a usage report names no model.
var ErrEmptyModel = errors.New("usage: model id must not be empty")

// Entry is the per-connection record of a model's last use.
type Entry struct {
	// UpdatedAt is in unix seconds.
	UpdatedAt int64 `json:"updated_at"`
}

// Entries maps connection ids to their last report for one model.
type Entries map[string]Entry

// Broadcaster emits an event to every connection in the cluster.
type Broadcaster interface {
	Emit(ctx context.Context, event string, data any) error
}

// Payload is the body of the usage event.
type Payload struct {
	Models []string `json:"models"`
}

// Tracker owns the usage pool.
type Tracker struct {
	pool   *pool.Pool[Entries]
	out    Broadcaster
	logger *slog.Logger

	// mu serializes read-modify-write cycles issued by this instance.
	mu sync.Mutex
}

// NewTracker returns a Tracker over store. out may be nil, in which case
// nothing is broadcast.
func NewTracker(store pool.Store, out Broadcaster, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{pool: pool.New[Entries](store), out: out, logger: logger}
}

// Report records that conn used model at now, keeping other connections'
// entries for the same model, then broadcasts the in-use list.
func (t *Tracker) Report(ctx context.Context, model, conn string, now time.Time) error {
	if model == "" {
		return ErrEmptyModel
	}

	t.mu.Lock()
	entries, _, err := t.pool.Get(ctx, model)
	if err == nil {
		next := make(Entries, len(entries)+1)
		maps.Copy(next, entries)
		next[conn] = Entry{UpdatedAt: now.Unix()}
		err = t.pool.Set(ctx, model, next)
	}
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("usage: report %s: %w", model, err)
	}

	return t.BroadcastActiveModels(ctx)
}

// ActiveModels returns the ids of models with at least one live entry.
func (t *Tracker) ActiveModels(ctx context.Context) ([]string, error) {
	models, err := t.pool.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("usage: active models: %w", err)
	}
	return models, nil
}

// Expired reports whether an entry last updated at updatedAt (unix seconds)
// is stale at now. An entry exactly timeout old is still live.
func Expired(updatedAt int64, now time.Time, timeout time.Duration) bool {
	return time.Duration(now.Unix()-updatedAt)*time.Second > timeout
}

// Sweep drops entries older than timeout and deletes models left without
// entries. It reports whether the pool changed.
func (t *Tracker) Sweep(ctx context.Context, now time.Time, timeout time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	all, err := t.pool.Items(ctx)
	if err != nil {
		return false, fmt.Errorf("usage: sweep: %w", err)
	}

	changed := false
	for model, entries := range all {
		live := make(Entries, len(entries))
		for conn, e := range entries {
			if !Expired(e.UpdatedAt, now, timeout) {
				live[conn] = e
			}
		}
		if len(live) == len(entries) {
			continue
		}

		changed = true
		if len(live) == 0 {
			t.logger.Debug("usage: model no longer in use", "model", model)
			err = t.pool.Delete(ctx, model)
		} else {
			err = t.pool.Set(ctx, model, live)
		}
		if err != nil {
			return changed, fmt.Errorf("usage: sweep %s: %w", model, err)
		}
	}
	return changed, nil
}

// BroadcastActiveModels emits the current in-use list to every connection.
func (t *Tracker) BroadcastActiveModels(ctx context.Context) error {
	models, err := t.ActiveModels(ctx)
	if err != nil {
		return err
	}
	metrics.ActiveModels.Set(float64(len(models)))
	if t.out == nil {
		return nil
	}
	return t.out.Emit(ctx, EventUsage, Payload{Models: models})
}
