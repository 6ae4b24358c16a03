package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/tinifyd/internal/events"
	"github.com/openmined/tinifyd/internal/metrics"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultInterval = time.Minute
)

// Janitor periodically reclaims expired leases and announces them, so work
// abandoned by a crashed or hung holder is retried. A stuck lease lives at
// most ttl + interval.
type Janitor struct {
	store    *Store
	bus      *events.Bus[events.LeaseReclaimed]
	interval time.Duration
	ttl      time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

func NewJanitor(store *Store, bus *events.Bus[events.LeaseReclaimed], interval, ttl time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Janitor{
		store:    store,
		bus:      bus,
		interval: interval,
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

func (j *Janitor) Name() string {
	return "janitor"
}

// Start runs a pass immediately and then once per interval until ctx is
// done or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	slog.Info("janitor start", "interval", j.interval, "ttl", j.ttl)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.iterate(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-j.done:
			return nil
		case <-ticker.C:
			j.iterate(ctx)
		}
	}
}

func (j *Janitor) Stop(ctx context.Context) error {
	j.stopOnce.Do(func() {
		slog.Info("janitor stop")
		close(j.done)
	})
	return nil
}

func (j *Janitor) iterate(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		slog.Error("janitor pass failed", "error", err)
	}
}

// RunOnce reclaims expired leases and publishes one event per lease.
func (j *Janitor) RunOnce(ctx context.Context) ([]Lease, error) {
	reclaimed, err := j.store.Reclaim(ctx, j.ttl)
	if err != nil {
		return nil, err
	}

	slog.Info("janitor cleaned up stale locks", "count", len(reclaimed))
	metrics.LeasesReclaimed.Add(float64(len(reclaimed)))

	for _, l := range reclaimed {
		slog.Warn("lease reclaimed", "path", l.Path, "key", l.Key.Short(), "age", l.Age(j.store.Now()))
		if j.bus != nil {
			j.bus.Publish(events.LeaseReclaimed{Key: l.Key, Path: l.Path})
		}
	}
	return reclaimed, nil
}
