package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/openmined/tinifyd/internal/events"
	"github.com/openmined/tinifyd/internal/utils"
	"github.com/openmined/tinifyd/internal/watcher"
)

const reclaimBuffer = 64

// Start consumes watcher events, janitor reclaims and the sweep timer until
// ctx is done or Stop is called.
func (o *Optimizer) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("optimizer: already started")
	}
	defer close(o.exited)

	slog.Info("optimizer start", "source", o.cfg.SourceDir, "temp", o.cfg.TempDir, "backup", o.backup.Name())

	var fsEvents <-chan watcher.Event
	if o.watcher != nil {
		o.watcher.FilterPaths(o.ignore)
		if err := o.watcher.Start(ctx); err != nil {
			return err
		}
		fsEvents = o.watcher.Events()
	}

	var reclaims <-chan events.LeaseReclaimed
	if o.bus != nil {
		ch, unsubscribe := o.bus.Subscribe(reclaimBuffer)
		defer unsubscribe()
		reclaims = ch
	}

	var sweepTick <-chan time.Time
	if o.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(o.cfg.SweepInterval)
		defer ticker.Stop()
		sweepTick = ticker.C
	}

	if o.cfg.SweepOnStart {
		o.goSweep(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.done:
			return nil
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			o.spawn(func() { o.handle(ctx, ev) })
		case rc, ok := <-reclaims:
			if !ok {
				reclaims = nil
				continue
			}
			if !utils.FileExists(filepath.Join(o.cfg.SourceDir, filepath.FromSlash(rc.Path))) {
				continue
			}
			slog.Info("retrying reclaimed path", "path", rc.Path)
			o.spawn(func() { _, _ = o.Process(ctx, rc.Path) })
		case <-sweepTick:
			o.goSweep(ctx)
		}
	}
}

// Stop ends Start and waits for in-flight pipelines.
func (o *Optimizer) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		slog.Info("optimizer stop")
		close(o.done)
		if o.watcher != nil {
			o.watcher.Stop()
		}
	})

	// no new pipelines are spawned once the loop has exited
	if o.started.Load() {
		select {
		case <-o.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Optimizer) handle(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.Removed:
		_, _ = o.Remove(ctx, ev.Path)
	default:
		_, _ = o.Process(ctx, ev.Path)
	}
}

func (o *Optimizer) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// goSweep starts a sweep unless one is already running.
func (o *Optimizer) goSweep(ctx context.Context) {
	if !o.sweeping.CompareAndSwap(false, true) {
		slog.Debug("sweep already running")
		return
	}
	o.spawn(func() {
		defer o.sweeping.Store(false)
		if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "error", err)
		}
	})
}
