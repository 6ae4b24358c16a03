package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/tinifyd/internal/blobstore"
	"github.com/openmined/tinifyd/internal/digest"
	"github.com/openmined/tinifyd/internal/imagetype"
	"github.com/openmined/tinifyd/internal/lease"
	"github.com/openmined/tinifyd/internal/metrics"
	"github.com/openmined/tinifyd/internal/utils"
	"github.com/openmined/tinifyd/internal/xerrors"
)

// run carries the state of one pipeline instance.
type run struct {
	id    string
	path  string
	abs   string
	stage Stage
	res   Result
	log   *slog.Logger
}

func (o *Optimizer) newRun(relpath string) (*run, error) {
	rel := filepath.Clean(filepath.FromSlash(relpath))
	if rel == "." || !filepath.IsLocal(rel) {
		return nil, xerrors.E(xerrors.KindUnexpectedValue, "optimizer", "path outside source dir: "+relpath)
	}
	id := uuid.NewString()[:8]
	path := filepath.ToSlash(rel)
	return &run{
		id:    id,
		path:  path,
		abs:   filepath.Join(o.cfg.SourceDir, rel),
		stage: StageStart,
		res:   Result{Path: path},
		log:   slog.With("run", id, "path", path),
	}, nil
}

// finish logs the terminal outcome and counts it.
func (r *run) finish(err error) {
	if err != nil && r.res.Outcome == "" {
		r.res.Outcome = Failed
	}
	metrics.PipelineTotal.WithLabelValues(string(r.res.Outcome)).Inc()

	switch {
	case err == nil:
		r.log.Info("optimizer done", "outcome", r.res.Outcome)
	case r.res.Outcome == InvalidType:
		r.log.Warn("optimizer skipped", "outcome", r.res.Outcome, "error", err)
	default:
		r.log.Error("optimizer failed", "outcome", r.res.Outcome, "stage", r.stage, "digest", r.res.Digest.Short(), "error", err)
	}
}

func (o *Optimizer) announce(res Result) {
	if o.results != nil {
		o.results.Publish(res)
	}
}

// Process runs the pipeline for one path relative to the source dir.
func (o *Optimizer) Process(ctx context.Context, relpath string) (res Result, err error) {
	r, err := o.newRun(relpath)
	if err != nil {
		return Result{Path: relpath, Outcome: Failed}, err
	}
	defer func() {
		r.finish(err)
		o.announce(r.res)
		res = r.res
	}()

	if o.ignore(r.path) || !o.types.AllowsExtension(r.path) {
		r.res.Outcome = Ignored
		return r.res, nil
	}

	// type check before any lease is taken
	head, err := readHead(r.abs, imagetype.SniffLen)
	if errors.Is(err, fs.ErrNotExist) {
		r.res.Outcome = Missing
		return r.res, nil
	}
	if err != nil {
		return r.res, fmt.Errorf("read %s: %w", r.path, err)
	}
	if _, err := o.types.Check(head); err != nil {
		r.res.Outcome = InvalidType
		return r.res, err
	}

	r.stage = StageLocking
	l, err := o.leases.Acquire(ctx, digest.SumString(r.path), r.path)
	if err != nil {
		if xerrors.IsConflict(err) {
			r.log.Info("path is locked by another worker")
			r.res.Outcome = Locked
			return r.res, nil
		}
		return r.res, err
	}
	defer o.release(r, l)

	err = o.pipeline(ctx, r)
	if err == nil {
		r.stage = StageDone
	}
	return r.res, err
}

func (o *Optimizer) pipeline(ctx context.Context, r *run) error {
	r.stage = StageCheckingDedup
	content, err := os.ReadFile(r.abs)
	if errors.Is(err, fs.ErrNotExist) {
		r.res.Outcome = Missing
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.path, err)
	}
	mt, err := o.types.Check(content)
	if err != nil {
		r.res.Outcome = InvalidType
		return err
	}

	src := digest.Sum(content)
	r.res.Digest = src
	r.res.Before = int64(len(content))

	existing, err := o.blobs.FindByDigest(ctx, src)
	if err != nil {
		return err
	}
	if existing != nil {
		r.stage = StageRecordingPath
		if err := o.recordPath(ctx, r, existing); err != nil {
			return err
		}
		r.res.Outcome = AlreadyOptimized
		r.res.BlobID = existing.ID
		r.res.After = existing.Size
		return nil
	}

	r.stage = StageBackingUp
	if err := o.backup.Backup(ctx, r.path, content); err != nil {
		return err
	}

	r.stage = StageTransforming
	out, err := o.transform(ctx, src, content)
	if err != nil {
		metrics.TransformErrors.Inc()
		return err
	}
	if outType, err := o.types.Check(out); err != nil || outType != mt {
		return xerrors.E(xerrors.KindUnexpectedValue, "transform", fmt.Sprintf("output type %q for %s input", outType, mt))
	}

	blob := blobstore.NewBlob(out)
	r.res.Digest = blob.Digest
	r.res.After = blob.Size

	r.stage = StagePublishing
	if err := o.submit(ctx, func(context.Context) error {
		return o.publish(r, blob.Digest, out)
	}); err != nil {
		return err
	}

	// the file now holds the rendition, so its rows are written even when
	// ctx is cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	r.stage = StageRecordingPath
	r.res.Outcome = Optimized
	if err := o.blobs.Insert(ctx, blob); err != nil {
		if !xerrors.IsConflict(err) {
			return err
		}
		// an identical rendition was recorded first, map the path to it
		canonical, ferr := o.blobs.FindByDigest(ctx, blob.Digest)
		if ferr != nil {
			return ferr
		}
		if canonical == nil {
			return xerrors.Wrap(xerrors.KindNotFound, "blob reconcile", blob.Digest.String(), err)
		}
		blob = canonical
		r.res.Outcome = Reconciled
	}
	r.res.BlobID = blob.ID

	if err := o.recordPath(ctx, r, blob); err != nil {
		return err
	}

	if saved := r.res.Before - r.res.After; saved > 0 {
		metrics.BytesSaved.Add(float64(saved))
	}
	r.log.Info("optimized",
		"before", humanize.Bytes(uint64(r.res.Before)),
		"after", humanize.Bytes(uint64(r.res.After)),
		"digest", blob.Digest.Short(),
	)
	return nil
}

// transform runs the transformer through the pool. Pipelines whose originals
// share a digest share one call, detached from the caller that started it and
// bounded by TransformTimeout instead.
func (o *Optimizer) transform(ctx context.Context, src digest.Digest, content []byte) ([]byte, error) {
	ch := o.flight.DoChan(src.String(), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TransformTimeout)
		defer cancel()

		var out []byte
		err := o.submit(callCtx, func(ctx context.Context) error {
			start := time.Now()
			var err error
			out, err = o.transformer.Transform(ctx, content)
			metrics.TransformSeconds.Observe(time.Since(start).Seconds())
			return err
		})
		return out, err
	})
	// counted only once joined to the call
	o.addWaiting(src, 1)
	defer o.addWaiting(src, -1)

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("transform: %w", res.Err)
		}
		if res.Shared {
			slog.Debug("transform shared", "digest", src.Short())
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

// submit runs fn in the pool and waits for it. A task still queued when ctx
// ends is abandoned; one already running is waited for, evicted by the buffer
// timeout or not.
func (o *Optimizer) submit(ctx context.Context, fn func(context.Context) error) error {
	var state atomic.Int32
	done := make(chan error, 1)
	err := o.pool.Add(func() {
		if !state.CompareAndSwap(taskQueued, taskRunning) {
			return
		}
		done <- fn(ctx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(taskQueued, taskAbandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

// publish replaces the source file with content through a rename from the
// temp dir, which shares the source volume.
func (o *Optimizer) publish(r *run, d digest.Digest, content []byte) error {
	name := utils.TempName(d.String(), r.id, filepath.Ext(r.path))
	tmp, err := utils.WriteTemp(o.cfg.TempDir, name, content, o.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("publish %s: %w", r.path, err)
	}

	if o.watcher != nil {
		o.watcher.IgnoreOnce(r.path)
	}
	if err := os.Rename(tmp, r.abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", r.path, err)
	}
	return nil
}

// recordPath maps r.path to blob. A row left over from older content of the
// same path is replaced.
func (o *Optimizer) recordPath(ctx context.Context, r *run, blob *blobstore.Blob) error {
	_, err := o.blobs.RecordPath(ctx, blob, r.path)
	if err == nil || !xerrors.IsConflict(err) {
		return err
	}

	current, err := o.blobs.FindPath(ctx, r.path)
	if err != nil {
		return err
	}
	if current != nil && current.BlobID == blob.ID {
		return nil
	}

	if current != nil {
		if _, err := o.blobs.DeletePath(ctx, r.path); err != nil {
			return err
		}
		r.log.Debug("path remapped", "from", current.BlobID, "to", blob.ID)
		o.pruneBlob(ctx, current.BlobID)
	}

	_, err = o.blobs.RecordPath(ctx, blob, r.path)
	if xerrors.IsConflict(err) {
		return nil
	}
	return err
}

// Remove forgets relpath after it was deleted from disk and prunes its blob
// when nothing else references it.
func (o *Optimizer) Remove(ctx context.Context, relpath string) (res Result, err error) {
	r, err := o.newRun(relpath)
	if err != nil {
		return Result{Path: relpath, Outcome: Failed}, err
	}
	defer func() {
		r.finish(err)
		o.announce(r.res)
		res = r.res
	}()

	if o.ignore(r.path) || !o.types.AllowsExtension(r.path) {
		r.res.Outcome = Ignored
		return r.res, nil
	}

	r.stage = StageLocking
	l, err := o.leases.Acquire(ctx, digest.SumString(r.path), r.path)
	if err != nil {
		if xerrors.IsConflict(err) {
			r.res.Outcome = Locked
			return r.res, nil
		}
		return r.res, err
	}
	defer o.release(r, l)

	r.stage = StageRecordingPath
	if utils.FileExists(r.abs) {
		// recreated since the event fired
		r.res.Outcome = Ignored
		return r.res, nil
	}

	bp, err := o.blobs.DeletePath(ctx, r.path)
	if err != nil {
		return r.res, err
	}
	if bp == nil {
		r.res.Outcome = Missing
		return r.res, nil
	}

	r.res.Outcome = Removed
	r.res.BlobID = bp.BlobID
	o.pruneBlob(ctx, bp.BlobID)
	r.stage = StageDone
	return r.res, nil
}

func (o *Optimizer) pruneBlob(ctx context.Context, blobID int64) {
	if !o.cfg.PruneOrphans {
		return
	}
	deleted, err := o.blobs.DeleteIfOrphan(ctx, blobID)
	if err != nil {
		slog.Warn("orphan prune failed", "blob", blobID, "error", err)
		return
	}
	if deleted {
		metrics.OrphansCollected.Inc()
	}
}

// release runs on every exit path, detached from the pipeline context. The
// stage reached before releasing is kept for the outcome log.
func (o *Optimizer) release(r *run, l *lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := o.leases.Release(ctx, l); err != nil {
		r.log.Error("lease release failed", "stage", StageReleasing, "error", err)
	}
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}
