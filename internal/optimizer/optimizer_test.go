package optimizer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/tinifyd/internal/backup"
	"github.com/openmined/tinifyd/internal/blobstore"
	"github.com/openmined/tinifyd/internal/db"
	"github.com/openmined/tinifyd/internal/digest"
	"github.com/openmined/tinifyd/internal/events"
	"github.com/openmined/tinifyd/internal/imagetype"
	"github.com/openmined/tinifyd/internal/lease"
	"github.com/openmined/tinifyd/internal/queue"
	"github.com/openmined/tinifyd/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jpegHead = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
	pngHead  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
)

func jpeg(body string, size int) []byte {
	b := append([]byte{}, jpegHead...)
	b = append(b, body...)
	if pad := size - len(b); pad > 0 {
		b = append(b, bytes.Repeat([]byte{0}, pad)...)
	}
	return b
}

// fakeTransformer keeps the image head and drops everything after it.
type fakeTransformer struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (f *fakeTransformer) Transform(ctx context.Context, content []byte) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	n := len(jpegHead)
	if len(content) < n {
		n = len(content)
	}
	out := append([]byte{}, content[:n]...)
	return append(out, "optimized"...), nil
}

type harness struct {
	opt       *Optimizer
	conn      *sqlx.DB
	leases    *lease.Store
	blobs     *blobstore.Store
	tf        *fakeTransformer
	sourceDir string
	backupDir string
}

func newHarness(t *testing.T, tf *fakeTransformer) *harness {
	t.Helper()
	conn, err := db.NewSqliteDB()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	leases, err := lease.NewStore(conn)
	require.NoError(t, err)
	blobs, err := blobstore.NewStore(conn)
	require.NoError(t, err)

	pool := queue.NewPool(2, 4, time.Minute)
	t.Cleanup(pool.Close)

	h := &harness{
		conn:      conn,
		leases:    leases,
		blobs:     blobs,
		tf:        tf,
		sourceDir: t.TempDir(),
		backupDir: t.TempDir(),
	}

	h.opt, err = New(Config{
		SourceDir:        h.sourceDir,
		PruneOrphans:     true,
		SweepConcurrency: 4,
	}, Deps{
		Leases:      leases,
		Blobs:       blobs,
		Types:       imagetype.NewAllowlist(imagetype.DefaultAllowed),
		Transformer: tf,
		Backup:      backup.NewLocal(h.backupDir, 0644, 0755),
		Pool:        pool,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) write(t *testing.T, rel string, content []byte) {
	t.Helper()
	abs := filepath.Join(h.sourceDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, content, 0644))
}

func (h *harness) read(t *testing.T, rel string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(h.sourceDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return b
}

func (h *harness) stats(t *testing.T) blobstore.Stats {
	t.Helper()
	st, err := h.blobs.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) assertNoLeases(t *testing.T) {
	t.Helper()
	leases, err := h.leases.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestProcess_OptimizesNewFile(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	original := jpeg("original", 2<<20)
	h.write(t, "a.jpg", original)

	res, err := h.opt.Process(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, Optimized, res.Outcome)
	assert.Equal(t, int64(len(original)), res.Before)
	assert.Less(t, res.After, res.Before)

	optimized := h.read(t, "a.jpg")
	assert.Equal(t, digest.Sum(optimized), res.Digest)

	blob, err := h.blobs.FindByDigest(ctx, res.Digest)
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, res.BlobID, blob.ID)

	paths, err := h.blobs.PathsFor(ctx, blob.ID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "a.jpg", paths[0].Path)

	backedUp, err := os.ReadFile(filepath.Join(h.backupDir, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, original, backedUp)

	assert.Equal(t, int32(1), h.tf.calls.Load())
	assert.Equal(t, blobstore.Stats{Blobs: 1, Paths: 1, Bytes: blob.Size}, h.stats(t))
	h.assertNoLeases(t)

	tmp, err := os.ReadDir(h.opt.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, tmp, "temp files must be renamed away")
}

func TestProcess_Idempotent(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, "dir/a.jpg", jpeg("original", 4096))

	first, err := h.opt.Process(ctx, "dir/a.jpg")
	require.NoError(t, err)
	require.Equal(t, Optimized, first.Outcome)

	second, err := h.opt.Process(ctx, "dir/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, AlreadyOptimized, second.Outcome)
	assert.Equal(t, first.BlobID, second.BlobID)

	assert.Equal(t, int32(1), h.tf.calls.Load())
	st := h.stats(t)
	assert.Equal(t, int64(1), st.Blobs)
	assert.Equal(t, int64(1), st.Paths)
	h.assertNoLeases(t)
}

func TestProcess_IdenticalFilesShareTransform(t *testing.T) {
	tf := &fakeTransformer{gate: make(chan struct{})}
	h := newHarness(t, tf)
	ctx := context.Background()

	original := jpeg("same original", 8192)
	h.write(t, "a.jpg", original)
	h.write(t, "b.jpg", original)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, p := range []string{"a.jpg", "b.jpg"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.opt.Process(ctx, p)
		}()
	}

	require.Eventually(t, func() bool {
		return h.opt.waitingFor(digest.Sum(original)) == 2
	}, 5*time.Second, 5*time.Millisecond)
	close(tf.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []Outcome{Optimized, Reconciled}, []Outcome{results[0].Outcome, results[1].Outcome})
	assert.Equal(t, results[0].BlobID, results[1].BlobID)

	assert.Equal(t, int32(1), tf.calls.Load())
	st := h.stats(t)
	assert.Equal(t, int64(1), st.Blobs)
	assert.Equal(t, int64(2), st.Paths)
	assert.Equal(t, h.read(t, "a.jpg"), h.read(t, "b.jpg"))
	h.assertNoLeases(t)
}

func TestProcess_SecondFileWithKnownOutput(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, "a.jpg", jpeg("one", 4096))
	h.write(t, "b.jpg", jpeg("two", 4096))

	first, err := h.opt.Process(ctx, "a.jpg")
	require.NoError(t, err)
	second, err := h.opt.Process(ctx, "b.jpg")
	require.NoError(t, err)

	// different originals, byte-identical renditions
	assert.Equal(t, Optimized, first.Outcome)
	assert.Equal(t, Reconciled, second.Outcome)
	assert.Equal(t, first.BlobID, second.BlobID)
	st := h.stats(t)
	assert.Equal(t, int64(1), st.Blobs)
	assert.Equal(t, int64(2), st.Paths)
}

func TestProcess_RejectsNonImage(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	h.write(t, "notes.jpg", []byte("this is plain text, not an image"))

	res, err := h.opt.Process(context.Background(), "notes.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrInvalidType)
	assert.Equal(t, InvalidType, res.Outcome)

	assert.Equal(t, int32(0), h.tf.calls.Load())
	assert.Equal(t, blobstore.Stats{}, h.stats(t))
	h.assertNoLeases(t)

	_, err = h.leases.Get(context.Background(), digest.SumString("notes.jpg"))
	assert.True(t, xerrors.IsNotFound(err), "no lease may be taken for an invalid file")
}

func TestProcess_SkipsLockedPath(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, "a.jpg", jpeg("x", 1024))

	held, err := h.leases.Acquire(ctx, digest.SumString("a.jpg"), "a.jpg")
	require.NoError(t, err)

	res, err := h.opt.Process(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, Locked, res.Outcome)
	assert.Equal(t, int32(0), h.tf.calls.Load())

	// the other holder keeps its lease
	got, err := h.leases.Get(ctx, held.Key)
	require.NoError(t, err)
	assert.Equal(t, held.CreatedAt, got.CreatedAt)
}

func TestProcess_TransformFailureReleasesLease(t *testing.T) {
	h := newHarness(t, &fakeTransformer{err: errors.New("service unavailable")})
	original := jpeg("x", 1024)
	h.write(t, "a.jpg", original)

	res, err := h.opt.Process(context.Background(), "a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service unavailable")
	assert.Equal(t, Failed, res.Outcome)

	assert.Equal(t, original, h.read(t, "a.jpg"), "source must be untouched")
	assert.Equal(t, blobstore.Stats{}, h.stats(t))
	h.assertNoLeases(t)
}

func TestProcess_IgnoredAndMissing(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, "readme.txt", []byte("hi"))
	h.write(t, ".tinifyd/tmp/x.jpg", jpeg("x", 64))

	res, err := h.opt.Process(ctx, "readme.txt")
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Outcome)

	res, err = h.opt.Process(ctx, ".tinifyd/tmp/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Outcome)

	res, err = h.opt.Process(ctx, "gone.png")
	require.NoError(t, err)
	assert.Equal(t, Missing, res.Outcome)

	_, err = h.opt.Process(ctx, "../escape.png")
	assert.Error(t, err)
}

func TestProcess_ChangedFileRemapsPath(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()

	h.write(t, "a.png", append(append([]byte{}, pngHead...), "first version"...))
	first, err := h.opt.Process(ctx, "a.png")
	require.NoError(t, err)
	require.Equal(t, Optimized, first.Outcome)

	// the fake produces a different rendition for a png head than a jpeg head
	h.write(t, "a.png", jpeg("now a jpeg with a png name", 512))
	second, err := h.opt.Process(ctx, "a.png")
	require.NoError(t, err)
	require.Equal(t, Optimized, second.Outcome)
	assert.NotEqual(t, first.BlobID, second.BlobID)

	bp, err := h.blobs.FindPath(ctx, "a.png")
	require.NoError(t, err)
	require.NotNil(t, bp)
	assert.Equal(t, second.BlobID, bp.BlobID)

	st := h.stats(t)
	assert.Equal(t, int64(1), st.Blobs, "the old rendition is pruned")
	assert.Equal(t, int64(1), st.Paths)
}

func TestRemove_PrunesOrphan(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, "a.jpg", jpeg("a", 1024))
	h.write(t, "b.jpg", jpeg("b", 1024))

	_, err := h.opt.Process(ctx, "a.jpg")
	require.NoError(t, err)
	_, err = h.opt.Process(ctx, "b.jpg")
	require.NoError(t, err)
	require.Equal(t, int64(2), h.stats(t).Paths)

	require.NoError(t, os.Remove(filepath.Join(h.sourceDir, "a.jpg")))
	res, err := h.opt.Remove(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, Removed, res.Outcome)
	assert.Equal(t, blobstore.Stats{Blobs: 1, Paths: 1, Bytes: h.stats(t).Bytes}, h.stats(t), "blob still referenced by b.jpg")

	require.NoError(t, os.Remove(filepath.Join(h.sourceDir, "b.jpg")))
	res, err = h.opt.Remove(ctx, "b.jpg")
	require.NoError(t, err)
	assert.Equal(t, Removed, res.Outcome)
	assert.Equal(t, blobstore.Stats{}, h.stats(t))

	res, err = h.opt.Remove(ctx, "b.jpg")
	require.NoError(t, err)
	assert.Equal(t, Missing, res.Outcome)
	h.assertNoLeases(t)
}

func TestRemove_FileRecreated(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, "a.jpg", jpeg("a", 1024))
	_, err := h.opt.Process(ctx, "a.jpg")
	require.NoError(t, err)

	res, err := h.opt.Remove(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Outcome)
	assert.Equal(t, int64(1), h.stats(t).Paths)
}

func TestSweep(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, "a.jpg", jpeg("a", 1024))
	h.write(t, "nested/deep/b.JPEG", jpeg("b", 1024))
	h.write(t, "c.png", append(append([]byte{}, pngHead...), "c"...))
	h.write(t, "bad.png", []byte("not a png"))
	h.write(t, "skip.txt", []byte("text"))
	h.write(t, ".tinifyd/tmp/left.jpg", jpeg("tmp", 64))

	paths, err := h.opt.Candidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "bad.png", "c.png", "nested/deep/b.JPEG"}, paths)

	report, err := h.opt.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Files)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Outcomes[InvalidType])
	assert.Equal(t, 3, report.Outcomes[Optimized]+report.Outcomes[Reconciled])

	again, err := h.opt.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Outcomes[AlreadyOptimized])
	h.assertNoLeases(t)
}

func TestStart_RetriesReclaimedPaths(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	bus := events.NewBus[events.LeaseReclaimed]()
	h.opt.bus = bus
	h.write(t, "a.jpg", jpeg("a", 1024))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- h.opt.Start(ctx) }()

	require.Eventually(t, func() bool {
		bus.Publish(events.LeaseReclaimed{Key: digest.SumString("a.jpg"), Path: "a.jpg"})
		bp, err := h.blobs.FindPath(ctx, "a.jpg")
		return err == nil && bp != nil
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, h.opt.Stop(stopCtx))
	require.NoError(t, <-started)
}

func TestStart_ClosedReclaimBus(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	bus := events.NewBus[events.LeaseReclaimed]()
	h.opt.bus = bus
	results := events.NewBus[Result]()
	h.opt.results = results
	runs, unsubscribe := results.Subscribe(8)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- h.opt.Start(ctx) }()
	require.Eventually(t, h.opt.started.Load, time.Second, 5*time.Millisecond)
	bus.Close()

	select {
	case res := <-runs:
		t.Fatalf("closed bus triggered a run: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, h.opt.Stop(stopCtx))
	require.NoError(t, <-started)
}

func TestProcess_HonorsIgnoreFile(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	ctx := context.Background()
	h.write(t, IgnoreFile, []byte("# drafts stay untouched\ndrafts/\n*.raw.png\n"))
	h.write(t, "drafts/a.jpg", jpeg("a", 64))
	h.write(t, "b.raw.png", jpeg("b", 64))

	opt, err := New(Config{SourceDir: h.sourceDir}, Deps{
		Leases:      h.leases,
		Blobs:       h.blobs,
		Transformer: h.tf,
		Pool:        h.opt.pool,
	})
	require.NoError(t, err)

	for _, rel := range []string{"drafts/a.jpg", "b.raw.png", IgnoreFile} {
		res, err := opt.Process(ctx, rel)
		require.NoError(t, err)
		assert.Equal(t, Ignored, res.Outcome, rel)
	}
	assert.Equal(t, jpeg("a", 64), h.read(t, "drafts/a.jpg"))
}

func TestProcess_AnnouncesResults(t *testing.T) {
	h := newHarness(t, &fakeTransformer{})
	h.opt.results = events.NewBus[Result]()
	ch, unsubscribe := h.opt.results.Subscribe(4)
	defer unsubscribe()

	h.write(t, "a.jpg", jpeg("a", 64))
	_, err := h.opt.Process(context.Background(), "a.jpg")
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.Equal(t, Optimized, res.Outcome)
		assert.Equal(t, "a.jpg", res.Path)
	case <-time.After(time.Second):
		t.Fatal("no result announced")
	}
}

func TestProcess_CancelledCallerDoesNotFailSharedTransform(t *testing.T) {
	tf := &fakeTransformer{gate: make(chan struct{})}
	h := newHarness(t, tf)

	original := jpeg("shared original", 8192)
	h.write(t, "a.jpg", original)
	h.write(t, "b.jpg", original)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	type outcome struct {
		res Result
		err error
	}
	doneA := make(chan outcome, 1)
	doneB := make(chan outcome, 1)
	go func() {
		res, err := h.opt.Process(ctxA, "a.jpg")
		doneA <- outcome{res, err}
	}()
	require.Eventually(t, func() bool {
		return h.opt.waitingFor(digest.Sum(original)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	go func() {
		res, err := h.opt.Process(context.Background(), "b.jpg")
		doneB <- outcome{res, err}
	}()
	require.Eventually(t, func() bool {
		return h.opt.waitingFor(digest.Sum(original)) == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancelA()
	a := <-doneA
	assert.ErrorIs(t, a.err, context.Canceled)
	assert.Equal(t, Failed, a.res.Outcome)

	close(tf.gate)
	b := <-doneB
	require.NoError(t, b.err)
	assert.Equal(t, Optimized, b.res.Outcome)
	assert.Equal(t, int32(1), tf.calls.Load())
	assert.Equal(t, original, h.read(t, "a.jpg"))
	assert.NotEqual(t, original, h.read(t, "b.jpg"))
	h.assertNoLeases(t)
}

func TestSubmit_WaitsForRunningTask(t *testing.T) {
	pool := queue.NewPool(1, 1, time.Minute)
	t.Cleanup(pool.Close)
	o := &Optimizer{pool: pool}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- o.submit(ctx, func(context.Context) error {
			close(started)
			<-release
			finished.Store(true)
			return nil
		})
	}()

	<-started
	cancel()
	select {
	case err := <-errc:
		t.Fatalf("submit returned %v while its task was running", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-errc)
	assert.True(t, finished.Load())
}

func TestSubmit_AbandonsQueuedTask(t *testing.T) {
	pool := queue.NewPool(1, 1, time.Minute)
	t.Cleanup(pool.Close)
	o := &Optimizer{pool: pool}

	// occupy the only slot
	release := make(chan struct{})
	blocked := make(chan struct{})
	require.NoError(t, pool.Add(func() {
		close(blocked)
		<-release
	}))
	<-blocked

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- o.submit(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return pool.Running() == 0 && pool.Size() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load())
}
