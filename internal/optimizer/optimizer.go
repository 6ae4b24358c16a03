// Package optimizer runs the per-path pipeline that replaces source images
// with their optimized renditions and keeps the content store in step with
// the filesystem.
//
// A pipeline is: lock the path, check whether the bytes are already an
// optimized blob, back up the original, transform, publish through a rename,
// record the blob and path, release. The lease table is the only lock; the
// content store's unique keys are the only dedup guard.
package optimizer

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/tinifyd/internal/backup"
	"github.com/openmined/tinifyd/internal/blobstore"
	"github.com/openmined/tinifyd/internal/digest"
	"github.com/openmined/tinifyd/internal/events"
	"github.com/openmined/tinifyd/internal/imagetype"
	"github.com/openmined/tinifyd/internal/lease"
	"github.com/openmined/tinifyd/internal/queue"
	"github.com/openmined/tinifyd/internal/transform"
	"github.com/openmined/tinifyd/internal/watcher"
	"golang.org/x/sync/singleflight"
)

// MetaDir is the directory under the source root reserved for tinifyd.
const MetaDir = ".tinifyd"

const (
	DefaultSweepInterval    = 15 * time.Minute
	DefaultTransformTimeout = time.Minute
	releaseTimeout          = 5 * time.Second
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	Optimized        Outcome = "optimized"
	AlreadyOptimized Outcome = "already_optimized"
	Reconciled       Outcome = "reconciled"
	Locked           Outcome = "locked"
	Failed           Outcome = "failed"
	InvalidType      Outcome = "invalid_type"
	Ignored          Outcome = "ignored"
	Missing          Outcome = "missing"
	Removed          Outcome = "removed"
)

// Stage names the pipeline step, logged with every failure.
type Stage string

const (
	StageStart         Stage = "start"
	StageLocking       Stage = "locking"
	StageCheckingDedup Stage = "checking_dedup"
	StageBackingUp     Stage = "backing_up"
	StageTransforming  Stage = "transforming"
	StagePublishing    Stage = "publishing"
	StageRecordingPath Stage = "recording_path"
	StageReleasing     Stage = "releasing"
	StageDone          Stage = "done"
)

// Result describes a finished pipeline run.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Path    string        `json:"path"`
	Digest  digest.Digest `json:"digest"`
	BlobID  int64         `json:"blob_id,omitempty"`
	Before  int64         `json:"before,omitempty"`
	After   int64         `json:"after,omitempty"`
}

// Config holds the optimizer settings.
type Config struct {
	SourceDir string
	// TempDir must be on the same volume as SourceDir.
	TempDir  string
	FileMode os.FileMode

	PruneOrphans  bool
	SweepOnStart  bool
	SweepInterval time.Duration
	// SweepConcurrency bounds in-flight pipelines during a sweep.
	SweepConcurrency int
	// Ignore holds doublestar patterns, relative to SourceDir, never processed.
	Ignore []string
	// TransformTimeout bounds a shared transform call, which outlives the
	// pipeline that started it.
	TransformTimeout time.Duration
}

// Deps are the collaborators of an Optimizer. Watcher, Bus and Results are optional.
type Deps struct {
	Leases      *lease.Store
	Blobs       *blobstore.Store
	Types       *imagetype.Allowlist
	Transformer transform.Transformer
	Backup      backup.Sink
	Pool        *queue.Pool
	Watcher     *watcher.Watcher
	Bus         *events.Bus[events.LeaseReclaimed]
	Results     *events.Bus[Result] // every finished pipeline run
}

type Optimizer struct {
	cfg         Config
	leases      *lease.Store
	blobs       *blobstore.Store
	types       *imagetype.Allowlist
	transformer transform.Transformer
	backup      backup.Sink
	pool        *queue.Pool
	watcher     *watcher.Watcher
	bus         *events.Bus[events.LeaseReclaimed]
	results     *events.Bus[Result]
	ignore      watcher.FilterCallback

	// one transform call per original digest in flight
	flight    singleflight.Group
	waitingMu sync.Mutex
	waiting   map[digest.Digest]int

	sweeping atomic.Bool
	started  atomic.Bool
	exited   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Optimizer, error) {
	if cfg.SourceDir == "" {
		return nil, errors.New("optimizer: source dir missing")
	}
	if deps.Leases == nil || deps.Blobs == nil || deps.Transformer == nil || deps.Pool == nil {
		return nil, errors.New("optimizer: missing dependency")
	}

	abs, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	cfg.SourceDir = abs
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(abs, MetaDir, "tmp")
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 1
	}
	if cfg.TransformTimeout <= 0 {
		cfg.TransformTimeout = DefaultTransformTimeout
	}

	if deps.Types == nil {
		deps.Types = imagetype.NewAllowlist(imagetype.DefaultAllowed)
	}
	if deps.Backup == nil {
		deps.Backup = backup.Nop{}
	}

	ignore := append([]string{MetaDir, MetaDir + "/**"}, cfg.Ignore...)

	return &Optimizer{
		cfg:         cfg,
		leases:      deps.Leases,
		blobs:       deps.Blobs,
		types:       deps.Types,
		transformer: deps.Transformer,
		backup:      deps.Backup,
		pool:        deps.Pool,
		watcher:     deps.Watcher,
		bus:         deps.Bus,
		results:     deps.Results,
		ignore:      ignoreFilter(abs, ignore),
		waiting:     make(map[digest.Digest]int),
		exited:      make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

func (o *Optimizer) Name() string {
	return "optimizer"
}

// SourceDir returns the absolute source root.
func (o *Optimizer) SourceDir() string {
	return o.cfg.SourceDir
}

// waitingFor reports how many pipelines are waiting on the transform of d.
func (o *Optimizer) waitingFor(d digest.Digest) int {
	o.waitingMu.Lock()
	defer o.waitingMu.Unlock()
	return o.waiting[d]
}

func (o *Optimizer) addWaiting(d digest.Digest, delta int) {
	o.waitingMu.Lock()
	defer o.waitingMu.Unlock()
	o.waiting[d] += delta
	if o.waiting[d] <= 0 {
		delete(o.waiting, d)
	}
}
