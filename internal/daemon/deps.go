package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/tinifyd/internal/backup"
	"github.com/openmined/tinifyd/internal/blobstore"
	"github.com/openmined/tinifyd/internal/config"
	"github.com/openmined/tinifyd/internal/db"
	"github.com/openmined/tinifyd/internal/events"
	"github.com/openmined/tinifyd/internal/gc"
	"github.com/openmined/tinifyd/internal/imagetype"
	"github.com/openmined/tinifyd/internal/lease"
	"github.com/openmined/tinifyd/internal/optimizer"
	"github.com/openmined/tinifyd/internal/queue"
	"github.com/openmined/tinifyd/internal/transform"
	"github.com/openmined/tinifyd/internal/watcher"
)

// Deps is everything the plugins share. It is built once per process.
type Deps struct {
	Config      *config.Config
	DB          *sqlx.DB
	Leases      *lease.Store
	Blobs       *blobstore.Store
	Types       *imagetype.Allowlist
	Reclaimed   *events.Bus[events.LeaseReclaimed]
	Results     *events.Bus[optimizer.Result]
	Watcher     *watcher.Watcher
	Transformer transform.Transformer
	Backup      backup.Sink
	Pool        *queue.Pool
	Optimizer   *optimizer.Optimizer
	Janitor     *lease.Janitor
	Sweeper     *gc.Sweeper
}

// NewDeps opens the database and wires every component from cfg. The
// workspace must be set up beforehand.
func NewDeps(ctx context.Context, cfg *config.Config) (*Deps, error) {
	d := &Deps{Config: cfg}

	conn, err := db.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.DB = conn

	if err := d.build(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deps) build(ctx context.Context) error {
	cfg := d.Config
	var err error

	if d.Leases, err = lease.NewStore(d.DB); err != nil {
		return fmt.Errorf("lease store: %w", err)
	}
	if d.Blobs, err = blobstore.NewStore(d.DB); err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	if d.Transformer, err = newTransformer(cfg.Transform); err != nil {
		return err
	}
	if d.Backup, err = newBackup(ctx, cfg); err != nil {
		return err
	}
	if d.Watcher, err = watcher.New(cfg.SourceDir); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}

	d.Types = imagetype.NewAllowlist(cfg.AllowedTypes)
	d.Reclaimed = events.NewBus[events.LeaseReclaimed]()
	d.Results = events.NewBus[optimizer.Result]()
	d.Pool = queue.NewPool(cfg.Buffers, cfg.Concurrency, cfg.TaskTimeout)
	d.Janitor = lease.NewJanitor(d.Leases, d.Reclaimed, cfg.JanitorInterval, cfg.LockTTL)
	d.Sweeper = gc.NewSweeper(d.Blobs, gc.DefaultBatchSize)

	d.Optimizer, err = optimizer.New(optimizer.Config{
		SourceDir:        cfg.SourceDir,
		TempDir:          cfg.TempDir,
		FileMode:         cfg.FileMode.Perm(),
		PruneOrphans:     cfg.PruneOrphans,
		SweepOnStart:     cfg.SweepOnStart,
		SweepInterval:    cfg.SweepInterval,
		SweepConcurrency: cfg.Concurrency * cfg.Buffers,
		Ignore:           cfg.Ignore,
		TransformTimeout: cfg.Transform.Timeout,
	}, optimizer.Deps{
		Leases:      d.Leases,
		Blobs:       d.Blobs,
		Types:       d.Types,
		Transformer: d.Transformer,
		Backup:      d.Backup,
		Pool:        d.Pool,
		Watcher:     d.Watcher,
		Bus:         d.Reclaimed,
		Results:     d.Results,
	})
	return err
}

func newTransformer(cfg config.TransformConfig) (transform.Transformer, error) {
	if cfg.Dummy {
		slog.Warn("using dummy transformer, images are not compressed", "min", cfg.DummyMinDelay, "max", cfg.DummyMaxDelay)
		return transform.NewDummy(cfg.DummyMinDelay, cfg.DummyMaxDelay), nil
	}
	t, err := transform.NewTinify(transform.TinifyConfig{
		Host:      cfg.Host,
		Key:       cfg.Key,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}
	return t, nil
}

func newBackup(ctx context.Context, cfg *config.Config) (backup.Sink, error) {
	switch cfg.Backup.Kind {
	case "local":
		return backup.NewLocal(cfg.BackupDir, cfg.FileMode.Perm(), cfg.DirMode.Perm()), nil
	case "s3":
		s3cfg := cfg.Backup.S3
		sink, err := backup.NewS3(ctx, backup.S3Config{
			Bucket:    s3cfg.Bucket,
			Region:    s3cfg.Region,
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Prefix:    s3cfg.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 backup: %w", err)
		}
		return sink, nil
	case "none":
		return backup.Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported backup kind %q", cfg.Backup.Kind)
	}
}

// Close releases the pool, the buses and the database.
func (d *Deps) Close() error {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.Results != nil {
		d.Results.Close()
	}
	if d.Reclaimed != nil {
		d.Reclaimed.Close()
	}
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
