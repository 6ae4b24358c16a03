// Package gc deletes blobs no path references any more.
package gc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openmined/tinifyd/internal/blobstore"
	"github.com/openmined/tinifyd/internal/metrics"
)

const DefaultBatchSize = 128

// Sweeper removes orphan blobs in batches.
type Sweeper struct {
	store     *blobstore.Store
	batchSize int
}

func NewSweeper(store *blobstore.Store, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{store: store, batchSize: batchSize}
}

// Sweep runs until no orphan is left and returns the number deleted. A blob
// that gained a path after it was listed is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, errors.New("gc sweeper missing blob store")
	}

	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		orphans, err := s.store.Orphans(ctx, s.batchSize)
		if err != nil {
			return total, err
		}
		if len(orphans) == 0 {
			break
		}

		deleted := 0
		for _, b := range orphans {
			ok, err := s.store.DeleteIfOrphan(ctx, b.ID)
			if err != nil {
				return total, err
			}
			if ok {
				deleted++
			}
		}
		total += deleted
		metrics.OrphansCollected.Add(float64(deleted))

		if deleted == 0 || len(orphans) < s.batchSize {
			break
		}
	}

	slog.Info("gc sweep done", "deleted", total)
	return total, nil
}
