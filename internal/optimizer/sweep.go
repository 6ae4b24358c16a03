package optimizer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// SweepReport counts the outcomes of one sweep.
type SweepReport struct {
	Files    int             `json:"files"`
	Outcomes map[Outcome]int `json:"outcomes"`
	Errors   int             `json:"errors"`
	Took     time.Duration   `json:"took"`
}

// Candidates lists every file under the source dir with an allowed extension,
// sorted, relative and slash separated.
func (o *Optimizer) Candidates(ctx context.Context) ([]string, error) {
	fsys := os.DirFS(o.cfg.SourceDir)
	seen := make(map[string]struct{})

	for _, pattern := range o.types.Patterns("") {
		err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || o.ignore(path) {
				return nil
			}
			seen[path] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Sweep processes every candidate. Failures of single paths are counted, not
// returned; only cancellation or a failed walk ends the sweep early.
func (o *Optimizer) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	paths, err := o.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Files: len(paths), Outcomes: make(map[Outcome]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SweepConcurrency)
	for _, p := range paths {
		g.Go(func() error {
			res, err := o.Process(gctx, p)
			mu.Lock()
			defer mu.Unlock()
			report.Outcomes[res.Outcome]++
			if err != nil {
				report.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Took = time.Since(start)
	slog.Info("sweep done", "files", report.Files, "errors", report.Errors, "took", report.Took.Round(time.Millisecond))
	return report, ctx.Err()
}
