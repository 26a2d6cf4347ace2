// Package batch runs candidate repositories through a pool of workers
// and streams every finished entry into the results file.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/resultstore"
)

// Sink receives entries; *resultstore.Writer implements it
type Sink interface {
	Write(e *domain.Entry) error
}

// RunnerFactory creates the runner used by one worker
type RunnerFactory func(worker string) (UnitRunner, error)

// Options configures a batch
type Options struct {
	Workers   int
	NewRunner RunnerFactory
	Sink      Sink
	Cache     resultstore.Cache
	// Exclude lists repositories to skip, compared case-insensitively
	Exclude []string
	// OnlyRepo restricts the batch to a single repository
	OnlyRepo string
	Logger   *zap.Logger
}

// Summary describes a finished batch
type Summary struct {
	Units       int
	Cached      int
	Total       int
	Successful  int
	Interrupted bool
	Duration    time.Duration
	// Failures counts units that stopped on an error other than cancellation
	Failures int
}

// Totals renders the dataset totals, e.g. "7/10 successful (70.0%)"
func (s Summary) Totals() string {
	pct := 0.0
	if s.Total > 0 {
		pct = float64(s.Successful) / float64(s.Total) * 100
	}
	return fmt.Sprintf("%d/%d successful (%.1f%%)", s.Successful, s.Total, pct)
}

// Run processes units until all are done or ctx ends. Cached entries of
// the candidate repositories are written first and their PRs skipped.
// On cancellation no new unit is started; in-flight units stop after
// their current PR and everything emitted so far stays in the sink.
func Run(ctx context.Context, units []domain.RepoUnit, opts Options) (Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.NewRunner == nil || opts.Sink == nil {
		return Summary{}, fmt.Errorf("batch needs a runner factory and a sink")
	}

	start := time.Now()
	c := &collector{sink: opts.Sink}

	pending, err := c.prepare(Select(units, opts.Exclude, opts.OnlyRepo), opts.Cache)
	if err != nil {
		return c.summary(start), err
	}
	logger.Info("batch starting",
		zap.Int("units", len(pending)),
		zap.Int("cached", c.cached),
		zap.Int("workers", opts.Workers))

	runners := make([]UnitRunner, opts.Workers)
	for i := range runners {
		if runners[i], err = opts.NewRunner(workerName(i)); err != nil {
			return c.summary(start), fmt.Errorf("creating runner %s: %w", workerName(i), err)
		}
	}

	queue := make(chan domain.RepoUnit)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, u := range pending {
			select {
			case queue <- u:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for i, runner := range runners {
		wlog := logger.With(zap.String("worker", workerName(i)))
		g.Go(func() error {
			for u := range queue {
				if ctx.Err() != nil {
					return nil
				}
				c.startUnit()
				wlog.Info("unit started", zap.String("repo", u.Repo), zap.Int("pulls", len(u.Pulls)))
				err := runner.RunUnit(ctx, u, c.emit)
				switch {
				case err == nil:
				case Interrupted(err):
					wlog.Info("unit interrupted", zap.String("repo", u.Repo))
					return nil
				case c.sinkFailed():
					// the results file is unusable; stop every worker
					return err
				default:
					c.unitFailed()
					wlog.Error("unit failed", zap.String("repo", u.Repo), zap.Error(err))
				}
			}
			return nil
		})
	}

	err = g.Wait()
	s := c.summary(start)
	s.Interrupted = ctx.Err() != nil
	logger.Info("batch finished",
		zap.String("totals", s.Totals()),
		zap.Bool("interrupted", s.Interrupted),
		zap.Duration("duration", s.Duration))
	return s, err
}

func workerName(i int) string {
	return fmt.Sprintf("worker-%d", i)
}

// Select drops excluded repositories and, when only is set, every other
// repository
func Select(units []domain.RepoUnit, exclude []string, only string) []domain.RepoUnit {
	var out []domain.RepoUnit
	for _, u := range units {
		if only != "" && !strings.EqualFold(u.Repo, only) {
			continue
		}
		if excluded(u.Repo, exclude) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func excluded(repo string, exclude []string) bool {
	for _, ex := range exclude {
		if strings.EqualFold(repo, ex) {
			return true
		}
	}
	return false
}

// collector serializes writes to the sink and keeps the totals
type collector struct {
	mu         sync.Mutex
	sink       Sink
	units      int
	cached     int
	total      int
	successful int
	failures   int
	sinkErr    error
}

// prepare writes cached entries and returns the units with uncached PRs
func (c *collector) prepare(units []domain.RepoUnit, cache resultstore.Cache) ([]domain.RepoUnit, error) {
	var pending []domain.RepoUnit
	for _, u := range units {
		for _, e := range cache.ForRepo(u.Repo) {
			if err := c.write(&e); err != nil {
				return nil, err
			}
			c.cached++
		}
		var pulls []domain.PullRequest
		for _, pr := range u.Pulls {
			if _, ok := cache.Lookup(u.Repo, pr.Number); !ok {
				pulls = append(pulls, pr)
			}
		}
		if len(pulls) == 0 {
			continue
		}
		u.Pulls = pulls
		pending = append(pending, u)
	}
	return pending, nil
}

func (c *collector) emit(e *domain.Entry) error {
	return c.write(e)
}

func (c *collector) write(e *domain.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sink.Write(e); err != nil {
		c.sinkErr = err
		return err
	}
	c.total++
	if e.Metadata.Successful {
		c.successful++
	}
	return nil
}

func (c *collector) startUnit() {
	c.mu.Lock()
	c.units++
	c.mu.Unlock()
}

func (c *collector) unitFailed() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

func (c *collector) sinkFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinkErr != nil
}

func (c *collector) summary(start time.Time) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Units:      c.units,
		Cached:     c.cached,
		Total:      c.total,
		Successful: c.successful,
		Failures:   c.failures,
		Duration:   time.Since(start),
	}
}
