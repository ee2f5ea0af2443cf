package refresh

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

// Scheduler refreshes independent views concurrently.
type Scheduler struct {
	engine *Engine
	limit  int
	logger log.Logger
}

func NewScheduler(e *Engine, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scheduler{
		engine: e,
		limit:  e.cfg.MaxConcurrentRefreshes,
		logger: log.With(logger, "component", "scheduler"),
	}
}

// RefreshAll refreshes every view, at most MaxConcurrentRefreshes at a time.
// The first failure cancels the cycles that have not been applied yet; views
// already refreshed keep their new state. results[i] belongs to views[i] and
// is nil for views that were not refreshed.
func (s *Scheduler) RefreshAll(ctx context.Context, views []*View) ([]*Result, error) {
	seen := make(map[string]bool, len(views))
	for _, v := range views {
		if seen[v.Name] {
			return nil, fmt.Errorf("view %s scheduled twice", v.Name)
		}
		seen[v.Name] = true
	}

	results := make([]*Result, len(views))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, v := range views {
		g.Go(func() error {
			res, err := s.engine.Refresh(ctx, v)
			if err != nil {
				return fmt.Errorf("refreshing %s: %w", v.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		level.Error(s.logger).Log("msg", "refresh round failed", "views", len(views), "err", err)
	}
	return results, err
}
