// Package scheduler dispatches backfill tasks against a fetch orchestrator.
// Trade tasks and everything else get different dispatch policies: trade
// backfills for one source run sequentially (they hammer the heaviest
// endpoints, and ordering keeps the provider's rate budget predictable)
// while sources run in parallel with each other; candle, funding, and
// metadata tasks flatten into one bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-ohlcv-coverage/internal/backfill"
	"github.com/johnayoung/go-ohlcv-coverage/internal/metrics"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// DefaultWorkers bounds the flat worker pool for non-trade tasks.
const DefaultWorkers = 4

// MetadataSyncer refreshes symbol metadata from a provider. Wired in by
// deployments that track listing metadata; the scheduler fails sync tasks
// cleanly when absent.
type MetadataSyncer interface {
	SyncMetadata(ctx context.Context, key models.SeriesKey) error
}

// Config tunes a Scheduler.
type Config struct {
	// Workers bounds concurrent non-trade tasks. Zero selects
	// DefaultWorkers.
	Workers int

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Result summarizes one scheduling pass.
type Result struct {
	Completed int
	Failed    int
}

// Scheduler runs batches of tasks to completion, isolating per-task failures.
type Scheduler struct {
	filler  backfill.GapFiller
	syncer  MetadataSyncer
	workers int
	logger  *slog.Logger
	metrics *metrics.Registry
}

// New creates a Scheduler. The syncer may be nil when no deployment syncs
// metadata.
func New(filler backfill.GapFiller, syncer MetadataSyncer, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		filler:  filler,
		syncer:  syncer,
		workers: workers,
		logger:  logger.With("component", "scheduler"),
		metrics: cfg.Metrics,
	}
}

// Run executes all tasks and blocks until every one reaches a terminal
// status. Task structs are mutated in place through their lifecycle
// transitions. Returns the aggregate result; the error is non-nil only for
// invalid tasks or context cancellation.
func (s *Scheduler) Run(ctx context.Context, tasks []*models.Task) (*Result, error) {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("scheduler: invalid task %s: %w", t.ID, err)
		}
	}

	var tradeTasks, flatTasks []*models.Task
	for _, t := range tasks {
		if t.Kind == models.TaskBackfillTrades {
			tradeTasks = append(tradeTasks, t)
		} else {
			flatTasks = append(flatTasks, t)
		}
	}

	result := &Result{}
	var mu sync.Mutex
	record := func(t *models.Task, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failed++
			s.metrics.Inc(metrics.TasksFailed)
			if failErr := t.Fail(err.Error()); failErr != nil {
				s.logger.Warn("task state transition failed", "task", t.ID, "error", failErr)
			}
			s.logger.Warn("task failed", "task", t.ID, "kind", t.Kind.String(), "key", t.Key.String(), "error", err)
			return
		}
		result.Completed++
		s.metrics.Inc(metrics.TasksCompleted)
		if compErr := t.Complete(); compErr != nil {
			s.logger.Warn("task state transition failed", "task", t.ID, "error", compErr)
		}
	}

	grp, gctx := errgroup.WithContext(ctx)

	// Trade backfills: one lane per source, tasks within a lane in time
	// order.
	bySource := make(map[string][]*models.Task)
	for _, t := range tradeTasks {
		bySource[t.Key.Source] = append(bySource[t.Key.Source], t)
	}
	for _, lane := range bySource {
		lane := lane
		sort.Slice(lane, func(i, j int) bool {
			return lane[i].StartTime.Before(lane[j].StartTime)
		})
		grp.Go(func() error {
			for _, t := range lane {
				if err := gctx.Err(); err != nil {
					return err
				}
				record(t, s.execute(gctx, t))
			}
			return nil
		})
	}

	// Everything else: flat bounded pool.
	pool, pctx := errgroup.WithContext(gctx)
	pool.SetLimit(s.workers)
	grp.Go(func() error {
		for _, t := range flatTasks {
			t := t
			pool.Go(func() error {
				if err := pctx.Err(); err != nil {
					return err
				}
				record(t, s.execute(pctx, t))
				return nil
			})
		}
		return pool.Wait()
	})

	err := grp.Wait()
	s.logger.Info("scheduling pass finished",
		"completed", result.Completed,
		"failed", result.Failed,
		"total", len(tasks),
	)
	return result, err
}

// execute runs one task. The switch over TaskKind is exhaustive; an
// unrecognized kind is an error, never a silent skip.
func (s *Scheduler) execute(ctx context.Context, t *models.Task) error {
	if err := t.Start(); err != nil {
		return err
	}

	span := timerange.Range{Start: t.StartTime, End: t.EndTime}

	switch t.Kind {
	case models.TaskBackfillCandles, models.TaskBackfillTrades, models.TaskBackfillFunding:
		stats, err := s.filler.Run(ctx, t.Key, span)
		if err != nil {
			return err
		}
		if err := t.IncrementRecordsCollected(stats.RecordsStored); err != nil {
			return err
		}
		if stats.GapsAbandoned > 0 {
			return fmt.Errorf("backfill left %d of %d gaps open", stats.GapsAbandoned, stats.GapsFound)
		}
		return nil

	case models.TaskSyncMetadata:
		if s.syncer == nil {
			return fmt.Errorf("no metadata syncer configured")
		}
		return s.syncer.SyncMetadata(ctx, t.Key)

	default:
		return fmt.Errorf("unhandled task kind %d", t.Kind)
	}
}
