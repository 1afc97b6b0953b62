// Package scheduler runs the named background tasks (§4.4). Each
// configured task instance gets its own cooperative loop goroutine, so
// distinct instances of the same kind run independently; there is no
// loop shared by all instances of a kind.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/queue"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/transfer"
)

// TaskResult is the outcome a Task reports back to the loop that ran
// it; a scheduler only logs and counts these, it never branches
// behavior on them beyond that (§4.4, "run(ctx) -> TaskResult").
type TaskResult struct {
	ItemsProcessed int
	Err            error
}

// RunContext is what every task's run(ctx) is handed (§4.4): the
// Catalog, Store Manager, Transfer Manager, Queue, Peer RPC, a
// deadline, and a structured logger.
type RunContext struct {
	context.Context
	Catalog  catalog.Catalog
	Stores   *store.Registry
	Transfer *transfer.Manager
	Queue      *queue.Queue
	Peers      peerrpc.Client
	DeadlineAt time.Time
	Log        zerolog.Logger
}

// PastDeadline is the per-batch check every task must make between
// work units (§4.4, §5).
func (rc *RunContext) PastDeadline() bool {
	return !rc.DeadlineAt.IsZero() && time.Now().After(rc.DeadlineAt)
}

// Task is the capability interface every task kind implements.
type Task interface {
	Run(rc *RunContext, opts config.TaskOptions) TaskResult
}

type Scheduler struct {
	cat      catalog.Catalog
	stores   *store.Registry
	transfer *transfer.Manager
	peers    peerrpc.Client
	log      zerolog.Logger

	registry map[config.TaskKind]Task

	runsTotal    *prometheus.CounterVec
	errsTotal    *prometheus.CounterVec
	itemsTotal   *prometheus.CounterVec
	durationSecs *prometheus.HistogramVec
}

func New(cat catalog.Catalog, stores *store.Registry, xfer *transfer.Manager, peers peerrpc.Client, log zerolog.Logger, reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		cat: cat, stores: stores, transfer: xfer, peers: peers,
		log:      log.With().Str("component", "scheduler").Logger(),
		registry: map[config.TaskKind]Task{},
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "librarian_task_runs_total", Help: "Task loop iterations by kind and task name.",
		}, []string{"kind", "task_name"}),
		errsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "librarian_task_errors_total", Help: "Task loop iterations that returned an error.",
		}, []string{"kind", "task_name"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "librarian_task_items_processed_total", Help: "Work units processed per task run.",
		}, []string{"kind", "task_name"}),
		durationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "librarian_task_run_duration_seconds", Help: "Wall-clock duration of a single task run.",
		}, []string{"kind", "task_name"}),
	}
	if reg != nil {
		reg.MustRegister(s.runsTotal, s.errsTotal, s.itemsTotal, s.durationSecs)
	}
	return s
}

func (s *Scheduler) Register(kind config.TaskKind, t Task) {
	s.registry[kind] = t
}

// Run launches one cooperative loop per configured task instance and
// blocks until ctx is cancelled. A configured kind with no registered
// implementation makes Run return a Configuration error without
// waiting for any loop.
func (s *Scheduler) Run(ctx context.Context, cfg *config.BackgroundConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for kind, instances := range cfg.Tasks {
		task, ok := s.registry[kind]
		if !ok {
			return cmn.New(cmn.KindConfiguration, "no task implementation registered for kind %q", kind)
		}
		for _, inst := range instances {
			inst := inst
			g.Go(func() error {
				s.loop(ctx, task, inst)
				return nil
			})
		}
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task, inst config.TaskInstance) {
	log := cmn.WithTask(s.log, string(inst.Kind), inst.Name)
	ticker := time.NewTicker(inst.Every.D())
	defer ticker.Stop()

	run := func() {
		start := time.Now()
		deadline := start.Add(inst.SoftTimeout.D())
		rc := &RunContext{
			Context: ctx, Catalog: s.cat, Stores: s.stores, Transfer: s.transfer,
			Queue: queue.New(s.cat), Peers: s.peers, DeadlineAt: deadline, Log: log,
		}
		result := task.Run(rc, inst.Options)
		s.runsTotal.WithLabelValues(string(inst.Kind), inst.Name).Inc()
		s.itemsTotal.WithLabelValues(string(inst.Kind), inst.Name).Add(float64(result.ItemsProcessed))
		s.durationSecs.WithLabelValues(string(inst.Kind), inst.Name).Observe(time.Since(start).Seconds())
		if result.Err != nil {
			s.errsTotal.WithLabelValues(string(inst.Kind), inst.Name).Inc()
			log.Error().Err(result.Err).Msg("task run failed")
		} else {
			log.Debug().Int("items", result.ItemsProcessed).Dur("took", time.Since(start)).Msg("task run completed")
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
