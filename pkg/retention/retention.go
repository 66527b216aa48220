// Package retention runs the scheduled pruning of old command records and
// host status history.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/woly-net/woly/pkg/command"
	"github.com/woly-net/woly/pkg/hosts"
)

// Worker prunes on a cron schedule until its context is cancelled.
type Worker struct {
	schedule  string
	retention time.Duration
	commands  command.Store
	hosts     *hosts.Aggregator
	logger    *slog.Logger
}

// NewWorker creates a retention worker. Schedule is a cron expression;
// retentionDays applies to both commands and status history.
func NewWorker(schedule string, retentionDays int, commands command.Store, aggregator *hosts.Aggregator, logger *slog.Logger) (*Worker, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", schedule)
	}
	return &Worker{
		schedule:  schedule,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		commands:  commands,
		hosts:     aggregator,
		logger:    logger.With("component", "retention"),
	}, nil
}

// Run blocks until ctx is cancelled, pruning at each schedule tick.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("retention worker started", "schedule", w.schedule, "retention", w.retention)
	for {
		next, err := gronx.NextTick(w.schedule, false)
		if err != nil {
			w.logger.Error("failed to compute next retention tick", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped")
			return
		case <-time.After(time.Until(next)):
			w.prune(ctx)
		}
	}
}

func (w *Worker) prune(ctx context.Context) {
	if n, err := w.commands.PruneOldCommands(ctx, w.retention); err != nil {
		w.logger.Error("command prune failed", "error", err)
	} else if n > 0 {
		w.logger.Info("pruned old commands", "removed", n)
	}

	if n, err := w.hosts.PruneHostStatusHistory(ctx, w.retention); err != nil {
		w.logger.Error("status history prune failed", "error", err)
	} else if n > 0 {
		w.logger.Info("pruned host status history", "removed", n)
	}
}
