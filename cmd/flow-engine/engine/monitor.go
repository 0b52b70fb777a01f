package engine

import (
	"context"
	"time"

	"github.com/lyzr/flowcore/common/models"
)

const orphanScanBatch = 50

// monitor wakes periodically to surface deadline warnings, cancel
// orphaned tasks, and trigger a cleanup sweep
func (e *Engine) monitor(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Engine.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkDeadlines(ctx)
			e.cancelOrphanedTasks(ctx)
			e.cleanup.Sweep(ctx)
		}
	}
}

// checkDeadlines warns about instances past the configured wall-clock
// deadline. Advisory only; nothing is failed here.
func (e *Engine) checkDeadlines(ctx context.Context) {
	deadline := e.cfg.Engine.InstanceDeadline
	if deadline <= 0 {
		return
	}

	for _, cs := range e.manager.List() {
		if cs.Status.IsTerminal() {
			continue
		}

		inst, err := e.stores.Instances.Get(ctx, cs.InstanceID)
		if err != nil || inst.StartedAt == nil {
			continue
		}

		if elapsed := time.Since(*inst.StartedAt); elapsed > deadline {
			e.logger.Warn("instance past deadline",
				"instance_id", cs.InstanceID,
				"name", cs.Name,
				"elapsed", elapsed.Round(time.Second),
				"deadline", deadline)
		}
	}
}

// cancelOrphanedTasks cancels non-terminal tasks whose owning context
// no longer exists (crash leftovers, expired runs)
func (e *Engine) cancelOrphanedTasks(ctx context.Context) {
	orphans, err := e.stores.Tasks.ListOrphaned(ctx, orphanScanBatch)
	if err != nil {
		e.logger.Error("orphan scan failed", "error", err)
		return
	}

	cancelled := 0
	for _, task := range orphans {
		if _, live := e.manager.Get(task.InstanceID); live {
			continue
		}
		if task.AgentExecutable() {
			e.dispatcher.Cancel(task.TaskID)
		}
		if err := e.stores.Tasks.SetCancelled(ctx, task.TaskID); err != nil {
			e.logger.Warn("cancel orphaned task", "task_id", task.TaskID, "error", err)
			continue
		}
		e.metrics.TasksProcessed.WithLabelValues(string(task.Type), string(models.TaskStatusCancelled)).Inc()
		cancelled++
	}

	if cancelled > 0 {
		e.logger.Info("orphaned tasks cancelled", "count", cancelled)
	}
}
