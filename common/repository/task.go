package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/flowcore/common/db"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

const taskColumns = `task_id, node_instance_id, instance_id, title, description, type, status,
		assigned_user_id, assigned_agent_id, tools_enabled, input, context, output, result_summary,
		error_message, estimated_duration_minutes, actual_duration_minutes, created_at, started_at, completed_at`

// TaskRepository handles database operations for task instances
type TaskRepository struct {
	db *db.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(database *db.DB) *TaskRepository {
	return &TaskRepository{db: database}
}

func scanTask(row pgx.Row) (*models.TaskInstance, error) {
	task := &models.TaskInstance{}
	err := row.Scan(
		&task.TaskID,
		&task.NodeInstanceID,
		&task.InstanceID,
		&task.Title,
		&task.Description,
		&task.Type,
		&task.Status,
		&task.AssignedUserID,
		&task.AssignedAgentID,
		&task.ToolsEnabled,
		&task.Input,
		&task.Context,
		&task.Output,
		&task.ResultSummary,
		&task.ErrorMessage,
		&task.EstimatedDurationMinutes,
		&task.ActualDurationMinutes,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Create inserts a new task instance
func (r *TaskRepository) Create(ctx context.Context, task *models.TaskInstance) error {
	query := `
		INSERT INTO task_instance (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		task.TaskID,
		task.NodeInstanceID,
		task.InstanceID,
		task.Title,
		task.Description,
		task.Type,
		task.Status,
		task.AssignedUserID,
		task.AssignedAgentID,
		task.ToolsEnabled,
		task.Input,
		task.Context,
		task.Output,
		task.ResultSummary,
		task.ErrorMessage,
		task.EstimatedDurationMinutes,
		task.ActualDurationMinutes,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// Get retrieves a task by its ID
func (r *TaskRepository) Get(ctx context.Context, taskID uuid.UUID) (*models.TaskInstance, error) {
	query := `SELECT ` + taskColumns + ` FROM task_instance WHERE task_id = $1`

	task, err := scanTask(r.db.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flowerr.Newf(flowerr.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// SetInProgress marks a task as picked up for execution
func (r *TaskRepository) SetInProgress(ctx context.Context, taskID uuid.UUID) error {
	query := `
		UPDATE task_instance
		SET status = 'IN_PROGRESS', started_at = now()
		WHERE task_id = $1
	`

	_, err := r.db.Exec(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("failed to set task in progress: %w", err)
	}

	return nil
}

// SetCompleted records a task's successful result
func (r *TaskRepository) SetCompleted(ctx context.Context, taskID uuid.UUID, output json.RawMessage, resultSummary *string, durationMinutes *int) error {
	query := `
		UPDATE task_instance
		SET status = 'COMPLETED', output = $2, result_summary = $3,
		    actual_duration_minutes = $4, completed_at = now()
		WHERE task_id = $1
	`

	_, err := r.db.Exec(ctx, query, taskID, output, resultSummary, durationMinutes)
	if err != nil {
		return fmt.Errorf("failed to set task completed: %w", err)
	}

	return nil
}

// SetFailed records a task failure
func (r *TaskRepository) SetFailed(ctx context.Context, taskID uuid.UUID, errorMessage string) error {
	query := `
		UPDATE task_instance
		SET status = 'FAILED', error_message = $2, completed_at = now()
		WHERE task_id = $1
	`

	_, err := r.db.Exec(ctx, query, taskID, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to set task failed: %w", err)
	}

	return nil
}

// SetCancelled marks a task cancelled
func (r *TaskRepository) SetCancelled(ctx context.Context, taskID uuid.UUID) error {
	query := `
		UPDATE task_instance
		SET status = 'CANCELLED', completed_at = now()
		WHERE task_id = $1
	`

	_, err := r.db.Exec(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("failed to set task cancelled: %w", err)
	}

	return nil
}

// UpdateContext replaces a task's side-channel context payload
func (r *TaskRepository) UpdateContext(ctx context.Context, taskID uuid.UUID, context json.RawMessage) error {
	query := `
		UPDATE task_instance
		SET context = $2
		WHERE task_id = $1
	`

	_, err := r.db.Exec(ctx, query, taskID, context)
	if err != nil {
		return fmt.Errorf("failed to update task context: %w", err)
	}

	return nil
}

// ListByNodeInstance retrieves the tasks owned by one node instance
func (r *TaskRepository) ListByNodeInstance(ctx context.Context, nodeInstanceID uuid.UUID) ([]*models.TaskInstance, error) {
	query := `SELECT ` + taskColumns + `
		FROM task_instance
		WHERE node_instance_id = $1
		ORDER BY created_at
	`

	return r.list(ctx, query, nodeInstanceID)
}

// ListByInstance retrieves every task of a run
func (r *TaskRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.TaskInstance, error) {
	query := `SELECT ` + taskColumns + `
		FROM task_instance
		WHERE instance_id = $1
		ORDER BY created_at
	`

	return r.list(ctx, query, instanceID)
}

// ListPendingAgentTasks retrieves agent tasks that never reached the
// dispatcher queue (engine restart recovery)
func (r *TaskRepository) ListPendingAgentTasks(ctx context.Context, limit int) ([]*models.TaskInstance, error) {
	query := `SELECT ` + taskColumns + `
		FROM task_instance
		WHERE type = 'AGENT'
		  AND status = 'PENDING'
		ORDER BY created_at
		LIMIT $1
	`

	return r.list(ctx, query, limit)
}

// ListOrphaned retrieves non-terminal tasks whose owning instance has
// already reached a terminal status
func (r *TaskRepository) ListOrphaned(ctx context.Context, limit int) ([]*models.TaskInstance, error) {
	query := `SELECT ` + taskColumnsPrefixed("t") + `
		FROM task_instance t
		JOIN workflow_instance i ON i.instance_id = t.instance_id
		WHERE t.status IN ('PENDING', 'ASSIGNED', 'IN_PROGRESS')
		  AND i.status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY t.created_at
		LIMIT $1
	`

	return r.list(ctx, query, limit)
}

// CancelNonTerminal cancels every live task of a run. Returns the
// number of rows affected.
func (r *TaskRepository) CancelNonTerminal(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	query := `
		UPDATE task_instance
		SET status = 'CANCELLED', completed_at = now()
		WHERE instance_id = $1
		  AND status IN ('PENDING', 'ASSIGNED', 'IN_PROGRESS')
	`

	tag, err := r.db.Exec(ctx, query, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *TaskRepository) list(ctx context.Context, query string, args ...any) ([]*models.TaskInstance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskInstance
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func taskColumnsPrefixed(alias string) string {
	return alias + `.task_id, ` + alias + `.node_instance_id, ` + alias + `.instance_id, ` +
		alias + `.title, ` + alias + `.description, ` + alias + `.type, ` + alias + `.status, ` +
		alias + `.assigned_user_id, ` + alias + `.assigned_agent_id, ` + alias + `.tools_enabled, ` +
		alias + `.input, ` + alias + `.context, ` + alias + `.output, ` + alias + `.result_summary, ` +
		alias + `.error_message, ` + alias + `.estimated_duration_minutes, ` + alias + `.actual_duration_minutes, ` +
		alias + `.created_at, ` + alias + `.started_at, ` + alias + `.completed_at`
}
