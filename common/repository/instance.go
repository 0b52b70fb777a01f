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

const instanceColumns = `instance_id, template_version_id, template_base_id, executor_id, name,
		status, input, context, output, summary, error_message, created_at, started_at, completed_at`

// InstanceRepository handles database operations for workflow instances
type InstanceRepository struct {
	db *db.DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(database *db.DB) *InstanceRepository {
	return &InstanceRepository{db: database}
}

// Create inserts a new workflow instance
func (r *InstanceRepository) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instance (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		inst.InstanceID,
		inst.TemplateVersionID,
		inst.TemplateBaseID,
		inst.ExecutorID,
		inst.Name,
		inst.Status,
		inst.Input,
		inst.Context,
		inst.Output,
		inst.Summary,
		inst.ErrorMessage,
		inst.CreatedAt,
		inst.StartedAt,
		inst.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

// Get retrieves an instance by its ID
func (r *InstanceRepository) Get(ctx context.Context, instanceID uuid.UUID) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instance WHERE instance_id = $1`

	inst := &models.WorkflowInstance{}
	err := r.db.QueryRow(ctx, query, instanceID).Scan(
		&inst.InstanceID,
		&inst.TemplateVersionID,
		&inst.TemplateBaseID,
		&inst.ExecutorID,
		&inst.Name,
		&inst.Status,
		&inst.Input,
		&inst.Context,
		&inst.Output,
		&inst.Summary,
		&inst.ErrorMessage,
		&inst.CreatedAt,
		&inst.StartedAt,
		&inst.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flowerr.Newf(flowerr.KindNotFound, "workflow instance %s not found", instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return inst, nil
}

// UpdateStatus updates the status of an instance
func (r *InstanceRepository) UpdateStatus(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus) error {
	query := `
		UPDATE workflow_instance
		SET status = $2
		WHERE instance_id = $1
	`

	_, err := r.db.Exec(ctx, query, instanceID, status)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}

	return nil
}

// UpdateContext persists the merged workflow-global context
func (r *InstanceRepository) UpdateContext(ctx context.Context, instanceID uuid.UUID, context json.RawMessage) error {
	query := `
		UPDATE workflow_instance
		SET context = $2
		WHERE instance_id = $1
	`

	_, err := r.db.Exec(ctx, query, instanceID, context)
	if err != nil {
		return fmt.Errorf("failed to update instance context: %w", err)
	}

	return nil
}

// Finalize records an instance's terminal outcome
func (r *InstanceRepository) Finalize(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus, output, summary json.RawMessage, errorMessage *string) error {
	query := `
		UPDATE workflow_instance
		SET status = $2, output = $3, summary = $4, error_message = $5, completed_at = now()
		WHERE instance_id = $1
	`

	_, err := r.db.Exec(ctx, query, instanceID, status, output, summary, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize instance: %w", err)
	}

	return nil
}

// ListActiveFor retrieves non-terminal instances of a template base
// owned by one executor (the duplicate-execution check)
func (r *InstanceRepository) ListActiveFor(ctx context.Context, templateBaseID, executorID uuid.UUID) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instance
		WHERE template_base_id = $1
		  AND executor_id = $2
		  AND status IN ('PENDING', 'RUNNING', 'PAUSED')
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, templateBaseID, executorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		inst := &models.WorkflowInstance{}
		err := rows.Scan(
			&inst.InstanceID,
			&inst.TemplateVersionID,
			&inst.TemplateBaseID,
			&inst.ExecutorID,
			&inst.Name,
			&inst.Status,
			&inst.Input,
			&inst.Context,
			&inst.Output,
			&inst.Summary,
			&inst.ErrorMessage,
			&inst.CreatedAt,
			&inst.StartedAt,
			&inst.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}
