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

const nodeColumns = `node_instance_id, instance_id, node_id, name, type, status,
		input, output, retry_count, error_message, created_at, started_at, completed_at`

// NodeRepository handles database operations for node instances
type NodeRepository struct {
	db *db.DB
}

// NewNodeRepository creates a new node instance repository
func NewNodeRepository(database *db.DB) *NodeRepository {
	return &NodeRepository{db: database}
}

// Create inserts a new node instance
func (r *NodeRepository) Create(ctx context.Context, node *models.NodeInstance) error {
	query := `
		INSERT INTO node_instance (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		node.NodeInstanceID,
		node.InstanceID,
		node.NodeID,
		node.Name,
		node.Type,
		node.Status,
		node.Input,
		node.Output,
		node.RetryCount,
		node.ErrorMessage,
		node.CreatedAt,
		node.StartedAt,
		node.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create node instance: %w", err)
	}

	return nil
}

// Get retrieves a node instance by its ID
func (r *NodeRepository) Get(ctx context.Context, nodeInstanceID uuid.UUID) (*models.NodeInstance, error) {
	query := `SELECT ` + nodeColumns + ` FROM node_instance WHERE node_instance_id = $1`

	node := &models.NodeInstance{}
	err := r.db.QueryRow(ctx, query, nodeInstanceID).Scan(
		&node.NodeInstanceID,
		&node.InstanceID,
		&node.NodeID,
		&node.Name,
		&node.Type,
		&node.Status,
		&node.Input,
		&node.Output,
		&node.RetryCount,
		&node.ErrorMessage,
		&node.CreatedAt,
		&node.StartedAt,
		&node.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flowerr.Newf(flowerr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node instance: %w", err)
	}

	return node, nil
}

// SetRunning marks a node instance running and records its input envelope
func (r *NodeRepository) SetRunning(ctx context.Context, nodeInstanceID uuid.UUID, input json.RawMessage) error {
	query := `
		UPDATE node_instance
		SET status = 'RUNNING', input = $2, started_at = now()
		WHERE node_instance_id = $1
	`

	_, err := r.db.Exec(ctx, query, nodeInstanceID, input)
	if err != nil {
		return fmt.Errorf("failed to set node running: %w", err)
	}

	return nil
}

// SetCompleted records a node instance's aggregated output
func (r *NodeRepository) SetCompleted(ctx context.Context, nodeInstanceID uuid.UUID, output json.RawMessage) error {
	query := `
		UPDATE node_instance
		SET status = 'COMPLETED', output = $2, completed_at = now()
		WHERE node_instance_id = $1
	`

	_, err := r.db.Exec(ctx, query, nodeInstanceID, output)
	if err != nil {
		return fmt.Errorf("failed to set node completed: %w", err)
	}

	return nil
}

// SetFailed records a node instance failure
func (r *NodeRepository) SetFailed(ctx context.Context, nodeInstanceID uuid.UUID, errorMessage string) error {
	query := `
		UPDATE node_instance
		SET status = 'FAILED', error_message = $2, completed_at = now()
		WHERE node_instance_id = $1
	`

	_, err := r.db.Exec(ctx, query, nodeInstanceID, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to set node failed: %w", err)
	}

	return nil
}

// UpdateStatus updates a node instance status (cascade cancellations)
func (r *NodeRepository) UpdateStatus(ctx context.Context, nodeInstanceID uuid.UUID, status models.NodeStatus) error {
	query := `
		UPDATE node_instance
		SET status = $2
		WHERE node_instance_id = $1
	`

	_, err := r.db.Exec(ctx, query, nodeInstanceID, status)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}

	return nil
}

// IncrementRetry bumps the retry counter and returns the new count
func (r *NodeRepository) IncrementRetry(ctx context.Context, nodeInstanceID uuid.UUID) (int, error) {
	query := `
		UPDATE node_instance
		SET retry_count = retry_count + 1, status = 'RUNNING', error_message = NULL, completed_at = NULL
		WHERE node_instance_id = $1
		RETURNING retry_count
	`

	var count int
	if err := r.db.QueryRow(ctx, query, nodeInstanceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment node retry: %w", err)
	}

	return count, nil
}

// ListByInstance retrieves every node instance of a run
func (r *NodeRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.NodeInstance, error) {
	query := `SELECT ` + nodeColumns + `
		FROM node_instance
		WHERE instance_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node instances: %w", err)
	}
	defer rows.Close()

	var nodes []*models.NodeInstance
	for rows.Next() {
		node := &models.NodeInstance{}
		err := rows.Scan(
			&node.NodeInstanceID,
			&node.InstanceID,
			&node.NodeID,
			&node.Name,
			&node.Type,
			&node.Status,
			&node.Input,
			&node.Output,
			&node.RetryCount,
			&node.ErrorMessage,
			&node.CreatedAt,
			&node.StartedAt,
			&node.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node instance: %w", err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node instances: %w", err)
	}

	return nodes, nil
}

// CancelNonTerminal cancels every node instance of a run that has not
// reached a terminal status. Returns the number of rows affected.
func (r *NodeRepository) CancelNonTerminal(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	query := `
		UPDATE node_instance
		SET status = 'CANCELLED', completed_at = now()
		WHERE instance_id = $1
		  AND status IN ('PENDING', 'RUNNING')
	`

	tag, err := r.db.Exec(ctx, query, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel node instances: %w", err)
	}

	return tag.RowsAffected(), nil
}
