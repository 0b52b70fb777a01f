package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/flowcore/common/cache"
	"github.com/lyzr/flowcore/common/db"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

// WorkflowRepository handles database operations for workflow templates
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// GetLatestVersion retrieves the newest version of a template base
func (r *WorkflowRepository) GetLatestVersion(ctx context.Context, templateBaseID uuid.UUID) (*models.WorkflowTemplate, error) {
	query := `
		SELECT template_version_id, template_base_id, name, version, created_at
		FROM workflow_template
		WHERE template_base_id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	tpl := &models.WorkflowTemplate{}
	err := r.db.QueryRow(ctx, query, templateBaseID).Scan(
		&tpl.TemplateVersionID,
		&tpl.TemplateBaseID,
		&tpl.Name,
		&tpl.Version,
		&tpl.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flowerr.Newf(flowerr.KindNotFound, "workflow template %s not found", templateBaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest template version: %w", err)
	}

	if err := r.loadGraph(ctx, tpl); err != nil {
		return nil, err
	}

	return tpl, nil
}

// GetVersion retrieves one immutable template version
func (r *WorkflowRepository) GetVersion(ctx context.Context, templateVersionID uuid.UUID) (*models.WorkflowTemplate, error) {
	query := `
		SELECT template_version_id, template_base_id, name, version, created_at
		FROM workflow_template
		WHERE template_version_id = $1
	`

	tpl := &models.WorkflowTemplate{}
	err := r.db.QueryRow(ctx, query, templateVersionID).Scan(
		&tpl.TemplateVersionID,
		&tpl.TemplateBaseID,
		&tpl.Name,
		&tpl.Version,
		&tpl.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flowerr.Newf(flowerr.KindNotFound, "template version %s not found", templateVersionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template version: %w", err)
	}

	if err := r.loadGraph(ctx, tpl); err != nil {
		return nil, err
	}

	return tpl, nil
}

// loadGraph attaches nodes, processors, and edges to a template header
func (r *WorkflowRepository) loadGraph(ctx context.Context, tpl *models.WorkflowTemplate) error {
	nodeQuery := `
		SELECT node_id, template_version_id, name, type, task_description, retry_limit
		FROM workflow_node
		WHERE template_version_id = $1
		ORDER BY position
	`

	rows, err := r.db.Query(ctx, nodeQuery, tpl.TemplateVersionID)
	if err != nil {
		return fmt.Errorf("failed to list template nodes: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]int)
	for rows.Next() {
		node := models.Node{}
		err := rows.Scan(
			&node.NodeID,
			&node.TemplateVersionID,
			&node.Name,
			&node.Type,
			&node.TaskDescription,
			&node.RetryLimit,
		)
		if err != nil {
			return fmt.Errorf("failed to scan template node: %w", err)
		}
		byID[node.NodeID] = len(tpl.Nodes)
		tpl.Nodes = append(tpl.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating template nodes: %w", err)
	}

	procQuery := `
		SELECT p.processor_id, p.node_id, p.kind, p.user_id, p.agent_id, p.name, p.tools_enabled
		FROM processor p
		JOIN workflow_node n ON n.node_id = p.node_id
		WHERE n.template_version_id = $1
		ORDER BY p.created_at
	`

	procRows, err := r.db.Query(ctx, procQuery, tpl.TemplateVersionID)
	if err != nil {
		return fmt.Errorf("failed to list template processors: %w", err)
	}
	defer procRows.Close()

	for procRows.Next() {
		p := models.Processor{}
		err := procRows.Scan(
			&p.ProcessorID,
			&p.NodeID,
			&p.Kind,
			&p.UserID,
			&p.AgentID,
			&p.Name,
			&p.ToolsEnabled,
		)
		if err != nil {
			return fmt.Errorf("failed to scan processor: %w", err)
		}
		if idx, ok := byID[p.NodeID]; ok {
			tpl.Nodes[idx].Processors = append(tpl.Nodes[idx].Processors, p)
		}
	}
	if err := procRows.Err(); err != nil {
		return fmt.Errorf("error iterating processors: %w", err)
	}

	edgeQuery := `
		SELECT from_node_id, to_node_id
		FROM workflow_edge
		WHERE template_version_id = $1
	`

	edgeRows, err := r.db.Query(ctx, edgeQuery, tpl.TemplateVersionID)
	if err != nil {
		return fmt.Errorf("failed to list template edges: %w", err)
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		e := models.Edge{}
		if err := edgeRows.Scan(&e.FromNodeID, &e.ToNodeID); err != nil {
			return fmt.Errorf("failed to scan edge: %w", err)
		}
		tpl.Edges = append(tpl.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return fmt.Errorf("error iterating edges: %w", err)
	}

	return nil
}

// CachedWorkflowRepository caches immutable version reads. Latest-version
// lookups always pass through: the newest version can change at any time.
type CachedWorkflowRepository struct {
	inner *WorkflowRepository
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedWorkflowRepository wraps a workflow repository with a version cache
func NewCachedWorkflowRepository(inner *WorkflowRepository, c cache.Cache, ttl time.Duration) *CachedWorkflowRepository {
	return &CachedWorkflowRepository{
		inner: inner,
		cache: c,
		ttl:   ttl,
	}
}

// GetLatestVersion passes through to the database
func (r *CachedWorkflowRepository) GetLatestVersion(ctx context.Context, templateBaseID uuid.UUID) (*models.WorkflowTemplate, error) {
	return r.inner.GetLatestVersion(ctx, templateBaseID)
}

// GetVersion serves immutable versions from cache when possible
func (r *CachedWorkflowRepository) GetVersion(ctx context.Context, templateVersionID uuid.UUID) (*models.WorkflowTemplate, error) {
	key := fmt.Sprintf("workflow:version:%s", templateVersionID)

	if data, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		tpl := &models.WorkflowTemplate{}
		if err := json.Unmarshal(data, tpl); err == nil {
			return tpl, nil
		}
		// Corrupt entry, fall through to the database
	}

	tpl, err := r.inner.GetVersion(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(tpl); err == nil {
		_ = r.cache.Set(ctx, key, data, r.ttl)
	}

	return tpl, nil
}
