package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

// TemplateLoader loads immutable template versions. The workflow
// repository satisfies this.
type TemplateLoader interface {
	GetVersion(ctx context.Context, templateVersionID uuid.UUID) (*models.WorkflowTemplate, error)
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Graph is the cached dependency view of one template version.
// Templates are immutable within a process, so a built graph never
// changes.
type Graph struct {
	TemplateVersionID uuid.UUID

	// Nodes in template order; adjacency keyed by node id
	Nodes   []models.Node
	Edges   []models.Edge
	byID    map[uuid.UUID]*models.Node
	orderOf map[uuid.UUID]int

	// Adjacency: from -> downstream, Reverse: to -> upstream
	Adjacency map[uuid.UUID][]uuid.UUID
	Reverse   map[uuid.UUID][]uuid.UUID

	StartNodes []uuid.UUID
	EndNodes   []uuid.UUID

	// Levels are Kahn waves: nodes in the same wave have no
	// dependency relation and may execute concurrently
	Levels [][]uuid.UUID
}

// Node returns the template node for an id, or nil
func (g *Graph) Node(nodeID uuid.UUID) *models.Node {
	return g.byID[nodeID]
}

// Upstream returns the one-hop predecessors of a node
func (g *Graph) Upstream(nodeID uuid.UUID) []uuid.UUID {
	return g.Reverse[nodeID]
}

// Downstream returns the one-hop successors of a node
func (g *Graph) Downstream(nodeID uuid.UUID) []uuid.UUID {
	return g.Adjacency[nodeID]
}

// Order returns the template position of a node, used for stable
// tie-breaking inside waves
func (g *Graph) Order(nodeID uuid.UUID) int {
	return g.orderOf[nodeID]
}

// ValidationResult reports cycle detection over one template version
type ValidationResult struct {
	IsValid bool
	Cycles  [][]uuid.UUID
}

// ReadyCheck pairs a node with the upstream evidence that made it
// ready (or not)
type ReadyCheck struct {
	NodeID    uuid.UUID
	Required  []uuid.UUID
	Completed []uuid.UUID
}

// Stats exposes cache behavior for observability
type Stats struct {
	Graphs  int
	Hits    int64
	Misses  int64
	HitRate float64
}

// Tracker answers dependency questions over immutable template graphs.
// Graphs build lazily on first access and stay cached; reads take the
// shared lock, builds take the exclusive one.
type Tracker struct {
	loader TemplateLoader
	logger Logger

	mu     sync.RWMutex
	graphs map[uuid.UUID]*Graph

	// group collapses concurrent cold misses for one version into a
	// single template load
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewTracker creates a dependency tracker over a template loader
func NewTracker(loader TemplateLoader, logger Logger) *Tracker {
	return &Tracker{
		loader: loader,
		logger: logger,
		graphs: make(map[uuid.UUID]*Graph),
	}
}

// BuildGraph returns the cached graph for a template version, building
// it on first access
func (t *Tracker) BuildGraph(ctx context.Context, templateVersionID uuid.UUID) (*Graph, error) {
	t.mu.RLock()
	g, ok := t.graphs[templateVersionID]
	t.mu.RUnlock()

	if ok {
		t.hits.Add(1)
		return g, nil
	}
	t.misses.Add(1)

	v, err, _ := t.group.Do(templateVersionID.String(), func() (interface{}, error) {
		// A flight that queued behind the builder finds it cached
		t.mu.RLock()
		g, ok := t.graphs[templateVersionID]
		t.mu.RUnlock()
		if ok {
			return g, nil
		}

		tpl, err := t.loader.GetVersion(ctx, templateVersionID)
		if err != nil {
			return nil, fmt.Errorf("load template for graph: %w", err)
		}

		g = buildGraph(tpl)

		t.mu.Lock()
		t.graphs[templateVersionID] = g
		t.mu.Unlock()

		t.logger.Debug("dependency graph built",
			"template_version_id", templateVersionID,
			"nodes", len(g.Nodes),
			"edges", len(g.Edges),
			"levels", len(g.Levels))

		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Graph), nil
}

// Upstream returns the one-hop predecessors of a node
func (t *Tracker) Upstream(ctx context.Context, templateVersionID, nodeID uuid.UUID) ([]uuid.UUID, error) {
	g, err := t.BuildGraph(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}
	if g.Node(nodeID) == nil {
		return nil, flowerr.Newf(flowerr.KindNotFound, "node %s not in template %s", nodeID, templateVersionID)
	}
	return g.Upstream(nodeID), nil
}

// Downstream returns the one-hop successors of a node
func (t *Tracker) Downstream(ctx context.Context, templateVersionID, nodeID uuid.UUID) ([]uuid.UUID, error) {
	g, err := t.BuildGraph(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}
	if g.Node(nodeID) == nil {
		return nil, flowerr.Newf(flowerr.KindNotFound, "node %s not in template %s", nodeID, templateVersionID)
	}
	return g.Downstream(nodeID), nil
}

// Validate runs cycle detection over a template version. Any back edge
// fails the template with the offending cycle path.
func (t *Tracker) Validate(ctx context.Context, templateVersionID uuid.UUID) (*ValidationResult, error) {
	g, err := t.BuildGraph(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}

	cycles := findCycles(g)
	return &ValidationResult{
		IsValid: len(cycles) == 0,
		Cycles:  cycles,
	}, nil
}

// ExecutionOrder returns Kahn waves: nodes whose upstream sets resolve
// in the same step are returned together
func (t *Tracker) ExecutionOrder(ctx context.Context, templateVersionID uuid.UUID) ([][]uuid.UUID, error) {
	g, err := t.BuildGraph(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}
	if len(g.Levels) == 0 && len(g.Nodes) > 0 {
		return nil, flowerr.Newf(flowerr.KindCycleDetected, "template %s has no valid execution order", templateVersionID)
	}
	return g.Levels, nil
}

// ReadyNodes returns the nodes whose upstream set is a subset of
// completed and which are not themselves completed
func (t *Tracker) ReadyNodes(ctx context.Context, templateVersionID uuid.UUID, completed map[uuid.UUID]bool) ([]ReadyCheck, error) {
	g, err := t.BuildGraph(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}

	var ready []ReadyCheck
	for i := range g.Nodes {
		nodeID := g.Nodes[i].NodeID
		if completed[nodeID] {
			continue
		}

		required := g.Upstream(nodeID)
		satisfied := make([]uuid.UUID, 0, len(required))
		ok := true
		for _, up := range required {
			if !completed[up] {
				ok = false
				break
			}
			satisfied = append(satisfied, up)
		}
		if ok {
			ready = append(ready, ReadyCheck{
				NodeID:    nodeID,
				Required:  required,
				Completed: satisfied,
			})
		}
	}

	return ready, nil
}

// Invalidate drops one cached graph
func (t *Tracker) Invalidate(templateVersionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.graphs, templateVersionID)
}

// Reset drops every cached graph
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.graphs = make(map[uuid.UUID]*Graph)
}

// Stats returns cache statistics
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	graphs := len(t.graphs)
	t.mu.RUnlock()

	hits := t.hits.Load()
	misses := t.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return Stats{
		Graphs:  graphs,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// HitRate is the pull-style gauge hook for the metrics registry
func (t *Tracker) HitRate() float64 {
	return t.Stats().HitRate
}

func buildGraph(tpl *models.WorkflowTemplate) *Graph {
	g := &Graph{
		TemplateVersionID: tpl.TemplateVersionID,
		Nodes:             tpl.Nodes,
		Edges:             tpl.Edges,
		byID:              make(map[uuid.UUID]*models.Node, len(tpl.Nodes)),
		orderOf:           make(map[uuid.UUID]int, len(tpl.Nodes)),
		Adjacency:         make(map[uuid.UUID][]uuid.UUID),
		Reverse:           make(map[uuid.UUID][]uuid.UUID),
	}

	for i := range tpl.Nodes {
		node := &tpl.Nodes[i]
		g.byID[node.NodeID] = node
		g.orderOf[node.NodeID] = i
	}

	for _, e := range tpl.Edges {
		g.Adjacency[e.FromNodeID] = append(g.Adjacency[e.FromNodeID], e.ToNodeID)
		g.Reverse[e.ToNodeID] = append(g.Reverse[e.ToNodeID], e.FromNodeID)
	}

	for i := range tpl.Nodes {
		nodeID := tpl.Nodes[i].NodeID
		if len(g.Reverse[nodeID]) == 0 {
			g.StartNodes = append(g.StartNodes, nodeID)
		}
		if len(g.Adjacency[nodeID]) == 0 {
			g.EndNodes = append(g.EndNodes, nodeID)
		}
	}

	g.Levels = kahnLevels(g)
	return g
}

// kahnLevels computes BFS execution waves. On a cyclic graph the
// remaining nodes never reach in-degree zero and the result covers
// only the acyclic prefix; Validate reports the cycle itself.
func kahnLevels(g *Graph) [][]uuid.UUID {
	inDegree := make(map[uuid.UUID]int, len(g.Nodes))
	for i := range g.Nodes {
		inDegree[g.Nodes[i].NodeID] = len(g.Reverse[g.Nodes[i].NodeID])
	}

	// Wave zero: template-ordered nodes with no upstream
	var wave []uuid.UUID
	for i := range g.Nodes {
		if inDegree[g.Nodes[i].NodeID] == 0 {
			wave = append(wave, g.Nodes[i].NodeID)
		}
	}

	var levels [][]uuid.UUID
	for len(wave) > 0 {
		levels = append(levels, wave)

		next := make(map[uuid.UUID]bool)
		for _, nodeID := range wave {
			for _, down := range g.Adjacency[nodeID] {
				inDegree[down]--
				if inDegree[down] == 0 {
					next[down] = true
				}
			}
		}

		wave = nil
		for i := range g.Nodes {
			if next[g.Nodes[i].NodeID] {
				wave = append(wave, g.Nodes[i].NodeID)
			}
		}
	}

	return levels
}

// findCycles runs DFS with a recursion stack and returns each cycle
// path found
func findCycles(g *Graph) [][]uuid.UUID {
	visited := make(map[uuid.UUID]bool)
	onStack := make(map[uuid.UUID]bool)
	var stack []uuid.UUID
	var cycles [][]uuid.UUID

	var visit func(nodeID uuid.UUID)
	visit = func(nodeID uuid.UUID) {
		visited[nodeID] = true
		onStack[nodeID] = true
		stack = append(stack, nodeID)

		for _, down := range g.Adjacency[nodeID] {
			if !visited[down] {
				visit(down)
			} else if onStack[down] {
				// Back edge: slice the cycle out of the stack
				for i, id := range stack {
					if id == down {
						cycle := make([]uuid.UUID, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		onStack[nodeID] = false
		stack = stack[:len(stack)-1]
	}

	for i := range g.Nodes {
		if !visited[g.Nodes[i].NodeID] {
			visit(g.Nodes[i].NodeID)
		}
	}

	return cycles
}
