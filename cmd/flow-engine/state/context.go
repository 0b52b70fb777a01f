package state

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// NodeRef names one node instance of a run
type NodeRef struct {
	NodeID         uuid.UUID
	NodeInstanceID uuid.UUID
}

// ReadyCallback receives newly-ready nodes after a completion.
// Invoked outside the context lock.
type ReadyCallback func(instanceID uuid.UUID, ready []NodeRef)

// UpstreamContext is the copied view handed to task materialization
type UpstreamContext struct {
	ImmediateUpstream map[string]json.RawMessage
	WorkflowGlobal    json.RawMessage
	UpstreamCount     int
}

// ContextStatus is the copied status view of one context
type ContextStatus struct {
	InstanceID uuid.UUID
	Status     models.InstanceStatus
	TotalNodes int
	Completed  int
	Executing  int
	Pending    int
	Failed     int
	Cancelled  int
}

// nodeEntry is the registration record of one node instance
type nodeEntry struct {
	nodeID         uuid.UUID
	nodeInstanceID uuid.UUID
	upstream       []uuid.UUID
	seq            int
}

// Context is the authoritative in-memory scheduling state of one
// workflow instance. All mutations run under the single mutex; the
// ready callback fires after unlock so no I/O ever happens under it.
type Context struct {
	InstanceID        uuid.UUID
	TemplateVersionID uuid.UUID
	ExecutorID        uuid.UUID
	Name              string

	mu sync.Mutex

	status models.InstanceStatus
	closed bool

	// byInstance: node_instance_id -> entry; byNode: node_id -> entry
	byInstance map[uuid.UUID]*nodeEntry
	byNode     map[uuid.UUID]*nodeEntry
	seq        int

	// downstream is derived from registered upstream sets
	downstream map[uuid.UUID][]uuid.UUID

	completed map[uuid.UUID]bool
	executing map[uuid.UUID]bool
	failed    map[uuid.UUID]bool
	cancelled map[uuid.UUID]bool

	nodeOutputs map[uuid.UUID]json.RawMessage

	// globalContext starts as the workflow input merged with caller
	// context and accretes completed node outputs via merge patch
	globalContext json.RawMessage

	readyCallback ReadyCallback
	lastTouched   time.Time
	logger        Logger
}

// NewContext creates the scheduling state for one run
func NewContext(instanceID, templateVersionID, executorID uuid.UUID, name string, logger Logger) *Context {
	return &Context{
		InstanceID:        instanceID,
		TemplateVersionID: templateVersionID,
		ExecutorID:        executorID,
		Name:              name,
		status:            models.InstanceStatusRunning,
		byInstance:        make(map[uuid.UUID]*nodeEntry),
		byNode:            make(map[uuid.UUID]*nodeEntry),
		downstream:        make(map[uuid.UUID][]uuid.UUID),
		completed:         make(map[uuid.UUID]bool),
		executing:         make(map[uuid.UUID]bool),
		failed:            make(map[uuid.UUID]bool),
		cancelled:         make(map[uuid.UUID]bool),
		nodeOutputs:       make(map[uuid.UUID]json.RawMessage),
		lastTouched:       time.Now(),
		logger:            logger,
	}
}

// SetReadyCallback registers the newly-ready delivery target
func (c *Context) SetReadyCallback(cb ReadyCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyCallback = cb
}

// SetGlobalContext seeds the workflow-global payload
func (c *Context) SetGlobalContext(global json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalContext = global
}

// RegisterNode records a node instance with its upstream set.
// Duplicate registrations fail; the node set of a run is fixed at start.
func (c *Context) RegisterNode(nodeInstanceID, nodeID uuid.UUID, upstream []uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return flowerr.Newf(flowerr.KindIllegalState, "context %s closed", c.InstanceID)
	}
	if _, exists := c.byInstance[nodeInstanceID]; exists {
		return flowerr.Newf(flowerr.KindIllegalState, "node instance %s already registered", nodeInstanceID)
	}
	if _, exists := c.byNode[nodeID]; exists {
		return flowerr.Newf(flowerr.KindIllegalState, "node %s already registered", nodeID)
	}

	entry := &nodeEntry{
		nodeID:         nodeID,
		nodeInstanceID: nodeInstanceID,
		upstream:       append([]uuid.UUID(nil), upstream...),
		seq:            c.seq,
	}
	c.seq++

	c.byInstance[nodeInstanceID] = entry
	c.byNode[nodeID] = entry
	for _, up := range entry.upstream {
		c.downstream[up] = append(c.downstream[up], nodeID)
	}

	c.lastTouched = time.Now()
	return nil
}

// MarkNodeExecuting moves the node into the executing set. Returns
// false when the transition is a no-op (already executing, already
// terminal, unknown node, or closed context) — this is the
// single-flight guard for queue workers.
func (c *Context) MarkNodeExecuting(nodeID, nodeInstanceID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.status.IsTerminal() {
		return false
	}

	entry, ok := c.byNode[nodeID]
	if !ok || entry.nodeInstanceID != nodeInstanceID {
		return false
	}
	if c.completed[nodeID] || c.executing[nodeID] || c.failed[nodeID] || c.cancelled[nodeID] {
		return false
	}

	c.executing[nodeID] = true
	c.lastTouched = time.Now()
	return true
}

// MarkNodeCompleted transitions a node to completed, stores its output,
// merges object outputs into the global context, and derives the
// newly-ready set. Idempotent: a second call returns no delta and
// leaves the stored output untouched. The delta is returned and also
// delivered through the ready callback after the lock is released.
func (c *Context) MarkNodeCompleted(nodeID, nodeInstanceID uuid.UUID, output json.RawMessage) ([]NodeRef, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, flowerr.Newf(flowerr.KindIllegalState, "context %s closed", c.InstanceID)
	}

	entry, ok := c.byNode[nodeID]
	if !ok {
		c.mu.Unlock()
		return nil, flowerr.Newf(flowerr.KindNotFound, "node %s not registered", nodeID)
	}
	if entry.nodeInstanceID != nodeInstanceID {
		c.mu.Unlock()
		return nil, flowerr.Newf(flowerr.KindIllegalState,
			"node %s is owned by instance row %s, not %s", nodeID, entry.nodeInstanceID, nodeInstanceID)
	}

	if c.completed[nodeID] {
		c.mu.Unlock()
		return nil, nil
	}

	c.completed[nodeID] = true
	delete(c.executing, nodeID)
	c.nodeOutputs[nodeID] = output
	c.mergeGlobalLocked(output)

	ready := c.newlyReadyLocked(nodeID)
	c.lastTouched = time.Now()

	cb := c.readyCallback
	instanceID := c.InstanceID
	c.mu.Unlock()

	if cb != nil && len(ready) > 0 {
		cb(instanceID, ready)
	}

	return ready, nil
}

// MarkNodeFailed transitions a node to failed and cascades: every
// strict descendant not yet terminal moves to the cancelled set.
// Idempotent. Returns the cancelled descendants so the caller can
// persist their rows and suppress task creation.
func (c *Context) MarkNodeFailed(nodeID, nodeInstanceID uuid.UUID, errMsg string) ([]NodeRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, flowerr.Newf(flowerr.KindIllegalState, "context %s closed", c.InstanceID)
	}

	entry, ok := c.byNode[nodeID]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindNotFound, "node %s not registered", nodeID)
	}
	if entry.nodeInstanceID != nodeInstanceID {
		return nil, flowerr.Newf(flowerr.KindIllegalState,
			"node %s is owned by instance row %s, not %s", nodeID, entry.nodeInstanceID, nodeInstanceID)
	}

	if c.failed[nodeID] {
		return nil, nil
	}

	c.failed[nodeID] = true
	delete(c.executing, nodeID)

	c.logger.Warn("node failed",
		"instance_id", c.InstanceID,
		"node_id", nodeID,
		"error", errMsg)

	// Cascade over the transitive downstream closure
	var cancelled []NodeRef
	queue := append([]uuid.UUID(nil), c.downstream[nodeID]...)
	seen := make(map[uuid.UUID]bool)
	for len(queue) > 0 {
		down := queue[0]
		queue = queue[1:]
		if seen[down] {
			continue
		}
		seen[down] = true

		if c.completed[down] || c.failed[down] || c.cancelled[down] {
			continue
		}

		c.cancelled[down] = true
		delete(c.executing, down)
		if e, ok := c.byNode[down]; ok {
			cancelled = append(cancelled, NodeRef{NodeID: down, NodeInstanceID: e.nodeInstanceID})
		}
		queue = append(queue, c.downstream[down]...)
	}

	sort.Slice(cancelled, func(i, j int) bool {
		return c.byNode[cancelled[i].NodeID].seq < c.byNode[cancelled[j].NodeID].seq
	})

	c.lastTouched = time.Now()
	return cancelled, nil
}

// IsReadyToExecute reports whether every upstream of the node is
// completed and the node itself has not run
func (c *Context) IsReadyToExecute(nodeInstanceID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.status.IsTerminal() {
		return false
	}

	entry, ok := c.byInstance[nodeInstanceID]
	if !ok {
		return false
	}

	nodeID := entry.nodeID
	if c.completed[nodeID] || c.executing[nodeID] || c.failed[nodeID] || c.cancelled[nodeID] {
		return false
	}

	for _, up := range entry.upstream {
		if !c.completed[up] {
			return false
		}
	}
	return true
}

// UpstreamContext copies the immediate upstream outputs and the
// workflow-global payload for task materialization
func (c *Context) UpstreamContext(nodeInstanceID uuid.UUID) (*UpstreamContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, flowerr.Newf(flowerr.KindIllegalState, "context %s closed", c.InstanceID)
	}

	entry, ok := c.byInstance[nodeInstanceID]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindNotFound, "node instance %s not registered", nodeInstanceID)
	}

	upstream := make(map[string]json.RawMessage, len(entry.upstream))
	for _, up := range entry.upstream {
		if out, ok := c.nodeOutputs[up]; ok {
			cp := make(json.RawMessage, len(out))
			copy(cp, out)
			upstream[up.String()] = cp
		}
	}

	var global json.RawMessage
	if c.globalContext != nil {
		global = make(json.RawMessage, len(c.globalContext))
		copy(global, c.globalContext)
	}

	return &UpstreamContext{
		ImmediateUpstream: upstream,
		WorkflowGlobal:    global,
		UpstreamCount:     len(entry.upstream),
	}, nil
}

// NodeOutput returns a copy of one completed node's output
func (c *Context) NodeOutput(nodeID uuid.UUID) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, ok := c.nodeOutputs[nodeID]
	if !ok {
		return nil, false
	}
	cp := make(json.RawMessage, len(out))
	copy(cp, out)
	return cp, true
}

// GlobalContext returns a copy of the merged workflow-global payload
func (c *Context) GlobalContext() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.globalContext == nil {
		return nil
	}
	cp := make(json.RawMessage, len(c.globalContext))
	copy(cp, c.globalContext)
	return cp
}

// Status returns a copied status view
func (c *Context) Status() ContextStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(c.byInstance)
	return ContextStatus{
		InstanceID: c.InstanceID,
		Status:     c.status,
		TotalNodes: total,
		Completed:  len(c.completed),
		Executing:  len(c.executing),
		Pending:    total - len(c.completed) - len(c.executing) - len(c.failed) - len(c.cancelled),
		Failed:     len(c.failed),
		Cancelled:  len(c.cancelled),
	}
}

// InstanceStatus returns the in-memory instance status
func (c *Context) InstanceStatus() models.InstanceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus moves the in-memory instance status. Terminal statuses are
// sticky; PAUSED is only reachable from RUNNING.
func (c *Context) SetStatus(status models.InstanceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.IsTerminal() {
		if c.status == status {
			return nil
		}
		return flowerr.Newf(flowerr.KindIllegalState,
			"instance %s is %s, cannot move to %s", c.InstanceID, c.status, status)
	}
	if status == models.InstanceStatusPaused && c.status != models.InstanceStatusRunning {
		return flowerr.Newf(flowerr.KindIllegalState,
			"instance %s is %s, only RUNNING instances pause", c.InstanceID, c.status)
	}

	c.status = status
	c.lastTouched = time.Now()
	return nil
}

// AllNodesCompleted reports whether every registered node completed
func (c *Context) AllNodesCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byInstance) > 0 && len(c.completed) == len(c.byInstance)
}

// HasFailedNodes reports whether any node failed
func (c *Context) HasFailedNodes() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failed) > 0
}

// RegisteredNodes returns the node refs in registration order
func (c *Context) RegisteredNodes() []NodeRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	refs := make([]NodeRef, 0, len(c.byInstance))
	for _, entry := range c.byInstance {
		refs = append(refs, NodeRef{NodeID: entry.nodeID, NodeInstanceID: entry.nodeInstanceID})
	}
	sort.Slice(refs, func(i, j int) bool {
		return c.byNode[refs[i].NodeID].seq < c.byNode[refs[j].NodeID].seq
	})
	return refs
}

// StartNodes returns the registered nodes with empty upstream sets,
// in registration order. Ready by construction when the run starts.
func (c *Context) StartNodes() []NodeRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	var refs []NodeRef
	for _, entry := range c.byInstance {
		if len(entry.upstream) == 0 {
			refs = append(refs, NodeRef{NodeID: entry.nodeID, NodeInstanceID: entry.nodeInstanceID})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		return c.byNode[refs[i].NodeID].seq < c.byNode[refs[j].NodeID].seq
	})
	return refs
}

// LastTouched reports the most recent state change, for TTL sweeps
func (c *Context) LastTouched() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTouched
}

// Closed reports whether Cleanup ran
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Cleanup releases all references. Subsequent mutations fail.
func (c *Context) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.byInstance = nil
	c.byNode = nil
	c.downstream = nil
	c.nodeOutputs = nil
	c.globalContext = nil
	c.readyCallback = nil
}

// newlyReadyLocked derives the Δ-set after nodeID completed: downstream
// nodes whose upstream sets are now fully completed, in registration
// order. Caller holds the lock.
func (c *Context) newlyReadyLocked(nodeID uuid.UUID) []NodeRef {
	var ready []NodeRef
	for _, down := range c.downstream[nodeID] {
		if c.completed[down] || c.executing[down] || c.failed[down] || c.cancelled[down] {
			continue
		}
		entry := c.byNode[down]
		allDone := true
		for _, up := range entry.upstream {
			if !c.completed[up] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, NodeRef{NodeID: down, NodeInstanceID: entry.nodeInstanceID})
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return c.byNode[ready[i].NodeID].seq < c.byNode[ready[j].NodeID].seq
	})
	return ready
}

// mergeGlobalLocked folds a JSON-object output into the global context
// via RFC 7386 merge patch. Scalar and array outputs stay per-node.
// Caller holds the lock.
func (c *Context) mergeGlobalLocked(output json.RawMessage) {
	if !isJSONObject(output) {
		return
	}

	if c.globalContext == nil || !isJSONObject(c.globalContext) {
		cp := make(json.RawMessage, len(output))
		copy(cp, output)
		c.globalContext = cp
		return
	}

	merged, err := jsonpatch.MergePatch(c.globalContext, output)
	if err != nil {
		c.logger.Warn("global context merge failed, keeping previous",
			"instance_id", c.InstanceID, "error", err)
		return
	}
	c.globalContext = merged
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
