package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/events"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

// StatusMirror is called whenever a context status changes so the
// persisted row can follow the in-memory state. The in-memory context
// stays authoritative; mirror failures are logged, not propagated.
type StatusMirror func(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus) error

// ContextSummary is one row of the live-context listing
type ContextSummary struct {
	InstanceID  uuid.UUID
	Name        string
	Status      models.InstanceStatus
	TotalNodes  int
	Completed   int
	LastTouched time.Time
}

// Manager is the bounded registry of live instance contexts.
// Registry operations serialize on the manager lock; per-context work
// runs under each context's own lock so one busy instance never blocks
// the others.
type Manager struct {
	mu       sync.RWMutex
	contexts map[uuid.UUID]*Context

	capacity  int // 0 = unbounded
	mirror    StatusMirror
	publisher events.Publisher
	logger    Logger
}

// NewManager creates an instance context registry. capacity 0 means
// unbounded.
func NewManager(capacity int, publisher events.Publisher, logger Logger) *Manager {
	return &Manager{
		contexts:  make(map[uuid.UUID]*Context),
		capacity:  capacity,
		publisher: publisher,
		logger:    logger,
	}
}

// SetStatusMirror registers the persistence mirror for status updates
func (m *Manager) SetStatusMirror(mirror StatusMirror) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror = mirror
}

// Create registers a new context for a run
func (m *Manager) Create(instanceID, templateVersionID, executorID uuid.UUID, name string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contexts[instanceID]; exists {
		return nil, flowerr.Newf(flowerr.KindIllegalState, "instance context %s already exists", instanceID)
	}
	if m.capacity > 0 && len(m.contexts) >= m.capacity {
		return nil, flowerr.Newf(flowerr.KindCapacityExceeded,
			"instance capacity %d reached", m.capacity)
	}

	ic := NewContext(instanceID, templateVersionID, executorID, name, m.logger)
	m.contexts[instanceID] = ic

	m.logger.Debug("instance context created",
		"instance_id", instanceID,
		"live_contexts", len(m.contexts))

	return ic, nil
}

// Get looks a live context up
func (m *Manager) Get(instanceID uuid.UUID) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ic, ok := m.contexts[instanceID]
	return ic, ok
}

// List returns a copied summary of every live context
func (m *Manager) List() []ContextSummary {
	m.mu.RLock()
	contexts := make([]*Context, 0, len(m.contexts))
	for _, ic := range m.contexts {
		contexts = append(contexts, ic)
	}
	m.mu.RUnlock()

	summaries := make([]ContextSummary, 0, len(contexts))
	for _, ic := range contexts {
		st := ic.Status()
		summaries = append(summaries, ContextSummary{
			InstanceID:  ic.InstanceID,
			Name:        ic.Name,
			Status:      st.Status,
			TotalNodes:  st.TotalNodes,
			Completed:   st.Completed,
			LastTouched: ic.LastTouched(),
		})
	}
	return summaries
}

// Count returns the number of live contexts
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// UpdateStatus moves the in-memory status (authoritative) and mirrors
// it into persistence when a mirror is registered
func (m *Manager) UpdateStatus(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus) error {
	ic, ok := m.Get(instanceID)
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "instance context %s not found", instanceID)
	}

	if err := ic.SetStatus(status); err != nil {
		return err
	}

	m.mu.RLock()
	mirror := m.mirror
	m.mu.RUnlock()

	if mirror != nil {
		if err := mirror(ctx, instanceID, status); err != nil {
			m.logger.Error("status mirror failed",
				"instance_id", instanceID,
				"status", status,
				"error", err)
		}
	}

	return nil
}

// Remove drops a context from the registry. Non-terminal contexts are
// refused unless forced. The context is cleaned up and a removal event
// published.
func (m *Manager) Remove(ctx context.Context, instanceID uuid.UUID, force bool) error {
	m.mu.Lock()
	ic, ok := m.contexts[instanceID]
	if !ok {
		m.mu.Unlock()
		return flowerr.Newf(flowerr.KindNotFound, "instance context %s not found", instanceID)
	}

	if !force && !ic.InstanceStatus().IsTerminal() {
		status := ic.InstanceStatus()
		m.mu.Unlock()
		return flowerr.Newf(flowerr.KindIllegalState,
			"instance %s is %s, refusing to remove live context without force", instanceID, status)
	}

	delete(m.contexts, instanceID)
	remaining := len(m.contexts)
	m.mu.Unlock()

	executorID := ic.ExecutorID
	ic.Cleanup()

	m.logger.Debug("instance context removed",
		"instance_id", instanceID,
		"forced", force,
		"live_contexts", remaining)

	if m.publisher != nil {
		_ = m.publisher.Publish(ctx, events.Event{
			Type:       events.TypeContextRemoved,
			InstanceID: instanceID,
			ExecutorID: executorID,
		})
	}

	return nil
}
