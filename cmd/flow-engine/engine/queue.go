package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/cmd/flow-engine/state"
	"github.com/lyzr/flowcore/common/metrics"
)

const queueBuffer = 4096

// workItem is one unit of queue work: nodes of a single instance that
// became ready together
type workItem struct {
	instanceID uuid.UUID
	refs       []state.NodeRef
}

// workQueue is the engine's in-process work queue. Items of a purged
// instance are skipped on pop; items of a paused instance are parked
// and replayed on resume.
type workQueue struct {
	ch      chan workItem
	metrics *metrics.Metrics
	logger  Logger

	mu      sync.Mutex
	pending map[uuid.UUID]int
	purged  map[uuid.UUID]bool
	parked  map[uuid.UUID][]state.NodeRef
}

func newWorkQueue(m *metrics.Metrics, logger Logger) *workQueue {
	return &workQueue{
		ch:      make(chan workItem, queueBuffer),
		metrics: m,
		logger:  logger,
		pending: make(map[uuid.UUID]int),
		purged:  make(map[uuid.UUID]bool),
		parked:  make(map[uuid.UUID][]state.NodeRef),
	}
}

// Push enqueues ready nodes for an instance. A full queue drops the
// item and the instance stalls until an operator intervenes; only
// PENDING agent tasks are picked back up by the rescue monitor, so
// the drop is logged loudly.
func (q *workQueue) Push(instanceID uuid.UUID, refs []state.NodeRef) bool {
	if len(refs) == 0 {
		return true
	}

	q.mu.Lock()
	if q.purged[instanceID] {
		q.mu.Unlock()
		return false
	}
	q.pending[instanceID]++
	q.mu.Unlock()

	select {
	case q.ch <- workItem{instanceID: instanceID, refs: refs}:
		q.metrics.QueueDepth.WithLabelValues("engine").Set(float64(len(q.ch)))
		return true
	default:
		q.mu.Lock()
		q.pending[instanceID]--
		q.mu.Unlock()
		q.logger.Error("work queue full, ready nodes dropped",
			"instance_id", instanceID,
			"nodes", len(refs),
			"capacity", queueBuffer)
		return false
	}
}

// Pop blocks up to timeout for the next live item. Purged items are
// consumed and dropped.
func (q *workQueue) Pop(timeout time.Duration) (workItem, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case item := <-q.ch:
			q.metrics.QueueDepth.WithLabelValues("engine").Set(float64(len(q.ch)))

			q.mu.Lock()
			q.pending[item.instanceID]--
			dropped := q.purged[item.instanceID]
			if q.pending[item.instanceID] <= 0 {
				delete(q.pending, item.instanceID)
				delete(q.purged, item.instanceID)
			}
			q.mu.Unlock()

			if dropped {
				continue
			}
			return item, true
		case <-timer.C:
			return workItem{}, false
		}
	}
}

// Park holds ready nodes of a paused instance for later replay
func (q *workQueue) Park(instanceID uuid.UUID, refs []state.NodeRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked[instanceID] = append(q.parked[instanceID], refs...)
}

// TakeParked removes and returns everything parked for an instance
func (q *workQueue) TakeParked(instanceID uuid.UUID) []state.NodeRef {
	q.mu.Lock()
	defer q.mu.Unlock()

	refs := q.parked[instanceID]
	delete(q.parked, instanceID)
	return refs
}

// PurgeInstance drops queued and parked work for an instance. Queued
// items drain lazily as workers pop them.
func (q *workQueue) PurgeInstance(instanceID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.parked, instanceID)
	if q.pending[instanceID] > 0 {
		q.purged[instanceID] = true
	}
}

// Len reports items currently buffered
func (q *workQueue) Len() int {
	return len(q.ch)
}
