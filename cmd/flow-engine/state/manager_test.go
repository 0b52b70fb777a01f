package state

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/events"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

func TestManagerCreate_Capacity(t *testing.T) {
	m := NewManager(2, nil, testLogger{})

	for i := 0; i < 2; i++ {
		if _, err := m.Create(uuid.New(), uuid.New(), uuid.New(), "run"); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	_, err := m.Create(uuid.New(), uuid.New(), uuid.New(), "overflow")
	if flowerr.KindOf(err) != flowerr.KindCapacityExceeded {
		t.Fatalf("Expected CAPACITY_EXCEEDED, got %v", err)
	}
	if m.Count() != 2 {
		t.Errorf("Expected 2 live contexts, got %d", m.Count())
	}
}

func TestManagerCreate_Duplicate(t *testing.T) {
	m := NewManager(0, nil, testLogger{})
	id := uuid.New()

	if _, err := m.Create(id, uuid.New(), uuid.New(), "run"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create(id, uuid.New(), uuid.New(), "run"); flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE for duplicate instance, got %v", err)
	}
}

func TestManagerUpdateStatus_Mirrors(t *testing.T) {
	m := NewManager(0, nil, testLogger{})
	id := uuid.New()

	if _, err := m.Create(id, uuid.New(), uuid.New(), "run"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var mirrored []models.InstanceStatus
	m.SetStatusMirror(func(_ context.Context, instanceID uuid.UUID, status models.InstanceStatus) error {
		if instanceID != id {
			t.Errorf("Mirror got instance %s, want %s", instanceID, id)
		}
		mirrored = append(mirrored, status)
		return nil
	})

	if err := m.UpdateStatus(context.Background(), id, models.InstanceStatusPaused); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if len(mirrored) != 1 || mirrored[0] != models.InstanceStatusPaused {
		t.Errorf("Expected mirrored [PAUSED], got %v", mirrored)
	}

	// Rejected transition never reaches the mirror
	ic, _ := m.Get(id)
	if err := ic.SetStatus(models.InstanceStatusRunning); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := ic.SetStatus(models.InstanceStatusCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := m.UpdateStatus(context.Background(), id, models.InstanceStatusRunning); err == nil {
		t.Fatal("Expected rejection leaving terminal status")
	}
	if len(mirrored) != 1 {
		t.Errorf("Mirror must not fire on rejected transition, got %v", mirrored)
	}

	if err := m.UpdateStatus(context.Background(), uuid.New(), models.InstanceStatusPaused); !flowerr.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND for unknown instance, got %v", err)
	}
}

func TestManagerRemove(t *testing.T) {
	pub := events.NewMemoryPublisher(testLogger{})
	m := NewManager(0, pub, testLogger{})
	id := uuid.New()

	ic, err := m.Create(id, uuid.New(), uuid.New(), "run")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Live context refuses unforced removal
	err = m.Remove(context.Background(), id, false)
	if flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Fatalf("Expected ILLEGAL_STATE removing live context, got %v", err)
	}

	if err := ic.SetStatus(models.InstanceStatusCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := m.Remove(context.Background(), id, false); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if m.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", m.Count())
	}
	if !ic.Closed() {
		t.Error("Removed context must be cleaned up")
	}

	select {
	case ev := <-pub.Events():
		if ev.Type != events.TypeContextRemoved || ev.InstanceID != id {
			t.Errorf("Unexpected removal event: %+v", ev)
		}
	default:
		t.Error("Expected a removal event")
	}

	if err := m.Remove(context.Background(), id, false); !flowerr.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND on repeat removal, got %v", err)
	}
}

func TestManagerRemove_Forced(t *testing.T) {
	m := NewManager(0, nil, testLogger{})
	id := uuid.New()

	if _, err := m.Create(id, uuid.New(), uuid.New(), "run"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Remove(context.Background(), id, true); err != nil {
		t.Fatalf("Forced removal of live context failed: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", m.Count())
	}
}

func TestManagerList(t *testing.T) {
	m := NewManager(0, nil, testLogger{})

	a, _ := m.Create(uuid.New(), uuid.New(), uuid.New(), "alpha")
	if _, err := m.Create(uuid.New(), uuid.New(), uuid.New(), "beta"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ref := NodeRef{NodeID: uuid.New(), NodeInstanceID: uuid.New()}
	if err := a.RegisterNode(ref.NodeInstanceID, ref.NodeID, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}
	if _, err := a.MarkNodeCompleted(ref.NodeID, ref.NodeInstanceID, nil); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 summaries, got %d", len(list))
	}
	for _, s := range list {
		if s.Name == "alpha" {
			if s.TotalNodes != 1 || s.Completed != 1 {
				t.Errorf("Unexpected alpha summary: %+v", s)
			}
		}
	}
}
