package state

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

type testLogger struct{}

func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Debug(string, ...interface{}) {}

// diamondContext registers START -> (left, right) -> END and returns
// the refs in registration order
func diamondContext(t *testing.T) (*Context, [4]NodeRef) {
	t.Helper()

	ic := NewContext(uuid.New(), uuid.New(), uuid.New(), "diamond", testLogger{})

	refs := [4]NodeRef{}
	for i := range refs {
		refs[i] = NodeRef{NodeID: uuid.New(), NodeInstanceID: uuid.New()}
	}
	start, left, right, end := refs[0], refs[1], refs[2], refs[3]

	mustRegister := func(ref NodeRef, upstream ...uuid.UUID) {
		if err := ic.RegisterNode(ref.NodeInstanceID, ref.NodeID, upstream); err != nil {
			t.Fatalf("RegisterNode failed: %v", err)
		}
	}
	mustRegister(start)
	mustRegister(left, start.NodeID)
	mustRegister(right, start.NodeID)
	mustRegister(end, left.NodeID, right.NodeID)

	return ic, refs
}

func TestRegisterNode_Duplicates(t *testing.T) {
	ic, refs := diamondContext(t)

	err := ic.RegisterNode(refs[0].NodeInstanceID, uuid.New(), nil)
	if flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE for duplicate node instance, got %v", err)
	}

	err = ic.RegisterNode(uuid.New(), refs[0].NodeID, nil)
	if flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE for duplicate node, got %v", err)
	}
}

func TestMarkNodeCompleted_DeltaSet(t *testing.T) {
	ic, refs := diamondContext(t)
	start, left, right, end := refs[0], refs[1], refs[2], refs[3]

	// Completing start readies both branches, in registration order
	ready, err := ic.MarkNodeCompleted(start.NodeID, start.NodeInstanceID, json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}
	if len(ready) != 2 || ready[0].NodeID != left.NodeID || ready[1].NodeID != right.NodeID {
		t.Fatalf("Expected delta [left right], got %v", ready)
	}

	// One branch done: end still blocked
	ready, err = ic.MarkNodeCompleted(left.NodeID, left.NodeInstanceID, json.RawMessage(`{"b":2}`))
	if err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("Expected empty delta with right pending, got %v", ready)
	}

	// Second branch done: end becomes ready
	ready, err = ic.MarkNodeCompleted(right.NodeID, right.NodeInstanceID, json.RawMessage(`{"c":3}`))
	if err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}
	if len(ready) != 1 || ready[0].NodeID != end.NodeID {
		t.Fatalf("Expected delta [end], got %v", ready)
	}

	// Idempotent: a repeat completion yields no delta
	ready, err = ic.MarkNodeCompleted(right.NodeID, right.NodeInstanceID, json.RawMessage(`{"c":99}`))
	if err != nil {
		t.Fatalf("Repeat MarkNodeCompleted failed: %v", err)
	}
	if ready != nil {
		t.Errorf("Expected nil delta on repeat completion, got %v", ready)
	}

	// First output wins
	out, ok := ic.NodeOutput(right.NodeID)
	if !ok || string(out) != `{"c":3}` {
		t.Errorf("Expected stored output untouched by repeat, got %s", out)
	}
}

func TestMarkNodeCompleted_ReadyCallbackAfterUnlock(t *testing.T) {
	ic, refs := diamondContext(t)
	start := refs[0]

	var got []NodeRef
	ic.SetReadyCallback(func(instanceID uuid.UUID, ready []NodeRef) {
		if instanceID != ic.InstanceID {
			t.Errorf("Callback got instance %s, want %s", instanceID, ic.InstanceID)
		}
		// The lock is free here: any accessor must not deadlock
		_ = ic.Status()
		got = ready
	})

	if _, err := ic.MarkNodeCompleted(start.NodeID, start.NodeInstanceID, nil); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected callback with 2 ready nodes, got %v", got)
	}
}

func TestMarkNodeCompleted_WrongRow(t *testing.T) {
	ic, refs := diamondContext(t)

	_, err := ic.MarkNodeCompleted(refs[0].NodeID, uuid.New(), nil)
	if flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE for mismatched row, got %v", err)
	}

	_, err = ic.MarkNodeCompleted(uuid.New(), uuid.New(), nil)
	if !flowerr.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND for unknown node, got %v", err)
	}
}

func TestMarkNodeFailed_CascadesDownstream(t *testing.T) {
	ic, refs := diamondContext(t)
	start, left, right, end := refs[0], refs[1], refs[2], refs[3]

	if _, err := ic.MarkNodeCompleted(start.NodeID, start.NodeInstanceID, nil); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}
	if _, err := ic.MarkNodeCompleted(right.NodeID, right.NodeInstanceID, nil); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}

	cancelled, err := ic.MarkNodeFailed(left.NodeID, left.NodeInstanceID, "agent exploded")
	if err != nil {
		t.Fatalf("MarkNodeFailed failed: %v", err)
	}

	// Only end cancels: right already completed, start untouched
	if len(cancelled) != 1 || cancelled[0].NodeID != end.NodeID {
		t.Fatalf("Expected cascade [end], got %v", cancelled)
	}

	st := ic.Status()
	if st.Failed != 1 || st.Cancelled != 1 || st.Completed != 2 {
		t.Errorf("Unexpected status after cascade: %+v", st)
	}
	if !ic.HasFailedNodes() {
		t.Error("HasFailedNodes should be true")
	}

	// Idempotent
	cancelled, err = ic.MarkNodeFailed(left.NodeID, left.NodeInstanceID, "again")
	if err != nil || cancelled != nil {
		t.Errorf("Expected no-op repeat failure, got %v / %v", cancelled, err)
	}
}

func TestIsReadyToExecute(t *testing.T) {
	ic, refs := diamondContext(t)
	start, left := refs[0], refs[1]

	if !ic.IsReadyToExecute(start.NodeInstanceID) {
		t.Error("Start should be ready before anything runs")
	}
	if ic.IsReadyToExecute(left.NodeInstanceID) {
		t.Error("Left should be blocked on start")
	}

	if !ic.MarkNodeExecuting(start.NodeID, start.NodeInstanceID) {
		t.Fatal("MarkNodeExecuting should claim start")
	}
	if ic.IsReadyToExecute(start.NodeInstanceID) {
		t.Error("Executing node is not ready")
	}
	if ic.MarkNodeExecuting(start.NodeID, start.NodeInstanceID) {
		t.Error("Second MarkNodeExecuting should fail the single-flight guard")
	}

	if _, err := ic.MarkNodeCompleted(start.NodeID, start.NodeInstanceID, nil); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}
	if !ic.IsReadyToExecute(left.NodeInstanceID) {
		t.Error("Left should be ready after start completes")
	}
}

func TestGlobalContextMerge(t *testing.T) {
	ic, refs := diamondContext(t)
	start, left, right := refs[0], refs[1], refs[2]

	ic.SetGlobalContext(json.RawMessage(`{"seed":"input","keep":true}`))

	if _, err := ic.MarkNodeCompleted(start.NodeID, start.NodeInstanceID, json.RawMessage(`{"seed":"start"}`)); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}

	// Non-object output stays per-node, global untouched
	if _, err := ic.MarkNodeCompleted(left.NodeID, left.NodeInstanceID, json.RawMessage(`"just a string"`)); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}

	if _, err := ic.MarkNodeCompleted(right.NodeID, right.NodeInstanceID, json.RawMessage(`{"extra":42}`)); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}

	var global map[string]any
	if err := json.Unmarshal(ic.GlobalContext(), &global); err != nil {
		t.Fatalf("Global context is not valid JSON: %v", err)
	}
	if global["seed"] != "start" {
		t.Errorf("Expected later object output to win, got %v", global["seed"])
	}
	if global["keep"] != true {
		t.Errorf("Expected untouched key to survive merge, got %v", global["keep"])
	}
	if global["extra"] != float64(42) {
		t.Errorf("Expected merged key from right, got %v", global["extra"])
	}
}

func TestUpstreamContext(t *testing.T) {
	ic, refs := diamondContext(t)
	start, left, _, end := refs[0], refs[1], refs[2], refs[3]

	ic.SetGlobalContext(json.RawMessage(`{"g":1}`))
	if _, err := ic.MarkNodeCompleted(start.NodeID, start.NodeInstanceID, json.RawMessage(`{"s":1}`)); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}
	if _, err := ic.MarkNodeCompleted(left.NodeID, left.NodeInstanceID, json.RawMessage(`{"l":1}`)); err != nil {
		t.Fatalf("MarkNodeCompleted failed: %v", err)
	}

	uc, err := ic.UpstreamContext(end.NodeInstanceID)
	if err != nil {
		t.Fatalf("UpstreamContext failed: %v", err)
	}

	// End has two upstream nodes but only one completed so far
	if uc.UpstreamCount != 2 {
		t.Errorf("Expected upstream count 2, got %d", uc.UpstreamCount)
	}
	if len(uc.ImmediateUpstream) != 1 {
		t.Errorf("Expected 1 upstream output, got %d", len(uc.ImmediateUpstream))
	}
	if string(uc.ImmediateUpstream[left.NodeID.String()]) != `{"l":1}` {
		t.Errorf("Unexpected upstream output: %v", uc.ImmediateUpstream)
	}
	if uc.WorkflowGlobal == nil {
		t.Error("Expected copied global payload")
	}

	if _, err := ic.UpstreamContext(uuid.New()); !flowerr.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND for unknown row, got %v", err)
	}
}

func TestSetStatus_Transitions(t *testing.T) {
	ic, _ := diamondContext(t)

	if err := ic.SetStatus(models.InstanceStatusPaused); err != nil {
		t.Fatalf("RUNNING -> PAUSED should work: %v", err)
	}
	if err := ic.SetStatus(models.InstanceStatusRunning); err != nil {
		t.Fatalf("PAUSED -> RUNNING should work: %v", err)
	}

	if err := ic.SetStatus(models.InstanceStatusCompleted); err != nil {
		t.Fatalf("RUNNING -> COMPLETED should work: %v", err)
	}

	// Terminal is sticky but idempotent
	if err := ic.SetStatus(models.InstanceStatusCompleted); err != nil {
		t.Errorf("Repeating the terminal status should be a no-op: %v", err)
	}
	if err := ic.SetStatus(models.InstanceStatusRunning); flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE leaving terminal, got %v", err)
	}

	fresh := NewContext(uuid.New(), uuid.New(), uuid.New(), "fresh", testLogger{})
	if err := fresh.SetStatus(models.InstanceStatusCancelled); err != nil {
		t.Fatalf("RUNNING -> CANCELLED should work: %v", err)
	}
	if err := fresh.SetStatus(models.InstanceStatusPaused); flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE pausing a cancelled run, got %v", err)
	}
}

func TestStartNodesAndRegisteredOrder(t *testing.T) {
	ic, refs := diamondContext(t)

	starts := ic.StartNodes()
	if len(starts) != 1 || starts[0] != refs[0] {
		t.Fatalf("Expected start nodes [start], got %v", starts)
	}

	all := ic.RegisteredNodes()
	if len(all) != 4 {
		t.Fatalf("Expected 4 registered nodes, got %d", len(all))
	}
	for i := range refs {
		if all[i] != refs[i] {
			t.Errorf("Position %d: expected %v, got %v", i, refs[i], all[i])
		}
	}
}

func TestAllNodesCompleted(t *testing.T) {
	ic, refs := diamondContext(t)

	if ic.AllNodesCompleted() {
		t.Error("Nothing completed yet")
	}
	for _, ref := range refs {
		if _, err := ic.MarkNodeCompleted(ref.NodeID, ref.NodeInstanceID, nil); err != nil {
			t.Fatalf("MarkNodeCompleted failed: %v", err)
		}
	}
	if !ic.AllNodesCompleted() {
		t.Error("All nodes completed")
	}

	empty := NewContext(uuid.New(), uuid.New(), uuid.New(), "empty", testLogger{})
	if empty.AllNodesCompleted() {
		t.Error("A context with no nodes never reports completion")
	}
}

func TestCleanup_ClosesContext(t *testing.T) {
	ic, refs := diamondContext(t)

	ic.Cleanup()
	if !ic.Closed() {
		t.Fatal("Closed should be true after Cleanup")
	}

	if err := ic.RegisterNode(uuid.New(), uuid.New(), nil); flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE registering on closed context, got %v", err)
	}
	if _, err := ic.MarkNodeCompleted(refs[0].NodeID, refs[0].NodeInstanceID, nil); flowerr.KindOf(err) != flowerr.KindIllegalState {
		t.Errorf("Expected ILLEGAL_STATE completing on closed context, got %v", err)
	}
	if ic.MarkNodeExecuting(refs[0].NodeID, refs[0].NodeInstanceID) {
		t.Error("MarkNodeExecuting must refuse a closed context")
	}

	// Repeat cleanup is a no-op
	ic.Cleanup()
}
