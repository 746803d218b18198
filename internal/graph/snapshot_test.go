package graph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func populated(t *testing.T) *Store {
	t.Helper()
	s := NewStore("op-1", "take the flag")
	mustApply(t, s, Batch{newTask("t1"), newTask("t2", "t1")})
	mustApply(t, s, Batch{setStatus("t1", StatusInProgress)})
	mustApply(t, s, Batch{{Kind: CmdAddNode, AddNode: &AddNodeCommand{Node: TaskNode{
		ID:       "a1",
		Kind:     KindAction,
		Parent:   "t1",
		Status:   StatusInProgress,
		ToolName: "http_get",
		ToolArgs: map[string]any{"url": "/login"},
	}}}})
	mustApply(t, s, Batch{
		{Kind: CmdAddCausalNode, AddCausalNode: &AddCausalNodeCommand{
			Variant: VariantKeyFact,
			Fields:  CausalFields{ID: "kf1", Summary: "login form present", SourceActionID: "a1"},
		}},
		{Kind: CmdAddCausalNode, AddCausalNode: &AddCausalNodeCommand{
			Variant: VariantHypothesis,
			Fields:  CausalFields{ID: "h1", Summary: "weak creds", Confidence: 0.4},
		}},
		{Kind: CmdAddCausalEdge, AddCausalEdge: &AddCausalEdgeCommand{
			Source: "kf1", Target: "h1", Relation: RelationSupports, Confidence: 0.5,
		}},
	})
	return s
}

// Serialize -> Deserialize -> Snapshot is identity on both graphs.
func TestSnapshotRoundTrip(t *testing.T) {
	s := populated(t)
	before := s.Snapshot()

	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	restored, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	after := restored.Snapshot()

	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("snapshot drifted through round trip (-before +after):\n%s", diff)
	}
}

// A restored store keeps accepting new nodes and enforcing invariants.
func TestRestoredStoreStaysLive(t *testing.T) {
	s := populated(t)
	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	restored, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	mustApply(t, restored, Batch{newTask("t3", "t2")})
	res := restored.Apply(Batch{newTask("t1")})
	if res.OK {
		t.Fatal("restored store accepted a duplicate id")
	}
}

func TestDeserializeRejectsCorruptSnapshots(t *testing.T) {
	if _, err := Deserialize([]byte(`{"op_id":"x","tasks":[]}`)); err == nil {
		t.Fatal("snapshot without a root accepted")
	}
	if _, err := Deserialize([]byte(`not json`)); err == nil {
		t.Fatal("garbage accepted")
	}
}
