package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"talon/internal/events"
	"talon/internal/gate"
	"talon/internal/graph"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleState(t *testing.T, opID string) *OperationState {
	t.Helper()
	g := graph.NewStore(opID, "take the flag")
	res := g.Apply(graph.Batch{{Kind: graph.CmdAddNode, AddNode: &graph.AddNodeCommand{Node: graph.TaskNode{
		ID:   "t1",
		Kind: graph.KindTask,
	}}}})
	if !res.OK {
		t.Fatalf("seed: %+v", res.Rejected)
	}
	return &OperationState{
		OpID:   opID,
		Goal:   "take the flag",
		Status: "running",
		Graph:  g.Snapshot(),
		Events: []events.Event{
			{Seq: 1, Timestamp: time.Now().UTC(), Event: events.GraphChanged},
		},
		PendingInterventions: []gate.Request{
			{ID: "req-1", OpID: opID, CreatedAt: time.Now().UTC()},
		},
		Counters: map[string]int{"steps": 3},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTemp(t)
	state := sampleState(t, "op-1")
	if err := s.Save(state); err != nil {
		t.Fatal(err)
	}

	loaded, ok, err := s.Load("op-1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	ignore := cmpopts.IgnoreFields(OperationState{}, "SavedAt")
	if diff := cmp.Diff(state, loaded, ignore, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("state drifted (-saved +loaded):\n%s", diff)
	}

	// The restored graph snapshot must rebuild into a working store.
	restored, err := graph.FromView(loaded.Graph)
	if err != nil {
		t.Fatalf("rebuild graph: %v", err)
	}
	if _, ok := restored.Task("t1"); !ok {
		t.Fatal("task lost through checkpoint")
	}
}

func TestLoadMissingOperation(t *testing.T) {
	s := openTemp(t)
	_, ok, err := s.Load("nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("phantom checkpoint")
	}
}

func TestRepeatedSavesPruneOldVersions(t *testing.T) {
	s := openTemp(t)
	for i := 0; i < 10; i++ {
		state := sampleState(t, "op-1")
		state.Counters["steps"] = i
		if err := s.Save(state); err != nil {
			t.Fatal(err)
		}
	}
	loaded, ok, err := s.Load("op-1")
	if err != nil || !ok {
		t.Fatalf("load: %v", err)
	}
	if loaded.Counters["steps"] != 9 {
		t.Fatalf("latest version not served: %+v", loaded.Counters)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE op_id = 'op-1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count > keepVersions {
		t.Fatalf("%d versions retained, want <= %d", count, keepVersions)
	}
}

func TestListOperations(t *testing.T) {
	s := openTemp(t)
	for _, opID := range []string{"op-a", "op-b"} {
		state := sampleState(t, opID)
		state.Status = "succeeded"
		if err := s.Save(state); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Status != "succeeded" || row.Goal != "take the flag" {
			t.Fatalf("unexpected row: %+v", row)
		}
	}
}
