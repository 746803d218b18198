package graph

import (
	"testing"
	"time"
)

func newTask(id string, deps ...string) Command {
	return Command{Kind: CmdAddNode, AddNode: &AddNodeCommand{Node: TaskNode{
		ID:           id,
		Kind:         KindTask,
		Description:  "task " + id,
		Dependencies: deps,
	}}}
}

func setStatus(id string, status TaskStatus) Command {
	return Command{Kind: CmdUpdateNode, UpdateNode: &UpdateNodeCommand{
		ID:      id,
		Updates: NodeUpdates{Status: &status},
	}}
}

func mustApply(t *testing.T, s *Store, batch Batch) {
	t.Helper()
	if res := s.Apply(batch); !res.OK {
		t.Fatalf("batch rejected: %+v", res.Rejected)
	}
}

func finish(t *testing.T, s *Store, id string, terminal TaskStatus) {
	t.Helper()
	mustApply(t, s, Batch{setStatus(id, StatusInProgress)})
	mustApply(t, s, Batch{setStatus(id, terminal)})
}

func TestAddAndReadyOrdering(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1"), newTask("t2"), newTask("t3", "t1")})

	ready := s.ReadyTasks()
	if len(ready) != 2 {
		t.Fatalf("expected t1,t2 ready, got %v", ready)
	}
	// t3 depends on t1 and must not appear until t1 completes.
	for _, id := range ready {
		if id == "t3" {
			t.Fatalf("t3 ready before its dependency: %v", ready)
		}
	}

	finish(t, s, "t1", StatusCompleted)
	ready = s.ReadyTasks()
	if len(ready) != 2 || ready[0] != "t2" || ready[1] != "t3" {
		t.Fatalf("expected [t2 t3] in topo order, got %v", ready)
	}
}

func TestCycleRejectedAtomically(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1"), newTask("t2")})
	before := s.Snapshot()

	var rejected []Rejection
	s.OnReject(func(r []Rejection) { rejected = r })

	res := s.Apply(Batch{
		{Kind: CmdAddEdge, AddEdge: &AddEdgeCommand{Source: "t2", Target: "t1"}},
		{Kind: CmdAddEdge, AddEdge: &AddEdgeCommand{Source: "t1", Target: "t2"}},
	})
	if res.OK {
		t.Fatal("cycle batch accepted")
	}
	found := false
	for _, r := range res.Rejected {
		if r.Reason == RejectCycle {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cycle rejection, got %+v", res.Rejected)
	}
	if rejected == nil {
		t.Fatal("reject callback did not fire")
	}

	// Nothing committed: the first edge must be rolled back too.
	after := s.Snapshot()
	if after.Version != before.Version {
		t.Fatalf("version moved on rejected batch: %d -> %d", before.Version, after.Version)
	}
	task, _ := s.Task("t1")
	if len(task.Dependencies) != 0 {
		t.Fatalf("t1 gained dependencies from a rejected batch: %v", task.Dependencies)
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1")})
	finish(t, s, "t1", StatusCompleted)

	for _, target := range []TaskStatus{StatusPending, StatusInProgress, StatusFailed, StatusAborted} {
		res := s.Apply(Batch{setStatus("t1", target)})
		if res.OK {
			t.Fatalf("terminal t1 transitioned to %s", target)
		}
		if res.Rejected[0].Reason != RejectTerminalViolation {
			t.Fatalf("expected terminal-violation, got %+v", res.Rejected)
		}
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1")})
	res := s.Apply(Batch{setStatus("t1", StatusCompleted)})
	if res.OK {
		t.Fatal("pending -> completed accepted")
	}
	if res.Rejected[0].Reason != RejectInvariant {
		t.Fatalf("expected invariant-violation, got %+v", res.Rejected)
	}
}

func TestFailedDependencyBlocksReadiness(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1"), newTask("t2", "t1")})
	finish(t, s, "t1", StatusFailed)

	for _, id := range s.ReadyTasks() {
		if id == "t2" {
			t.Fatal("t2 ready despite failed dependency")
		}
	}

	// Deprecated dependencies block too.
	mustApply(t, s, Batch{newTask("t3"), newTask("t4", "t3")})
	mustApply(t, s, Batch{{Kind: CmdDeprecateNode, DeprecateNode: &DeprecateNodeCommand{ID: "t3", Reason: "obsolete"}}})
	for _, id := range s.ReadyTasks() {
		if id == "t4" {
			t.Fatal("t4 ready despite deprecated dependency")
		}
	}
}

func TestDoubleApplyIsNoOp(t *testing.T) {
	s := NewStore("op", "goal")
	batch := Batch{newTask("t1"), newTask("t2", "t1")}
	mustApply(t, s, batch)
	before := s.Snapshot()

	res := s.Apply(batch)
	if res.OK {
		t.Fatal("second application accepted")
	}
	for _, r := range res.Rejected {
		if r.Reason != RejectDuplicateID {
			t.Fatalf("expected duplicate-id, got %+v", r)
		}
	}
	after := s.Snapshot()
	if after.Version != before.Version || len(after.Tasks) != len(before.Tasks) {
		t.Fatal("state changed on duplicate application")
	}
}

func TestDeprecateIdempotent(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1")})
	dep := Batch{{Kind: CmdDeprecateNode, DeprecateNode: &DeprecateNodeCommand{ID: "t1", Reason: "superseded"}}}
	mustApply(t, s, dep)
	mustApply(t, s, dep) // idempotent

	task, _ := s.Task("t1")
	if task.Status != StatusDeprecated || task.DeprecationReason != "superseded" {
		t.Fatalf("unexpected node state: %+v", task)
	}
}

func TestActionLifecycle(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1")})
	mustApply(t, s, Batch{setStatus("t1", StatusInProgress)})

	action := Command{Kind: CmdAddNode, AddNode: &AddNodeCommand{Node: TaskNode{
		ID:       "a1",
		Kind:     KindAction,
		Parent:   "t1",
		Status:   StatusInProgress,
		ToolName: "http_get",
		ToolArgs: map[string]any{"url": "/login"},
	}}}
	mustApply(t, s, Batch{action})
	mustApply(t, s, Batch{setStatus("a1", StatusCompleted)})
	mustApply(t, s, Batch{setStatus("t1", StatusCompleted)})

	// I4: a terminal task accepts no further actions.
	late := Command{Kind: CmdAddNode, AddNode: &AddNodeCommand{Node: TaskNode{
		ID:     "a2",
		Kind:   KindAction,
		Parent: "t1",
	}}}
	res := s.Apply(Batch{late})
	if res.OK {
		t.Fatal("action appended to terminal task")
	}
	if res.Rejected[0].Reason != RejectTerminalViolation {
		t.Fatalf("expected terminal-violation, got %+v", res.Rejected)
	}
}

func TestCausalPromotionGates(t *testing.T) {
	s := NewStore("op", "goal")

	hyp := Command{Kind: CmdAddCausalNode, AddCausalNode: &AddCausalNodeCommand{
		Variant: VariantHypothesis,
		Fields:  CausalFields{ID: "h1", Summary: "weak creds", Confidence: 0.5},
	}}
	mustApply(t, s, Batch{hyp})

	// C1: promotion without supporting evidence is rejected.
	vuln := VariantVulnerability
	res := s.Apply(Batch{{Kind: CmdUpdateNode, UpdateNode: &UpdateNodeCommand{
		ID:      "h1",
		Updates: NodeUpdates{Variant: &vuln},
	}}})
	if res.OK {
		t.Fatal("hypothesis promoted without support")
	}

	// Evidence plus a supports edge in the same batch satisfies the gate.
	mustApply(t, s, Batch{
		{Kind: CmdAddCausalNode, AddCausalNode: &AddCausalNodeCommand{
			Variant: VariantEvidence,
			Fields:  CausalFields{ID: "e1", Summary: "default creds accepted", SourceActionID: "a1"},
		}},
		{Kind: CmdAddCausalEdge, AddCausalEdge: &AddCausalEdgeCommand{
			Source: "e1", Target: "h1", Relation: RelationSupports, Confidence: 0.9,
		}},
		{Kind: CmdUpdateNode, UpdateNode: &UpdateNodeCommand{
			ID:      "h1",
			Updates: NodeUpdates{Variant: &vuln},
		}},
	})

	// C2: confirmation requires a validates edge from an action artifact.
	confirmed := VariantConfirmedVuln
	res = s.Apply(Batch{{Kind: CmdUpdateNode, UpdateNode: &UpdateNodeCommand{
		ID:      "h1",
		Updates: NodeUpdates{Variant: &confirmed},
	}}})
	if res.OK {
		t.Fatal("vulnerability confirmed without validation")
	}

	mustApply(t, s, Batch{
		{Kind: CmdAddCausalEdge, AddCausalEdge: &AddCausalEdgeCommand{
			Source: "e1", Target: "h1", Relation: RelationValidates, Confidence: 1.0,
		}},
		{Kind: CmdUpdateNode, UpdateNode: &UpdateNodeCommand{
			ID:      "h1",
			Updates: NodeUpdates{Variant: &confirmed},
		}},
	})
	if len(s.ConfirmedVulnerabilities()) != 1 {
		t.Fatal("confirmed vulnerability not recorded")
	}
}

func TestConfidenceLoweringNeedsRationale(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{{Kind: CmdAddCausalNode, AddCausalNode: &AddCausalNodeCommand{
		Variant: VariantHypothesis,
		Fields:  CausalFields{ID: "h1", Summary: "conjecture", Confidence: 0.8},
	}}})

	lower := 0.3
	res := s.Apply(Batch{{Kind: CmdUpdateNode, UpdateNode: &UpdateNodeCommand{
		ID:      "h1",
		Updates: NodeUpdates{Confidence: &lower},
	}}})
	if res.OK {
		t.Fatal("confidence lowered without rationale")
	}

	mustApply(t, s, Batch{{Kind: CmdUpdateNode, UpdateNode: &UpdateNodeCommand{
		ID:      "h1",
		Updates: NodeUpdates{Confidence: &lower, Rationale: "contradicted by probe"},
	}}})
}

func TestCausalEdgeConfidenceMonotone(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{
		{Kind: CmdAddCausalNode, AddCausalNode: &AddCausalNodeCommand{
			Variant: VariantEvidence, Fields: CausalFields{ID: "e1", Summary: "seen"},
		}},
		{Kind: CmdAddCausalNode, AddCausalNode: &AddCausalNodeCommand{
			Variant: VariantHypothesis, Fields: CausalFields{ID: "h1", Summary: "guess", Confidence: 0.4},
		}},
		{Kind: CmdAddCausalEdge, AddCausalEdge: &AddCausalEdgeCommand{
			Source: "e1", Target: "h1", Relation: RelationSupports, Confidence: 0.6,
		}},
	})

	// Re-adding with lower confidence is refused; higher raises in place.
	res := s.Apply(Batch{{Kind: CmdAddCausalEdge, AddCausalEdge: &AddCausalEdgeCommand{
		Source: "e1", Target: "h1", Relation: RelationSupports, Confidence: 0.2,
	}}})
	if res.OK {
		t.Fatal("edge confidence lowered")
	}
	mustApply(t, s, Batch{{Kind: CmdAddCausalEdge, AddCausalEdge: &AddCausalEdgeCommand{
		Source: "e1", Target: "h1", Relation: RelationSupports, Confidence: 0.9,
	}}})
	v := s.Snapshot()
	if len(v.CausalEdges) != 1 || v.CausalEdges[0].Confidence != 0.9 {
		t.Fatalf("unexpected edges: %+v", v.CausalEdges)
	}
}

func TestChangeEventsAfterCommit(t *testing.T) {
	s := NewStore("op", "goal")
	s.SetClock(func() time.Time { return time.Unix(42, 0) })

	var summaries []ChangeSummary
	s.OnChange(func(cs ChangeSummary) { summaries = append(summaries, cs) })

	mustApply(t, s, Batch{newTask("t1")})
	mustApply(t, s, Batch{setStatus("t1", StatusInProgress)})

	if len(summaries) != 2 {
		t.Fatalf("expected 2 change summaries, got %d", len(summaries))
	}
	if summaries[0].Version != 1 || summaries[1].Version != 2 {
		t.Fatalf("versions out of order: %+v", summaries)
	}
	if len(summaries[0].Added) != 1 || summaries[0].Added[0] != "t1" {
		t.Fatalf("unexpected first summary: %+v", summaries[0])
	}
}

func TestQueries(t *testing.T) {
	s := NewStore("op", "goal")
	mustApply(t, s, Batch{newTask("t1"), newTask("t2", "t1"), newTask("t3", "t2")})

	anc := s.Ancestors("t3")
	want := map[string]bool{"t1": true, "t2": true, RootID: true}
	if len(anc) != len(want) {
		t.Fatalf("ancestors of t3: %v", anc)
	}
	for _, id := range anc {
		if !want[id] {
			t.Fatalf("unexpected ancestor %s", id)
		}
	}

	desc := s.Descendants("t1")
	hasT2, hasT3 := false, false
	for _, id := range desc {
		hasT2 = hasT2 || id == "t2"
		hasT3 = hasT3 || id == "t3"
	}
	if !hasT2 || !hasT3 {
		t.Fatalf("descendants of t1: %v", desc)
	}
}
