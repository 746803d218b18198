package reflector

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"talon/internal/events"
	"talon/internal/executor"
	"talon/internal/graph"
	"talon/internal/llm"
)

type fakeAsker struct {
	calls atomic.Int32
	reply string
	err   error
}

func (f *fakeAsker) Ask(ctx context.Context, role llm.Role, prompt string, schema *llm.Schema) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.reply), nil
}

func (f *fakeAsker) Complete(ctx context.Context, role llm.Role, prompt string) (string, error) {
	return "", nil
}

func seededStore(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore("op", "goal")
	in := graph.StatusInProgress
	done := graph.StatusCompleted
	batch := graph.Batch{
		{Kind: graph.CmdAddNode, AddNode: &graph.AddNodeCommand{Node: graph.TaskNode{ID: "t1", Kind: graph.KindTask, Description: "probe"}}},
	}
	if res := s.Apply(batch); !res.OK {
		t.Fatalf("seed: %+v", res.Rejected)
	}
	for _, status := range []graph.TaskStatus{in, done} {
		st := status
		res := s.Apply(graph.Batch{{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
			ID: "t1", Updates: graph.NodeUpdates{Status: &st},
		}}})
		if !res.OK {
			t.Fatalf("seed status: %+v", res.Rejected)
		}
	}
	return s
}

func outcome() *executor.Outcome {
	return &executor.Outcome{
		TaskID:     "t1",
		Status:     graph.StatusCompleted,
		Summary:    "form found",
		Transcript: "[action] http_get /login\n[observation] HTTP 200",
		Staged: []graph.AddCausalNodeCommand{{
			Variant: graph.VariantKeyFact,
			Fields:  graph.CausalFields{ID: "kf1", Summary: "login form present"},
		}},
	}
}

const passedReply = `{
  "audit_result": {"status": "passed", "completion_check": "criteria met"},
  "causal_graph_updates": [
    {"command":"ADD_CAUSAL_NODE","variant":"key_fact","fields":{"id":"kf1","summary":"login form present"}}
  ],
  "global_mission_accomplished": false
}`

func TestReflectCommitsCausalUpdates(t *testing.T) {
	store := seededStore(t)
	asker := &fakeAsker{reply: passedReply}
	d := New(asker, store, nil, 4000)

	v := d.Reflect(context.Background(), outcome())
	if v.Status != AuditPassed {
		t.Fatalf("verdict: %+v", v)
	}
	snapshot := store.Snapshot()
	if len(snapshot.CausalNodes) != 1 || snapshot.CausalNodes[0].ID != "kf1" {
		t.Fatalf("causal commit missing: %+v", snapshot.CausalNodes)
	}
}

// P6: a second reflection for the same task is a no-op.
func TestReflectExactlyOnce(t *testing.T) {
	store := seededStore(t)
	asker := &fakeAsker{reply: passedReply}
	d := New(asker, store, nil, 4000)

	first := d.Reflect(context.Background(), outcome())
	second := d.Reflect(context.Background(), outcome())
	if first != second {
		t.Fatal("second reflection produced a new verdict")
	}
	if asker.calls.Load() != 1 {
		t.Fatalf("audit ran %d times", asker.calls.Load())
	}
}

func TestReflectFailureAttribution(t *testing.T) {
	store := seededStore(t)
	asker := &fakeAsker{reply: `{
	  "audit_result": {"status": "failed", "completion_check": "criteria unmet"},
	  "failure_attribution": {"level": "L4", "rationale": "target unreachable from here"}
	}`}
	d := New(asker, store, nil, 4000)

	v := d.Reflect(context.Background(), outcome())
	if v.Status != AuditFailed || v.Level != graph.FailureL4 {
		t.Fatalf("verdict: %+v", v)
	}
	task, _ := store.Task("t1")
	if task.FailureLevel != graph.FailureL4 {
		t.Fatalf("attribution not recorded on the task: %+v", task)
	}
}

func TestReflectFallsBackToExecutorHint(t *testing.T) {
	store := seededStore(t)
	asker := &fakeAsker{reply: `{"audit_result": {"status": "failed", "completion_check": "unmet"}}`}
	d := New(asker, store, nil, 4000)

	out := outcome()
	out.FailureHint = graph.FailureL2
	v := d.Reflect(context.Background(), out)
	if v.Level != graph.FailureL2 {
		t.Fatalf("hint not used: %+v", v)
	}
}

func TestReflectTransportErrorBecomesVerdict(t *testing.T) {
	store := seededStore(t)
	asker := &fakeAsker{err: llm.ErrTransport}
	d := New(asker, store, nil, 4000)

	v := d.Reflect(context.Background(), outcome())
	if v.Status != AuditInconclusive || v.Level != graph.FailureL1 {
		t.Fatalf("verdict: %+v", v)
	}

	asker2 := &fakeAsker{err: llm.ErrValidation}
	d2 := New(asker2, store, nil, 4000)
	out2 := outcome()
	out2.TaskID = "t1"
	v2 := d2.Reflect(context.Background(), out2)
	if v2.Level != graph.FailureL3 {
		t.Fatalf("validation error mapped to %s", v2.Level)
	}
}

// The hard veto: mission accomplished together with a committed
// ConfirmedVulnerability finalizes immediately.
func TestReflectHardVeto(t *testing.T) {
	store := seededStore(t)
	broker := events.NewBroker("op", events.Config{SubscriberQueue: 64, ReplayDepth: 64})
	sub := broker.Subscribe(0)
	defer sub.Close()
	defer broker.Close()

	asker := &fakeAsker{reply: `{
	  "audit_result": {"status": "passed", "completion_check": "exploit landed"},
	  "causal_graph_updates": [
	    {"command":"ADD_CAUSAL_NODE","variant":"evidence","fields":{"id":"e1","summary":"shell output","source_action_id":"a1"}},
	    {"command":"ADD_CAUSAL_NODE","variant":"confirmed_vulnerability","fields":{"id":"cv1","summary":"auth bypass"}},
	    {"command":"ADD_CAUSAL_EDGE","source":"e1","target":"cv1","relation":"validates","confidence":1.0}
	  ],
	  "global_mission_accomplished": true,
	  "attack_intelligence": "default credentials on /login"
	}`}
	d := New(asker, store, broker, 4000)

	v := d.Reflect(context.Background(), outcome())
	if !v.MissionAccomplished || !v.HardVeto {
		t.Fatalf("veto not raised: %+v", v)
	}
	if !store.MissionAccomplished() {
		t.Fatal("root mission flag unset")
	}
	if len(store.ConfirmedVulnerabilities()) != 1 {
		t.Fatal("confirmed vulnerability missing")
	}
	task, _ := store.Task("t1")
	found := false
	for _, artifact := range task.Artifacts {
		if artifact == "intel: default credentials on /login" {
			found = true
		}
	}
	if !found {
		t.Fatalf("attack intelligence not attached: %+v", task.Artifacts)
	}
}
