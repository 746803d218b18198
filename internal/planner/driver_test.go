package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"talon/internal/graph"
	"talon/internal/llm"
	"talon/internal/rag"
)

type fakeAsker struct {
	reply      string
	err        error
	lastPrompt string
}

func (f *fakeAsker) Ask(ctx context.Context, role llm.Role, prompt string, schema *llm.Schema) (json.RawMessage, error) {
	f.lastPrompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.reply), nil
}

func (f *fakeAsker) Complete(ctx context.Context, role llm.Role, prompt string) (string, error) {
	return "", nil
}

type recordingRetriever struct {
	query string
	err   error
}

func (r *recordingRetriever) Retrieve(ctx context.Context, query string, k int) ([]rag.Passage, error) {
	r.query = query
	if r.err != nil {
		return nil, r.err
	}
	return []rag.Passage{{Text: "try default credentials first"}}, nil
}

func TestPlanParsesBatch(t *testing.T) {
	store := graph.NewStore("op", "take the flag")
	asker := &fakeAsker{reply: `{
	  "thought": "start wide",
	  "graph_operations": [
	    {"command":"ADD_NODE","node_data":{"id":"t1","kind":"task","description":"map the surface"}},
	    {"command":"ADD_NODE","node_data":{"id":"t2","kind":"task","description":"probe login","dependencies":["t1"]}}
	  ],
	  "goal_achieved": false
	}`}
	retriever := &recordingRetriever{}

	d := New(asker, retriever, 6000, 4)
	res, err := d.Plan(context.Background(), store, Input{Initial: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Batch) != 2 || res.GoalAchieved || res.Empty {
		t.Fatalf("unexpected result: %+v", res)
	}
	if retriever.query != "take the flag" {
		t.Fatalf("retrieval query = %q", retriever.query)
	}
	if !strings.Contains(asker.lastPrompt, "try default credentials first") {
		t.Fatal("guidance missing from prompt")
	}

	// The staged batch must apply cleanly.
	if applied := store.Apply(res.Batch); !applied.OK {
		t.Fatalf("staged batch rejected: %+v", applied.Rejected)
	}
}

func TestInitialPlanMustAddATask(t *testing.T) {
	store := graph.NewStore("op", "goal")
	asker := &fakeAsker{reply: `{"thought":"hmm","graph_operations":[],"goal_achieved":false}`}
	d := New(asker, nil, 6000, 4)

	_, err := d.Plan(context.Background(), store, Input{Initial: true})
	if !errors.Is(err, ErrBadBatch) {
		t.Fatalf("expected ErrBadBatch, got %v", err)
	}
}

func TestEmptyDynamicPlanIsStallSignal(t *testing.T) {
	store := graph.NewStore("op", "goal")
	asker := &fakeAsker{reply: `{"thought":"nothing left","graph_operations":[],"goal_achieved":false}`}
	d := New(asker, nil, 6000, 4)

	res, err := d.Plan(context.Background(), store, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty || res.GoalAchieved {
		t.Fatalf("stall not flagged: %+v", res)
	}
}

func TestBadCommandsRejectedAtStaging(t *testing.T) {
	store := graph.NewStore("op", "goal")
	asker := &fakeAsker{reply: `{"thought":"x","graph_operations":[{"command":"DROP_EVERYTHING"}],"goal_achieved":false}`}
	d := New(asker, nil, 6000, 4)

	_, err := d.Plan(context.Background(), store, Input{})
	if !errors.Is(err, ErrBadBatch) {
		t.Fatalf("expected ErrBadBatch, got %v", err)
	}
}

func TestRetrievalFailureIsNonFatal(t *testing.T) {
	store := graph.NewStore("op", "goal")
	asker := &fakeAsker{reply: `{"thought":"x","graph_operations":[],"goal_achieved":true}`}
	retriever := &recordingRetriever{err: fmt.Errorf("retrieval service down")}
	d := New(asker, retriever, 6000, 4)

	res, err := d.Plan(context.Background(), store, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.GoalAchieved {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRejectReasonRendered(t *testing.T) {
	store := graph.NewStore("op", "goal")
	asker := &fakeAsker{reply: `{"thought":"x","graph_operations":[],"goal_achieved":true}`}
	d := New(asker, nil, 6000, 4)

	if _, err := d.Plan(context.Background(), store, Input{RejectReason: "cycle t1->t2"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(asker.lastPrompt, "cycle t1->t2") {
		t.Fatal("reject reason missing from revision prompt")
	}
}
