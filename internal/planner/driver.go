// Package planner implements the planning driver: it renders the dual-graph
// state into a prompt, parses the model's mutation batch, and stages it for
// the intervention gate.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"talon/internal/graph"
	"talon/internal/llm"
	"talon/internal/logging"
	"talon/internal/prompt"
	"talon/internal/rag"
)

// ErrBadBatch marks a reply whose commands did not parse; the scheduler asks
// for a revision citing the reason.
var ErrBadBatch = errors.New("planner batch failed staging")

// Reply is the expected planner JSON.
type Reply struct {
	Thought         string           `json:"thought" jsonschema:"required"`
	GraphOperations []map[string]any `json:"graph_operations" jsonschema:"required"`
	GoalAchieved    bool             `json:"goal_achieved" jsonschema:"required"`
}

var replySchema = llm.MustSchemaFor[Reply]("planner_reply")

// Input selects what the planning prompt includes.
type Input struct {
	// Initial marks the first call: the model sees only the goal and must
	// emit at least one task.
	Initial bool
	// RecentFailures is a short list of failure one-liners.
	RecentFailures []string
	// RejectReason carries the gate's or store's reason when revising.
	RejectReason string
}

// Result is one staged plan.
type Result struct {
	Thought      string
	Batch        graph.Batch
	GoalAchieved bool
	// Empty marks a batch with no commands; with GoalAchieved false this is
	// the stall signal.
	Empty bool
}

// Driver builds plans.
type Driver struct {
	asker     llm.Asker
	retriever rag.Retriever
	budget    int
	topK      int
}

// New creates a planner driver.
func New(asker llm.Asker, retriever rag.Retriever, tokenBudget, topK int) *Driver {
	if retriever == nil {
		retriever = rag.Noop{}
	}
	if topK <= 0 {
		topK = 4
	}
	return &Driver{asker: asker, retriever: retriever, budget: tokenBudget, topK: topK}
}

// Plan runs one planning call against the current graph state. The returned
// batch has passed command-schema staging but not yet the gate or the store.
func (d *Driver) Plan(ctx context.Context, store *graph.Store, in Input) (*Result, error) {
	guidance, err := d.retriever.Retrieve(ctx, store.Goal(), d.topK)
	if err != nil {
		logging.Planner("retrieval failed, planning without guidance: %v", err)
		guidance = nil
	}

	p := prompt.Planner(prompt.PlannerInput{
		Goal:           store.Goal(),
		View:           store.Snapshot(),
		Initial:        in.Initial,
		RecentFailures: in.RecentFailures,
		Guidance:       guidance,
		RejectReason:   in.RejectReason,
		TokenBudget:    d.budget,
	})

	raw, err := d.asker.Ask(ctx, llm.RolePlanner, p, replySchema)
	if err != nil {
		return nil, err
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBatch, err)
	}

	raws := make([]json.RawMessage, 0, len(reply.GraphOperations))
	for _, op := range reply.GraphOperations {
		data, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadBatch, err)
		}
		raws = append(raws, data)
	}
	batch, err := graph.ParseBatch(raws)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBatch, err)
	}

	if in.Initial && !addsTask(batch) && !reply.GoalAchieved {
		return nil, fmt.Errorf("%w: initial plan must add at least one task", ErrBadBatch)
	}

	logging.Planner("plan: %d commands, goal_achieved=%v", len(batch), reply.GoalAchieved)
	return &Result{
		Thought:      reply.Thought,
		Batch:        batch,
		GoalAchieved: reply.GoalAchieved,
		Empty:        len(batch) == 0,
	}, nil
}

func addsTask(batch graph.Batch) bool {
	for _, cmd := range batch {
		if cmd.Kind == graph.CmdAddNode && cmd.AddNode.Node.Kind == graph.KindTask {
			return true
		}
	}
	return false
}
