// Package executor drives a single subtask to completion: it asks the model
// for the next action, invokes tools through the MCP host, appends action
// nodes to the task DAG, and compresses its working history as it grows. One
// driver instance runs one subtask; workers are stateless between subtasks.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"talon/internal/events"
	"talon/internal/graph"
	"talon/internal/llm"
	"talon/internal/logging"
	"talon/internal/prompt"
	"talon/internal/toolhost"
)

// Config bounds one subtask run.
type Config struct {
	StepBudget       int
	HistoryThreshold int
	HistoryKeep      int
	TokenBudget      int
	CausalLimit      int
}

// ActionRequest is one proposed tool invocation.
type ActionRequest struct {
	Tool   string         `json:"tool" jsonschema:"required"`
	Params map[string]any `json:"params"`
	NodeID string         `json:"node_id"`
}

// Reply is the expected executor JSON: either actions to run or the
// completion declaration with staged causal nodes.
type Reply struct {
	Thought             string                       `json:"thought" jsonschema:"required"`
	ExecutionOperations []ActionRequest              `json:"execution_operations"`
	IsSubtaskComplete   bool                         `json:"is_subtask_complete"`
	Summary             string                       `json:"summary"`
	StagedCausalNodes   []graph.AddCausalNodeCommand `json:"staged_causal_nodes"`
}

var replySchema = llm.MustSchemaFor[Reply]("executor_reply")

// Outcome is the handoff to the reflector.
type Outcome struct {
	TaskID      string
	Status      graph.TaskStatus
	FailureHint graph.FailureLevel
	Summary     string
	Transcript  string
	Staged      []graph.AddCausalNodeCommand
	Steps       int
	Halted      bool
}

// Driver runs subtask step loops.
type Driver struct {
	asker  llm.Asker
	tools  toolhost.Runner
	store  *graph.Store
	broker *events.Broker
	cfg    Config
}

// New creates an executor driver.
func New(asker llm.Asker, tools toolhost.Runner, store *graph.Store, broker *events.Broker, cfg Config) *Driver {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = 25
	}
	if cfg.CausalLimit <= 0 {
		cfg.CausalLimit = 32
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 6000
	}
	return &Driver{asker: asker, tools: tools, store: store, broker: broker, cfg: cfg}
}

// Run drives the subtask to a terminal state and returns the reflector
// handoff. Failures are encoded in the outcome, never raised.
func (d *Driver) Run(ctx context.Context, taskID string) *Outcome {
	out := &Outcome{TaskID: taskID, Status: graph.StatusFailed}
	h := newHistory(d.cfg.HistoryThreshold, d.cfg.HistoryKeep)
	defer func() { out.Transcript = h.Render() }()

	task, ok := d.store.Task(taskID)
	if !ok {
		out.FailureHint = graph.FailureL5
		h.Append("observation", fmt.Sprintf("task %s missing from graph", taskID))
		return out
	}
	if err := d.setTaskStatus(taskID, graph.StatusInProgress); err != nil {
		out.FailureHint = graph.FailureL5
		h.Append("observation", err.Error())
		return out
	}

	tools, err := d.tools.ListTools(ctx)
	if err != nil {
		logging.Executor("task %s: tool discovery failed: %v", taskID, err)
		d.finish(out, graph.StatusFailed, graph.FailureL1)
		h.Append("observation", "tool discovery failed: "+err.Error())
		return out
	}

	detector := newRepeatDetector()

	for step := 1; step <= d.cfg.StepBudget; step++ {
		if ctx.Err() != nil {
			d.finish(out, graph.StatusAborted, graph.FailureNone)
			return out
		}
		out.Steps = step

		snapshot := d.store.Snapshot()
		p := prompt.Executor(prompt.ExecutorInput{
			Task:        *task,
			Causal:      d.store.RelevantCausal(taskID, d.cfg.CausalLimit),
			CausalEdges: snapshot.CausalEdges,
			Tools:       tools,
			History:     h.Render(),
			TokenBudget: d.cfg.TokenBudget,
		})
		raw, err := d.asker.Ask(ctx, llm.RoleExecutor, p, replySchema)
		if err != nil {
			if ctx.Err() != nil {
				d.finish(out, graph.StatusAborted, graph.FailureNone)
				return out
			}
			hint := graph.FailureL1
			if errors.Is(err, llm.ErrValidation) {
				hint = graph.FailureL3
			}
			h.Append("observation", "model error: "+err.Error())
			d.finish(out, graph.StatusFailed, hint)
			return out
		}
		var reply Reply
		if err := json.Unmarshal(raw, &reply); err != nil {
			h.Append("observation", "undecodable reply: "+err.Error())
			d.finish(out, graph.StatusFailed, graph.FailureL3)
			return out
		}
		if reply.Thought != "" {
			h.Append("thought", reply.Thought)
		}

		if reply.IsSubtaskComplete {
			out.Summary = reply.Summary
			out.Staged = reply.StagedCausalNodes
			d.finish(out, graph.StatusCompleted, graph.FailureNone)
			logging.Executor("task %s complete after %d steps, %d staged nodes", taskID, step, len(out.Staged))
			return out
		}
		if len(reply.ExecutionOperations) == 0 {
			h.Append("observation", "no action proposed; propose a tool call or declare completion")
			continue
		}

		for _, action := range reply.ExecutionOperations {
			if action.Tool == prompt.HaltTool {
				out.Halted = true
				h.Append("observation", "halt_task invoked")
				d.finish(out, graph.StatusFailed, graph.FailureNone)
				logging.Executor("task %s halted by model at step %d", taskID, step)
				return out
			}

			nodeID, aborted, failed := d.runAction(ctx, taskID, step, action, h)
			if aborted {
				d.finish(out, graph.StatusAborted, graph.FailureNone)
				return out
			}
			if detector.Record(action.Tool, action.Params, failed) {
				h.Append("observation", fmt.Sprintf("repeated failing call to %s (action %s); stopping", action.Tool, nodeID))
				d.finish(out, graph.StatusFailed, graph.FailureL2)
				logging.Executor("task %s: repeated-action detector tripped on %s", taskID, action.Tool)
				return out
			}
		}

		if h.NeedsCompression() {
			if summary, err := d.asker.Complete(ctx, llm.RoleExecutor, prompt.Summarize(h.OldestBlock())); err == nil {
				h.ReplaceOldest(summary)
			} else {
				logging.ExecutorDebug("task %s: history compression failed: %v", taskID, err)
			}
		}
	}

	h.Append("observation", fmt.Sprintf("step budget (%d) exhausted", d.cfg.StepBudget))
	d.finish(out, graph.StatusFailed, graph.FailureL4)
	return out
}

// runAction appends the action node, invokes the tool, and finalizes the
// node. Returns the node id plus whether the run was aborted or the
// invocation failed.
func (d *Driver) runAction(ctx context.Context, taskID string, step int, action ActionRequest, h *history) (string, bool, bool) {
	nodeID := action.NodeID
	if nodeID == "" {
		nodeID = "act-" + uuid.NewString()[:8]
	}
	if _, exists := d.store.Task(nodeID); exists {
		nodeID = "act-" + uuid.NewString()[:8]
	}

	status := graph.StatusInProgress
	add := graph.Command{Kind: graph.CmdAddNode, AddNode: &graph.AddNodeCommand{Node: graph.TaskNode{
		ID:       nodeID,
		Kind:     graph.KindAction,
		Parent:   taskID,
		Status:   status,
		ToolName: action.Tool,
		ToolArgs: action.Params,
	}}}
	if res := d.store.Apply(graph.Batch{add}); !res.OK {
		h.Append("observation", fmt.Sprintf("could not record action %s: %v", nodeID, res.Rejected))
		return nodeID, false, true
	}

	h.Append("action", fmt.Sprintf("%s %s", action.Tool, NormalizeArgs(action.Params)))

	result, err := d.tools.CallTool(ctx, action.Tool, action.Params)
	var (
		final       = graph.StatusCompleted
		failed      bool
		resultText  string
		observation string
	)
	switch {
	case err != nil && ctx.Err() != nil:
		d.finalizeAction(nodeID, graph.StatusAborted, "", "operation aborted")
		return nodeID, true, false
	case errors.Is(err, toolhost.ErrTimeout):
		final, failed = graph.StatusFailed, true
		resultText = err.Error()
		observation = "tool call timed out"
	case err != nil:
		final, failed = graph.StatusFailed, true
		resultText = err.Error()
		observation = "tool transport error: " + err.Error()
	case result.IsError:
		final, failed = graph.StatusFailed, true
		resultText = result.Content
		observation = "tool reported failure: " + result.Content
	default:
		resultText = result.Content
		observation = result.Content
		if result.Truncated {
			observation += "\n(response was truncated to the byte budget)"
		}
	}

	d.finalizeAction(nodeID, final, resultText, observation)
	h.Append("observation", observation)

	if d.broker != nil {
		d.broker.Publish(events.ExecutionStepCompleted, string(llm.RoleExecutor), map[string]any{
			"task_id":   taskID,
			"action_id": nodeID,
			"step":      step,
			"tool":      action.Tool,
			"status":    final,
		})
	}
	return nodeID, false, failed
}

func (d *Driver) finalizeAction(nodeID string, status graph.TaskStatus, result, observation string) {
	res := d.store.Apply(graph.Batch{{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
		ID: nodeID,
		Updates: graph.NodeUpdates{
			Status:      &status,
			Result:      &result,
			Observation: &observation,
		},
	}}})
	if !res.OK {
		logging.Executor("could not finalize action %s: %v", nodeID, res.Rejected)
	}
}

// finish records the terminal task status and fills the outcome.
func (d *Driver) finish(out *Outcome, status graph.TaskStatus, hint graph.FailureLevel) {
	out.Status = status
	out.FailureHint = hint
	updates := graph.NodeUpdates{Status: &status}
	if hint != graph.FailureNone {
		level := hint
		updates.FailureLevel = &level
	}
	if out.Summary != "" {
		updates.Artifacts = []string{out.Summary}
	}
	res := d.store.Apply(graph.Batch{{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
		ID:      out.TaskID,
		Updates: updates,
	}}})
	if !res.OK {
		logging.Executor("could not finalize task %s: %v", out.TaskID, res.Rejected)
	}
}

func (d *Driver) setTaskStatus(taskID string, status graph.TaskStatus) error {
	res := d.store.Apply(graph.Batch{{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
		ID:      taskID,
		Updates: graph.NodeUpdates{Status: &status},
	}}})
	if !res.OK {
		return fmt.Errorf("cannot transition %s to %s: %v", taskID, status, res.Rejected)
	}
	return nil
}
