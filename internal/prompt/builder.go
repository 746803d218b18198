// Package prompt assembles the role prompts. Graph renderings are bounded to
// a token budget so a long operation cannot outgrow the model's context.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"talon/internal/graph"
	"talon/internal/rag"
	"talon/internal/toolhost"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens estimates the token cost of text. Falls back to a bytes/4
// heuristic when the encoding is unavailable (offline hosts).
func CountTokens(text string) int {
	encOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			enc = e
		}
	})
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// TruncateToBudget trims text to roughly the given token budget, cutting
// whole lines from the front (the oldest material) and marking the cut.
func TruncateToBudget(text string, budget int) string {
	if budget <= 0 || CountTokens(text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 && CountTokens(strings.Join(lines, "\n")) > budget {
		drop := len(lines) / 4
		if drop < 1 {
			drop = 1
		}
		lines = lines[drop:]
	}
	return "[earlier content elided]\n" + strings.Join(lines, "\n")
}

// =============================================================================
// GRAPH RENDERING
// =============================================================================

// RenderTaskGraph renders the task DAG as a compact indented listing.
func RenderTaskGraph(v graph.View) string {
	var sb strings.Builder
	actionsByParent := map[string]int{}
	for _, n := range v.Tasks {
		if n.Kind == graph.KindAction {
			actionsByParent[n.Parent]++
		}
	}
	for _, n := range v.Tasks {
		switch n.Kind {
		case graph.KindRoot:
			fmt.Fprintf(&sb, "GOAL: %s [%s]\n", n.Description, n.Status)
		case graph.KindTask:
			deps := ""
			if len(n.Dependencies) > 0 {
				deps = " deps=" + strings.Join(n.Dependencies, ",")
			}
			extra := ""
			if n.FailureLevel != graph.FailureNone {
				extra = fmt.Sprintf(" failure=%s", n.FailureLevel)
			}
			if count := actionsByParent[n.ID]; count > 0 {
				extra += fmt.Sprintf(" actions=%d", count)
			}
			fmt.Fprintf(&sb, "- %s [%s]%s%s: %s\n", n.ID, n.Status, deps, extra, n.Description)
		}
	}
	return sb.String()
}

// RenderCausal renders causal nodes grouped by variant, in creation order
// within each variant.
func RenderCausal(nodes []graph.CausalNode, edges []graph.CausalEdge) string {
	if len(nodes) == 0 {
		return "(empty)\n"
	}
	inbound := map[string][]string{}
	for _, e := range edges {
		inbound[e.Target] = append(inbound[e.Target],
			fmt.Sprintf("%s %s (%.2f)", e.Source, e.Relation, e.Confidence))
	}
	sorted := append([]graph.CausalNode(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Variant != sorted[j].Variant {
			return sorted[i].Variant < sorted[j].Variant
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	var sb strings.Builder
	for _, n := range sorted {
		conf := ""
		if n.Confidence > 0 {
			conf = fmt.Sprintf(" conf=%.2f", n.Confidence)
		}
		fmt.Fprintf(&sb, "- [%s] %s%s: %s\n", n.Variant, n.ID, conf, n.Summary)
		if links := inbound[n.ID]; len(links) > 0 {
			fmt.Fprintf(&sb, "    <- %s\n", strings.Join(links, "; "))
		}
	}
	return sb.String()
}

// =============================================================================
// ROLE PROMPTS
// =============================================================================

// PlannerInput carries everything the planning prompt renders.
type PlannerInput struct {
	Goal           string
	View           graph.View
	Initial        bool
	RecentFailures []string
	Guidance       []rag.Passage
	RejectReason   string
	TokenBudget    int
}

// Planner builds the planning prompt.
func Planner(in PlannerInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Objective:\n%s\n\n", in.Goal)

	if in.Initial {
		sb.WriteString("No plan exists yet. Decompose the objective into an initial set of subtasks.\n")
		sb.WriteString("Emit at least one ADD_NODE command with kind \"task\".\n\n")
	} else {
		sb.WriteString("Current task graph:\n")
		sb.WriteString(TruncateToBudget(RenderTaskGraph(in.View), in.TokenBudget/2))
		sb.WriteString("\nCurrent belief graph:\n")
		sb.WriteString(TruncateToBudget(RenderCausal(in.View.CausalNodes, in.View.CausalEdges), in.TokenBudget/3))
		sb.WriteString("\n")
	}

	if len(in.RecentFailures) > 0 {
		sb.WriteString("Recent failures:\n")
		for _, f := range in.RecentFailures {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}
	if len(in.Guidance) > 0 {
		sb.WriteString("Retrieved guidance:\n")
		for _, p := range in.Guidance {
			fmt.Fprintf(&sb, "- %s\n", p.Text)
		}
		sb.WriteString("\n")
	}
	if in.RejectReason != "" {
		fmt.Fprintf(&sb, "Your previous batch was rejected: %s\nRevise it.\n\n", in.RejectReason)
	}

	sb.WriteString(`Inspect the graph and decide the next mutations. Reply with JSON:
{
  "thought": "...",
  "graph_operations": [
    {"command": "ADD_NODE", "node_data": {"id": "...", "kind": "task", "description": "...", "completion_criteria": "...", "dependencies": []}},
    {"command": "UPDATE_NODE", "id": "...", "updates": {...}},
    {"command": "ADD_EDGE", "source": "...", "target": "..."},
    {"command": "DEPRECATE_NODE", "id": "...", "reason": "..."}
  ],
  "goal_achieved": false
}
Set "goal_achieved" true only when the objective is demonstrably met.
If every remaining task is a dead end, either replace the plan or declare the goal.
`)
	return sb.String()
}

// ExecutorInput carries everything the executor step prompt renders.
type ExecutorInput struct {
	Task        graph.TaskNode
	Causal      []graph.CausalNode
	CausalEdges []graph.CausalEdge
	Tools       []toolhost.ToolInfo
	History     string
	TokenBudget int
}

// Executor builds the per-step action prompt.
func Executor(in ExecutorInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subtask %s: %s\n", in.Task.ID, in.Task.Description)
	if in.Task.CompletionCriteria != "" {
		fmt.Fprintf(&sb, "Completion criteria: %s\n", in.Task.CompletionCriteria)
	}
	sb.WriteString("\nKnown beliefs relevant to this subtask:\n")
	sb.WriteString(TruncateToBudget(RenderCausal(in.Causal, in.CausalEdges), in.TokenBudget/4))

	sb.WriteString("\nAvailable tools:\n")
	for _, t := range in.Tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	fmt.Fprintf(&sb, "- %s: stop this subtask immediately (use when continuing is pointless)\n", HaltTool)

	if in.History != "" {
		sb.WriteString("\nRecent steps:\n")
		sb.WriteString(TruncateToBudget(in.History, in.TokenBudget/2))
	}

	sb.WriteString(`
Decide the next action(s) or declare the subtask done. Reply with JSON:
{
  "thought": "...",
  "execution_operations": [{"tool": "...", "params": {...}, "node_id": "..."}],
  "is_subtask_complete": false,
  "summary": "",
  "staged_causal_nodes": [{"variant": "key_fact", "fields": {"id": "...", "summary": "..."}}]
}
When is_subtask_complete is true, leave execution_operations empty, write the
summary, and stage any causal nodes the evidence supports.
`)
	return sb.String()
}

// HaltTool is the meta-tool the executor intercepts before the tool host.
const HaltTool = "halt_task"

// ReflectorInput carries everything the audit prompt renders.
type ReflectorInput struct {
	Task        graph.TaskNode
	Outcome     string
	Transcript  string
	Staged      []graph.AddCausalNodeCommand
	TokenBudget int
}

// Reflector builds the audit prompt.
func Reflector(in ReflectorInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Audit subtask %s: %s\n", in.Task.ID, in.Task.Description)
	if in.Task.CompletionCriteria != "" {
		fmt.Fprintf(&sb, "Completion criteria: %s\n", in.Task.CompletionCriteria)
	}
	fmt.Fprintf(&sb, "Terminal status: %s\n\n", in.Outcome)

	sb.WriteString("Execution transcript:\n")
	sb.WriteString(TruncateToBudget(in.Transcript, in.TokenBudget/2))
	sb.WriteString("\n")

	if len(in.Staged) > 0 {
		sb.WriteString("Causal nodes staged by the executor:\n")
		for _, n := range in.Staged {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", n.Variant, n.Fields.ID, n.Fields.Summary)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`Check the work against the completion criteria. Reply with JSON:
{
  "audit_result": {"status": "passed", "completion_check": "...", "logic_issues": []},
  "causal_graph_updates": [
    {"command": "ADD_CAUSAL_NODE", "variant": "...", "fields": {...}},
    {"command": "ADD_CAUSAL_EDGE", "source": "...", "target": "...", "relation": "supports", "confidence": 0.8}
  ],
  "failure_attribution": {"level": "L0", "rationale": "..."},
  "global_mission_accomplished": false,
  "attack_intelligence": ""
}
"status" is one of passed, failed, inconclusive. Include failure_attribution
only when status is not passed: L0 transient environment, L1 tool transport,
L2 tool misuse, L3 reasoning error, L4 goal infeasible, L5 fatal.
Commit staged nodes you can vouch for via causal_graph_updates; drop the rest.
`)
	return sb.String()
}

// Summarize builds the history-compression prompt for the secondary call.
func Summarize(block string) string {
	return "Summarize these tool observations into one terse paragraph. Keep " +
		"every concrete fact (hosts, ports, paths, versions, credentials, error " +
		"strings); drop narration. Do not add conclusions.\n\n" + block
}
