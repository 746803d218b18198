package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talon/internal/graph"
	"talon/internal/toolhost"
)

func sampleView() graph.View {
	return graph.View{
		Tasks: []graph.TaskNode{
			{ID: graph.RootID, Kind: graph.KindRoot, Description: "take the flag", Status: graph.StatusInProgress, Seq: 1},
			{ID: "t1", Kind: graph.KindTask, Description: "map the surface", Status: graph.StatusCompleted, Seq: 2},
			{ID: "t2", Kind: graph.KindTask, Description: "probe login", Status: graph.StatusPending,
				Dependencies: []string{"t1"}, FailureLevel: graph.FailureNone, Seq: 3},
			{ID: "a1", Kind: graph.KindAction, Parent: "t1", Status: graph.StatusCompleted, Seq: 4},
		},
		CausalNodes: []graph.CausalNode{
			{ID: "kf1", Variant: graph.VariantKeyFact, Summary: "login form present", Seq: 5},
			{ID: "h1", Variant: graph.VariantHypothesis, Summary: "weak creds", Confidence: 0.4, Seq: 6},
		},
		CausalEdges: []graph.CausalEdge{
			{Source: "kf1", Target: "h1", Relation: graph.RelationSupports, Confidence: 0.5, Seq: 7},
		},
	}
}

func TestPlannerPromptShape(t *testing.T) {
	p := Planner(PlannerInput{
		Goal:           "take the flag",
		View:           sampleView(),
		RecentFailures: []string{"t9 [L2]: fumbled arguments"},
		RejectReason:   "cycle between t1 and t2",
		TokenBudget:    6000,
	})
	require.Contains(t, p, "take the flag")
	assert.Contains(t, p, "t2 [pending] deps=t1")
	assert.Contains(t, p, "[key_fact] kf1")
	assert.Contains(t, p, "kf1 supports (0.50)")
	assert.Contains(t, p, "t9 [L2]")
	assert.Contains(t, p, "cycle between t1 and t2")
	assert.Contains(t, p, `"graph_operations"`)
}

func TestInitialPlannerPromptOmitsGraph(t *testing.T) {
	p := Planner(PlannerInput{Goal: "take the flag", Initial: true, TokenBudget: 6000})
	assert.Contains(t, p, "No plan exists yet")
	assert.NotContains(t, p, "Current task graph")
}

func TestExecutorPromptListsToolsAndHalt(t *testing.T) {
	p := Executor(ExecutorInput{
		Task:        graph.TaskNode{ID: "t2", Description: "probe login", CompletionCriteria: "creds tested"},
		Tools:       []toolhost.ToolInfo{{Name: "http_get", Description: "fetch a url"}},
		History:     "[action] http_get /login\n[observation] 200 OK",
		TokenBudget: 6000,
	})
	require.Contains(t, p, "Subtask t2")
	assert.Contains(t, p, "creds tested")
	assert.Contains(t, p, "http_get: fetch a url")
	assert.Contains(t, p, HaltTool)
	assert.Contains(t, p, "[observation] 200 OK")
}

func TestTruncateToBudgetDropsOldestLines(t *testing.T) {
	long := strings.Repeat("alpha beta gamma delta epsilon\n", 400)
	out := TruncateToBudget(long, 50)
	require.Less(t, len(out), len(long))
	assert.True(t, strings.HasPrefix(out, "[earlier content elided]"))
	// The newest material survives.
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "epsilon"))

	short := "one line"
	assert.Equal(t, short, TruncateToBudget(short, 50))
	assert.Equal(t, long, TruncateToBudget(long, 0))
}
