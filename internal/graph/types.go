// Package graph implements the dual-graph state store for one operation: the
// task DAG (root, subtasks, and executed actions) and the causal belief graph
// (facts, evidence, hypotheses, vulnerabilities, flags). All mutation goes
// through a small tagged-union command set applied atomically per batch.
package graph

import "time"

// RootID is the id of the root node seeded into every operation's task DAG.
const RootID = "root"

// NodeKind discriminates task-DAG nodes.
type NodeKind string

const (
	KindRoot   NodeKind = "root"
	KindTask   NodeKind = "task"
	KindAction NodeKind = "action"
)

// TaskStatus is the lifecycle state of a task-DAG node.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusDeprecated TaskStatus = "deprecated"
	StatusAborted    TaskStatus = "aborted"
	StatusStalled    TaskStatus = "stalled"
)

// Terminal reports whether the status admits no further transitions.
// Deprecated is sticky and counts as terminal for dependency gating.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted, StatusDeprecated:
		return true
	}
	return false
}

// canTransition encodes the task-node state machine:
//
//	pending -> in_progress -> (completed|failed|aborted)
//	any non-terminal -> deprecated
//	pending|in_progress <-> stalled (await-input, non-terminal)
func canTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusDeprecated {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusStalled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusAborted || to == StatusStalled
	case StatusStalled:
		return to == StatusInProgress || to == StatusPending
	}
	return false
}

// FailureLevel is the Reflector's attribution for a failed node.
type FailureLevel string

const (
	FailureNone FailureLevel = ""
	FailureL0   FailureLevel = "L0" // transient environmental, retry may help
	FailureL1   FailureLevel = "L1" // tool transport failure
	FailureL2   FailureLevel = "L2" // tool misuse
	FailureL3   FailureLevel = "L3" // reasoning error
	FailureL4   FailureLevel = "L4" // goal infeasible on current evidence
	FailureL5   FailureLevel = "L5" // fatal, unrecoverable
)

// Valid reports whether the level is one of L0..L5.
func (l FailureLevel) Valid() bool {
	switch l {
	case FailureL0, FailureL1, FailureL2, FailureL3, FailureL4, FailureL5:
		return true
	}
	return false
}

// TaskNode is one node of the task DAG. Action nodes additionally carry the
// tool invocation fields; the root additionally carries the mission flag.
type TaskNode struct {
	ID                 string     `json:"id"`
	Kind               NodeKind   `json:"kind"`
	Description        string     `json:"description"`
	CompletionCriteria string     `json:"completion_criteria,omitempty"`
	Status             TaskStatus `json:"status"`
	Dependencies       []string   `json:"dependencies,omitempty"`
	Parent             string     `json:"parent,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Artifacts         []string     `json:"artifacts,omitempty"`
	FailureLevel      FailureLevel `json:"failure_level,omitempty"`
	DeprecationReason string       `json:"deprecation_reason,omitempty"`

	// Action fields.
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	Result      string         `json:"result,omitempty"`
	Observation string         `json:"observation,omitempty"`

	// Root field.
	MissionAccomplished bool `json:"mission_accomplished,omitempty"`

	// Seq is the store-assigned creation order, the tie-break for ready
	// ordering and the stable sort key for snapshots.
	Seq uint64 `json:"seq"`
}

// clone returns a deep copy.
func (n *TaskNode) clone() *TaskNode {
	c := *n
	if n.Dependencies != nil {
		c.Dependencies = append([]string(nil), n.Dependencies...)
	}
	if n.Artifacts != nil {
		c.Artifacts = append([]string(nil), n.Artifacts...)
	}
	if n.ToolArgs != nil {
		c.ToolArgs = make(map[string]any, len(n.ToolArgs))
		for k, v := range n.ToolArgs {
			c.ToolArgs[k] = v
		}
	}
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CausalVariant discriminates causal-graph nodes. The set is closed.
type CausalVariant string

const (
	VariantKeyFact        CausalVariant = "key_fact"
	VariantEvidence       CausalVariant = "evidence"
	VariantHypothesis     CausalVariant = "hypothesis"
	VariantVulnerability  CausalVariant = "vulnerability"
	VariantConfirmedVuln  CausalVariant = "confirmed_vulnerability"
	VariantFlag           CausalVariant = "flag"
)

// Valid reports whether the variant is a member of the closed set.
func (v CausalVariant) Valid() bool {
	switch v {
	case VariantKeyFact, VariantEvidence, VariantHypothesis,
		VariantVulnerability, VariantConfirmedVuln, VariantFlag:
		return true
	}
	return false
}

// Relation labels edges. The task DAG uses depends_on only; the causal graph
// uses the reasoning vocabulary.
type Relation string

const (
	RelationDependsOn   Relation = "depends_on"
	RelationSupports    Relation = "supports"
	RelationContradicts Relation = "contradicts"
	RelationValidates   Relation = "validates"
	RelationExploits    Relation = "exploits"
)

// validCausalRelation reports membership in the causal vocabulary.
func validCausalRelation(r Relation) bool {
	switch r {
	case RelationSupports, RelationContradicts, RelationValidates, RelationExploits:
		return true
	}
	return false
}

// CausalNode is one node of the belief graph.
type CausalNode struct {
	ID             string        `json:"id"`
	Variant        CausalVariant `json:"variant"`
	Summary        string        `json:"summary"`
	Detail         string        `json:"detail,omitempty"`
	Confidence     float64       `json:"confidence,omitempty"`
	SourceActionID string        `json:"source_action_id,omitempty"`
	Deprecated     bool          `json:"deprecated,omitempty"`
	Deprecation    string        `json:"deprecation_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Seq            uint64        `json:"seq"`
}

func (n *CausalNode) clone() *CausalNode {
	c := *n
	return &c
}

// CausalEdge links two causal nodes with a labeled, weighted relation.
type CausalEdge struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Relation   Relation `json:"relation"`
	Confidence float64  `json:"confidence"`
	Seq        uint64   `json:"seq"`
}
