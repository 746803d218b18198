package graph

import (
	"encoding/json"
	"fmt"
)

// CommandKind tags the mutation command union.
type CommandKind string

const (
	CmdAddNode       CommandKind = "ADD_NODE"
	CmdUpdateNode    CommandKind = "UPDATE_NODE"
	CmdAddEdge       CommandKind = "ADD_EDGE"
	CmdDeprecateNode CommandKind = "DEPRECATE_NODE"
	CmdAddCausalNode CommandKind = "ADD_CAUSAL_NODE"
	CmdAddCausalEdge CommandKind = "ADD_CAUSAL_EDGE"
)

// Command is the tagged union of graph mutations. Exactly one payload field
// is non-nil, matching Kind.
type Command struct {
	Kind CommandKind

	AddNode       *AddNodeCommand
	UpdateNode    *UpdateNodeCommand
	AddEdge       *AddEdgeCommand
	DeprecateNode *DeprecateNodeCommand
	AddCausalNode *AddCausalNodeCommand
	AddCausalEdge *AddCausalEdgeCommand
}

// Batch is an ordered list of commands applied all-or-nothing.
type Batch []Command

// AddNodeCommand inserts a new task-DAG node.
type AddNodeCommand struct {
	Node TaskNode `json:"node_data"`
}

// NodeUpdates is the partial-merge payload of UPDATE_NODE. Nil pointers leave
// the field untouched; Artifacts are appended, not replaced.
type NodeUpdates struct {
	Description        *string       `json:"description,omitempty"`
	CompletionCriteria *string       `json:"completion_criteria,omitempty"`
	Status             *TaskStatus   `json:"status,omitempty"`
	Dependencies       *[]string     `json:"dependencies,omitempty"`
	Artifacts          []string      `json:"artifacts,omitempty"`
	FailureLevel       *FailureLevel `json:"failure_level,omitempty"`
	Result             *string       `json:"result,omitempty"`
	Observation        *string       `json:"observation,omitempty"`

	// Causal-node fields.
	Summary    *string        `json:"summary,omitempty"`
	Detail     *string        `json:"detail,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Variant    *CausalVariant `json:"variant,omitempty"`

	// Rationale must be cited when a confidence is lowered.
	Rationale string `json:"rationale,omitempty"`

	// Root field.
	MissionAccomplished *bool `json:"mission_accomplished,omitempty"`
}

// UpdateNodeCommand partially merges updates into an existing node of either
// graph (the id decides which graph).
type UpdateNodeCommand struct {
	ID      string      `json:"id"`
	Updates NodeUpdates `json:"updates"`
}

// AddEdgeCommand adds a dependency edge to the task DAG: target depends on
// source (source must reach a terminal state before target may start).
type AddEdgeCommand struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Relation   Relation `json:"relation,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// DeprecateNodeCommand marks a non-terminal node deprecated. Idempotent.
type DeprecateNodeCommand struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// CausalFields is the payload of ADD_CAUSAL_NODE.
type CausalFields struct {
	ID             string  `json:"id"`
	Summary        string  `json:"summary"`
	Detail         string  `json:"detail,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	SourceActionID string  `json:"source_action_id,omitempty"`
}

// AddCausalNodeCommand inserts a belief-graph node.
type AddCausalNodeCommand struct {
	Variant CausalVariant `json:"variant"`
	Fields  CausalFields  `json:"fields"`
}

// AddCausalEdgeCommand links two belief-graph nodes.
type AddCausalEdgeCommand struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Relation   Relation `json:"relation"`
	Confidence float64  `json:"confidence"`
}

// commandEnvelope is the wire form: a flat object discriminated by "command".
type commandEnvelope struct {
	Command CommandKind `json:"command"`

	NodeData *TaskNode    `json:"node_data,omitempty"`
	ID       string       `json:"id,omitempty"`
	Updates  *NodeUpdates `json:"updates,omitempty"`

	Source     string   `json:"source,omitempty"`
	Target     string   `json:"target,omitempty"`
	Relation   Relation `json:"relation,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	Reason string `json:"reason,omitempty"`

	Variant CausalVariant `json:"variant,omitempty"`
	Fields  *CausalFields `json:"fields,omitempty"`
}

// UnmarshalJSON decodes the wire form into the tagged union, rejecting
// unknown or malformed commands at the boundary.
func (c *Command) UnmarshalJSON(data []byte) error {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	switch env.Command {
	case CmdAddNode:
		if env.NodeData == nil {
			return fmt.Errorf("%s: node_data is required", env.Command)
		}
		c.Kind = CmdAddNode
		c.AddNode = &AddNodeCommand{Node: *env.NodeData}
	case CmdUpdateNode:
		if env.ID == "" {
			return fmt.Errorf("%s: id is required", env.Command)
		}
		if env.Updates == nil {
			return fmt.Errorf("%s: updates is required", env.Command)
		}
		c.Kind = CmdUpdateNode
		c.UpdateNode = &UpdateNodeCommand{ID: env.ID, Updates: *env.Updates}
	case CmdAddEdge:
		if env.Source == "" || env.Target == "" {
			return fmt.Errorf("%s: source and target are required", env.Command)
		}
		c.Kind = CmdAddEdge
		c.AddEdge = &AddEdgeCommand{Source: env.Source, Target: env.Target, Relation: env.Relation, Confidence: env.Confidence}
	case CmdDeprecateNode:
		if env.ID == "" {
			return fmt.Errorf("%s: id is required", env.Command)
		}
		c.Kind = CmdDeprecateNode
		c.DeprecateNode = &DeprecateNodeCommand{ID: env.ID, Reason: env.Reason}
	case CmdAddCausalNode:
		if env.Fields == nil || env.Fields.ID == "" {
			return fmt.Errorf("%s: fields.id is required", env.Command)
		}
		if !env.Variant.Valid() {
			return fmt.Errorf("%s: unknown variant %q", env.Command, env.Variant)
		}
		c.Kind = CmdAddCausalNode
		c.AddCausalNode = &AddCausalNodeCommand{Variant: env.Variant, Fields: *env.Fields}
	case CmdAddCausalEdge:
		if env.Source == "" || env.Target == "" {
			return fmt.Errorf("%s: source and target are required", env.Command)
		}
		if !validCausalRelation(env.Relation) {
			return fmt.Errorf("%s: unknown relation %q", env.Command, env.Relation)
		}
		conf := 0.0
		if env.Confidence != nil {
			conf = *env.Confidence
		}
		if conf < 0 || conf > 1 {
			return fmt.Errorf("%s: confidence %v out of [0,1]", env.Command, conf)
		}
		c.Kind = CmdAddCausalEdge
		c.AddCausalEdge = &AddCausalEdgeCommand{Source: env.Source, Target: env.Target, Relation: env.Relation, Confidence: conf}
	default:
		return fmt.Errorf("unknown command %q", env.Command)
	}
	return nil
}

// MarshalJSON re-encodes the union into the flat wire form.
func (c Command) MarshalJSON() ([]byte, error) {
	env := commandEnvelope{Command: c.Kind}
	switch c.Kind {
	case CmdAddNode:
		node := c.AddNode.Node
		env.NodeData = &node
	case CmdUpdateNode:
		env.ID = c.UpdateNode.ID
		updates := c.UpdateNode.Updates
		env.Updates = &updates
	case CmdAddEdge:
		env.Source = c.AddEdge.Source
		env.Target = c.AddEdge.Target
		env.Relation = c.AddEdge.Relation
		env.Confidence = c.AddEdge.Confidence
	case CmdDeprecateNode:
		env.ID = c.DeprecateNode.ID
		env.Reason = c.DeprecateNode.Reason
	case CmdAddCausalNode:
		env.Variant = c.AddCausalNode.Variant
		fields := c.AddCausalNode.Fields
		env.Fields = &fields
	case CmdAddCausalEdge:
		env.Source = c.AddCausalEdge.Source
		env.Target = c.AddCausalEdge.Target
		env.Relation = c.AddCausalEdge.Relation
		conf := c.AddCausalEdge.Confidence
		env.Confidence = &conf
	default:
		return nil, fmt.Errorf("marshal: unknown command kind %q", c.Kind)
	}
	return json.Marshal(env)
}

// ParseBatch decodes a list of raw wire commands into a Batch. The whole
// batch is rejected on the first malformed command; nothing downstream ever
// sees a partially-valid batch.
func ParseBatch(raws []json.RawMessage) (Batch, error) {
	batch := make(Batch, 0, len(raws))
	for i, raw := range raws {
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		batch = append(batch, cmd)
	}
	return batch, nil
}
