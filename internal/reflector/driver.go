// Package reflector audits finished subtasks: it checks the executor's work
// against the completion criteria, commits staged causal nodes it can vouch
// for, attributes failures, and decides whether the mission is accomplished.
// Each task termination is reflected exactly once.
package reflector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"talon/internal/events"
	"talon/internal/executor"
	"talon/internal/graph"
	"talon/internal/llm"
	"talon/internal/logging"
	"talon/internal/prompt"
)

// AuditStatus is the reflector's judgment of one subtask.
type AuditStatus string

const (
	AuditPassed       AuditStatus = "passed"
	AuditFailed       AuditStatus = "failed"
	AuditInconclusive AuditStatus = "inconclusive"
)

// AuditResult is the structured audit section of the reply.
type AuditResult struct {
	Status          AuditStatus `json:"status" jsonschema:"required,enum=passed,enum=failed,enum=inconclusive"`
	CompletionCheck string      `json:"completion_check"`
	LogicIssues     []string    `json:"logic_issues"`
}

// FailureAttribution carries the L0..L5 level and its rationale.
type FailureAttribution struct {
	Level     graph.FailureLevel `json:"level" jsonschema:"required"`
	Rationale string             `json:"rationale"`
}

// Reply is the expected reflector JSON.
type Reply struct {
	AuditResult               AuditResult         `json:"audit_result" jsonschema:"required"`
	CausalGraphUpdates        []map[string]any    `json:"causal_graph_updates"`
	FailureAttribution        *FailureAttribution `json:"failure_attribution"`
	GlobalMissionAccomplished bool                `json:"global_mission_accomplished"`
	AttackIntelligence        string              `json:"attack_intelligence"`
}

var replySchema = llm.MustSchemaFor[Reply]("reflector_reply")

// Verdict is what the scheduler routes on.
type Verdict struct {
	TaskID              string
	Status              AuditStatus
	Level               graph.FailureLevel
	Rationale           string
	MissionAccomplished bool
	// HardVeto is set when the mission flag lands together with a committed
	// ConfirmedVulnerability: the scheduler finalizes immediately.
	HardVeto           bool
	AttackIntelligence string
}

// Driver audits outcomes.
type Driver struct {
	asker  llm.Asker
	store  *graph.Store
	broker *events.Broker
	budget int

	mu        sync.Mutex
	reflected map[string]*Verdict
}

// New creates a reflector driver.
func New(asker llm.Asker, store *graph.Store, broker *events.Broker, tokenBudget int) *Driver {
	return &Driver{
		asker:     asker,
		store:     store,
		broker:    broker,
		budget:    tokenBudget,
		reflected: make(map[string]*Verdict),
	}
}

// Reflect audits one terminated subtask. A second reflection for the same
// task returns the recorded verdict without side effects. LLM failures are
// transformed into verdicts, never raised.
func (d *Driver) Reflect(ctx context.Context, out *executor.Outcome) *Verdict {
	d.mu.Lock()
	if v, done := d.reflected[out.TaskID]; done {
		d.mu.Unlock()
		return v
	}
	d.mu.Unlock()

	verdict := d.reflect(ctx, out)

	d.mu.Lock()
	if prior, done := d.reflected[out.TaskID]; done {
		d.mu.Unlock()
		return prior
	}
	d.reflected[out.TaskID] = verdict
	d.mu.Unlock()
	return verdict
}

func (d *Driver) reflect(ctx context.Context, out *executor.Outcome) *Verdict {
	task, ok := d.store.Task(out.TaskID)
	if !ok {
		return &Verdict{TaskID: out.TaskID, Status: AuditFailed, Level: graph.FailureL5, Rationale: "task missing from graph"}
	}

	// Aborted work is not audited; the operation is already winding down.
	if out.Status == graph.StatusAborted {
		return &Verdict{TaskID: out.TaskID, Status: AuditInconclusive, Level: graph.FailureL0, Rationale: "aborted"}
	}

	p := prompt.Reflector(prompt.ReflectorInput{
		Task:        *task,
		Outcome:     string(out.Status),
		Transcript:  out.Transcript,
		Staged:      out.Staged,
		TokenBudget: d.budget,
	})

	raw, err := d.asker.Ask(ctx, llm.RoleReflector, p, replySchema)
	if err != nil {
		level := graph.FailureL1
		if errors.Is(err, llm.ErrValidation) {
			level = graph.FailureL3
		}
		logging.Reflector("task %s: audit call failed: %v", out.TaskID, err)
		return &Verdict{TaskID: out.TaskID, Status: AuditInconclusive, Level: level, Rationale: err.Error()}
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return &Verdict{TaskID: out.TaskID, Status: AuditInconclusive, Level: graph.FailureL3, Rationale: err.Error()}
	}

	d.commitCausal(out, reply.CausalGraphUpdates)
	d.annotateTask(out.TaskID, reply)

	verdict := &Verdict{
		TaskID:              out.TaskID,
		Status:              reply.AuditResult.Status,
		MissionAccomplished: reply.GlobalMissionAccomplished,
		AttackIntelligence:  reply.AttackIntelligence,
	}
	if reply.AuditResult.Status != AuditPassed {
		switch {
		case reply.FailureAttribution != nil && reply.FailureAttribution.Level.Valid():
			verdict.Level = reply.FailureAttribution.Level
			verdict.Rationale = reply.FailureAttribution.Rationale
		case out.FailureHint != graph.FailureNone:
			verdict.Level = out.FailureHint
			verdict.Rationale = "executor failure hint"
		case reply.AuditResult.Status == AuditFailed:
			// A failure with no attribution defaults to a reasoning error;
			// an unattributed inconclusive stays unleveled so the scheduler
			// counts the streak instead of re-planning immediately.
			verdict.Level = graph.FailureL3
			verdict.Rationale = "no attribution provided"
		}
	}

	if reply.GlobalMissionAccomplished {
		d.markMission()
		if len(d.store.ConfirmedVulnerabilities()) > 0 {
			verdict.HardVeto = true
		}
	}

	logging.Reflector("task %s: status=%s level=%s mission=%v veto=%v",
		out.TaskID, verdict.Status, verdict.Level, verdict.MissionAccomplished, verdict.HardVeto)
	return verdict
}

// commitCausal applies the reflector's causal commands. A rejected commit
// loses the updates but not the operation; the store has already emitted
// graph.rejected for the audit trail.
func (d *Driver) commitCausal(out *executor.Outcome, updates []map[string]any) {
	if len(updates) == 0 {
		return
	}
	raws := make([]json.RawMessage, 0, len(updates))
	for _, op := range updates {
		data, err := json.Marshal(op)
		if err != nil {
			logging.Reflector("task %s: dropping unencodable causal update: %v", out.TaskID, err)
			return
		}
		raws = append(raws, data)
	}
	batch, err := graph.ParseBatch(raws)
	if err != nil {
		logging.Reflector("task %s: causal updates failed to parse: %v", out.TaskID, err)
		return
	}
	if res := d.store.Apply(batch); !res.OK {
		logging.Reflector("task %s: causal commit rejected: %v", out.TaskID, res.Rejected)
	}
}

// annotateTask attaches the audit artifacts to the task node.
func (d *Driver) annotateTask(taskID string, reply Reply) {
	updates := graph.NodeUpdates{}
	changed := false
	if reply.AttackIntelligence != "" {
		updates.Artifacts = append(updates.Artifacts, "intel: "+reply.AttackIntelligence)
		changed = true
	}
	if reply.AuditResult.Status != AuditPassed && reply.FailureAttribution != nil && reply.FailureAttribution.Level.Valid() {
		level := reply.FailureAttribution.Level
		updates.FailureLevel = &level
		changed = true
	}
	if !changed {
		return
	}
	res := d.store.Apply(graph.Batch{{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
		ID:      taskID,
		Updates: updates,
	}}})
	if !res.OK {
		logging.Reflector("task %s: annotation rejected: %v", taskID, res.Rejected)
	}
}

func (d *Driver) markMission() {
	flag := true
	res := d.store.Apply(graph.Batch{{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
		ID:      graph.RootID,
		Updates: graph.NodeUpdates{MissionAccomplished: &flag},
	}}})
	if !res.OK {
		logging.Reflector("could not set mission flag: %v", res.Rejected)
		return
	}
	if d.broker != nil {
		d.broker.Publish(events.MissionAccomplished, string(llm.RoleReflector), map[string]any{
			"confirmed_vulnerabilities": len(d.store.ConfirmedVulnerabilities()),
		})
	}
}
