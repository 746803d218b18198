// Package scheduler implements the P-E-R loop and the operation lifecycle
// surface. One Operation owns one task DAG, one causal graph, one event
// topic, one gate, and one control loop; operations are fully isolated and
// run in parallel under the manager's capacity bound.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"talon/internal/checkpoint"
	"talon/internal/config"
	"talon/internal/events"
	"talon/internal/executor"
	"talon/internal/gate"
	"talon/internal/graph"
	"talon/internal/llm"
	"talon/internal/logging"
	"talon/internal/planner"
	"talon/internal/reflector"
)

// Status is the user-visible state of an operation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusStalled   Status = "stalled"
)

// Terminal reports whether the operation has finished.
func (s Status) Terminal() bool { return s != StatusRunning }

// Operation is one autonomous run.
type Operation struct {
	ID   string
	Goal string

	store     *graph.Store
	broker    *events.Broker
	gate      *gate.Gate
	planner   *planner.Driver
	executor  *executor.Driver
	reflector *reflector.Driver
	llm       *llm.Client
	ckpt      *checkpoint.Store
	cfg       config.SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	nudge  chan struct{}

	mu         sync.Mutex
	status     Status
	level      graph.FailureLevel
	rationale  string
	steps      int
	retries    map[string]int
	dispatched map[string]bool
}

// directive tells the outer loop what the dispatch loop decided.
type directive struct {
	kind   directiveKind
	reason string
	level  graph.FailureLevel
}

type directiveKind int

const (
	dirReplan directiveKind = iota
	dirSucceeded
	dirFailed
	dirAborted
)

// Done closes when the operation reaches a terminal status.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Status returns the current user-visible state.
func (o *Operation) Status() (Status, graph.FailureLevel, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status, o.level, o.rationale
}

// Store exposes the graph store for snapshots.
func (o *Operation) Store() *graph.Store { return o.store }

// Broker exposes the event topic for subscriptions.
func (o *Operation) Broker() *events.Broker { return o.broker }

// Abort requests cooperative cancellation. Idempotent.
func (o *Operation) Abort() {
	o.gate.ResolveAll(gate.AbortReason)
	o.cancel()
}

// Inject routes an out-of-band task through the gate invariants and into the
// DAG, then nudges the dispatch loop.
func (o *Operation) Inject(description string, deps []string) error {
	batch := graph.Batch{{Kind: graph.CmdAddNode, AddNode: &graph.AddNodeCommand{Node: graph.TaskNode{
		ID:           fmt.Sprintf("inject-%d", time.Now().UnixNano()),
		Kind:         graph.KindTask,
		Description:  description,
		Dependencies: deps,
	}}}}
	if res := o.store.Validate(batch); !res.OK {
		return fmt.Errorf("injected task rejected: %v", res.Rejected)
	}
	resolution, err := o.gate.Submit(o.ctx, batch)
	if err != nil {
		return err
	}
	if resolution.Action == gate.Reject {
		return fmt.Errorf("injected task rejected by intervention: %s", resolution.Reason)
	}
	if res := o.store.Apply(resolution.Batch); !res.OK {
		return fmt.Errorf("injected task rejected: %v", res.Rejected)
	}
	select {
	case o.nudge <- struct{}{}:
	default:
	}
	return nil
}

// =============================================================================
// MAIN LOOP
// =============================================================================

// run drives the operation until a terminal status.
func (o *Operation) run() {
	defer close(o.done)
	defer o.broker.Close()
	defer o.saveCheckpoint()

	heartbeatCtx, stopHeartbeat := context.WithCancel(o.ctx)
	defer stopHeartbeat()
	go o.heartbeatLoop(heartbeatCtx)

	logging.Scheduler("=== operation %s started: %s ===", o.ID, o.Goal)

	in := planner.Input{Initial: true}
	planRejects := 0
	inconclusive := 0

	for {
		if o.ctx.Err() != nil {
			o.finalize(StatusAborted, graph.FailureNone, "abort requested")
			return
		}

		// PLAN
		o.broker.Publish(events.PhaseChanged, "", events.PhasePlanning)
		plan, err := o.planner.Plan(o.ctx, o.store, in)
		if err != nil {
			if o.ctx.Err() != nil {
				o.finalize(StatusAborted, graph.FailureNone, "abort requested")
				return
			}
			planRejects++
			if planRejects > o.cfg.PlanRejectBudget {
				o.finalize(StatusStalled, graph.FailureNone, "planner cannot produce a valid plan: "+err.Error())
				return
			}
			logging.Scheduler("op %s: plan attempt rejected (%d/%d): %v", o.ID, planRejects, o.cfg.PlanRejectBudget, err)
			in = planner.Input{Initial: in.Initial, RejectReason: err.Error()}
			continue
		}

		// An empty batch without the goal flag is a stall, not a dispatch.
		if plan.Empty && !plan.GoalAchieved {
			o.stall("planner produced no work and did not declare the goal")
			if resumed, batch := o.awaitStallDecision(); resumed {
				if res := o.store.Apply(batch); res.OK {
					in = planner.Input{}
					planRejects = 0
					o.setStatus(StatusRunning)
					continue
				}
			}
			return
		}

		// GATE, then APPLY
		if len(plan.Batch) > 0 {
			resolution, err := o.gate.Submit(o.ctx, plan.Batch)
			if err != nil {
				o.finalize(StatusAborted, graph.FailureNone, "aborted while awaiting intervention")
				return
			}
			if resolution.Action == gate.Reject {
				planRejects++
				if planRejects > o.cfg.PlanRejectBudget {
					o.finalize(StatusStalled, graph.FailureNone, "plan repeatedly rejected: "+resolution.Reason)
					return
				}
				in = planner.Input{RejectReason: "intervention rejected the plan: " + resolution.Reason}
				continue
			}
			if res := o.store.Apply(resolution.Batch); !res.OK {
				planRejects++
				if planRejects > o.cfg.PlanRejectBudget {
					o.finalize(StatusStalled, graph.FailureNone, "plan repeatedly violated graph invariants")
					return
				}
				in = planner.Input{RejectReason: rejectionSummary(res.Rejected)}
				continue
			}
		}
		planRejects = 0
		in = planner.Input{}
		o.saveCheckpoint()

		if plan.GoalAchieved {
			o.finalize(StatusSucceeded, graph.FailureNone, "planner declared the goal achieved")
			return
		}

		// DISPATCH / EXECUTE / REFLECT until work runs out or terminates.
		dir := o.dispatchLoop(&inconclusive)
		switch dir.kind {
		case dirReplan:
			in = planner.Input{RecentFailures: o.recentFailures(), RejectReason: dir.reason}
		case dirSucceeded:
			o.finalize(StatusSucceeded, graph.FailureNone, dir.reason)
			return
		case dirFailed:
			o.finalize(StatusFailed, dir.level, dir.reason)
			return
		case dirAborted:
			o.finalize(StatusAborted, graph.FailureNone, dir.reason)
			return
		}
	}
}

// dispatchLoop runs ready tasks through executor workers up to the fanout
// bound, reflecting on each completion as it lands. It returns when the
// operation should terminate or re-plan.
func (o *Operation) dispatchLoop(inconclusive *int) directive {
	// Buffered to the fanout bound so a worker finishing after termination
	// never blocks on a departed receiver.
	results := make(chan *executor.Outcome, o.cfg.MaxParallel)
	inflight := 0

	collectOne := func() (out *executor.Outcome, aborted bool) {
		select {
		case out = <-results:
			return out, false
		case <-o.ctx.Done():
			return nil, true
		}
	}

	for {
		if o.ctx.Err() != nil {
			return o.drainAborted(results, inflight)
		}

		ready := o.store.ReadyTasks()
		launched := false
		for _, id := range ready {
			if inflight >= o.cfg.MaxParallel {
				break
			}
			o.mu.Lock()
			if o.dispatched[id] {
				o.mu.Unlock()
				continue
			}
			o.dispatched[id] = true
			o.mu.Unlock()

			inflight++
			launched = true
			logging.Scheduler("op %s: dispatch %s (%d in flight)", o.ID, id, inflight)
			go func(taskID string) {
				results <- o.executor.Run(o.ctx, taskID)
			}(id)
		}
		if launched {
			o.broker.Publish(events.PhaseChanged, "", events.PhaseExecuting)
		}

		if inflight == 0 {
			if o.store.MissionAccomplished() {
				return directive{kind: dirSucceeded, reason: "mission accomplished"}
			}
			select {
			case <-o.nudge:
				continue
			default:
			}
			return directive{kind: dirReplan, reason: "no ready tasks and no work in flight"}
		}

		out, aborted := collectOne()
		if aborted {
			return o.drainAborted(results, inflight)
		}
		inflight--

		o.mu.Lock()
		o.steps += out.Steps
		steps := o.steps
		o.mu.Unlock()
		if o.cfg.OperationStepBudget > 0 && steps > o.cfg.OperationStepBudget {
			return directive{kind: dirFailed, level: graph.FailureL4,
				reason: fmt.Sprintf("operation step budget (%d) exhausted", o.cfg.OperationStepBudget)}
		}

		// REFLECT
		o.broker.Publish(events.PhaseChanged, "", events.PhaseReflecting)
		verdict := o.reflector.Reflect(o.ctx, out)
		o.saveCheckpoint()

		if verdict.HardVeto || verdict.MissionAccomplished {
			// The hard veto ignores any still-ready tasks; in-flight workers
			// are cancelled by finalization.
			return directive{kind: dirSucceeded, reason: "reflector confirmed mission accomplished"}
		}

		switch verdict.Status {
		case reflector.AuditPassed:
			*inconclusive = 0
		case reflector.AuditInconclusive:
			*inconclusive++
			if *inconclusive >= o.cfg.InconclusiveReplanAt {
				*inconclusive = 0
				return directive{kind: dirReplan, reason: "consecutive inconclusive reflections"}
			}
			if dir := o.routeFailure(out.TaskID, verdict); dir != nil {
				return *dir
			}
		default: // failed
			*inconclusive = 0
			if dir := o.routeFailure(out.TaskID, verdict); dir != nil {
				return *dir
			}
		}
	}
}

// routeFailure maps a failure level to retry, re-plan, or abort. Returns nil
// when the dispatch loop should simply continue.
func (o *Operation) routeFailure(taskID string, v *reflector.Verdict) *directive {
	switch v.Level {
	case graph.FailureL0, graph.FailureL1:
		// Retries of retries count against the original task's budget.
		base := strings.SplitN(taskID, "#", 2)[0]
		o.mu.Lock()
		o.retries[base]++
		attempt := o.retries[base]
		o.mu.Unlock()
		if attempt <= o.cfg.RetryBudget {
			if err := o.retryTask(taskID, attempt); err != nil {
				logging.Scheduler("op %s: retry of %s failed: %v", o.ID, taskID, err)
				return &directive{kind: dirReplan, reason: "automatic retry could not be scheduled"}
			}
			logging.Scheduler("op %s: retry %d/%d for %s (level %s)", o.ID, attempt, o.cfg.RetryBudget, taskID, v.Level)
			return nil
		}
		return &directive{kind: dirReplan,
			reason: fmt.Sprintf("task %s failed %s and exhausted its retries", taskID, v.Level)}
	case graph.FailureL2:
		return &directive{kind: dirReplan,
			reason: fmt.Sprintf("task %s failed with tool misuse; re-plan around its parent", taskID)}
	case graph.FailureL3, graph.FailureL4:
		return &directive{kind: dirReplan,
			reason: fmt.Sprintf("task %s failed %s: %s", taskID, v.Level, v.Rationale)}
	case graph.FailureL5:
		return &directive{kind: dirFailed, level: graph.FailureL5,
			reason: fmt.Sprintf("task %s failed fatally: %s", taskID, v.Rationale)}
	}
	return nil
}

// retryTask schedules a fresh copy of a terminally-failed task. Terminal
// statuses are sticky, so the retry is a new node; dependents are rewired to
// follow it.
func (o *Operation) retryTask(taskID string, attempt int) error {
	task, ok := o.store.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s missing", taskID)
	}
	retryID := fmt.Sprintf("%s#r%d", strings.SplitN(taskID, "#", 2)[0], attempt)
	batch := graph.Batch{{Kind: graph.CmdAddNode, AddNode: &graph.AddNodeCommand{Node: graph.TaskNode{
		ID:                 retryID,
		Kind:               graph.KindTask,
		Description:        task.Description,
		CompletionCriteria: task.CompletionCriteria,
		Dependencies:       task.Dependencies,
		Parent:             task.Parent,
	}}}}

	snapshot := o.store.Snapshot()
	for _, node := range snapshot.Tasks {
		if node.Kind != graph.KindTask || node.Status.Terminal() || node.ID == retryID {
			continue
		}
		rewired := false
		deps := append([]string(nil), node.Dependencies...)
		for i, dep := range deps {
			if dep == taskID {
				deps[i] = retryID
				rewired = true
			}
		}
		if rewired {
			depsCopy := deps
			batch = append(batch, graph.Command{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
				ID:      node.ID,
				Updates: graph.NodeUpdates{Dependencies: &depsCopy},
			}})
		}
	}

	if res := o.store.Apply(batch); !res.OK {
		return fmt.Errorf("retry batch rejected: %v", res.Rejected)
	}
	return nil
}

// drainAborted waits out in-flight workers within the grace period, then
// records partial failure if any are still running.
func (o *Operation) drainAborted(results chan *executor.Outcome, inflight int) directive {
	deadline := time.NewTimer(o.cfg.GracePeriod)
	defer deadline.Stop()
	for inflight > 0 {
		select {
		case <-results:
			inflight--
		case <-deadline.C:
			logging.Scheduler("op %s: %d workers did not stop within the grace period", o.ID, inflight)
			return directive{kind: dirAborted,
				reason: fmt.Sprintf("aborted; %d workers missed the %v grace period", inflight, o.cfg.GracePeriod)}
		}
	}
	return directive{kind: dirAborted, reason: "aborted"}
}

// =============================================================================
// STALL HANDLING
// =============================================================================

func (o *Operation) stall(reason string) {
	o.setStatusDetail(StatusStalled, graph.FailureNone, reason)
	o.broker.Publish(events.PhaseChanged, "", "stalled")
	logging.Scheduler("op %s stalled: %s", o.ID, reason)
}

// awaitStallDecision holds the stalled operation open for a human decision
// when HITL is on: a MODIFY with a replacement batch resumes the loop. With
// HITL off (or on reject/approve-without-work) the stall is final.
func (o *Operation) awaitStallDecision() (bool, graph.Batch) {
	resolution, err := o.gate.Submit(o.ctx, graph.Batch{})
	if err != nil {
		o.finalize(StatusAborted, graph.FailureNone, "aborted while stalled")
		return false, nil
	}
	if resolution.Action == gate.Modify && len(resolution.Batch) > 0 {
		logging.Scheduler("op %s: stall resolved by intervention with %d commands", o.ID, len(resolution.Batch))
		return true, resolution.Batch
	}
	o.finalize(StatusStalled, graph.FailureNone, "stalled awaiting human input")
	return false, nil
}

// =============================================================================
// TERMINATION, HEARTBEAT, CHECKPOINT
// =============================================================================

func (o *Operation) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *Operation) setStatusDetail(s Status, level graph.FailureLevel, rationale string) {
	o.mu.Lock()
	o.status = s
	o.level = level
	o.rationale = rationale
	o.mu.Unlock()
}

func (o *Operation) finalize(s Status, level graph.FailureLevel, rationale string) {
	o.setStatusDetail(s, level, rationale)
	o.cancel() // stop any stragglers; outstanding LLM and tool calls unwind

	var rootStatus graph.TaskStatus
	switch s {
	case StatusSucceeded:
		rootStatus = graph.StatusCompleted
	case StatusFailed:
		rootStatus = graph.StatusFailed
	case StatusAborted:
		rootStatus = graph.StatusAborted
	}
	if rootStatus != "" {
		updates := graph.NodeUpdates{Status: &rootStatus}
		if level != graph.FailureNone {
			lv := level
			updates.FailureLevel = &lv
		}
		if res := o.store.Apply(graph.Batch{{Kind: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNodeCommand{
			ID:      graph.RootID,
			Updates: updates,
		}}}); !res.OK {
			logging.Scheduler("op %s: could not finalize root: %v", o.ID, res.Rejected)
		}
	}

	if s == StatusAborted {
		o.broker.Publish(events.OperationAborted, "", rationale)
	}
	o.broker.Publish(events.PhaseChanged, "", map[string]any{
		"phase":     string(s),
		"rationale": rationale,
		"report":    o.report(),
	})
	o.saveCheckpoint()
	logging.Scheduler("=== operation %s finished: %s (%s) ===", o.ID, s, rationale)
}

// report assembles the final operation summary: outcomes per task, confirmed
// vulnerabilities, flags, and accounting.
func (o *Operation) report() map[string]any {
	snapshot := o.store.Snapshot()
	tasks := map[string]string{}
	var intel []string
	for _, node := range snapshot.Tasks {
		if node.Kind != graph.KindTask {
			continue
		}
		tasks[node.ID] = string(node.Status)
		for _, artifact := range node.Artifacts {
			if strings.HasPrefix(artifact, "intel: ") {
				intel = append(intel, strings.TrimPrefix(artifact, "intel: "))
			}
		}
	}
	var confirmed, flags []string
	for _, node := range snapshot.CausalNodes {
		switch {
		case node.Variant == graph.VariantConfirmedVuln && !node.Deprecated:
			confirmed = append(confirmed, node.Summary)
		case node.Variant == graph.VariantFlag && !node.Deprecated:
			flags = append(flags, node.Summary)
		}
	}
	o.mu.Lock()
	steps := o.steps
	o.mu.Unlock()
	return map[string]any{
		"goal":                      o.Goal,
		"tasks":                     tasks,
		"confirmed_vulnerabilities": confirmed,
		"flags":                     flags,
		"attack_intelligence":       intel,
		"steps":                     steps,
		"usage":                     o.llm.UsageSnapshot(),
	}
}

// recentFailures summarizes failed tasks for the next planning prompt.
func (o *Operation) recentFailures() []string {
	snapshot := o.store.Snapshot()
	var failures []string
	for _, node := range snapshot.Tasks {
		if node.Kind == graph.KindTask && node.Status == graph.StatusFailed {
			failures = append(failures, fmt.Sprintf("%s [%s]: %s", node.ID, node.FailureLevel, node.Description))
		}
	}
	if len(failures) > 8 {
		failures = failures[len(failures)-8:]
	}
	return failures
}

func (o *Operation) heartbeatLoop(ctx context.Context) {
	if o.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			steps := o.steps
			status := o.status
			o.mu.Unlock()
			o.broker.Publish(events.Heartbeat, "", map[string]any{
				"status":    status,
				"steps":     steps,
				"in_flight": o.store.InFlight(),
				"usage":     o.llm.UsageSnapshot(),
			})
			o.saveCheckpoint()
		}
	}
}

func (o *Operation) saveCheckpoint() {
	if o.ckpt == nil {
		return
	}
	o.mu.Lock()
	status := o.status
	detail := o.rationale
	steps := o.steps
	o.mu.Unlock()

	state := &checkpoint.OperationState{
		OpID:                 o.ID,
		Goal:                 o.Goal,
		Status:               string(status),
		Detail:               detail,
		Graph:                o.store.Snapshot(),
		Events:               o.broker.Tail(),
		PendingInterventions: o.gate.Pending(),
		Counters:             map[string]int{"steps": steps},
	}
	if err := o.ckpt.Save(state); err != nil {
		logging.Checkpoint("op %s: checkpoint failed: %v", o.ID, err)
	}
}

func rejectionSummary(rejected []graph.Rejection) string {
	parts := make([]string, 0, len(rejected))
	for _, r := range rejected {
		parts = append(parts, fmt.Sprintf("%s %s: %s (%s)", r.Command, r.ID, r.Reason, r.Detail))
	}
	return "graph store rejected the batch: " + strings.Join(parts, "; ")
}
