// Package gate implements the human-intervention gate: planner batches are
// held until a human approves, modifies, or rejects them. With HITL disabled
// the gate auto-approves. Pending requests survive restarts through the
// persistence hook, and duplicate responses for one request collapse to the
// first.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"talon/internal/events"
	"talon/internal/graph"
	"talon/internal/logging"
)

// Action is a human decision on a pending batch.
type Action string

const (
	Approve Action = "APPROVE"
	Modify  Action = "MODIFY"
	Reject  Action = "REJECT"
)

// ErrUnknownRequest marks a response for a request id the gate is not
// holding.
var ErrUnknownRequest = errors.New("unknown intervention request")

// AbortReason is the synthetic rejection reason used when an operation abort
// resolves pending requests.
const AbortReason = "aborted"

// Request is one pending intervention.
type Request struct {
	ID        string      `json:"id"`
	OpID      string      `json:"op_id"`
	Batch     graph.Batch `json:"batch"`
	CreatedAt time.Time   `json:"created_at"`
}

// Response is one human decision.
type Response struct {
	Action Action      `json:"action"`
	Batch  graph.Batch `json:"batch,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Resolution is what the scheduler receives back.
type Resolution struct {
	Action Action
	// Batch is the one to apply: the original on APPROVE, the human's edit
	// on MODIFY, nil on REJECT.
	Batch  graph.Batch
	Reason string
}

type pendingReq struct {
	req      Request
	ch       chan Response
	resolved bool
}

// Gate holds pending interventions for one operation.
type Gate struct {
	mu      sync.Mutex
	enabled bool
	opID    string
	broker  *events.Broker
	pending map[string]*pendingReq
	persist func([]Request)
}

// New creates a gate. With enabled false every Submit auto-approves.
func New(opID string, enabled bool, broker *events.Broker) *Gate {
	return &Gate{
		enabled: enabled,
		opID:    opID,
		broker:  broker,
		pending: make(map[string]*pendingReq),
	}
}

// SetPersist registers the hook invoked whenever the pending set changes,
// so a UI reconnect after restart sees the same requests.
func (g *Gate) SetPersist(fn func([]Request)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.persist = fn
}

// Submit presents a batch for decision and blocks until one arrives or the
// context is cancelled. Cancellation resolves the request as
// REJECT(aborted).
func (g *Gate) Submit(ctx context.Context, batch graph.Batch) (*Resolution, error) {
	if !g.enabled {
		return &Resolution{Action: Approve, Batch: batch}, nil
	}

	req := Request{
		ID:        uuid.NewString(),
		OpID:      g.opID,
		Batch:     batch,
		CreatedAt: time.Now(),
	}
	p := &pendingReq{req: req, ch: make(chan Response, 1)}

	g.mu.Lock()
	g.pending[req.ID] = p
	g.persistLocked()
	g.mu.Unlock()

	if g.broker != nil {
		g.broker.Publish(events.InterventionRequired, "", map[string]any{
			"request_id": req.ID,
			"batch":      batch,
		})
	}
	logging.Gate("intervention required: %s (%d commands)", req.ID, len(batch))

	select {
	case resp := <-p.ch:
		g.remove(req.ID)
		g.publishResolved(req.ID, resp.Action)
		res := &Resolution{Action: resp.Action, Reason: resp.Reason}
		switch resp.Action {
		case Approve:
			res.Batch = batch
		case Modify:
			res.Batch = resp.Batch
		}
		return res, nil
	case <-ctx.Done():
		g.resolveInternal(req.ID, Response{Action: Reject, Reason: AbortReason})
		g.remove(req.ID)
		g.publishResolved(req.ID, Reject)
		return nil, ctx.Err()
	}
}

// Resolve delivers a decision. The first response for a request wins;
// repeats are accepted and ignored, so one approval cannot apply twice.
func (g *Gate) Resolve(reqID string, resp Response) error {
	return g.resolveInternal(reqID, resp)
}

func (g *Gate) resolveInternal(reqID string, resp Response) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[reqID]
	if !ok {
		return ErrUnknownRequest
	}
	if p.resolved {
		return nil
	}
	p.resolved = true
	p.ch <- resp
	logging.Gate("intervention %s resolved: %s", reqID, resp.Action)
	return nil
}

// ResolveAll rejects every pending request (abort path, B4).
func (g *Gate) ResolveAll(reason string) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		_ = g.resolveInternal(id, Response{Action: Reject, Reason: reason})
	}
}

// Pending returns a copy of the outstanding requests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	return out
}

// Restore re-registers persisted requests after a restart. Their Submit
// callers are gone; a later Resolve for one is accepted and recorded so the
// UI round-trip completes.
func (g *Gate) Restore(reqs []Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range reqs {
		if _, exists := g.pending[req.ID]; !exists {
			g.pending[req.ID] = &pendingReq{req: req, ch: make(chan Response, 1)}
		}
	}
	g.persistLocked()
}

func (g *Gate) remove(reqID string) {
	g.mu.Lock()
	delete(g.pending, reqID)
	g.persistLocked()
	g.mu.Unlock()
}

func (g *Gate) persistLocked() {
	if g.persist == nil {
		return
	}
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	g.persist(out)
}

func (g *Gate) publishResolved(reqID string, action Action) {
	if g.broker != nil {
		g.broker.Publish(events.InterventionResolved, "", map[string]any{
			"request_id": reqID,
			"action":     action,
		})
	}
}
