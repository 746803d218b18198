package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// View is an immutable read of both graphs. All references between nodes are
// by id, so a view serializes as a pure copy.
type View struct {
	OpID        string       `json:"op_id"`
	Version     uint64       `json:"version"`
	Seq         uint64       `json:"seq"`
	Tasks       []TaskNode   `json:"tasks"`
	CausalNodes []CausalNode `json:"causal_nodes"`
	CausalEdges []CausalEdge `json:"causal_edges"`
}

// Snapshot returns a consistent copy of both graphs, nodes in creation order.
func (s *Store) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		OpID:        s.opID,
		Version:     s.version,
		Seq:         s.seq,
		Tasks:       make([]TaskNode, 0, len(s.tasks)),
		CausalNodes: make([]CausalNode, 0, len(s.causal)),
		CausalEdges: append([]CausalEdge(nil), s.causalEdges...),
	}
	for _, node := range s.tasks {
		v.Tasks = append(v.Tasks, *node.clone())
	}
	for _, node := range s.causal {
		v.CausalNodes = append(v.CausalNodes, *node.clone())
	}
	sort.Slice(v.Tasks, func(i, j int) bool { return v.Tasks[i].Seq < v.Tasks[j].Seq })
	sort.Slice(v.CausalNodes, func(i, j int) bool { return v.CausalNodes[i].Seq < v.CausalNodes[j].Seq })
	return v
}

// Serialize encodes the current snapshot as JSON.
func (s *Store) Serialize() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// Deserialize reconstructs a store from a serialized snapshot.
func Deserialize(data []byte) (*Store, error) {
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return FromView(v)
}

// FromView reconstructs a store from a snapshot view.
func FromView(v View) (*Store, error) {
	s := &Store{
		opID:    v.OpID,
		version: v.Version,
		seq:     v.Seq,
		tasks:   make(map[string]*TaskNode, len(v.Tasks)),
		causal:  make(map[string]*CausalNode, len(v.CausalNodes)),
		now:     time.Now,
	}
	for i := range v.Tasks {
		node := v.Tasks[i]
		if node.ID == "" {
			return nil, fmt.Errorf("snapshot: task with empty id")
		}
		if _, dup := s.tasks[node.ID]; dup {
			return nil, fmt.Errorf("snapshot: duplicate task id %q", node.ID)
		}
		s.tasks[node.ID] = node.clone()
	}
	if _, ok := s.tasks[RootID]; !ok {
		return nil, fmt.Errorf("snapshot: missing root node")
	}
	for i := range v.CausalNodes {
		node := v.CausalNodes[i]
		if _, dup := s.causal[node.ID]; dup {
			return nil, fmt.Errorf("snapshot: duplicate causal id %q", node.ID)
		}
		s.causal[node.ID] = node.clone()
	}
	s.causalEdges = append([]CausalEdge(nil), v.CausalEdges...)
	if cycle := findCycle(s.tasks); cycle != "" {
		return nil, fmt.Errorf("snapshot: dependency cycle at %q", cycle)
	}
	return s, nil
}

// Goal returns the root description.
func (s *Store) Goal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[RootID].Description
}
