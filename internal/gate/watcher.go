package gate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"talon/internal/graph"
	"talon/internal/logging"
)

// DecisionFile is the JSON an out-of-process operator drops into the
// decision directory to resolve a pending request:
//
//	{"request_id": "...", "action": "APPROVE"}
//	{"request_id": "...", "action": "MODIFY", "batch": [ ...commands... ]}
//	{"request_id": "...", "action": "REJECT", "reason": "..."}
type DecisionFile struct {
	RequestID string            `json:"request_id"`
	Action    Action            `json:"action"`
	Batch     []json.RawMessage `json:"batch,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Watcher feeds file-based decisions into the gate. Consumed files are
// removed.
type Watcher struct {
	gate    *Gate
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching dir for *.json decision files. Files already
// present are consumed immediately.
func NewWatcher(g *Gate, dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{gate: g, dir: dir, watcher: fsw, done: make(chan struct{})}
	w.sweep()
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.consume(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Gate("decision watcher error: %v", err)
		}
	}
}

// sweep consumes decision files that landed before the watcher started.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.consume(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *Watcher) consume(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var decision DecisionFile
	if err := json.Unmarshal(data, &decision); err != nil {
		logging.Gate("ignoring malformed decision file %s: %v", path, err)
		return
	}
	resp := Response{Action: decision.Action, Reason: decision.Reason}
	if decision.Action == Modify {
		batch, err := graph.ParseBatch(decision.Batch)
		if err != nil {
			logging.Gate("decision file %s: bad batch: %v", path, err)
			return
		}
		resp.Batch = batch
	}
	if err := w.gate.Resolve(decision.RequestID, resp); err != nil {
		logging.Gate("decision file %s: %v", path, err)
		return
	}
	_ = os.Remove(path)
}
