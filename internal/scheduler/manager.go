package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"talon/internal/checkpoint"
	"talon/internal/config"
	"talon/internal/events"
	"talon/internal/executor"
	"talon/internal/gate"
	"talon/internal/graph"
	"talon/internal/llm"
	"talon/internal/logging"
	"talon/internal/planner"
	"talon/internal/rag"
	"talon/internal/reflector"
	"talon/internal/toolhost"
)

// API errors.
var (
	ErrOverCapacity     = errors.New("operation capacity exhausted")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Options are the per-operation overrides of start_operation.
type Options struct {
	MaxParallel    int
	StepBudget     int
	HITL           *bool
	PlannerModel   string
	ExecutorModel  string
	ReflectorModel string
	OutputMode     string // simple, default, debug
}

// Manager runs isolated operations over shared transports.
type Manager struct {
	cfg       *config.Config
	providers map[llm.Role]llm.Provider
	tools     toolhost.Runner
	retriever rag.Retriever
	ckpt      *checkpoint.Store

	mu  sync.Mutex
	ops map[string]*Operation
}

// NewManager builds the shared transports and opens the checkpoint store.
func NewManager(cfg *config.Config) (*Manager, error) {
	providers, err := llm.Providers(cfg.LLM)
	if err != nil {
		return nil, err
	}
	tools, err := toolhost.New(toolhost.Config{
		Transport:        cfg.ToolHost.Transport,
		Command:          cfg.ToolHost.Command,
		Args:             cfg.ToolHost.Args,
		Env:              cfg.ToolHost.Env,
		URL:              cfg.ToolHost.URL,
		CallTimeout:      cfg.ToolHost.CallTimeout,
		MaxRetries:       cfg.ToolHost.MaxRetries,
		MaxResponseBytes: cfg.ToolHost.MaxResponseBytes,
		MaxConcurrent:    cfg.ToolHost.MaxConcurrent,
	})
	if err != nil {
		return nil, err
	}
	ckpt, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return nil, err
	}
	var retriever rag.Retriever = rag.Noop{}
	if cfg.RAG.Endpoint != "" {
		retriever = rag.NewHTTP(cfg.RAG.Endpoint)
	}
	return &Manager{
		cfg:       cfg,
		providers: providers,
		tools:     tools,
		retriever: retriever,
		ckpt:      ckpt,
		ops:       make(map[string]*Operation),
	}, nil
}

// NewManagerWith wires explicit collaborators (tests and embedders).
func NewManagerWith(cfg *config.Config, providers map[llm.Role]llm.Provider, tools toolhost.Runner, retriever rag.Retriever, ckpt *checkpoint.Store) *Manager {
	if retriever == nil {
		retriever = rag.Noop{}
	}
	return &Manager{
		cfg:       cfg,
		providers: providers,
		tools:     tools,
		retriever: retriever,
		ckpt:      ckpt,
		ops:       make(map[string]*Operation),
	}
}

// StartOperation creates and launches a new operation.
func (m *Manager) StartOperation(goal string, opts Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := 0
	for _, op := range m.ops {
		if status, _, _ := op.Status(); !status.Terminal() {
			running++
		}
	}
	if m.cfg.Scheduler.MaxOperations > 0 && running >= m.cfg.Scheduler.MaxOperations {
		return "", fmt.Errorf("%w: %d operations running", ErrOverCapacity, running)
	}

	opID := "op-" + uuid.NewString()[:8]
	op, err := m.buildOperation(opID, goal, opts)
	if err != nil {
		return "", err
	}
	m.ops[opID] = op
	go op.run()
	logging.Scheduler("operation %s accepted (goal: %.80s)", opID, goal)
	return opID, nil
}

func (m *Manager) buildOperation(opID, goal string, opts Options) (*Operation, error) {
	schedCfg := m.cfg.Scheduler
	if opts.MaxParallel > 0 {
		schedCfg.MaxParallel = opts.MaxParallel
	}
	if opts.StepBudget > 0 {
		schedCfg.StepBudget = opts.StepBudget
	}
	hitl := m.cfg.Gate.HITL
	if opts.HITL != nil {
		hitl = *opts.HITL
	}

	providers, err := m.providersFor(opts)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker(opID, events.Config{
		SubscriberQueue: m.cfg.Events.SubscriberQueue,
		ReplayDepth:     m.cfg.Events.ReplayDepth,
	})
	store := graph.NewStore(opID, goal)
	store.OnChange(func(summary graph.ChangeSummary) {
		broker.Publish(events.GraphChanged, "", summary)
	})
	store.OnReject(func(rejected []graph.Rejection) {
		broker.Publish(events.GraphRejected, "", rejected)
	})

	llmClient := llm.ClientFromConfig(m.cfg.LLM, providers, broker)
	g := gate.New(opID, hitl, broker)

	ctx, cancel := context.WithCancel(context.Background())
	op := &Operation{
		ID:         opID,
		Goal:       goal,
		store:      store,
		broker:     broker,
		gate:       g,
		llm:        llmClient,
		ckpt:       m.ckpt,
		cfg:        schedCfg,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		nudge:      make(chan struct{}, 1),
		status:     StatusRunning,
		retries:    make(map[string]int),
		dispatched: make(map[string]bool),
	}
	op.planner = planner.New(llmClient, m.retriever, schedCfg.PromptTokenBudget, m.cfg.RAG.TopK)
	op.executor = executor.New(llmClient, m.tools, store, broker, executor.Config{
		StepBudget:       schedCfg.StepBudget,
		HistoryThreshold: schedCfg.HistoryByteThreshold,
		HistoryKeep:      schedCfg.HistoryKeepLatest,
		TokenBudget:      schedCfg.PromptTokenBudget,
	})
	op.reflector = reflector.New(llmClient, store, broker, schedCfg.PromptTokenBudget)
	return op, nil
}

// providersFor applies per-operation model overrides, falling back to the
// shared providers.
func (m *Manager) providersFor(opts Options) (map[llm.Role]llm.Provider, error) {
	overrides := map[llm.Role]string{
		llm.RolePlanner:   opts.PlannerModel,
		llm.RoleExecutor:  opts.ExecutorModel,
		llm.RoleReflector: opts.ReflectorModel,
	}
	roleCfgs := map[llm.Role]config.RoleConfig{
		llm.RolePlanner:   m.cfg.LLM.Planner,
		llm.RoleExecutor:  m.cfg.LLM.Executor,
		llm.RoleReflector: m.cfg.LLM.Reflector,
	}
	out := make(map[llm.Role]llm.Provider, len(overrides))
	for role, model := range overrides {
		if model == "" || model == roleCfgs[role].Model {
			out[role] = m.providers[role]
			continue
		}
		rc := roleCfgs[role]
		rc.Model = model
		p, err := llm.NewProvider(rc)
		if err != nil {
			return nil, fmt.Errorf("model override for %s: %w", role, err)
		}
		out[role] = p
	}
	return out, nil
}

func (m *Manager) op(opID string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[opID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}
	return op, nil
}

// AbortOperation requests cancellation. Idempotent: aborting a finished or
// already-aborting operation is a no-op.
func (m *Manager) AbortOperation(opID string) error {
	op, err := m.op(opID)
	if err != nil {
		return err
	}
	op.Abort()
	return nil
}

// Subscribe returns a live event stream, optionally replaying from fromSeq.
func (m *Manager) Subscribe(opID string, fromSeq uint64) (*events.Subscription, error) {
	op, err := m.op(opID)
	if err != nil {
		return nil, err
	}
	return op.Broker().Subscribe(fromSeq), nil
}

// SubmitIntervention delivers a human decision for a pending request.
func (m *Manager) SubmitIntervention(reqID string, action gate.Action, body gate.Response) error {
	body.Action = action
	m.mu.Lock()
	ops := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		ops = append(ops, op)
	}
	m.mu.Unlock()
	for _, op := range ops {
		err := op.gate.Resolve(reqID, body)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gate.ErrUnknownRequest) {
			return err
		}
	}
	return gate.ErrUnknownRequest
}

// InjectTask adds an out-of-band task to a running operation. The batch
// bypasses the planner but not the gate invariants.
func (m *Manager) InjectTask(opID, description string, deps []string) error {
	op, err := m.op(opID)
	if err != nil {
		return err
	}
	return op.Inject(description, deps)
}

// SnapshotKind selects which graph a snapshot returns.
type SnapshotKind string

const (
	SnapshotTask   SnapshotKind = "task"
	SnapshotCausal SnapshotKind = "causal"
)

// Snapshot returns the requested graph view.
func (m *Manager) Snapshot(opID string, which SnapshotKind) (graph.View, error) {
	op, err := m.op(opID)
	if err != nil {
		return graph.View{}, err
	}
	view := op.Store().Snapshot()
	switch which {
	case SnapshotTask:
		view.CausalNodes = nil
		view.CausalEdges = nil
	case SnapshotCausal:
		view.Tasks = nil
	default:
		return graph.View{}, fmt.Errorf("unknown snapshot kind %q", which)
	}
	return view, nil
}

// Status reports an operation's user-visible state.
func (m *Manager) Status(opID string) (Status, graph.FailureLevel, string, error) {
	op, err := m.op(opID)
	if err != nil {
		return "", graph.FailureNone, "", err
	}
	status, level, rationale := op.Status()
	return status, level, rationale, nil
}

// Wait blocks until the operation terminates or the context is cancelled.
func (m *Manager) Wait(ctx context.Context, opID string) error {
	op, err := m.op(opID)
	if err != nil {
		return err
	}
	select {
	case <-op.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gate exposes an operation's gate (decision watchers, tests).
func (m *Manager) Gate(opID string) (*gate.Gate, error) {
	op, err := m.op(opID)
	if err != nil {
		return nil, err
	}
	return op.gate, nil
}

// Close aborts every running operation and releases shared resources.
func (m *Manager) Close() {
	m.mu.Lock()
	ops := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		ops = append(ops, op)
	}
	m.mu.Unlock()

	for _, op := range ops {
		op.Abort()
	}
	for _, op := range ops {
		<-op.Done()
	}
	if closer, ok := m.tools.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if m.ckpt != nil {
		_ = m.ckpt.Close()
	}
}
