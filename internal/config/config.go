// Package config loads and validates the talon configuration: a YAML file
// with environment-variable overrides, plus .env loading for API keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"talon/internal/logging"
)

// Config is the root configuration for the talon runtime.
type Config struct {
	// StateDir is where logs, checkpoints, and gate decision files live.
	StateDir string `yaml:"state_dir"`

	LLM        LLMConfig        `yaml:"llm"`
	ToolHost   ToolHostConfig   `yaml:"toolhost"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Events     EventsConfig     `yaml:"events"`
	Gate       GateConfig       `yaml:"gate"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	RAG        RAGConfig        `yaml:"rag"`
	Logging    logging.Config   `yaml:"logging"`
}

// RoleConfig selects the model backing one reasoning role.
type RoleConfig struct {
	Provider    string  `yaml:"provider"` // gemini, openai, anthropic
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url,omitempty"` // openai-compatible endpoints
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// LLMConfig configures the role-parameterized LLM client.
type LLMConfig struct {
	Planner   RoleConfig `yaml:"planner"`
	Executor  RoleConfig `yaml:"executor"`
	Reflector RoleConfig `yaml:"reflector"`

	// SchemaRetries bounds the total attempts per request (the first included)
	// while replies fail schema validation.
	SchemaRetries int `yaml:"schema_retries"`
	// TransportRetries bounds the total attempts per provider call (the first
	// included) while transport errors occur.
	TransportRetries int `yaml:"transport_retries"`
	// RequestsPerMinute rate-limits outbound requests across roles.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// ElideBytes elides llm.request/llm.response event bodies beyond this size.
	ElideBytes int `yaml:"elide_bytes"`
}

// ToolHostConfig configures the MCP tool host client.
type ToolHostConfig struct {
	Transport string            `yaml:"transport"` // stdio or http
	Command   string            `yaml:"command"`   // stdio transport
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"` // http transport

	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	MaxResponseBytes int           `yaml:"max_response_bytes"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
}

// SchedulerConfig bounds the P-E-R loop.
type SchedulerConfig struct {
	MaxParallel          int           `yaml:"max_parallel"`
	StepBudget           int           `yaml:"step_budget"`           // per subtask
	OperationStepBudget  int           `yaml:"operation_step_budget"` // across the operation
	RetryBudget          int           `yaml:"retry_budget"`          // automatic L0/L1 retries
	PlanRejectBudget     int           `yaml:"plan_reject_budget"`    // consecutive rejected/invalid plans
	InconclusiveReplanAt int           `yaml:"inconclusive_replan_at"`
	GracePeriod          time.Duration `yaml:"grace_period"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxOperations        int           `yaml:"max_operations"`
	HistoryByteThreshold int           `yaml:"history_byte_threshold"`
	HistoryKeepLatest    int           `yaml:"history_keep_latest"`
	PromptTokenBudget    int           `yaml:"prompt_token_budget"`
}

// EventsConfig bounds the broker.
type EventsConfig struct {
	SubscriberQueue int `yaml:"subscriber_queue"`
	ReplayDepth     int `yaml:"replay_depth"`
}

// GateConfig configures the intervention gate.
type GateConfig struct {
	HITL        bool   `yaml:"hitl"`
	DecisionDir string `yaml:"decision_dir"` // watched for out-of-process decisions
}

// CheckpointConfig configures persistence.
type CheckpointConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// RAGConfig points at the external retrieval service.
type RAGConfig struct {
	Endpoint string `yaml:"endpoint"`
	TopK     int    `yaml:"top_k"`
}

// Default returns a config with every knob at its documented default.
func Default() *Config {
	return &Config{
		StateDir: ".talon",
		LLM: LLMConfig{
			Planner:           RoleConfig{Provider: "gemini", Model: "gemini-2.5-pro", MaxTokens: 8192, Temperature: 0.2},
			Executor:          RoleConfig{Provider: "gemini", Model: "gemini-2.5-flash", MaxTokens: 8192, Temperature: 0.1},
			Reflector:         RoleConfig{Provider: "gemini", Model: "gemini-2.5-pro", MaxTokens: 4096, Temperature: 0.0},
			SchemaRetries:     3,
			TransportRetries:  3,
			RequestsPerMinute: 60,
			ElideBytes:        16 * 1024,
		},
		ToolHost: ToolHostConfig{
			Transport:        "stdio",
			CallTimeout:      120 * time.Second,
			MaxRetries:       3,
			MaxResponseBytes: 256 * 1024,
			MaxConcurrent:    4,
		},
		Scheduler: SchedulerConfig{
			MaxParallel:          4,
			StepBudget:           25,
			OperationStepBudget:  400,
			RetryBudget:          2,
			PlanRejectBudget:     3,
			InconclusiveReplanAt: 3,
			GracePeriod:          10 * time.Second,
			HeartbeatInterval:    15 * time.Second,
			MaxOperations:        8,
			HistoryByteThreshold: 48 * 1024,
			HistoryKeepLatest:    6,
			PromptTokenBudget:    6000,
		},
		Events: EventsConfig{
			SubscriberQueue: 256,
			ReplayDepth:     1024,
		},
		Gate: GateConfig{
			HITL: false,
		},
		Checkpoint: CheckpointConfig{
			Interval: 30 * time.Second,
		},
		RAG: RAGConfig{TopK: 4},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// Load reads the YAML config at path, layered over defaults. A missing file
// is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.finalize()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.finalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.finalize()
	return cfg, nil
}

// finalize fills derived paths and clamps nonsensical values.
func (c *Config) finalize() {
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join(c.StateDir, "checkpoints.db")
	}
	if c.Gate.DecisionDir == "" {
		c.Gate.DecisionDir = filepath.Join(c.StateDir, "decisions")
	}
	if c.Scheduler.MaxParallel < 1 {
		c.Scheduler.MaxParallel = 1
	}
	if c.Scheduler.GracePeriod <= 0 {
		c.Scheduler.GracePeriod = 10 * time.Second
	}
	if c.Events.SubscriberQueue < 16 {
		c.Events.SubscriberQueue = 16
	}
	if c.Events.ReplayDepth < c.Events.SubscriberQueue {
		c.Events.ReplayDepth = c.Events.SubscriberQueue
	}
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	for role, rc := range map[string]RoleConfig{
		"planner":   c.LLM.Planner,
		"executor":  c.LLM.Executor,
		"reflector": c.LLM.Reflector,
	} {
		switch rc.Provider {
		case "gemini", "openai", "anthropic":
		default:
			return fmt.Errorf("llm.%s.provider: unknown provider %q", role, rc.Provider)
		}
		if rc.Model == "" {
			return fmt.Errorf("llm.%s.model is required", role)
		}
	}
	switch c.ToolHost.Transport {
	case "stdio":
		if c.ToolHost.Command == "" {
			return fmt.Errorf("toolhost.command is required for stdio transport")
		}
	case "http":
		if c.ToolHost.URL == "" {
			return fmt.Errorf("toolhost.url is required for http transport")
		}
	default:
		return fmt.Errorf("toolhost.transport: unknown transport %q", c.ToolHost.Transport)
	}
	return nil
}
