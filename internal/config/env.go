package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from .env files. Search order
// (first found wins): explicit paths, ./.env, ~/.env. Existing environment
// variables are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if path != "" {
			if err := loadIfExists(path); err != nil {
				return err
			}
		}
	}
	if err := loadIfExists(".env"); err != nil {
		return err
	}
	if home, err := os.UserHomeDir(); err == nil {
		if err := loadIfExists(filepath.Join(home, ".env")); err != nil {
			return err
		}
	}
	return nil
}

func loadIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnvOverrides layers TALON_* environment variables over the config.
// Only the knobs that operators reach for between runs are exposed; the rest
// stay in the file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TALON_STATE_DIR"); v != "" {
		// Paths derived from the old state dir move with it.
		if c.Checkpoint.Path == filepath.Join(c.StateDir, "checkpoints.db") {
			c.Checkpoint.Path = ""
		}
		if c.Gate.DecisionDir == filepath.Join(c.StateDir, "decisions") {
			c.Gate.DecisionDir = ""
		}
		c.StateDir = v
	}
	if v := os.Getenv("TALON_GEMINI_API_KEY"); v != "" {
		applyKey(c, "gemini", v)
	}
	if v := os.Getenv("TALON_OPENAI_API_KEY"); v != "" {
		applyKey(c, "openai", v)
	}
	if v := os.Getenv("TALON_ANTHROPIC_API_KEY"); v != "" {
		applyKey(c, "anthropic", v)
	}
	if v := os.Getenv("TALON_TOOLHOST_URL"); v != "" {
		c.ToolHost.URL = v
		c.ToolHost.Transport = "http"
	}
	if v := os.Getenv("TALON_TOOLHOST_COMMAND"); v != "" {
		c.ToolHost.Command = v
		c.ToolHost.Transport = "stdio"
	}
	if v := os.Getenv("TALON_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxParallel = n
		}
	}
	if v := os.Getenv("TALON_HITL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gate.HITL = b
		}
	}
	if v := os.Getenv("TALON_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	c.finalize()
}

// applyKey fills the API key for every role that uses the given provider and
// has no key of its own.
func applyKey(c *Config, provider, key string) {
	for _, rc := range []*RoleConfig{&c.LLM.Planner, &c.LLM.Executor, &c.LLM.Reflector} {
		if rc.Provider == provider && rc.APIKey == "" {
			rc.APIKey = key
		}
	}
}
