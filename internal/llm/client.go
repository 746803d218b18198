// Package llm implements the role-parameterized LLM client: each reasoning
// role is backed by a configured provider, replies are validated against a
// JSON schema at the boundary, and every request/response is published on the
// operation topic.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"talon/internal/events"
	"talon/internal/logging"
)

// Role selects which underlying model serves a request.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleExecutor  Role = "executor"
	RoleReflector Role = "reflector"
)

// Sentinel errors for the scheduler's failure mapping.
var (
	// ErrTransport marks an unreachable or failing model endpoint after the
	// retry budget was spent.
	ErrTransport = errors.New("llm transport error")
	// ErrValidation marks a reply that never satisfied its schema within the
	// retry budget.
	ErrValidation = errors.New("llm reply validation failed")
)

// Request is one completion request to a provider.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	JSONOutput  bool
}

// Response is a provider completion.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Provider is one model backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Asker is the consumer-facing surface; drivers depend on this so tests can
// script replies. Ask returns schema-validated JSON; Complete returns plain
// text (the history summarizer has no schema).
type Asker interface {
	Ask(ctx context.Context, role Role, prompt string, schema *Schema) (json.RawMessage, error)
	Complete(ctx context.Context, role Role, prompt string) (string, error)
}

// Options bounds the client.
type Options struct {
	SchemaRetries     int
	TransportRetries  int
	RequestsPerMinute int
	ElideBytes        int
	MaxTokens         map[Role]int
	Temperature       map[Role]float64
}

// Usage aggregates per-role accounting for one operation.
type Usage struct {
	Calls     int `json:"calls"`
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Client validates structured replies from role-selected providers. One
// Client serves one operation (it publishes to the operation's topic); the
// providers behind it are shared.
type Client struct {
	providers map[Role]Provider
	opts      Options
	limiter   *rate.Limiter
	broker    *events.Broker

	usageMu sync.Mutex
	usage   map[Role]*Usage
}

// New creates a client over the given per-role providers.
func New(providers map[Role]Provider, broker *events.Broker, opts Options) *Client {
	if opts.SchemaRetries <= 0 {
		opts.SchemaRetries = 3
	}
	if opts.TransportRetries <= 0 {
		opts.TransportRetries = 3
	}
	if opts.ElideBytes <= 0 {
		opts.ElideBytes = 16 * 1024
	}
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	usage := make(map[Role]*Usage, len(providers))
	for role := range providers {
		usage[role] = &Usage{}
	}
	return &Client{
		providers: providers,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		broker:    broker,
		usage:     usage,
	}
}

// roleSystem is the fixed per-role system framing; the task-specific content
// lives in the prompt built by the drivers.
var roleSystem = map[Role]string{
	RolePlanner:   "You are the planner of an autonomous security-assessment agent. Reply with a single JSON object and nothing else.",
	RoleExecutor:  "You are the executor of an autonomous security-assessment agent. Reply with a single JSON object and nothing else.",
	RoleReflector: "You are the reflector of an autonomous security-assessment agent. You audit finished subtasks. Reply with a single JSON object and nothing else.",
}

// Ask submits a prompt for the role and returns the schema-validated JSON
// reply. Validation failures are retried up to the configured bound with the
// validator's error appended to the prompt; transport failures are retried
// with backoff inside a single attempt.
func (c *Client) Ask(ctx context.Context, role Role, prompt string, schema *Schema) (json.RawMessage, error) {
	provider, ok := c.providers[role]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for role %q", ErrTransport, role)
	}

	attemptPrompt := prompt
	var lastErr error
	for attempt := 0; attempt < c.opts.SchemaRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req := Request{
			System:      roleSystem[role],
			Prompt:      attemptPrompt,
			MaxTokens:   c.opts.MaxTokens[role],
			Temperature: c.opts.Temperature[role],
			JSONOutput:  true,
		}
		c.publish(events.LLMRequest, role, map[string]any{
			"model":   provider.Model(),
			"attempt": attempt + 1,
			"prompt":  c.elide(attemptPrompt),
		})

		resp, err := c.completeWithRetry(ctx, provider, req)
		if err != nil {
			return nil, err
		}
		c.account(role, resp)
		c.publish(events.LLMResponse, role, map[string]any{
			"model":      provider.Model(),
			"attempt":    attempt + 1,
			"tokens_in":  resp.TokensIn,
			"tokens_out": resp.TokensOut,
			"reply":      c.elide(resp.Text),
		})

		raw := ExtractJSON(resp.Text)
		if raw == nil {
			lastErr = fmt.Errorf("reply contains no JSON object")
		} else if schema != nil {
			lastErr = schema.Validate(raw)
		} else {
			lastErr = nil
		}
		if lastErr == nil {
			return raw, nil
		}
		logging.LLM("role=%s attempt=%d reply invalid: %v", role, attempt+1, lastErr)
		attemptPrompt = prompt + "\n\nYour previous reply was rejected by the schema validator:\n" +
			lastErr.Error() + "\nReply again with a single valid JSON object."
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrValidation, c.opts.SchemaRetries, lastErr)
}

// Complete submits a prompt for plain-text completion, without JSON mode or
// schema validation.
func (c *Client) Complete(ctx context.Context, role Role, prompt string) (string, error) {
	provider, ok := c.providers[role]
	if !ok {
		return "", fmt.Errorf("%w: no provider for role %q", ErrTransport, role)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req := Request{
		System:      "You are a terse technical summarizer for an autonomous security-assessment agent. Reply in plain text.",
		Prompt:      prompt,
		MaxTokens:   c.opts.MaxTokens[role],
		Temperature: c.opts.Temperature[role],
	}
	c.publish(events.LLMRequest, role, map[string]any{
		"model":  provider.Model(),
		"prompt": c.elide(prompt),
	})
	resp, err := c.completeWithRetry(ctx, provider, req)
	if err != nil {
		return "", err
	}
	c.account(role, resp)
	c.publish(events.LLMResponse, role, map[string]any{
		"model":      provider.Model(),
		"tokens_in":  resp.TokensIn,
		"tokens_out": resp.TokensOut,
		"reply":      c.elide(resp.Text),
	})
	return resp.Text, nil
}

// completeWithRetry retries transient transport failures with exponential
// backoff inside one logical attempt.
func (c *Client) completeWithRetry(ctx context.Context, provider Provider, req Request) (*Response, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < c.opts.TransportRetries; attempt++ {
		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.LLMDebug("transport attempt %d failed: %v", attempt+1, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %v", ErrTransport, lastErr)
}

func (c *Client) account(role Role, resp *Response) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	if u, ok := c.usage[role]; ok {
		u.Calls++
		u.TokensIn += resp.TokensIn
		u.TokensOut += resp.TokensOut
	}
}

// UsageSnapshot returns a copy of the per-role accounting.
func (c *Client) UsageSnapshot() map[Role]Usage {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	out := make(map[Role]Usage, len(c.usage))
	for role, u := range c.usage {
		out[role] = *u
	}
	return out
}

func (c *Client) publish(kind events.Kind, role Role, data any) {
	if c.broker != nil {
		c.broker.Publish(kind, string(role), data)
	}
}

func (c *Client) elide(s string) string {
	if len(s) <= c.opts.ElideBytes {
		return s
	}
	return s[:c.opts.ElideBytes] + fmt.Sprintf("... [%d bytes elided]", len(s)-c.opts.ElideBytes)
}

// ExtractJSON locates the JSON object in a model reply, tolerating markdown
// fences and prose around it. Returns nil when no balanced object exists.
func ExtractJSON(text string) json.RawMessage {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate)
				}
				return nil
			}
		}
	}
	return nil
}
