// Package toolhost implements the MCP tool host client. The host is an
// opaque RPC server exposing tool discovery and invocation; this client adds
// per-call deadlines, transient-error backoff, cancellation, and a response
// byte cap so a misbehaving tool cannot flood the runtime.
//
// Transports: stdio (subprocess, via mcp-go) and http (JSON-RPC over POST).
package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"

	"talon/internal/logging"
)

// ErrTimeout marks a call that exceeded its deadline. Timeouts are not
// retried; the budget belongs to the tool, not the transport.
var ErrTimeout = errors.New("tool call timed out")

// TruncationMarker terminates capped tool output.
const TruncationMarker = "\n[output truncated: response exceeded byte budget]"

// ToolInfo describes one tool advertised by the host.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Result is one tool invocation outcome. IsError marks a tool-reported
// failure (the call itself succeeded).
type Result struct {
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Runner is the consumer-facing surface; the executor depends on this so
// tests can script tool behavior.
type Runner interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*Result, error)
}

// Config configures the client.
type Config struct {
	Transport string // stdio or http
	Command   string
	Args      []string
	Env       map[string]string
	URL       string

	CallTimeout      time.Duration
	MaxRetries       int
	MaxResponseBytes int
	// MaxConcurrent bounds in-flight calls against the host; stdio hosts in
	// particular serialize poorly under unbounded fanout.
	MaxConcurrent int
}

// Client talks to one MCP tool host. Safe for concurrent use; the underlying
// transports serialize as needed.
type Client struct {
	cfg Config
	sem *semaphore.Weighted

	mu        sync.Mutex
	stdio     *client.Client
	httpc     *http.Client
	sessionID string
	reqID     int
	connected bool
}

// New creates an unconnected client; the connection is established lazily on
// first use.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == "stdio" && cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires a command")
	}
	if cfg.Transport == "http" && cfg.URL == "" {
		return nil, fmt.Errorf("http transport requires a url")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 256 * 1024
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Client{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent))}, nil
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.cfg.Transport == "stdio" {
		mcpClient, err := client.NewStdioMCPClient(c.cfg.Command, envSlice(c.cfg.Env), c.cfg.Args...)
		if err != nil {
			return fmt.Errorf("failed to create MCP client: %w", err)
		}
		initReq := mcp.InitializeRequest{}
		initReq.Params.ClientInfo = mcp.Implementation{Name: "talon", Version: "0.1.0"}
		initReq.Params.ProtocolVersion = "2024-11-05"
		if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
			mcpClient.Close()
			return fmt.Errorf("failed to initialize MCP: %w", err)
		}
		c.stdio = mcpClient
		c.connected = true
		logging.ToolHost("connected to MCP host (stdio) command=%s", c.cfg.Command)
		return nil
	}

	c.httpc = &http.Client{Timeout: c.cfg.CallTimeout + 10*time.Second}
	resp, err := c.rpcLocked(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "talon", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("MCP init error: %s", resp.Error.Message)
	}
	c.connected = true
	logging.ToolHost("connected to MCP host (http) url=%s", c.cfg.URL)
	return nil
}

// Close shuts the transport down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.stdio != nil {
		err := c.stdio.Close()
		c.stdio = nil
		return err
	}
	c.httpc = nil
	return nil
}

// ListTools discovers the host's tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if c.cfg.Transport == "stdio" {
		listResp, err := c.stdio.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		tools := make([]ToolInfo, 0, len(listResp.Tools))
		for _, t := range listResp.Tools {
			tools = append(tools, ToolInfo{
				Name:        t.Name,
				Description: t.Description,
				Schema:      schemaToMap(t.InputSchema),
			})
		}
		return tools, nil
	}

	c.mu.Lock()
	resp, err := c.rpcLocked(ctx, "tools/list", nil)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP list error: %s", resp.Error.Message)
	}
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from tools/list")
	}
	rawTools, _ := resultMap["tools"].([]any)
	var tools []ToolInfo
	for _, raw := range rawTools {
		tm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		info := ToolInfo{}
		info.Name, _ = tm["name"].(string)
		info.Description, _ = tm["description"].(string)
		if schema, ok := tm["inputSchema"].(map[string]any); ok {
			info.Schema = schema
		}
		tools = append(tools, info)
	}
	return tools, nil
}

// CallTool invokes one tool under the configured per-call deadline.
// Transient transport failures are retried with exponential backoff up to
// the retry bound; deadline expiry returns ErrTimeout immediately.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		result, err := c.callOnce(callCtx, name, args)
		cancel()
		if err == nil {
			return c.cap(result), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, name, c.cfg.CallTimeout)
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
		logging.ToolHostDebug("transient error calling %s (attempt %d): %v", name, attempt+1, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("calling %s: retries exhausted: %w", name, lastErr)
}

func (c *Client) callOnce(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if c.cfg.Transport == "stdio" {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		resp, err := c.stdio.CallTool(ctx, req)
		if err != nil {
			return nil, err
		}
		return parseStdioResult(resp), nil
	}

	c.mu.Lock()
	resp, err := c.rpcLocked(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &Result{Content: resp.Error.Message, IsError: true}, nil
	}
	return parseHTTPResult(resp.Result), nil
}

// cap enforces the response byte budget.
func (c *Client) cap(r *Result) *Result {
	if len(r.Content) > c.cfg.MaxResponseBytes {
		r.Content = r.Content[:c.cfg.MaxResponseBytes] + TruncationMarker
		r.Truncated = true
	}
	return r
}

// =============================================================================
// JSON-RPC over HTTP
// =============================================================================

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcLocked sends one JSON-RPC request. Caller holds c.mu.
func (c *Client) rpcLocked(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	c.reqID++
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: c.reqID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.sessionID != "" {
		httpReq.Header.Set("mcp-session-id", c.sessionID)
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if sid := httpResp.Header.Get("mcp-session-id"); sid != "" {
		c.sessionID = sid
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// =============================================================================
// RESULT PARSING
// =============================================================================

func parseStdioResult(resp *mcp.CallToolResult) *Result {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return &Result{Content: strings.Join(texts, "\n"), IsError: resp.IsError}
}

func parseHTTPResult(result any) *Result {
	resultMap, ok := result.(map[string]any)
	if !ok {
		data, _ := json.Marshal(result)
		return &Result{Content: string(data)}
	}
	isError, _ := resultMap["isError"].(bool)
	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, item := range content {
			if cm, ok := item.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	if len(texts) == 0 {
		data, _ := json.Marshal(resultMap)
		return &Result{Content: string(data), IsError: isError}
	}
	return &Result{Content: strings.Join(texts, "\n"), IsError: isError}
}

// isTransient buckets transport errors worth retrying: the connection-level
// failures a restarting tool host produces.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"EOF",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
