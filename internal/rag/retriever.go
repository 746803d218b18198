// Package rag is the port to the external retrieval service. The service
// itself (index, embeddings, ranking) lives outside the runtime; the planner
// only consumes opaque guidance passages.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Passage is one retrieved guidance snippet.
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Retriever fetches guidance for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// Noop retrieves nothing. Used when no retrieval endpoint is configured.
type Noop struct{}

// Retrieve implements Retriever.
func (Noop) Retrieve(context.Context, string, int) ([]Passage, error) { return nil, nil }

// HTTP queries a retrieval endpoint: POST {query, top_k} -> {passages}.
type HTTP struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTP creates a retriever against the given endpoint.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Retrieve implements Retriever. Failures degrade to no guidance; retrieval
// is advisory and never blocks planning.
func (h *HTTP) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	body, err := json.Marshal(map[string]any{"query": query, "top_k": k})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval endpoint returned %d", resp.StatusCode)
	}
	var out struct {
		Passages []Passage `json:"passages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Passages, nil
}
