// Package ollama is a thin client for the Ollama HTTP API covering the two
// endpoints the engine needs: embeddings and chat completions.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to one Ollama server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Client for the given base URL, e.g. "http://localhost:11434".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text under the given model.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var result embedResp
	if err := c.post(ctx, "/api/embeddings", embedReq{Model: model, Prompt: text}, &result); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"` // "json" forces JSON output
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message Message `json:"message"`
}

// ChatOpts tunes one chat call.
type ChatOpts struct {
	Temperature float64
	JSONMode    bool
}

// Chat sends a non-streaming chat request and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts ChatOpts) (string, error) {
	req := chatReq{
		Model:    model,
		Messages: messages,
		Options:  map[string]any{"temperature": opts.Temperature},
	}
	if opts.JSONMode {
		req.Format = "json"
	}
	var result chatResp
	if err := c.post(ctx, "/api/chat", req, &result); err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return result.Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
