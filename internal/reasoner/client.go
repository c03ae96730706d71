package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ChatMessage is one entry of a chat completion request, mirroring the
// {role, content} shape every OpenAI-compatible local inference server
// accepts.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the wire body posted to the endpoint's chat-completions
// route. Grammar constrains the decoder to InsightGrammar's shape; streaming
// is always disabled since the worker needs the full response before it can
// validate it.
type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
	Messages    []ChatMessage `json:"messages"`
	Grammar     string        `json:"grammar,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client talks to a local OpenAI-compatible inference server over HTTP.
type Client struct {
	httpClient *http.Client
	endpoint   string
	timeout    time.Duration
	apiKey     string
}

// NewClient constructs a Client against endpoint (base URL, no trailing
// path) with the given per-request timeout. A bearer token is attached to
// every request when LLM_API_KEY (or OPENAI_API_KEY) is set; local
// unauthenticated servers simply leave both unset.
func NewClient(endpoint string, timeout time.Duration) *Client {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		timeout:    timeout,
		apiKey:     apiKey,
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Timeout returns the configured per-request timeout, used by the worker to
// decide whether enough budget remains for a follow-up round.
func (c *Client) Timeout() time.Duration { return c.timeout }

// CheckHealth probes the server's model-listing endpoint. A non-2xx status
// or transport error is treated as unreachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("building health check request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// DefaultModel returns the classification model name, overridable via
// LLM_MODEL.
func DefaultModel() string {
	if m := os.Getenv("LLM_MODEL"); m != "" {
		return m
	}
	return "local-sre-llm"
}

// Chat sends messages to the server's chat-completions endpoint constrained
// by InsightGrammar and returns the assistant's raw text content.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	return c.ChatCompletion(ctx, messages, ChatOptions{
		Model:       DefaultModel(),
		Temperature: 0,
		MaxTokens:   48,
		Grammar:     InsightGrammar,
	})
}

// ChatOptions parameterizes ChatCompletion for callers other than the window
// reasoning worker (e.g. the incident analyzer, which uses a different model
// name, a nonzero temperature, a larger token budget, and no grammar).
type ChatOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Grammar     string // empty means unconstrained decoding
}

// ChatCompletion sends messages to the server's chat-completions endpoint
// under the given options and returns the assistant's raw text content.
func (c *Client) ChatCompletion(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error) {
	body := chatRequest{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      false,
		Messages:    messages,
		Grammar:     opts.Grammar,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat request returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
