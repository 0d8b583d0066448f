package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
)

// ---------------------------------------------------------------------------
// Chat client interface
// ---------------------------------------------------------------------------

// ChatClient sends one system+user exchange to an LLM provider and returns
// the text of the reply. Deadlines come from ctx.
type ChatClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Provider() string
}

// NewChatClient creates the client for cfg.Provider.
func NewChatClient(cfg config.DeepConfig) (ChatClient, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, werrors.New(werrors.ErrConfig, "anthropic api_key is required")
		}
		return &anthropicClient{
			apiKey:     cfg.APIKey,
			model:      cfg.Model,
			maxTokens:  maxTokens,
			baseURL:    orDefault(cfg.Endpoint, "https://api.anthropic.com"),
			httpClient: &http.Client{},
		}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, werrors.New(werrors.ErrConfig, "openai api_key is required")
		}
		return &openaiClient{
			apiKey:     cfg.APIKey,
			model:      cfg.Model,
			maxTokens:  maxTokens,
			baseURL:    orDefault(cfg.Endpoint, "https://api.openai.com"),
			httpClient: &http.Client{},
		}, nil
	case "ollama":
		return &ollamaClient{
			endpoint:   orDefault(cfg.Endpoint, "http://localhost:11434"),
			model:      cfg.Model,
			httpClient: &http.Client{},
		}, nil
	default:
		return nil, werrors.Newf(werrors.ErrConfig, "unsupported deep provider: %q", cfg.Provider)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// postJSON sends body and returns the raw response on HTTP 200.
func postJSON(ctx context.Context, client *http.Client, provider, url string, body interface{}, headers map[string]string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, werrors.Wrap(werrors.ErrDeepUnavailable, provider+" API call", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, werrors.Newf(werrors.ErrDeepUnavailable, "%s API %d: %s", provider, resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ---------------------------------------------------------------------------
// Anthropic
// ---------------------------------------------------------------------------

type anthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

func (c *anthropicClient) Provider() string { return "anthropic" }

func (c *anthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	body := map[string]interface{}{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	data, err := postJSON(ctx, c.httpClient, "anthropic", c.baseURL+"/v1/messages", body, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}

	var raw struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", werrors.Wrap(werrors.ErrDeepInvalidResp, "parsing anthropic response", err)
	}
	var out string
	for _, block := range raw.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// OpenAI
// ---------------------------------------------------------------------------

type openaiClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

func (c *openaiClient) Provider() string { return "openai" }

func (c *openaiClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	body := map[string]interface{}{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
	}
	data, err := postJSON(ctx, c.httpClient, "openai", c.baseURL+"/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	})
	if err != nil {
		return "", err
	}

	var raw struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", werrors.Wrap(werrors.ErrDeepInvalidResp, "parsing openai response", err)
	}
	if len(raw.Choices) == 0 {
		return "", werrors.New(werrors.ErrDeepInvalidResp, "openai returned no choices")
	}
	return raw.Choices[0].Message.Content, nil
}

// ---------------------------------------------------------------------------
// Ollama
// ---------------------------------------------------------------------------

type ollamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

func (c *ollamaClient) Provider() string { return "ollama" }

func (c *ollamaClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	body := map[string]interface{}{
		"model":  c.model,
		"stream": false,
		"format": "json",
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
	}
	data, err := postJSON(ctx, c.httpClient, "ollama", c.endpoint+"/api/chat", body, nil)
	if err != nil {
		return "", err
	}

	var raw struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", werrors.Wrap(werrors.ErrDeepInvalidResp, "parsing ollama response", err)
	}
	return raw.Message.Content, nil
}
