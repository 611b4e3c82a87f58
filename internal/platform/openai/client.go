// Package openai implements domain.AIClient on the OpenAI Responses and
// Images APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/platform/httpx"
)

const defaultBaseURL = "https://api.openai.com"

// Config configures a Client.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	ResearchModel string
	ImageModel    string
	ImageSize     string
	MaxRetries    int
	Timeout       time.Duration
}

// Client talks to the OpenAI HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	// initialBackoff is doubled after every retried attempt.
	initialBackoff time.Duration
}

// New creates a Client. Empty fields fall back to sensible defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	if cfg.ResearchModel == "" {
		cfg.ResearchModel = cfg.Model
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = "gpt-image-1"
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "1024x1024"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         logger.With(slog.String("component", "openai")),
		initialBackoff: time.Second,
	}
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Tools []tool         `json:"tools,omitempty"`
	Text  *textOptions   `json:"text,omitempty"`
}

type tool struct {
	Type string `json:"type"`
}

type textOptions struct {
	Format map[string]any `json:"format"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
}

// outputText concatenates the assistant's text parts. A refusal is
// returned as an error.
func (r responsesResponse) outputText() (string, error) {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			switch c.Type {
			case "output_text":
				b.WriteString(c.Text)
			case "refusal":
				return "", fmt.Errorf("model refused: %s", c.Refusal)
			}
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("no output_text in response")
	}
	return text, nil
}

type imagesRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type imagesResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Research asks the research model for a digest, with web search enabled.
func (c *Client) Research(ctx context.Context, prompt string) (string, error) {
	req := responsesRequest{
		Model: c.cfg.ResearchModel,
		Input: []inputMessage{{Role: "user", Content: prompt}},
		Tools: []tool{{Type: "web_search"}},
	}
	var resp responsesResponse
	if err := c.post(ctx, "/v1/responses", req, &resp); err != nil {
		return "", aiError("research", err)
	}
	text, err := resp.outputText()
	if err != nil {
		return "", aiError("research", err)
	}
	return text, nil
}

// GenerateStructured requests a strict json_schema answer and decodes it
// into out.
func (c *Client) GenerateStructured(ctx context.Context, sr domain.StructuredRequest, out any) error {
	if sr.Name == "" || sr.Schema == nil {
		return aiError("generate structured", errors.New("schema name and schema required"))
	}
	req := responsesRequest{
		Model: c.cfg.Model,
		Input: []inputMessage{
			{Role: "system", Content: sr.System},
			{Role: "user", Content: sr.User},
		},
		Text: &textOptions{Format: map[string]any{
			"type":   "json_schema",
			"name":   sr.Name,
			"schema": sr.Schema,
			"strict": true,
		}},
	}
	var resp responsesResponse
	if err := c.post(ctx, "/v1/responses", req, &resp); err != nil {
		return aiError("generate "+sr.Name, err)
	}
	text, err := resp.outputText()
	if err != nil {
		return aiError("generate "+sr.Name, err)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return aiError("generate "+sr.Name, fmt.Errorf("decode model json: %w", err))
	}
	return nil
}

// GenerateImage returns the PNG bytes of one generated image.
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, aiError("generate image", errors.New("prompt required"))
	}
	req := imagesRequest{Model: c.cfg.ImageModel, Prompt: prompt, N: 1, Size: c.cfg.ImageSize}

	var resp imagesResponse
	if err := c.post(ctx, "/v1/images/generations", req, &resp); err != nil {
		return nil, aiError("generate image", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, aiError("generate image", errors.New("no image returned"))
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, aiError("generate image", fmt.Errorf("decode image: %w", err))
	}
	return raw, nil
}

// post sends body as JSON and decodes the answer into out, retrying
// transient failures with a doubling backoff.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	backoff := c.initialBackoff
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		raw, err := httpx.Do(c.httpClient, req)
		if err == nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}
		if ctx.Err() != nil || !httpx.Transient(err) || attempt >= c.cfg.MaxRetries {
			return err
		}

		sleep := backoff
		var se *httpx.StatusError
		if errors.As(err, &se) && se.RetryAfter > sleep {
			sleep = min(se.RetryAfter, 10*time.Second)
		}
		c.logger.WarnContext(ctx, "openai request retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("sleep", sleep),
			slog.String("error", err.Error()),
		)
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func aiError(op string, err error) error {
	return fmt.Errorf("openai: %s: %w: %w", op, domain.ErrAIProvider, err)
}

var _ domain.AIClient = (*Client)(nil)
