// Package openai is a minimal client for the OpenAI Responses API, limited
// to running stored prompt templates.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hulloitskai/imo/internal/logger"
)

const DefaultBaseURL = "https://api.openai.com"

// ErrUnexpectedShape means the response carried no text where expected.
var ErrUnexpectedShape = errors.New("openai: unexpected response shape")

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Log        *logger.Logger
}

func New(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		Log:        log,
	}
}

// Prompt references a stored prompt template.
type Prompt struct {
	ID string `json:"id"`
}

// InputMessage is one structured chat turn.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the subset of a Responses API create call used here. Input is
// either a []InputMessage or a string.
type Request struct {
	Prompt Prompt `json:"prompt"`
	Input  any    `json:"input"`
}

type Response struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	OutputText string `json:"output_text,omitempty"`
}

// FirstText returns the first output item's first content text, falling
// back to the output_text convenience field.
func (r Response) FirstText() (string, error) {
	if len(r.Output) > 0 && len(r.Output[0].Content) > 0 {
		return r.Output[0].Content[0].Text, nil
	}
	if r.OutputText != "" {
		return r.OutputText, nil
	}
	return "", ErrUnexpectedShape
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// Create runs a prompt once. There are no retries.
func (c *Client) Create(ctx context.Context, req Request) (Response, error) {
	var out Response
	if strings.TrimSpace(c.APIKey) == "" {
		return out, errors.New("openai api key not configured")
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return out, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/responses", &buf)
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("openai request: %w", err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return out, readErr
	}
	if c.Log != nil {
		c.Log.Debug("openai response", "prompt_id", req.Prompt.ID, "status", resp.StatusCode, "duration", time.Since(start).String())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode: %v", ErrUnexpectedShape, err)
	}
	return out, nil
}

// CreateText runs a prompt and returns its primary text.
func (c *Client) CreateText(ctx context.Context, req Request) (string, error) {
	resp, err := c.Create(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.FirstText()
}
