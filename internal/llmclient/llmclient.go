// Package llmclient is an OpenAI-chat-completions-wire-compatible
// client for the synthesis/rewrite/intent LLM calls (spec.md §4.C),
// streaming via SSE `data: {...}` frames terminated by `data: [DONE]`.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/aquagw/gateway/internal/domain"
)

const (
	retryBaseDelay = 250 * time.Millisecond
	retryFactor    = 2.0
	maxRetries     = 2
)

// Message is one chat turn in the wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an OpenAI-compatible chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Choice carries either a full message (non-streaming) or a delta
// fragment (streaming).
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a non-streaming completion response.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// StreamChunk is one SSE data frame of a streaming completion.
type StreamChunk struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type errorResponse struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// StreamCallback receives each content delta as it arrives. Returning
// an error aborts the stream.
type StreamCallback func(delta string) error

// Client is the LLM HTTP client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a Client pointed at baseURL (e.g. an OpenRouter-compatible
// endpoint).
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// isRetryable reports whether err (or the wrapped HTTP status implied
// by it) warrants a retry: connection-level failures and 429/5xx.
func isRetryable(statusCode int, err error) bool {
	if statusCode == 0 {
		return err != nil // no HTTP response: connection-level failure
	}
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Complete performs a single non-streaming completion call, retrying
// transient upstream failures with exponential backoff (base 250ms,
// factor 2, up to 2 retries; spec.md §4.C).
func (c *Client) Complete(ctx context.Context, req Request) (*Response, *domain.Stats, error) {
	req.Stream = false
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(retryBaseDelay) * math.Pow(retryFactor, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, status, err := c.doComplete(ctx, req)
		if err == nil {
			stats := &domain.Stats{}
			if resp.Usage != nil {
				stats.PromptTokens = resp.Usage.PromptTokens
				stats.CompletionTokens = resp.Usage.CompletionTokens
			} else {
				stats.Approximate = true
			}
			return resp, stats, nil
		}
		lastErr = err
		if !isRetryable(status, err) {
			break
		}
	}
	return nil, nil, domain.Wrap(domain.KindUpstream, "llm completion failed", lastErr)
}

func (c *Client) doComplete(ctx context.Context, req Request) (*Response, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, apiErrFrom(resp.StatusCode, respBody)
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, resp.StatusCode, err
	}
	return &out, resp.StatusCode, nil
}

// Stream performs a streaming completion call, invoking cb for every
// content delta. It makes a single attempt: neither a failed initial
// request nor a mid-stream failure is retried; both are surfaced to the
// caller for FAIL_SOFT handling.
func (c *Client) Stream(ctx context.Context, req Request, cb StreamCallback) (*domain.Stats, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "marshal llm request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "build llm request", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "llm stream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, domain.Wrap(domain.KindUpstream, "llm stream request failed", apiErrFrom(resp.StatusCode, respBody))
	}

	stats := &domain.Stats{Approximate: true}
	reader := bufio.NewReader(resp.Body)

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return stats, nil
			}
			return stats, domain.Wrap(domain.KindUpstream, "llm stream read failed", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return stats, nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // malformed chunk, keep reading
		}
		if chunk.Usage != nil {
			stats.PromptTokens = chunk.Usage.PromptTokens
			stats.CompletionTokens = chunk.Usage.CompletionTokens
			stats.Approximate = false
		}
		for _, choice := range chunk.Choices {
			if choice.Delta == nil || choice.Delta.Content == "" {
				continue
			}
			if err := cb(choice.Delta.Content); err != nil {
				return stats, err
			}
		}
	}
}

func apiErrFrom(statusCode int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		return fmt.Errorf("llm api error [%d]: %s (%s)", statusCode, errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("llm api error [%d]: %s", statusCode, string(body))
}
