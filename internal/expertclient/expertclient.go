// Package expertclient consults the upstream domain-knowledge expert
// service over a server-sent event channel (spec.md §4.D, §6).
package expertclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aquagw/gateway/internal/domain"
)

// OnChunk is invoked for every content chunk in receive order, before
// Consult returns the final ExpertResult.
type OnChunk func(chunk string) error

// Client talks to the configured expert service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a Client against baseURL (typically EXPERT_API_BASE_URL).
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chunkFrame struct {
	Content string `json:"content"`
}

type doneFrame struct {
	Done       bool            `json:"done"`
	Answer     string          `json:"answer"`
	Confidence float64         `json:"confidence"`
	Sources    []string        `json:"sources"`
	Metadata   map[string]any  `json:"metadata"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Consult issues the GET request described in spec.md §6 ("Upstream
// expert channel") and streams the response, invoking onChunk for each
// content frame. agentType is fixed to "japan" for the conversational
// expert per spec.md §4.D.
func (c *Client) Consult(ctx context.Context, query, agentType, sessionID string, cfg *domain.Config, onChunk OnChunk) (*domain.ExpertResult, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("agent_type", agentType)
	q.Set("session_id", sessionID)
	if cfg != nil {
		cfgJSON, err := json.Marshal(cfg)
		if err == nil {
			q.Set("config", string(cfgJSON))
		}
	}

	reqURL := fmt.Sprintf("%s/sse/stream_qa?%s", c.baseURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "build expert request", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "expert request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, domain.Wrap(domain.KindUpstream, "expert request failed", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	return c.consumeStream(ctx, resp.Body, onChunk)
}

func (c *Client) consumeStream(ctx context.Context, body io.Reader, onChunk OnChunk) (*domain.ExpertResult, error) {
	scanner := bufio.NewScanner(body)
	var answer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var done doneFrame
		if err := json.Unmarshal([]byte(data), &done); err == nil && done.Done {
			if done.Answer != "" {
				answer.Reset()
				answer.WriteString(done.Answer)
			}
			return &domain.ExpertResult{
				Success:    true,
				Answer:     answer.String(),
				Confidence: done.Confidence,
				Sources:    done.Sources,
				Metadata:   done.Metadata,
			}, nil
		}

		var errFrame errorFrame
		if err := json.Unmarshal([]byte(data), &errFrame); err == nil && errFrame.Error != "" {
			return nil, domain.New(domain.KindExpert, errFrame.Error)
		}

		var chunk chunkFrame
		if err := json.Unmarshal([]byte(data), &chunk); err == nil && chunk.Content != "" {
			answer.WriteString(chunk.Content)
			if onChunk != nil {
				if err := onChunk(chunk.Content); err != nil {
					return nil, err
				}
			}
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "expert stream read failed", err)
	}

	// Stream ended without an explicit done frame: treat what was
	// accumulated as the answer (spec.md §4.D doesn't require a
	// trailing done frame on clean EOF).
	return &domain.ExpertResult{Success: true, Answer: answer.String()}, nil
}
