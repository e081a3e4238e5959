// Package agent invokes the external language-model endpoints assigned to
// each pipeline role. One endpoint per role; per-role semaphores bound each
// backend's in-flight count. No role is a subtype of any other.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"makerd/internal/config"
	"makerd/internal/logging"
)

// Role identifies an agent endpoint.
type Role string

const (
	RolePreprocessor Role = "preprocessor"
	RolePlanner      Role = "planner"
	RoleCoder        Role = "coder"
	RoleReviewer     Role = "reviewer"
	RoleVoter        Role = "voter"
)

// ErrorMarker prefixes a chunk that carries a failure instead of model
// output. Failures are surfaced in-band; the stream itself never errors.
const ErrorMarker = "[agent-error]"

// IsErrorChunk reports whether a chunk is an in-band error marker.
func IsErrorChunk(chunk string) bool {
	return strings.HasPrefix(chunk, ErrorMarker)
}

// Request is a single agent invocation.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Caller is the narrow interface the pipeline depends on. The concrete
// Client implements it; tests substitute fakes.
type Caller interface {
	Complete(ctx context.Context, role Role, req Request) (string, error)
	Stream(ctx context.Context, role Role, req Request) <-chan string
}

type endpoint struct {
	url string
	sem *semaphore.Weighted
}

// Client calls one model endpoint per agent role.
type Client struct {
	endpoints  map[Role]*endpoint
	apiKey     string
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient builds a client from the agents configuration.
func NewClient(cfg config.AgentsConfig) *Client {
	capacity := int64(cfg.Concurrency)
	if capacity < 1 {
		capacity = 1
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	endpoints := map[Role]*endpoint{
		RolePreprocessor: {url: cfg.PreprocessorURL},
		RolePlanner:      {url: cfg.PlannerURL},
		RoleCoder:        {url: cfg.CoderURL},
		RoleReviewer:     {url: cfg.ReviewerURL},
		RoleVoter:        {url: cfg.VoterURL},
	}
	for _, ep := range endpoints {
		ep.sem = semaphore.NewWeighted(capacity)
	}

	return &Client{
		endpoints:  endpoints,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// message mirrors the chat-completions request shape.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a one-shot request and returns the full completion.
func (c *Client) Complete(ctx context.Context, role Role, req Request) (string, error) {
	ep, ok := c.endpoints[role]
	if !ok || ep.url == "" {
		return "", fmt.Errorf("no endpoint configured for agent %q", role)
	}

	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	// Acquire before any network call; released on completion or cancellation.
	if err := ep.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("agent %s: %w", role, err)
	}
	defer ep.sem.Release(1)

	c.throttle()

	start := time.Now()
	logging.APIDebug("[%s] Complete: system_len=%d user_len=%d temp=%.2f",
		role, len(req.System), len(req.User), req.Temperature)

	body, err := json.Marshal(completionRequest{
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", ep.url+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logging.APIError("[%s] Complete failed after %v: %v", role, time.Since(start), err)
		return "", fmt.Errorf("agent %s request failed: %w", role, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("agent %s: failed to read response: %w", role, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent %s returned status %d: %s", role, resp.StatusCode, string(respBody))
	}

	var parsed completionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("agent %s: failed to parse response: %w", role, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("agent %s API error: %s", role, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return "", fmt.Errorf("agent %s returned no completion", role)
	}

	out := strings.TrimSpace(parsed.Choices[0].Message.Content)
	logging.API("[%s] Complete: done in %v response_len=%d", role, time.Since(start), len(out))
	return out, nil
}

// Stream sends a streaming request. Partial content is yielded in arrival
// order. Any failure is delivered as a single ErrorMarker chunk and the
// channel is closed; the stream never panics or leaks an error value.
// Cancelling ctx terminates the upstream connection within one chunk.
func (c *Client) Stream(ctx context.Context, role Role, req Request) <-chan string {
	out := make(chan string, 64)

	go func() {
		defer close(out)

		ep, ok := c.endpoints[role]
		if !ok || ep.url == "" {
			out <- fmt.Sprintf("%s no endpoint configured for agent %q", ErrorMarker, role)
			return
		}

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
			defer cancel()
		}

		if err := ep.sem.Acquire(ctx, 1); err != nil {
			out <- fmt.Sprintf("%s %v", ErrorMarker, err)
			return
		}
		defer ep.sem.Release(1)

		c.throttle()

		start := time.Now()
		logging.APIDebug("[%s] Stream: starting", role)

		body, err := json.Marshal(completionRequest{
			Messages:    buildMessages(req),
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Stream:      true,
		})
		if err != nil {
			out <- fmt.Sprintf("%s failed to marshal request: %v", ErrorMarker, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", ep.url+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			out <- fmt.Sprintf("%s failed to create request: %v", ErrorMarker, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			out <- fmt.Sprintf("%s agent %s request failed: %v", ErrorMarker, role, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			out <- fmt.Sprintf("%s agent %s returned status %d: %s",
				ErrorMarker, role, resp.StatusCode, strings.TrimSpace(string(respBody)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				logging.API("[%s] Stream: completed in %v", role, time.Since(start))
				return
			}

			var chunk completionResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				out <- fmt.Sprintf("%s agent %s API error: %s", ErrorMarker, role, chunk.Error.Message)
				return
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
				delta := chunk.Choices[0].Delta.Content
				if delta == "" {
					continue
				}
				select {
				case out <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- fmt.Sprintf("%s agent %s stream error: %v", ErrorMarker, role, err)
		}
	}()

	return out
}

// throttle spaces requests 100ms apart to avoid hammering local backends.
func (c *Client) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

func buildMessages(req Request) []message {
	msgs := make([]message, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, message{Role: "user", Content: req.User})
	return msgs
}
