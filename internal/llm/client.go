package llm

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

	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/retry"
)

// Client is the provider abstraction consumed by the turn pipeline.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config holds provider client configuration.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	MaxTokens      int
	Temperature    float64
	RateLimitDelay time.Duration

	// Stream requests server-sent events and re-assembles the chunks into a
	// complete response before validation.
	Stream bool
}

// DefaultConfig returns sensible defaults for an OpenAI-compatible endpoint.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:         apiKey,
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		Timeout:        2 * time.Minute,
		MaxTokens:      4096,
		Temperature:    0.2,
		RateLimitDelay: 100 * time.Millisecond,
	}
}

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	config     Config
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewHTTPClient creates a provider client, filling zero-value config fields
// with defaults.
func NewHTTPClient(config Config) *HTTPClient {
	def := DefaultConfig(config.APIKey)
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = def.MaxTokens
	}
	if config.RateLimitDelay <= 0 {
		config.RateLimitDelay = def.RateLimitDelay
	}

	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Complete sends a chat-completion request and returns the validated response.
// The caller's context carries the budget; a context without a deadline gets
// the client timeout applied.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	if c.config.APIKey == "" {
		return nil, retry.Wrap(retry.KindValidation, fmt.Errorf("API key not configured"))
	}

	// Simple request spacing so bursts of tool summaries do not trip
	// provider rate limits. The slot is reserved under the lock; the wait
	// happens outside it and honors the caller's budget.
	c.mu.Lock()
	slot := c.lastRequest.Add(c.config.RateLimitDelay)
	if now := time.Now(); slot.Before(now) {
		slot = now
	}
	c.lastRequest = slot
	c.mu.Unlock()

	if wait := time.Until(slot); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if req.Model == "" {
		req.Model = c.config.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.config.Temperature
	}

	if c.config.Stream {
		return c.completeStream(ctx, req)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Wrap(retry.KindValidation, fmt.Errorf("marshal request: %v", err))
	}

	start := time.Now()
	logging.LLMDebug("completion request: model=%s messages=%d tools=%d", req.Model, len(req.Messages), len(req.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Wrap(retry.KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Wrap(retry.KindTransientNetwork, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, retry.Wrap(retry.KindTransientNetwork, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		kind := retry.KindValidation
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			kind = retry.KindProviderError
		}
		logging.LLMWarn("completion failed: status %d (%s)", httpResp.StatusCode, truncate(string(respBody), 200))
		return nil, retry.Wrap(kind, fmt.Errorf("provider returned status %d", httpResp.StatusCode))
	}

	resp, err := DecodeResponse(respBody)
	if err != nil {
		return nil, retry.Wrap(retry.KindValidation, err)
	}

	logging.LLM("completion ok: model=%s tokens=%d elapsed=%v", resp.Model, resp.Usage.TotalTokens, time.Since(start).Round(time.Millisecond))
	return resp, nil
}

// completeStream runs the request over SSE, re-assembling sequence-numbered
// chunks into one validated response.
func (c *HTTPClient) completeStream(ctx context.Context, req Request) (*Response, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Wrap(retry.KindValidation, fmt.Errorf("marshal request: %v", err))
	}

	start := time.Now()
	logging.LLMDebug("streaming request: model=%s messages=%d tools=%d", req.Model, len(req.Messages), len(req.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Wrap(retry.KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Wrap(retry.KindTransientNetwork, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<16))
		kind := retry.KindValidation
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			kind = retry.KindProviderError
		}
		logging.LLMWarn("stream failed: status %d (%s)", httpResp.StatusCode, truncate(string(respBody), 200))
		return nil, retry.Wrap(kind, fmt.Errorf("provider returned status %d", httpResp.StatusCode))
	}

	reasm := NewReassembler(ReassemblerConfig{})
	resp := &Response{Object: "chat.completion"}
	var content strings.Builder
	var calls []ToolCall
	var finish string
	var arrival int64

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, retry.Wrap(retry.KindValidation, fmt.Errorf("decode stream event: %v", err))
		}
		if ev.ID != "" {
			resp.ID = ev.ID
		}
		if ev.Model != "" {
			resp.Model = ev.Model
		}

		chunk := Chunk{Seq: arrival}
		if ev.Seq != nil {
			chunk.Seq = *ev.Seq
		}
		arrival++
		if len(ev.Choices) > 0 {
			if d := ev.Choices[0].Delta; d != nil {
				chunk.Delta = d.Content
				chunk.ToolCalls = d.ToolCalls
			}
			chunk.FinishReason = ev.Choices[0].FinishReason
		}

		ordered, err := reasm.Push(chunk)
		if err != nil {
			// Sequence-gap and buffer-full rejections end the stream.
			return nil, retry.Wrap(retry.KindValidation, err)
		}
		for _, ch := range ordered {
			content.WriteString(ch.Delta)
			calls = mergeToolCallDeltas(calls, ch.ToolCalls)
			if ch.FinishReason != "" {
				finish = ch.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Wrap(retry.KindTransientNetwork, err)
	}
	if held := reasm.Buffered(); held > 0 {
		return nil, retry.Wrap(retry.KindValidation,
			fmt.Errorf("stream ended with %d undeliverable chunks (next expected seq %d)", held, reasm.NextExpected()))
	}

	resp.Choices = []Choice{{
		Message:      &Message{Role: "assistant", Content: content.String(), ToolCalls: calls},
		FinishReason: finish,
	}}
	if err := ValidateResponse(resp); err != nil {
		return nil, retry.Wrap(retry.KindValidation, err)
	}

	logging.LLM("stream ok: model=%s chunks=%d elapsed=%v", resp.Model, arrival, time.Since(start).Round(time.Millisecond))
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
