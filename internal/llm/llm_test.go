package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rhythmchamber/internal/retry"
)

// ----- Response validation -----

func TestValidateResponse(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"content only", `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`, true},
		{"tool calls only", `{"choices":[{"message":{"role":"assistant","tool_calls":[{"id":"1","type":"function","function":{"name":"f","arguments":"{}"}}]}}]}`, true},
		{"content and tool calls", `{"choices":[{"message":{"role":"assistant","content":"pre","tool_calls":[{"id":"1","type":"function","function":{"name":"f","arguments":"{}"}}]}}]}`, true},
		{"not an object", `[1,2,3]`, false},
		{"empty choices", `{"choices":[]}`, false},
		{"missing choices", `{"id":"x"}`, false},
		{"no message", `{"choices":[{"index":0}]}`, false},
		{"empty message", `{"choices":[{"message":{"role":"assistant"}}]}`, false},
		{"tool call missing name", `{"choices":[{"message":{"tool_calls":[{"id":"1","type":"function","function":{"arguments":"{}"}}]}}]}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tc.body))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidResponse) {
				t.Fatalf("expected ErrInvalidResponse, got %v", err)
			}
		})
	}
}

func TestResponseAccessors(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"choices":[{"message":{"role":"assistant","content":"pre","tool_calls":[{"id":"1","type":"function","function":{"name":"lookup","arguments":"{\"q\":1}"}}]}}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content() != "pre" {
		t.Fatalf("content = %q", resp.Content())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].Function.Name != "lookup" {
		t.Fatalf("tool calls = %+v", calls)
	}
}

// ----- HTTP client -----

func TestHTTPClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model == "" {
			t.Error("model must be filled from config")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"})
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content() != "hello" {
		t.Fatalf("content = %q", resp.Content())
	}
}

func TestHTTPClient_ServerErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := retry.Classify(err); kind != retry.KindProviderError {
		t.Fatalf("classified as %s, want PROVIDER_ERROR", kind)
	}
}

func TestHTTPClient_ClientErrorsAreNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if retry.IsRetryable(retry.Classify(err)) {
		t.Fatalf("4xx must not be retryable: %v", err)
	}
}

func TestHTTPClient_MissingKeyFailsFast(t *testing.T) {
	c := NewHTTPClient(Config{})
	_, err := c.Complete(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("expected API key error, got %v", err)
	}
}

func TestHTTPClient_RateLimitWaitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL, RateLimitDelay: 30 * time.Second})
	if _, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "a"}}}); err != nil {
		t.Fatal(err)
	}

	// The second request would wait 30s for its slot; an aborted context must
	// cut the wait short instead of sleeping it out.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_, err := c.Complete(ctx, Request{Messages: []Message{{Role: "user", Content: "b"}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancelled request still waited %v", elapsed)
	}
}

// ----- Streaming -----

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("streaming client must set stream=true on the wire")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			if _, err := w.Write([]byte("data: " + ev + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
}

func TestHTTPClient_StreamReassemblesOutOfOrder(t *testing.T) {
	srv := sseServer(t,
		`{"id":"s1","model":"m1","seq":0,"choices":[{"delta":{"content":"hel"}}]}`,
		`{"seq":2,"choices":[{"delta":{"content":" world"}}]}`,
		`{"seq":1,"choices":[{"delta":{"content":"lo"}}]}`,
		`{"seq":3,"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL, Stream: true})
	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Content(); got != "hello world" {
		t.Fatalf("content = %q", got)
	}
	if resp.ID != "s1" || resp.Model != "m1" {
		t.Fatalf("metadata lost: id=%q model=%q", resp.ID, resp.Model)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
}

func TestHTTPClient_StreamRejectsFarAheadSequence(t *testing.T) {
	srv := sseServer(t,
		`{"seq":0,"choices":[{"delta":{"content":"a"}}]}`,
		`{"seq":20000,"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL, Stream: true})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
}

func TestHTTPClient_StreamAssemblesToolCallDeltas(t *testing.T) {
	srv := sseServer(t,
		`{"seq":0,"choices":[{"delta":{"tool_calls":[{"id":"c1","type":"function","function":{"name":"search_history","arguments":"{\"query\":"}}]}}]}`,
		`{"seq":1,"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"jazz\"}"}}]}}]}`,
		`{"seq":2,"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL, Stream: true})
	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls = %+v", calls)
	}
	if calls[0].Function.Name != "search_history" || calls[0].Function.Arguments != `{"query":"jazz"}` {
		t.Fatalf("merged call = %+v", calls[0])
	}
}

func TestHTTPClient_StreamIncompleteRunFails(t *testing.T) {
	// seq 1 never arrives, so seq 2 stays undeliverable.
	srv := sseServer(t,
		`{"seq":0,"choices":[{"delta":{"content":"a"}}]}`,
		`{"seq":2,"choices":[{"delta":{"content":"c"}}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL, Stream: true})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil || !strings.Contains(err.Error(), "undeliverable") {
		t.Fatalf("err = %v, want undeliverable-chunks failure", err)
	}
}

// ----- Stream re-assembly -----

func TestReassembler_InOrder(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{})
	for i := int64(0); i < 3; i++ {
		out, err := r.Push(Chunk{Seq: i, Delta: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 1 || out[0].Seq != i {
			t.Fatalf("seq %d: out = %+v", i, out)
		}
	}
}

func TestReassembler_ReordersBufferedRun(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{})

	for _, seq := range []int64{2, 1} {
		out, err := r.Push(Chunk{Seq: seq})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 0 {
			t.Fatalf("seq %d delivered early: %+v", seq, out)
		}
	}
	if r.Buffered() != 2 {
		t.Fatalf("buffered = %d, want 2", r.Buffered())
	}

	out, err := r.Push(Chunk{Seq: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected full run, got %+v", out)
	}
	for i, c := range out {
		if c.Seq != int64(i) {
			t.Fatalf("out[%d].Seq = %d", i, c.Seq)
		}
	}
	if r.Buffered() != 0 {
		t.Fatalf("buffer not drained: %d", r.Buffered())
	}
}

func TestReassembler_RejectsFarAheadWithoutBuffering(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{MaxSequenceGap: 1000})

	_, err := r.Push(Chunk{Seq: r.NextExpected() + 10000})
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
	if r.Buffered() != 0 {
		t.Fatalf("rejected chunk entered the buffer (%d held)", r.Buffered())
	}
}

func TestReassembler_BufferCapacity(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{MaxBuffered: 2, MaxSequenceGap: 1000})

	r.Push(Chunk{Seq: 5})
	r.Push(Chunk{Seq: 6})
	_, err := r.Push(Chunk{Seq: 7})
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
}

func TestReassembler_DropsStaleAndDuplicate(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{})

	r.Push(Chunk{Seq: 0})
	out, err := r.Push(Chunk{Seq: 0})
	if err != nil || len(out) != 0 {
		t.Fatalf("stale chunk: out=%v err=%v", out, err)
	}

	r.Push(Chunk{Seq: 2})
	out, err = r.Push(Chunk{Seq: 2})
	if err != nil || len(out) != 0 {
		t.Fatalf("duplicate buffered chunk: out=%v err=%v", out, err)
	}
	if r.Buffered() != 1 {
		t.Fatalf("buffered = %d, want 1", r.Buffered())
	}
}
