package llm

import (
	"errors"
	"fmt"
	"sync"

	"rhythmchamber/internal/logging"
)

// -----------------------------------------------------------------------------
// Stream Re-assembly
// -----------------------------------------------------------------------------

var (
	// ErrSequenceGap is returned for chunks too far ahead of the expected
	// sequence. Such chunks never enter the buffer.
	ErrSequenceGap = errors.New("chunk sequence too far ahead")

	// ErrBufferFull is returned when the out-of-order buffer is at capacity.
	ErrBufferFull = errors.New("reassembly buffer full")
)

// Chunk is one streamed fragment with its monotonic sequence number.
type Chunk struct {
	Seq          int64
	Delta        string
	ToolCalls    []ToolCall
	FinishReason string
	Done         bool
}

// streamEvent is one decoded SSE data payload. Providers that emit an
// explicit seq field get true re-assembly; those that omit it are treated as
// arriving in order.
type streamEvent struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Seq     *int64   `json:"seq"`
	Choices []Choice `json:"choices"`
}

// mergeToolCallDeltas folds streamed tool-call fragments: a fragment with an
// id or function name opens a new call, fragments without either append
// argument text to the last open call.
func mergeToolCallDeltas(calls []ToolCall, deltas []ToolCall) []ToolCall {
	for _, d := range deltas {
		if d.ID != "" || d.Function.Name != "" || len(calls) == 0 {
			calls = append(calls, d)
			continue
		}
		last := &calls[len(calls)-1]
		last.Function.Arguments += d.Function.Arguments
	}
	return calls
}

// ReassemblerConfig bounds the reassembly buffer.
type ReassemblerConfig struct {
	// MaxSequenceGap rejects sequences >= nextExpected + gap. Bounds memory
	// against buggy or malicious producers.
	MaxSequenceGap int64

	// MaxBuffered caps the number of out-of-order chunks held.
	MaxBuffered int
}

// DefaultReassemblerConfig returns production defaults.
func DefaultReassemblerConfig() ReassemblerConfig {
	return ReassemblerConfig{
		MaxSequenceGap: 1000,
		MaxBuffered:    256,
	}
}

// Reassembler delivers streamed chunks in sequence order, buffering bounded
// out-of-order arrivals.
type Reassembler struct {
	mu      sync.Mutex
	config  ReassemblerConfig
	next    int64
	pending map[int64]Chunk
}

// NewReassembler creates a reassembler expecting sequence 0 first.
func NewReassembler(config ReassemblerConfig) *Reassembler {
	def := DefaultReassemblerConfig()
	if config.MaxSequenceGap <= 0 {
		config.MaxSequenceGap = def.MaxSequenceGap
	}
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = def.MaxBuffered
	}
	return &Reassembler{
		config:  config,
		pending: make(map[int64]Chunk),
	}
}

// Push accepts a chunk and returns every chunk now deliverable in order.
// Duplicates and already-delivered sequences are dropped silently.
func (r *Reassembler) Push(c Chunk) ([]Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case c.Seq < r.next:
		logging.LLMDebug("dropping stale chunk seq=%d (next=%d)", c.Seq, r.next)
		return nil, nil

	case c.Seq >= r.next+r.config.MaxSequenceGap:
		// Rejected before buffering.
		return nil, fmt.Errorf("%w: seq=%d next=%d gap=%d", ErrSequenceGap, c.Seq, r.next, r.config.MaxSequenceGap)

	case c.Seq > r.next:
		if _, dup := r.pending[c.Seq]; dup {
			return nil, nil
		}
		if len(r.pending) >= r.config.MaxBuffered {
			return nil, fmt.Errorf("%w: %d chunks held", ErrBufferFull, len(r.pending))
		}
		r.pending[c.Seq] = c
		return nil, nil
	}

	// In-order chunk: emit it plus any buffered run behind it.
	out := []Chunk{c}
	r.next++
	for {
		buffered, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		out = append(out, buffered)
		r.next++
	}
	return out, nil
}

// Buffered returns the number of out-of-order chunks currently held.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// NextExpected returns the next sequence the reassembler will deliver.
func (r *Reassembler) NextExpected() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
