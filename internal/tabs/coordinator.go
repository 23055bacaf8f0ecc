package tabs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rhythmchamber/internal/logging"
)

// =============================================================================
// CROSS-TAB COORDINATOR
// =============================================================================

// Config tunes the coordinator.
type Config struct {
	// ElectionTimeout is how long a candidate waits for a counter-claim
	// before claiming primary.
	ElectionTimeout time.Duration

	// OutboxSize bounds the replay buffer of sent state updates.
	OutboxSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout: 250 * time.Millisecond,
		OutboxSize:      256,
	}
}

// Coordinator participates in primary-tab election and replicates state
// updates across tabs with last-writer-wins versioning.
type Coordinator struct {
	mu sync.Mutex

	config  Config
	channel Channel
	tabID   string

	isPrimary bool
	electing  bool
	sawClaim  bool

	seq      atomic.Int64
	peersSeq map[string]int64

	stateVersion int64
	state        map[string]interface{}

	// outbox holds sent state updates for watermark replay.
	outbox []Message

	authorityHandlers map[int]func(isPrimary bool)
	nextHandler       int

	electionTimer *time.Timer
	unsubscribe   func()
	closed        bool

	nowFunc func() time.Time
}

// NewCoordinator creates a coordinator with a fresh tab id.
func NewCoordinator(channel Channel, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = def.ElectionTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}

	return &Coordinator{
		config:            cfg,
		channel:           channel,
		tabID:             uuid.NewString(),
		peersSeq:          make(map[string]int64),
		authorityHandlers: make(map[int]func(bool)),
		nowFunc:           time.Now,
	}
}

// TabID returns this tab's identity.
func (c *Coordinator) TabID() string { return c.tabID }

// IsPrimary reports whether this tab currently holds authority.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isPrimary
}

// OnAuthorityChange registers a handler invoked on every promotion or
// demotion. Returns an unsubscribe function.
func (c *Coordinator) OnAuthorityChange(fn func(isPrimary bool)) func() {
	c.mu.Lock()
	idx := c.nextHandler
	c.nextHandler++
	c.authorityHandlers[idx] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.authorityHandlers, idx)
		c.mu.Unlock()
	}
}

// Start subscribes to the channel and begins an election.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.unsubscribe = c.channel.Subscribe(c.tabID, func(frame []byte) {
		c.handleFrame(ctx, frame)
	})
	c.mu.Unlock()

	c.startElection(ctx)
}

// Close releases the primary role (if held) and leaves the channel.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasPrimary := c.isPrimary
	c.isPrimary = false
	if c.electionTimer != nil {
		c.electionTimer.Stop()
	}
	unsub := c.unsubscribe
	c.mu.Unlock()

	if wasPrimary {
		c.publish(ctx, Message{Type: TypeReleasePrimary})
	}
	if unsub != nil {
		unsub()
	}
	logging.Tabs("tab %s left the channel (was_primary=%v)", c.tabID, wasPrimary)
}

// -----------------------------------------------------------------------------
// Election
// -----------------------------------------------------------------------------

func (c *Coordinator) startElection(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.electing = true
	c.sawClaim = false
	if c.electionTimer != nil {
		c.electionTimer.Stop()
	}
	c.electionTimer = time.AfterFunc(c.config.ElectionTimeout, func() {
		c.claimPrimary(ctx)
	})
	c.mu.Unlock()

	logging.TabsDebug("tab %s entering election", c.tabID)
	c.publish(ctx, Message{Type: TypeCandidate})
}

func (c *Coordinator) claimPrimary(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.sawClaim || !c.electing {
		c.mu.Unlock()
		return
	}
	c.electing = false
	c.isPrimary = true
	handlers := c.snapshotHandlersLocked()
	c.mu.Unlock()

	logging.Tabs("tab %s claimed primary", c.tabID)
	c.publish(ctx, Message{Type: TypeClaimPrimary})
	for _, fn := range handlers {
		fn(true)
	}
}

func (c *Coordinator) snapshotHandlersLocked() []func(bool) {
	out := make([]func(bool), 0, len(c.authorityHandlers))
	for _, fn := range c.authorityHandlers {
		out = append(out, fn)
	}
	return out
}

// -----------------------------------------------------------------------------
// Incoming frames
// -----------------------------------------------------------------------------

func (c *Coordinator) handleFrame(ctx context.Context, frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		logging.TabsWarn("dropping malformed frame: %v", err)
		return
	}
	if msg.TabID == c.tabID {
		return
	}

	c.trackSequence(ctx, msg)

	switch msg.Type {
	case TypeCandidate:
		c.onCandidate(ctx, msg)
	case TypeClaimPrimary:
		c.onClaimPrimary(ctx, msg)
	case TypeReleasePrimary:
		logging.TabsDebug("tab %s released primary, re-electing", msg.TabID)
		c.startElection(ctx)
	case TypePing:
		c.onPing(ctx, msg)
	case TypePong:
		// Liveness only; sequence tracking above is the useful part.
	case TypeAuthorityChange:
		// Informational; authority is settled by CLAIM_PRIMARY.
	case TypeStateUpdate:
		c.onStateUpdate(msg)
	default:
		// Schema enum makes this unreachable; kept for defense against
		// schema drift.
		logging.TabsWarn("ignoring unknown message type %q from %s", msg.Type, msg.TabID)
	}
}

// trackSequence watches per-peer sequence numbers. A gap publishes a replay
// watermark equal to the lowest missed sequence.
func (c *Coordinator) trackSequence(ctx context.Context, msg *Message) {
	if msg.Seq <= 0 {
		return
	}

	c.mu.Lock()
	last := c.peersSeq[msg.TabID]
	var watermark int64
	if last > 0 && msg.Seq > last+1 {
		watermark = last + 1
	}
	if msg.Seq > last {
		c.peersSeq[msg.TabID] = msg.Seq
	}
	c.mu.Unlock()

	if watermark > 0 {
		logging.TabsWarn("missed frames from %s (last=%d, got=%d), requesting replay from %d",
			msg.TabID, last, msg.Seq, watermark)
		c.publish(ctx, Message{Type: TypePing, ReplayWatermark: watermark})
	}
}

func (c *Coordinator) onCandidate(ctx context.Context, msg *Message) {
	c.mu.Lock()
	isPrimary := c.isPrimary
	electing := c.electing
	yield := electing && msg.TabID < c.tabID
	if yield {
		// Deterministic tie-break: the lexicographically smaller tab id wins
		// a simultaneous election.
		c.sawClaim = true
		c.electing = false
	}
	c.mu.Unlock()

	if isPrimary {
		// Re-assert authority so the candidate settles immediately.
		c.publish(ctx, Message{Type: TypeClaimPrimary})
	}
}

func (c *Coordinator) onClaimPrimary(ctx context.Context, msg *Message) {
	c.mu.Lock()
	c.sawClaim = true
	c.electing = false
	demoted := c.isPrimary
	c.isPrimary = false
	var handlers []func(bool)
	if demoted {
		handlers = c.snapshotHandlersLocked()
	}
	c.mu.Unlock()

	if demoted {
		logging.Tabs("tab %s demoted by claim from %s", c.tabID, msg.TabID)
		c.publish(ctx, Message{Type: TypeAuthorityChange, Payload: map[string]interface{}{
			"primary": msg.TabID,
		}})
		for _, fn := range handlers {
			fn(false)
		}
	}
}

func (c *Coordinator) onPing(ctx context.Context, msg *Message) {
	c.publish(ctx, Message{Type: TypePong})

	if msg.ReplayWatermark <= 0 {
		return
	}

	c.mu.Lock()
	replay := make([]Message, 0, len(c.outbox))
	for _, m := range c.outbox {
		if m.Seq >= msg.ReplayWatermark {
			replay = append(replay, m)
		}
	}
	c.mu.Unlock()

	logging.TabsDebug("replaying %d frames from watermark %d for %s", len(replay), msg.ReplayWatermark, msg.TabID)
	for _, m := range replay {
		c.publishRaw(ctx, m)
	}
}

func (c *Coordinator) onStateUpdate(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Last-writer-wins by version; lower versions are ignored.
	if msg.Version <= c.stateVersion {
		logging.TabsDebug("ignoring stale state v%d (have v%d)", msg.Version, c.stateVersion)
		return
	}
	c.stateVersion = msg.Version
	c.state = msg.Payload
}

// -----------------------------------------------------------------------------
// Outgoing
// -----------------------------------------------------------------------------

// PublishState broadcasts a new state version and retains it for replay.
func (c *Coordinator) PublishState(ctx context.Context, payload map[string]interface{}) int64 {
	c.mu.Lock()
	c.stateVersion++
	version := c.stateVersion
	c.state = payload
	c.mu.Unlock()

	msg := c.stamp(Message{Type: TypeStateUpdate, Version: version, Payload: payload})

	c.mu.Lock()
	c.outbox = append(c.outbox, msg)
	if len(c.outbox) > c.config.OutboxSize {
		c.outbox = c.outbox[len(c.outbox)-c.config.OutboxSize:]
	}
	c.mu.Unlock()

	c.publishRaw(ctx, msg)
	return version
}

// State returns the current replicated state and its version.
func (c *Coordinator) State() (map[string]interface{}, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.stateVersion
}

// Ping broadcasts a liveness probe.
func (c *Coordinator) Ping(ctx context.Context) {
	c.publish(ctx, Message{Type: TypePing})
}

func (c *Coordinator) stamp(msg Message) Message {
	msg.TabID = c.tabID
	msg.Timestamp = float64(c.nowFunc().UnixMilli())
	if msg.Seq == 0 {
		msg.Seq = c.seq.Add(1)
	}
	return msg
}

func (c *Coordinator) publish(ctx context.Context, msg Message) {
	c.publishRaw(ctx, c.stamp(msg))
}

func (c *Coordinator) publishRaw(ctx context.Context, msg Message) {
	if msg.TabID == "" {
		msg = c.stamp(msg)
	}
	frame, err := msg.Encode()
	if err != nil {
		logging.TabsWarn("failed to encode %s frame: %v", msg.Type, err)
		return
	}
	if err := c.channel.Publish(ctx, c.tabID, frame); err != nil {
		logging.TabsWarn("failed to publish %s frame: %v", msg.Type, err)
	}
}
