// Package tabs implements cross-tab coordination: a broadcast channel with
// schema-validated messages, primary-tab election, and sequence-numbered state
// updates with replay watermarks.
package tabs

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Message types carried on the broadcast channel.
const (
	TypeCandidate       = "CANDIDATE"
	TypeClaimPrimary    = "CLAIM_PRIMARY"
	TypeReleasePrimary  = "RELEASE_PRIMARY"
	TypePing            = "PING"
	TypePong            = "PONG"
	TypeAuthorityChange = "AUTHORITY_CHANGE"
	TypeStateUpdate     = "STATE_UPDATE"
)

// Message is one broadcast-channel frame.
type Message struct {
	Type            string                 `json:"type"`
	TabID           string                 `json:"tab_id"`
	Timestamp       float64                `json:"timestamp"`
	Seq             int64                  `json:"seq,omitempty"`
	Version         int64                  `json:"version,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	ReplayWatermark int64                  `json:"replay_watermark,omitempty"`
}

// messageSchema is the wire contract. Unknown types fail the enum and are
// dropped by the receiver with a warning.
const messageSchema = `{
	"type": "object",
	"required": ["type", "tab_id", "timestamp"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["CANDIDATE", "CLAIM_PRIMARY", "RELEASE_PRIMARY", "PING", "PONG", "AUTHORITY_CHANGE", "STATE_UPDATE"]
		},
		"tab_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number", "exclusiveMinimum": 0},
		"seq": {"type": "number"},
		"version": {"type": "number"},
		"payload": {"type": "object"},
		"replay_watermark": {"type": "number"}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal message schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("tabs_message.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("tabs_message.json")
	})
	return compiledSchema, schemaErr
}

// DecodeMessage validates a raw frame against the schema and decodes it.
// Malformed frames return an error; callers drop them with a warning.
func DecodeMessage(raw []byte) (*Message, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("frame failed schema validation: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}

// Encode renders the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
