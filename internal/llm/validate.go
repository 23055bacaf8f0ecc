package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidResponse marks provider responses that fail shape validation.
// All such responses are rejected before any field is consumed.
var ErrInvalidResponse = errors.New("invalid provider response")

// ValidateResponse checks a decoded response against the contract: it must be
// an object with a non-empty choices array whose first element carries a
// message with content or tool_calls. A message carrying both is accepted; the
// content is treated as an assistant preamble to the tool calls.
func ValidateResponse(r *Response) error {
	if r == nil {
		return fmt.Errorf("%w: not an object", ErrInvalidResponse)
	}
	if r.Error != nil {
		return fmt.Errorf("%w: provider error %s: %s", ErrInvalidResponse, r.Error.Code, r.Error.Message)
	}
	if len(r.Choices) == 0 {
		return fmt.Errorf("%w: empty choices", ErrInvalidResponse)
	}
	msg := r.Choices[0].Message
	if msg == nil {
		return fmt.Errorf("%w: first choice has no message", ErrInvalidResponse)
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return fmt.Errorf("%w: message carries neither content nor tool_calls", ErrInvalidResponse)
	}
	for i, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			return fmt.Errorf("%w: tool_calls[%d] missing function name", ErrInvalidResponse, i)
		}
	}
	return nil
}

// DecodeResponse unmarshals and validates a raw provider body.
func DecodeResponse(body []byte) (*Response, error) {
	var probe interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if _, ok := probe.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidResponse)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := ValidateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
