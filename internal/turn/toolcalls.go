package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"rhythmchamber/internal/budget"
	"rhythmchamber/internal/llm"
	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/retry"
)

// =============================================================================
// TOOL-CALL LOOP
// =============================================================================

// CodeOnlyArgumentsError marks arguments that look like code rather than
// JSON. Deterministic; never retried.
type CodeOnlyArgumentsError struct {
	Function string
}

func (e *CodeOnlyArgumentsError) Error() string {
	return fmt.Sprintf("CODE_ONLY_ARGUMENTS: %s received code instead of JSON arguments", e.Function)
}

// toolEnvelope is the JSON shape appended to history for every tool call.
type toolEnvelope struct {
	Tool                  string `json:"tool"`
	Status                string `json:"status"`
	Result                string `json:"result,omitempty"`
	Error                 string `json:"error,omitempty"`
	IsCircuitBreakerError bool   `json:"is_circuit_breaker_error,omitempty"`
	Reason                string `json:"reason,omitempty"`
	SerializationFallback bool   `json:"serialization_fallback,omitempty"`
}

// runToolCalls executes the turn's tool calls in list order. Every call gets
// exactly one history entry, appended in order, whatever its disposition.
func (q *Queue) runToolCalls(t *Turn, turnBudget *budget.Budget, calls []llm.ToolCall) []ToolOutcome {
	outcomes := make([]ToolOutcome, 0, len(calls))

	for _, call := range calls {
		outcome := q.runToolCall(turnBudget, call)
		outcomes = append(outcomes, outcome)
		q.appendHistory(toolMessage(call, outcome))
	}
	return outcomes
}

func (q *Queue) runToolCall(turnBudget *budget.Budget, call llm.ToolCall) ToolOutcome {
	name := call.Function.Name
	outcome := ToolOutcome{CallID: call.ID, Name: name}

	// The breaker is consulted before anything else. A denial produces an
	// early result and no tool execution.
	decision := q.breaker.Check()
	if !decision.Allowed {
		logging.Tools("tool %s denied by circuit breaker: %s", name, decision.Reason)
		outcome.IsCircuitBreakerError = true
		outcome.Reason = decision.Reason
		outcome.Err = fmt.Errorf("CIRCUIT_OPEN: %s", decision.Reason)
		return outcome
	}

	child, err := turnBudget.Subdivide("function_"+name, q.config.FunctionBudget)
	if err != nil {
		outcome.Err = err
		q.breaker.RecordFailure()
		return outcome
	}
	defer child.Release()

	args, err := parseArguments(call.Function.Arguments, name)
	if err != nil {
		outcome.Err = err
		q.breaker.RecordFailure()
		return outcome
	}

	var output string
	err = retry.WithRetry(child.Context(), func(ctx context.Context) error {
		res, execErr := q.registry.Execute(ctx, name, args)
		if execErr != nil {
			return execErr
		}
		output = res.Output
		return nil
	}, retry.Options{MaxRetries: q.config.MaxRetries})

	if err != nil {
		outcome.Err = err
		q.breaker.RecordFailure()
		return outcome
	}

	outcome.Output = output
	q.breaker.RecordSuccess()
	return outcome
}

// parseArguments decodes the raw JSON arguments. Code-shaped payloads get a
// typed CODE_ONLY_ARGUMENTS error; other malformed payloads are validation
// failures. Both are deterministic and never retried.
func parseArguments(raw, functionName string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args, nil
	}

	if looksLikeCode(trimmed) {
		return nil, retry.Wrap(retry.KindValidation, &CodeOnlyArgumentsError{Function: functionName})
	}
	return nil, retry.Wrap(retry.KindValidation, fmt.Errorf("INVALID_ARGUMENTS: %s arguments are not valid JSON", functionName))
}

var codeMarkers = []string{
	"```", "function ", "def ", "=>", "console.", "import ", "return ", "const ", "var ", "let ",
}

func looksLikeCode(s string) bool {
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return false
	}
	for _, marker := range codeMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return strings.Contains(s, ";") && strings.Contains(s, "(")
}

// toolMessage builds the single history entry for a tool call.
func toolMessage(call llm.ToolCall, outcome ToolOutcome) llm.Message {
	env := toolEnvelope{Tool: outcome.Name}
	switch {
	case outcome.IsCircuitBreakerError:
		env.Status = "error"
		env.Error = "CIRCUIT_OPEN"
		env.IsCircuitBreakerError = true
		env.Reason = outcome.Reason
	case outcome.Err != nil:
		env.Status = "error"
		env.Error = outcome.Err.Error()
	default:
		env.Status = "success"
		env.Result = outcome.Output
	}

	return llm.Message{
		Role:       "tool",
		ToolCallID: call.ID,
		Name:       outcome.Name,
		Content:    serializeEnvelope(env),
	}
}

// unserializablePlaceholder is the stable fallback body used when a value
// cannot be represented as JSON.
const unserializablePlaceholder = `{"result":"[unserializable]","serialization_fallback":true}`

func serializeEnvelope(env toolEnvelope) string {
	data, err := json.Marshal(env)
	if err != nil {
		return unserializablePlaceholder
	}
	return string(data)
}

// SerializeResult renders an arbitrary tool value as JSON text. Values the
// encoder cannot represent (functions, channels, circular graphs) collapse to
// a stable placeholder carrying a marker field.
func SerializeResult(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return unserializablePlaceholder
	}
	return string(data)
}
