package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MalformedResponseError means the model's output could not be decoded into
// the expected structure. Raw keeps the original text for diagnostics.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed LLM response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// ParseJSON decodes the model's output into v. Models occasionally wrap JSON
// in a markdown code fence despite instructions not to, so a single wrapping
// fence is stripped first.
func ParseJSON(raw string, v any) error {
	if err := json.Unmarshal([]byte(StripFence(raw)), v); err != nil {
		return &MalformedResponseError{Raw: raw, Err: err}
	}
	return nil
}

// StripFence removes one leading fence line (``` or ```json) and its matching
// trailing fence line, if present.
func StripFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
