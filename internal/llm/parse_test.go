package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONPlain(t *testing.T) {
	var v struct {
		Overview string `json:"overview"`
	}
	err := ParseJSON(`{"overview": "a chat about Go"}`, &v)
	require.NoError(t, err)
	assert.Equal(t, "a chat about Go", v.Overview)
}

func TestParseJSONStripsFence(t *testing.T) {
	raw := "```json\n{\"overview\": \"a chat about Go\"}\n```"

	var fenced, plain struct {
		Overview string `json:"overview"`
	}
	require.NoError(t, ParseJSON(raw, &fenced))
	require.NoError(t, ParseJSON(`{"overview": "a chat about Go"}`, &plain))
	assert.Equal(t, plain, fenced)
}

func TestParseJSONFenceWithoutLanguage(t *testing.T) {
	raw := "```\n{\"n\": 3}\n```"

	var v struct {
		N int `json:"n"`
	}
	require.NoError(t, ParseJSON(raw, &v))
	assert.Equal(t, 3, v.N)
}

func TestParseJSONMalformed(t *testing.T) {
	var v map[string]any
	parseErr := ParseJSON(`{"truncated": `, &v)
	require.Error(t, parseErr)

	var malformed *MalformedResponseError
	require.True(t, errors.As(parseErr, &malformed))
	assert.Equal(t, `{"truncated": `, malformed.Raw)
}

func TestStripFenceLeavesPlainTextAlone(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, StripFence("  {\"a\": 1}\n"))
}

func TestStripFenceUnterminated(t *testing.T) {
	// A leading fence with no closing line still drops only the first line.
	assert.Equal(t, `{"a": 1}`, StripFence("```json\n{\"a\": 1}"))
}
