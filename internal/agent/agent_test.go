package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/digest-bot/internal/models"
	"github.com/xaenox/digest-bot/internal/storage"
	"go.uber.org/zap"
)

// scriptedGateway replays assistant messages and records every conversation
// it was handed. When the script runs out, the last message repeats, which
// models an LLM that never stops requesting tools.
type scriptedGateway struct {
	script        []openai.ChatCompletionMessage
	calls         int
	conversations [][]openai.ChatCompletionMessage
}

func (g *scriptedGateway) Complete(_ context.Context, _ string, messages []openai.ChatCompletionMessage, _ []openai.Tool) (openai.ChatCompletionMessage, error) {
	g.conversations = append(g.conversations, append([]openai.ChatCompletionMessage(nil), messages...))
	msg := g.script[len(g.script)-1]
	if g.calls < len(g.script) {
		msg = g.script[g.calls]
	}
	g.calls++
	return msg, nil
}

func (g *scriptedGateway) AnalyzeImage(context.Context, []byte, string, string) (string, error) {
	return "", nil
}

func finalAnswer(text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}
}

func toolCall(id, name, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func seedProblem(t *testing.T, store storage.Storage, chatID int64, title string, linkedMessages int) *models.Problem {
	t.Helper()
	p := &models.Problem{ChatID: chatID, Title: title, ShortSummary: "summary of " + title, LongSummary: "details of " + title, Status: models.StatusUnsolved}
	_, err := store.SaveProblem(p)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < linkedMessages; i++ {
		msg := &models.Message{
			ChatID:          chatID,
			SourceMessageID: int(p.ID)*1000 + i,
			Text:            fmt.Sprintf("%s message %d", title, i),
			AuthorName:      "Bob",
		}
		id, err := store.SaveMessage(msg)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, store.LinkMessagesToProblem(ids, p.ID))
	return p
}

func TestRunNoProblems(t *testing.T) {
	store := storage.NewMemoryStorage()
	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{finalAnswer("unused")}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	answer, err := a.Run(context.Background(), 1, "what happened?", nil)
	require.NoError(t, err)
	assert.Equal(t, emptyAnswer, answer)
	assert.Zero(t, gateway.calls, "no problems means no LLM call")
}

func TestRunFinalAnswerPassthrough(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 2)

	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		finalAnswer("Use lets encrypt. Sources: /problem_0"),
	}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	answer, err := a.Run(context.Background(), 1, "how was TLS fixed?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Use lets encrypt. Sources: /problem_0", answer)

	// The first prompt carries the compact index only.
	first := gateway.conversations[0]
	require.Len(t, first, 2)
	assert.Contains(t, first[1].Content, "[0] TLS setup [unsolved]")
	assert.Contains(t, first[1].Content, "summary of TLS setup")
	assert.NotContains(t, first[1].Content, "details of TLS setup")
}

func TestRunTerminatesAtIterationBound(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 2)

	// The gateway asks for tools forever; the bound must terminate the run.
	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		toolCall("call-1", "get_problem_details", `{"problem_indices": [0]}`),
	}}
	a := New(store, gateway, "m", 4, 10, zap.NewNop())

	var statuses []models.AgentState
	answer, err := a.Run(context.Background(), 1, "question", func(state models.AgentState) {
		statuses = append(statuses, state)
	})
	require.NoError(t, err)
	assert.Equal(t, exhaustedAnswer, answer)
	assert.Equal(t, 4, gateway.calls)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "Done", statuses[len(statuses)-1].Status)
}

func TestRunToolResultsTaggedAndOrdered(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 3)

	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		toolCall("call-details", "get_problem_details", `{"problem_indices": [0, 5]}`),
		finalAnswer("done"),
	}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	answer, err := a.Run(context.Background(), 1, "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", answer)

	// Second call sees: system, user, assistant tool request, tool result.
	second := gateway.conversations[1]
	require.Len(t, second, 4)
	assert.Equal(t, openai.ChatMessageRoleAssistant, second[2].Role)
	assert.Equal(t, openai.ChatMessageRoleTool, second[3].Role)
	assert.Equal(t, "call-details", second[3].ToolCallID)
	assert.Contains(t, second[3].Content, "[0] TLS setup")
	assert.Contains(t, second[3].Content, "details of TLS setup")
	assert.Contains(t, second[3].Content, "[5] Problem not found")
}

func TestRunMessagesPagination(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 12)

	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		toolCall("call-messages", "get_problem_messages", `{"problem_index": 0, "page": 5, "page_size": 10}`),
		finalAnswer("done"),
	}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	_, err := a.Run(context.Background(), 1, "question", nil)
	require.NoError(t, err)

	second := gateway.conversations[1]
	require.Len(t, second, 4)
	assert.Equal(t, "Page 5 does not exist. Total pages: 2", second[3].Content)
}

func TestRunMessagesDefaultPage(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 12)

	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		toolCall("call-messages", "get_problem_messages", `{"problem_index": 0}`),
		finalAnswer("done"),
	}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	_, err := a.Run(context.Background(), 1, "question", nil)
	require.NoError(t, err)

	second := gateway.conversations[1]
	require.Len(t, second, 4)
	assert.Contains(t, second[3].Content, "Messages (page 1/2, 12 total):")
	assert.Contains(t, second[3].Content, "TLS setup message 0")
}

func TestRunMessagesProblemNotFound(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 1)

	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		toolCall("call-messages", "get_problem_messages", `{"problem_index": 7}`),
		finalAnswer("done"),
	}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	_, err := a.Run(context.Background(), 1, "question", nil)
	require.NoError(t, err)

	second := gateway.conversations[1]
	assert.Equal(t, "Problem 7 not found", second[3].Content)
}

func TestRunMalformedToolArguments(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 1)

	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		toolCall("call-details", "get_problem_details", `{"problem_indices": "oops`),
		finalAnswer("done"),
	}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	answer, err := a.Run(context.Background(), 1, "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", answer)

	// Malformed arguments degrade to empty arguments, not an error.
	second := gateway.conversations[1]
	assert.Equal(t, "No problem indices requested", second[3].Content)
}

func TestRunUnknownTool(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedProblem(t, store, 1, "TLS setup", 1)

	gateway := &scriptedGateway{script: []openai.ChatCompletionMessage{
		toolCall("call-x", "delete_everything", `{}`),
		finalAnswer("done"),
	}}
	a := New(store, gateway, "m", 10, 10, zap.NewNop())

	_, err := a.Run(context.Background(), 1, "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "Unknown tool: delete_everything", gateway.conversations[1][3].Content)
}

func TestFormatMessagesPageTruncatesLongText(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	messages := []*models.Message{{AuthorName: "Bob", Text: string(long)}}

	page := formatMessagesPage(messages, 1, 10)
	assert.Contains(t, page, "...")
	assert.Less(t, len(page), 620)
}
