package summarizer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/digest-bot/internal/models"
	"github.com/xaenox/digest-bot/internal/storage"
)

func makeMessages(n int) []*models.Message {
	messages := make([]*models.Message, n)
	for i := range messages {
		messages[i] = &models.Message{
			ChatID:          1,
			SourceMessageID: i + 1,
			Text:            fmt.Sprintf("message %d", i+1),
			AuthorName:      "Alice",
		}
	}
	return messages
}

func TestChunkSingleWhenBatchFits(t *testing.T) {
	messages := makeMessages(10)
	chunks := Chunk(messages, 20, 5)

	require.Len(t, chunks, 1)
	assert.Equal(t, messages, chunks[0])
}

func TestChunkBoundaries45by20(t *testing.T) {
	messages := makeMessages(45)
	chunks := Chunk(messages, 20, 5)

	require.Len(t, chunks, 3)
	assert.Equal(t, messages[0:20], chunks[0])
	assert.Equal(t, messages[15:35], chunks[1])
	assert.Equal(t, messages[30:45], chunks[2])
}

func TestChunkCoversEveryMessage(t *testing.T) {
	for _, n := range []int{1, 5, 20, 21, 39, 40, 41, 100} {
		messages := makeMessages(n)
		chunks := Chunk(messages, 20, 5)

		seen := make(map[int]bool)
		for _, chunk := range chunks {
			for _, msg := range chunk {
				seen[msg.SourceMessageID] = true
			}
		}
		assert.Len(t, seen, n, "n=%d", n)
	}
}

func TestChunkAdjacentOverlap(t *testing.T) {
	messages := makeMessages(100)
	chunks := Chunk(messages, 20, 5)

	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		shared := 0
		inPrev := make(map[int]bool, len(prev))
		for _, msg := range prev {
			inPrev[msg.SourceMessageID] = true
		}
		for _, msg := range chunks[i] {
			if inPrev[msg.SourceMessageID] {
				shared++
			}
		}
		assert.GreaterOrEqual(t, shared, 5, "chunks %d and %d", i-1, i)
	}
}

func TestRenderChunkResolvesOutsideReplies(t *testing.T) {
	store := storage.NewMemoryStorage()

	earlier := &models.Message{ChatID: 1, SourceMessageID: 3, Text: "how do I configure TLS?", AuthorName: "Bob"}
	_, err := store.SaveMessage(earlier)
	require.NoError(t, err)

	chunk := []*models.Message{
		{ChatID: 1, SourceMessageID: 10, Text: "just set the cert path", AuthorName: "Alice", ReplyToSourceID: 3},
		{ChatID: 1, SourceMessageID: 11, Text: "", AuthorName: "Carol"},
		{ChatID: 1, SourceMessageID: 12, Text: "thanks, works now", AuthorName: "Bob", ReplyToSourceID: 10},
	}

	rendered, err := renderChunkWithContext(chunk, store)
	require.NoError(t, err)

	// The reply to 3 points outside the chunk and is rendered under the
	// context heading; the reply to 10 resolves inside the chunk.
	assert.Contains(t, rendered, "Context (earlier messages referenced by replies):")
	assert.Contains(t, rendered, "[3] Bob: how do I configure TLS?")
	assert.Contains(t, rendered, "[10] Alice (reply to 3): just set the cert path")
	assert.Contains(t, rendered, "[12] Bob (reply to 10): thanks, works now")

	// Empty messages are skipped.
	assert.NotContains(t, rendered, "[11]")

	// Context comes before the new messages.
	assert.Less(t, strings.Index(rendered, "[3]"), strings.Index(rendered, "New messages:"))
}

func TestRenderChunkUnresolvableReplyDropped(t *testing.T) {
	store := storage.NewMemoryStorage()
	chunk := []*models.Message{
		{ChatID: 1, SourceMessageID: 10, Text: "replying to a deleted message", AuthorName: "Alice", ReplyToSourceID: 999},
	}

	rendered, err := renderChunkWithContext(chunk, store)
	require.NoError(t, err)
	assert.NotContains(t, rendered, "Context")
	assert.Contains(t, rendered, "[10] Alice (reply to 999): replying to a deleted message")
}

func TestRenderProblemContextBoundsHistory(t *testing.T) {
	store := storage.NewMemoryStorage()

	problem := &models.Problem{ChatID: 1, Title: "TLS setup", ShortSummary: "certificate issues", Status: models.StatusPartial}
	_, err := store.SaveProblem(problem)
	require.NoError(t, err)

	var ids []int64
	for i := 1; i <= 5; i++ {
		msg := &models.Message{ChatID: 1, SourceMessageID: i, Text: fmt.Sprintf("msg %d", i), AuthorName: "Bob"}
		id, err := store.SaveMessage(msg)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, store.LinkMessagesToProblem(ids, problem.ID))

	rendered, err := renderProblemContext([]*models.Problem{problem}, store, 3)
	require.NoError(t, err)

	assert.Contains(t, rendered, fmt.Sprintf("Problem id=%d: TLS setup [partial]", problem.ID))
	assert.Contains(t, rendered, "certificate issues")

	// Only the last 3 linked messages appear.
	assert.NotContains(t, rendered, "msg 1")
	assert.NotContains(t, rendered, "msg 2")
	assert.Contains(t, rendered, "msg 3")
	assert.Contains(t, rendered, "msg 4")
	assert.Contains(t, rendered, "msg 5")
}

func TestRenderProblemContextEmpty(t *testing.T) {
	rendered, err := renderProblemContext(nil, storage.NewMemoryStorage(), 3)
	require.NoError(t, err)
	assert.Equal(t, "No known problems yet.\n", rendered)
}
