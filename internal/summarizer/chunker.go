package summarizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xaenox/digest-bot/internal/models"
	"github.com/xaenox/digest-bot/internal/storage"
)

// Chunk splits an ordered message batch into overlapping windows. Every
// message lands in at least one chunk; consecutive chunks share overlap
// messages (the final chunk may share more because the last window is
// clamped to the end of the batch). Callers must ensure overlap < chunkSize.
func Chunk(messages []*models.Message, chunkSize, overlap int) [][]*models.Message {
	if len(messages) <= chunkSize {
		return [][]*models.Message{messages}
	}

	step := chunkSize - overlap
	var chunks [][]*models.Message
	for i := 0; i < len(messages); i += step {
		end := i + chunkSize
		if end > len(messages) {
			end = len(messages)
		}
		chunks = append(chunks, messages[i:end])
		if i+chunkSize >= len(messages) {
			break
		}
	}
	return chunks
}

// renderChunkWithContext renders the chunk for the extraction prompt. Replies
// that point at messages outside the chunk are resolved through the store and
// rendered first, so the model can interpret terse replies.
func renderChunkWithContext(chunk []*models.Message, store storage.Storage) (string, error) {
	inChunk := make(map[int]struct{}, len(chunk))
	for _, msg := range chunk {
		inChunk[msg.SourceMessageID] = struct{}{}
	}

	referenced := make(map[int]struct{})
	for _, msg := range chunk {
		if msg.ReplyToSourceID == 0 {
			continue
		}
		if _, ok := inChunk[msg.ReplyToSourceID]; ok {
			continue
		}
		referenced[msg.ReplyToSourceID] = struct{}{}
	}

	var context []*models.Message
	for sourceID := range referenced {
		msg, err := store.GetMessageBySourceID(chunk[0].ChatID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve reply target %d: %w", sourceID, err)
		}
		if msg != nil {
			context = append(context, msg)
		}
	}
	sort.Slice(context, func(i, j int) bool {
		return context[i].SourceMessageID < context[j].SourceMessageID
	})

	var b strings.Builder
	if len(context) > 0 {
		b.WriteString("Context (earlier messages referenced by replies):\n")
		for _, msg := range context {
			b.WriteString(renderMessageLine(msg))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("New messages:\n")
	for _, msg := range chunk {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		b.WriteString(renderMessageLine(msg))
		b.WriteString("\n")
	}

	return b.String(), nil
}

// renderProblemContext renders the known problems for the extraction prompt:
// id, title, status, short summary and the last few linked messages as
// recency-bounded grounding. Full histories never go into the prompt.
func renderProblemContext(problems []*models.Problem, store storage.Storage, perProblem int) (string, error) {
	if len(problems) == 0 {
		return "No known problems yet.\n", nil
	}

	var b strings.Builder
	for _, p := range problems {
		fmt.Fprintf(&b, "Problem id=%d: %s [%s]\n", p.ID, p.Title, p.Status)
		if p.ShortSummary != "" {
			fmt.Fprintf(&b, "  Summary: %s\n", p.ShortSummary)
		}

		messages, err := store.GetMessagesForProblem(p.ID)
		if err != nil {
			return "", fmt.Errorf("failed to load messages for problem %d: %w", p.ID, err)
		}
		if len(messages) > perProblem {
			messages = messages[len(messages)-perProblem:]
		}
		if len(messages) > 0 {
			b.WriteString("  Recent messages:\n")
			for _, msg := range messages {
				b.WriteString("  ")
				b.WriteString(renderMessageLine(msg))
				b.WriteString("\n")
			}
		}
	}

	return b.String(), nil
}

// renderMessageLine renders one message as "[id] author (reply to N): text".
// Text goes through verbatim: embedded [image] blocks are structured
// sub-content the model is instructed about separately.
func renderMessageLine(msg *models.Message) string {
	author := msg.AuthorName
	if author == "" {
		author = msg.AuthorTag
	}
	if author == "" {
		author = "Unknown"
	}

	if msg.ReplyToSourceID != 0 {
		return fmt.Sprintf("[%d] %s (reply to %d): %s", msg.SourceMessageID, author, msg.ReplyToSourceID, msg.Text)
	}
	return fmt.Sprintf("[%d] %s: %s", msg.SourceMessageID, author, msg.Text)
}
