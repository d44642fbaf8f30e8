package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/digest-bot/internal/llm"
	"github.com/xaenox/digest-bot/internal/models"
	"github.com/xaenox/digest-bot/internal/storage"
	"go.uber.org/zap"
)

// ProgressFunc reports chunk progress as (current, total). It is best-effort:
// the pass does not depend on it.
type ProgressFunc func(current, total int)

// Stats is the outcome of one analyze pass.
type Stats struct {
	NewProblems     int
	UpdatedProblems int
}

// extractionResult is the schema the extraction prompt asks the model for.
type extractionResult struct {
	NewProblems    []newProblem    `json:"new_problems"`
	ProblemUpdates []problemUpdate `json:"problem_updates"`
	OverviewUpdate *string         `json:"overview_update"`
	NewDecisions   []string        `json:"new_decisions"`
	NewKeyPoints   []string        `json:"new_key_points"`
}

type newProblem struct {
	Title        string               `json:"title"`
	ShortSummary string               `json:"short_summary"`
	LongSummary  string               `json:"long_summary"`
	Solution     string               `json:"solution"`
	Status       models.ProblemStatus `json:"status"`
	MessageIDs   []int                `json:"message_ids"`
}

type problemUpdate struct {
	ProblemID  int64                `json:"problem_id"`
	NewStatus  models.ProblemStatus `json:"new_status"`
	Solution   string               `json:"solution"`
	MessageIDs []int                `json:"message_ids"`
}

type regeneratedProblem struct {
	Title        string               `json:"title"`
	ShortSummary string               `json:"short_summary"`
	LongSummary  string               `json:"long_summary"`
	Solution     string               `json:"solution"`
	Status       models.ProblemStatus `json:"status"`
}

// Summarizer drives the incremental extraction pass: chunk the new messages,
// run one extraction call per chunk and merge each chunk's result into the
// store before the next chunk is rendered.
type Summarizer struct {
	store             storage.Storage
	gateway           llm.Gateway
	model             string
	chunkSize         int
	overlap           int
	contextPerProblem int
	logger            *zap.Logger
}

func NewSummarizer(store storage.Storage, gateway llm.Gateway, model string, chunkSize, overlap, contextPerProblem int, logger *zap.Logger) (*Summarizer, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("overlap must be in [0, chunk size), got overlap=%d chunk size=%d", overlap, chunkSize)
	}
	if contextPerProblem <= 0 {
		contextPerProblem = 3
	}

	return &Summarizer{
		store:             store,
		gateway:           gateway,
		model:             model,
		chunkSize:         chunkSize,
		overlap:           overlap,
		contextPerProblem: contextPerProblem,
		logger:            logger,
	}, nil
}

// Analyze runs the incremental pass over newMessages. Chunks are processed
// strictly in order: each chunk's prompt includes the problem list as
// extended by the previous chunk. Each chunk's merge commits independently,
// so a failure mid-pass leaves earlier chunks' writes in place.
func (s *Summarizer) Analyze(ctx context.Context, chatID int64, newMessages []*models.Message, onProgress ProgressFunc) (Stats, error) {
	var stats Stats
	if len(newMessages) == 0 {
		return stats, nil
	}

	passID := uuid.NewString()
	log := s.logger.With(zap.String("pass_id", passID), zap.Int64("chat_id", chatID))

	problems, err := s.store.GetProblems(chatID)
	if err != nil {
		return stats, fmt.Errorf("failed to load problems: %w", err)
	}
	meta, err := s.store.GetChatMeta(chatID)
	if err != nil {
		return stats, fmt.Errorf("failed to load chat meta: %w", err)
	}

	chunks := Chunk(newMessages, s.chunkSize, s.overlap)
	log.Info("Starting analyze pass",
		zap.Int("messages", len(newMessages)),
		zap.Int("chunks", len(chunks)),
		zap.Int("known_problems", len(problems)))

	for i, chunk := range chunks {
		if onProgress != nil {
			onProgress(i+1, len(chunks))
		}

		result, err := s.extractChunk(ctx, chunk, problems, meta)
		if err != nil {
			// Parse and gateway failures abort the pass; merges from earlier
			// chunks stay committed.
			return stats, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}

		problems, err = s.mergeChunk(chatID, result, problems, meta, &stats, log)
		if err != nil {
			return stats, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	log.Info("Analyze pass finished",
		zap.Int("new_problems", stats.NewProblems),
		zap.Int("updated_problems", stats.UpdatedProblems))
	return stats, nil
}

func (s *Summarizer) extractChunk(ctx context.Context, chunk []*models.Message, problems []*models.Problem, meta *models.ChatMeta) (*extractionResult, error) {
	chunkText, err := renderChunkWithContext(chunk, s.store)
	if err != nil {
		return nil, err
	}
	problemText, err := renderProblemContext(problems, s.store, s.contextPerProblem)
	if err != nil {
		return nil, err
	}

	overview := meta.Overview
	if overview == "" {
		overview = "No overview yet."
	}
	prompt := fmt.Sprintf(extractionPromptFormat, overview, problemText, chunkText)

	msg, err := s.gateway.Complete(ctx, s.model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, nil)
	if err != nil {
		return nil, err
	}

	var result extractionResult
	if err := llm.ParseJSON(msg.Content, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// mergeChunk applies one chunk's extraction result and returns the problem
// list extended with any problems created here, so the next chunk sees them.
func (s *Summarizer) mergeChunk(chatID int64, result *extractionResult, problems []*models.Problem, meta *models.ChatMeta, stats *Stats, log *zap.Logger) ([]*models.Problem, error) {
	for _, np := range result.NewProblems {
		status := np.Status
		if !status.Valid() {
			status = models.StatusUnsolved
		}

		p := &models.Problem{
			ChatID:       chatID,
			Title:        np.Title,
			ShortSummary: np.ShortSummary,
			LongSummary:  np.LongSummary,
			Solution:     np.Solution,
			Status:       status,
		}
		if _, err := s.store.SaveProblem(p); err != nil {
			return problems, fmt.Errorf("failed to save new problem: %w", err)
		}
		if err := s.linkSourceIDs(chatID, np.MessageIDs, p.ID); err != nil {
			return problems, err
		}

		problems = append(problems, p)
		stats.NewProblems++
	}

	for _, up := range result.ProblemUpdates {
		var target *models.Problem
		for _, p := range problems {
			if p.ID == up.ProblemID {
				target = p
				break
			}
		}
		if target == nil {
			// The model may cite a stale or invented id; skip, don't fail.
			log.Warn("Problem update for unknown problem", zap.Int64("problem_id", up.ProblemID))
			continue
		}

		changed := false
		if up.NewStatus.Valid() && up.NewStatus != target.Status {
			target.Status = up.NewStatus
			changed = true
		}
		if up.Solution != "" && up.Solution != target.Solution {
			target.Solution = up.Solution
			changed = true
		}
		if changed {
			if _, err := s.store.SaveProblem(target); err != nil {
				return problems, fmt.Errorf("failed to update problem %d: %w", target.ID, err)
			}
			stats.UpdatedProblems++
		}
		if err := s.linkSourceIDs(chatID, up.MessageIDs, target.ID); err != nil {
			return problems, err
		}
	}

	if result.OverviewUpdate != nil && *result.OverviewUpdate != "" {
		meta.Overview = *result.OverviewUpdate
	}
	meta.Decisions = appendUnique(meta.Decisions, result.NewDecisions)
	meta.KeyPoints = appendUnique(meta.KeyPoints, result.NewKeyPoints)
	// Persisted per chunk so the next chunk's prompt sees the merged meta.
	if err := s.store.SaveChatMeta(meta); err != nil {
		return problems, fmt.Errorf("failed to save chat meta: %w", err)
	}

	return problems, nil
}

// linkSourceIDs translates chunk-local source ids to store ids and links
// them. Unresolvable ids are dropped: the model occasionally cites ids that
// were never stored.
func (s *Summarizer) linkSourceIDs(chatID int64, sourceIDs []int, problemID int64) error {
	var ids []int64
	for _, sourceID := range sourceIDs {
		msg, err := s.store.GetMessageBySourceID(chatID, sourceID)
		if err != nil {
			return fmt.Errorf("failed to resolve message %d: %w", sourceID, err)
		}
		if msg == nil {
			continue
		}
		ids = append(ids, msg.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.store.LinkMessagesToProblem(ids, problemID); err != nil {
		return fmt.Errorf("failed to link messages to problem %d: %w", problemID, err)
	}
	return nil
}

// appendUnique appends entries not already present, preserving first-seen
// order. Entries are never retracted outside a full chat reset.
func appendUnique(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, entry := range existing {
		seen[entry] = struct{}{}
	}
	for _, entry := range incoming {
		if entry == "" {
			continue
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		existing = append(existing, entry)
	}
	return existing
}

// FormatSummaryForDisplay renders the chat's digest as plain text for the
// transport layer.
func (s *Summarizer) FormatSummaryForDisplay(chatID int64) (string, error) {
	problems, err := s.store.GetProblems(chatID)
	if err != nil {
		return "", fmt.Errorf("failed to load problems: %w", err)
	}
	meta, err := s.store.GetChatMeta(chatID)
	if err != nil {
		return "", fmt.Errorf("failed to load chat meta: %w", err)
	}

	var parts []string
	if meta.Overview != "" {
		parts = append(parts, "OVERVIEW\n"+meta.Overview)
	}

	if len(problems) > 0 {
		var b strings.Builder
		b.WriteString("PROBLEMS")
		for i, p := range problems {
			fmt.Fprintf(&b, "\n%d. %s %s", i, statusIcon(p.Status), p.Title)
			if p.ShortSummary != "" {
				fmt.Fprintf(&b, "\n   %s", p.ShortSummary)
			}
			if p.Solution != "" {
				fmt.Fprintf(&b, "\n   → %s", p.Solution)
			}
		}
		parts = append(parts, b.String())
	}

	if len(meta.Decisions) > 0 {
		var b strings.Builder
		b.WriteString("DECISIONS")
		for _, d := range meta.Decisions {
			b.WriteString("\n• " + d)
		}
		parts = append(parts, b.String())
	}

	if len(meta.KeyPoints) > 0 {
		var b strings.Builder
		b.WriteString("KEY POINTS")
		for _, k := range meta.KeyPoints {
			b.WriteString("\n• " + k)
		}
		parts = append(parts, b.String())
	}

	if len(parts) == 0 {
		return "The digest is empty so far. Send some messages and run /summarize.", nil
	}
	return strings.Join(parts, "\n\n"), nil
}

func statusIcon(status models.ProblemStatus) string {
	switch status {
	case models.StatusSolved:
		return "✅"
	case models.StatusPartial:
		return "🔶"
	default:
		return "❌"
	}
}

// RegenerateProblemSummary re-reads a problem's linked messages and asks the
// model for a fresh title, summaries, solution and status.
func (s *Summarizer) RegenerateProblemSummary(ctx context.Context, problemID int64) (*models.Problem, error) {
	p, err := s.store.GetProblem(problemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load problem: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("problem %d not found", problemID)
	}

	messages, err := s.store.GetMessagesForProblem(problemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load problem messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("problem %d has no linked messages", problemID)
	}

	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(renderMessageLine(msg))
		b.WriteString("\n")
	}

	prompt := fmt.Sprintf(regeneratePromptFormat, p.Title, p.Status, b.String())
	msg, err := s.gateway.Complete(ctx, s.model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, nil)
	if err != nil {
		return nil, err
	}

	var regen regeneratedProblem
	if err := llm.ParseJSON(msg.Content, &regen); err != nil {
		return nil, err
	}

	if regen.Title != "" {
		p.Title = regen.Title
	}
	p.ShortSummary = regen.ShortSummary
	p.LongSummary = regen.LongSummary
	p.Solution = regen.Solution
	if regen.Status.Valid() {
		p.Status = regen.Status
	}

	if _, err := s.store.SaveProblem(p); err != nil {
		return nil, fmt.Errorf("failed to save regenerated problem: %w", err)
	}
	return p, nil
}
