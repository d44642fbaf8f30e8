package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/xaenox/digest-bot/internal/llm"
	"github.com/xaenox/digest-bot/internal/models"
	"github.com/xaenox/digest-bot/internal/storage"
	"go.uber.org/zap"
)

// StatusFunc receives progress updates while the agent works. Best-effort.
type StatusFunc func(state models.AgentState)

const (
	emptyAnswer     = "There are no problems in this chat yet. Use /summarize to analyze the messages first."
	exhaustedAnswer = "Could not find an answer in the allotted steps. Try rephrasing the question."
	noContentAnswer = "Could not find an answer."

	// Tool output truncates long messages to keep the conversation bounded.
	maxMessageChars = 500
)

const agentSystemPrompt = `You are a retrieval agent. Your task is to answer the question ONLY from the chat data you retrieve.

STRICT RULES:
1. NEVER invent information. Answer only with what you found in the messages.
2. If the information is not in the messages, say plainly that it was not found in the chat.
3. Do NOT use your own knowledge. Only chat data.
4. Quote or restate what you found; do not extrapolate.
5. Answer in plain text without markdown (no *, **, ` + "`" + `, #).
6. End the answer with the problems the information came from, as: Sources: /problem_0, /problem_3

Tools:
- get_problem_details: full detail for problems by index
- get_problem_messages: a problem's messages, paginated

Approach:
1. Study the problem list.
2. Pick the relevant problems and request their details via get_problem_details.
3. ALWAYS request the underlying messages via get_problem_messages.
4. Find the concrete answer in the messages.
5. Answer only from what you found, and list the sources.

If the messages do not contain the answer, say so. Do not guess.`

// Agent answers free-form questions by iterating LLM tool calls against the
// problem store until the model produces a final answer or the iteration
// bound is reached. The bound makes termination unconditional.
type Agent struct {
	store         storage.Storage
	gateway       llm.Gateway
	model         string
	maxIterations int
	pageSize      int
	logger        *zap.Logger
}

func New(store storage.Storage, gateway llm.Gateway, model string, maxIterations, pageSize int, logger *zap.Logger) *Agent {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Agent{
		store:         store,
		gateway:       gateway,
		model:         model,
		maxIterations: maxIterations,
		pageSize:      pageSize,
		logger:        logger,
	}
}

type detailsArgs struct {
	ProblemIndices []int `json:"problem_indices"`
}

type messagesArgs struct {
	ProblemIndex int `json:"problem_index"`
	Page         int `json:"page"`
	PageSize     int `json:"page_size"`
}

func tools() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name: "get_problem_details",
				Description: "Get detailed information about specific problems by their indices. " +
					"Use it when you need a problem's description, status or solution.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"problem_indices": {
							Type:        jsonschema.Array,
							Items:       &jsonschema.Definition{Type: jsonschema.Integer},
							Description: "Indices of the problems (0, 1, 2, ...) to fetch",
						},
					},
					Required: []string{"problem_indices"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name: "get_problem_messages",
				Description: "Get the messages linked to a problem. " +
					"Use it when the problem description is not enough and you need the original messages.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"problem_index": {
							Type:        jsonschema.Integer,
							Description: "Index of the problem (0, 1, 2, ...)",
						},
						"page": {
							Type:        jsonschema.Integer,
							Description: "Page number, starting at 1",
						},
						"page_size": {
							Type:        jsonschema.Integer,
							Description: "Messages per page",
						},
					},
					Required: []string{"problem_index"},
				},
			},
		},
	}
}

// Run answers the question for the chat. Iteration exhaustion is a normal
// return, not an error; errors mean the gateway itself failed.
func (a *Agent) Run(ctx context.Context, chatID int64, question string, onStatus StatusFunc) (string, error) {
	report := func(status, details string) {
		if onStatus != nil {
			onStatus(models.AgentState{Status: status, Details: details})
		}
	}

	runID := uuid.NewString()
	log := a.logger.With(zap.String("run_id", runID), zap.Int64("chat_id", chatID))

	report("Loading chat data", "")
	problems, err := a.store.GetProblems(chatID)
	if err != nil {
		return "", fmt.Errorf("failed to load problems: %w", err)
	}
	if len(problems) == 0 {
		return emptyAnswer, nil
	}
	meta, err := a.store.GetChatMeta(chatID)
	if err != nil {
		return "", fmt.Errorf("failed to load chat meta: %w", err)
	}

	overview := meta.Overview
	if overview == "" {
		overview = "No overview yet."
	}

	// The first prompt carries only the compact index: titles, statuses and
	// short summaries. Detail and raw messages must be requested via tools.
	initialContext := fmt.Sprintf(`User question: %s

Chat overview: %s

Problem list:
%s

Study the list, decide which problems may contain the answer, and use the tools to get their details or messages.`,
		question, overview, formatProblemList(problems))

	conversation := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: agentSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: initialContext},
	}

	report("Analyzing problems", "")
	log.Info("Agent run started", zap.Int("problems", len(problems)))

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		assistant, err := a.gateway.Complete(ctx, a.model, conversation, tools())
		if err != nil {
			return "", err
		}

		// The model must see its own tool requests on the next turn.
		conversation = append(conversation, assistant)

		if len(assistant.ToolCalls) == 0 {
			report("Done", "")
			log.Info("Agent run finished", zap.Int("iterations", iteration+1))
			if assistant.Content == "" {
				return noContentAnswer, nil
			}
			return assistant.Content, nil
		}

		// Tool calls run sequentially, in the order the model asked for them.
		for _, call := range assistant.ToolCalls {
			result := a.executeTool(call, problems, report, log)
			conversation = append(conversation, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	report("Done", "")
	log.Warn("Agent run exhausted iteration bound", zap.Int("iterations", a.maxIterations))
	return exhaustedAnswer, nil
}

func (a *Agent) executeTool(call openai.ToolCall, problems []*models.Problem, report func(status, details string), log *zap.Logger) string {
	switch call.Function.Name {
	case "get_problem_details":
		var args detailsArgs
		// A malformed payload decodes to empty arguments, not an error.
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			log.Warn("Malformed tool arguments", zap.String("tool", call.Function.Name), zap.Error(err))
			args = detailsArgs{}
		}
		if len(args.ProblemIndices) > 0 {
			report("Reading problem details", joinIndices(args.ProblemIndices))
		}
		return formatProblemDetails(problems, args.ProblemIndices)

	case "get_problem_messages":
		var args messagesArgs
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			log.Warn("Malformed tool arguments", zap.String("tool", call.Function.Name), zap.Error(err))
			args = messagesArgs{}
		}
		if args.Page == 0 {
			args.Page = 1
		}
		if args.PageSize <= 0 {
			args.PageSize = a.pageSize
		}

		if args.ProblemIndex < 0 || args.ProblemIndex >= len(problems) {
			return fmt.Sprintf("Problem %d not found", args.ProblemIndex)
		}

		report("Reading problem messages", fmt.Sprintf("problem %d, page %d", args.ProblemIndex, args.Page))
		messages, err := a.store.GetMessagesForProblem(problems[args.ProblemIndex].ID)
		if err != nil {
			log.Error("Failed to load problem messages", zap.Error(err), zap.Int64("problem_id", problems[args.ProblemIndex].ID))
			return fmt.Sprintf("Failed to load messages for problem %d", args.ProblemIndex)
		}
		return formatMessagesPage(messages, args.Page, args.PageSize)

	default:
		return fmt.Sprintf("Unknown tool: %s", call.Function.Name)
	}
}

func formatProblemList(problems []*models.Problem) string {
	var lines []string
	for i, p := range problems {
		lines = append(lines, fmt.Sprintf("[%d] %s [%s]", i, p.Title, statusLabel(p.Status)))
		if p.ShortSummary != "" {
			lines = append(lines, "    "+p.ShortSummary)
		}
	}
	return strings.Join(lines, "\n")
}

func formatProblemDetails(problems []*models.Problem, indices []int) string {
	if len(indices) == 0 {
		return "No problem indices requested"
	}

	var results []string
	for _, idx := range indices {
		if idx < 0 || idx >= len(problems) {
			results = append(results, fmt.Sprintf("[%d] Problem not found", idx))
			continue
		}

		p := problems[idx]
		parts := []string{
			fmt.Sprintf("[%d] %s", idx, p.Title),
			fmt.Sprintf("Status: %s", statusLabel(p.Status)),
		}
		if p.LongSummary != "" {
			parts = append(parts, "Description: "+p.LongSummary)
		}
		if p.Solution != "" {
			parts = append(parts, "Solution: "+p.Solution)
		}
		results = append(results, strings.Join(parts, "\n"))
	}
	return strings.Join(results, "\n\n")
}

// formatMessagesPage renders one page of a problem's messages. An
// out-of-range page is reported back as a marker instead of being clamped,
// so the model can correct its next request.
func formatMessagesPage(messages []*models.Message, page, pageSize int) string {
	total := len(messages)
	totalPages := 1
	if total > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}

	if page < 1 {
		page = 1
	}
	if page > totalPages {
		return fmt.Sprintf("Page %d does not exist. Total pages: %d", page, totalPages)
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}

	lines := []string{fmt.Sprintf("Messages (page %d/%d, %d total):", page, totalPages, total)}
	for _, m := range messages[start:end] {
		author := m.AuthorName
		if author == "" {
			author = m.AuthorTag
		}
		if author == "" {
			author = "Unknown"
		}
		text := m.Text
		if len(text) > maxMessageChars {
			text = text[:maxMessageChars] + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", author, text))
	}
	return strings.Join(lines, "\n")
}

func statusLabel(status models.ProblemStatus) string {
	switch status {
	case models.StatusSolved:
		return "solved"
	case models.StatusPartial:
		return "has information"
	default:
		return "unsolved"
	}
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return strings.Join(parts, ", ")
}
