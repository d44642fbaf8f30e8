package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
	"github.com/xaenox/digest-bot/internal/agent"
	"github.com/xaenox/digest-bot/internal/llm"
	"github.com/xaenox/digest-bot/internal/models"
	"github.com/xaenox/digest-bot/internal/storage"
	"github.com/xaenox/digest-bot/internal/summarizer"
	"go.uber.org/zap"
)

const (
	maxMessageLength = 4096
	maxMessageLinks  = 30

	imagePrompt = "Describe this image and extract any text it contains. Be concise and factual."
)

type Bot struct {
	api          *tgbotapi.BotAPI
	storage      storage.Storage
	summarizer   *summarizer.Summarizer
	agent        *agent.Agent
	gateway      llm.Gateway
	autoInterval string
	cron         *cron.Cron
	logger       *zap.Logger

	// One analyze/query at a time per chat; the pipeline itself is not
	// concurrency-safe for interleaved runs against the same chat.
	chatLocksMu sync.Mutex
	chatLocks   map[int64]*sync.Mutex
}

func New(token string, store storage.Storage, sum *summarizer.Summarizer, queryAgent *agent.Agent, gateway llm.Gateway, autoInterval string, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:          api,
		storage:      store,
		summarizer:   sum,
		agent:        queryAgent,
		gateway:      gateway,
		autoInterval: autoInterval,
		logger:       logger,
		chatLocks:    make(map[int64]*sync.Mutex),
	}, nil
}

func (b *Bot) Start() error {
	if b.autoInterval != "" {
		b.cron = cron.New()
		if _, err := b.cron.AddFunc(b.autoInterval, b.autoSummarize); err != nil {
			return fmt.Errorf("invalid auto-summarize interval %q: %w", b.autoInterval, err)
		}
		b.cron.Start()
		b.logger.Info("Auto-summarize scheduled", zap.String("interval", b.autoInterval))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for update := range updates {
		if update.Message == nil {
			continue
		}

		go b.handleMessage(update.Message)
	}

	return nil
}

func (b *Bot) Stop() {
	if b.cron != nil {
		b.cron.Stop()
	}
	b.api.StopReceivingUpdates()
}

func (b *Bot) handleMessage(message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(message)
		return
	}

	b.collectMessage(message)
}

func (b *Bot) handleCommand(message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "summarize":
		b.handleSummarize(message)
	case "problems":
		b.handleProblems(message)
	case "problem":
		b.handleProblemDetail(message)
	case "messages":
		b.handleProblemMessages(message)
	case "solve":
		b.handleSolve(message)
	case "regen":
		b.handleRegen(message)
	case "query":
		b.handleQuery(message)
	case "stats":
		b.handleStats(message)
	case "clear":
		b.handleClear(message)
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	b.reply(message, `Hi! I keep a structured digest of this chat.

I save every message and maintain a list of problems discussed, decisions made and key facts.

Commands:
/summarize — analyze new messages and show the digest
/problems — list the problems
/problem <n> — problem details
/messages <n> — links to a problem's messages
/solve <n> — toggle a problem solved/unsolved
/regen <n> — rebuild a problem's summary from its messages
/query <question> — ask a question about the chat
/stats — chat statistics
/clear — erase everything`)
}

// collectMessage saves every non-command message. Photos are run through the
// vision model first; the extracted text is stored inside an [image] block so
// the pipeline can treat it as ordinary message text.
func (b *Bot) collectMessage(message *tgbotapi.Message) {
	text := message.Text
	if len(message.Photo) > 0 {
		analysis, err := b.analyzePhoto(message)
		if err != nil {
			b.logger.Error("Failed to analyze photo",
				zap.Error(err),
				zap.Int64("chat_id", message.Chat.ID),
				zap.Int("message_id", message.MessageID))
		} else {
			text = "[image] " + analysis + " [/image]"
			if message.Caption != "" {
				text = message.Caption + "\n" + text
			}
		}
	}
	if text == "" {
		return
	}

	name, tag, link := messageAuthor(message)
	msg := &models.Message{
		ChatID:          message.Chat.ID,
		SourceMessageID: message.MessageID,
		Text:            text,
		AuthorName:      name,
		AuthorTag:       tag,
		AuthorLink:      link,
		Permalink:       buildPermalink(message.Chat.ID, message.MessageID),
	}
	if message.ReplyToMessage != nil {
		msg.ReplyToSourceID = message.ReplyToMessage.MessageID
	}

	id, err := b.storage.SaveMessage(msg)
	if err != nil {
		b.logger.Error("Failed to save message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int("message_id", message.MessageID))
		return
	}

	b.logger.Debug("Message saved",
		zap.Int64("id", id),
		zap.Int64("chat_id", message.Chat.ID),
		zap.String("author", name))
}

func (b *Bot) analyzePhoto(message *tgbotapi.Message) (string, error) {
	// Telegram sends several sizes; the last one is the largest.
	photo := message.Photo[len(message.Photo)-1]
	url, err := b.api.GetFileDirectURL(photo.FileID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file url: %w", err)
	}

	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("failed to download photo: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read photo: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return b.gateway.AnalyzeImage(ctx, data, "image/jpeg", imagePrompt)
}

func (b *Bot) handleSummarize(message *tgbotapi.Message) {
	chatID := message.Chat.ID
	unlock := b.lockChat(chatID)
	defer unlock()

	newMessages, err := b.storage.GetUnprocessedMessages(chatID)
	if err != nil {
		b.logger.Error("Failed to load unprocessed messages", zap.Error(err), zap.Int64("chat_id", chatID))
		b.reply(message, "Analysis failed: could not load messages.")
		return
	}

	if len(newMessages) == 0 {
		b.sendDigest(message)
		return
	}

	statusMsg, statusErr := b.api.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Analyzing %d new messages...", len(newMessages))))

	onProgress := func(current, total int) {
		if statusErr != nil || total <= 1 {
			return
		}
		edit := tgbotapi.NewEditMessageText(chatID, statusMsg.MessageID, fmt.Sprintf("Processing chunk %d/%d...", current, total))
		if _, err := b.api.Send(edit); err != nil {
			b.logger.Debug("Failed to edit status message", zap.Error(err))
		}
	}

	stats, err := b.summarizer.Analyze(context.Background(), chatID, newMessages, onProgress)

	if statusErr == nil {
		if _, delErr := b.api.Request(tgbotapi.NewDeleteMessage(chatID, statusMsg.MessageID)); delErr != nil {
			b.logger.Debug("Failed to delete status message", zap.Error(delErr))
		}
	}

	if err != nil {
		b.logger.Error("Analyze failed", zap.Error(err), zap.Int64("chat_id", chatID))
		b.reply(message, "Analysis failed: "+err.Error())
		return
	}

	var report []string
	if stats.NewProblems > 0 {
		report = append(report, fmt.Sprintf("New problems found: %d", stats.NewProblems))
	}
	if stats.UpdatedProblems > 0 {
		report = append(report, fmt.Sprintf("Problems updated: %d", stats.UpdatedProblems))
	}
	if len(report) > 0 {
		b.reply(message, strings.Join(report, "\n"))
	}

	b.sendDigest(message)
}

func (b *Bot) sendDigest(message *tgbotapi.Message) {
	text, err := b.summarizer.FormatSummaryForDisplay(message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to format digest", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
		b.reply(message, "Failed to render the digest.")
		return
	}
	b.sendLong(message.Chat.ID, text)
}

func (b *Bot) handleProblems(message *tgbotapi.Message) {
	problems, err := b.storage.GetProblems(message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to load problems", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
		b.reply(message, "Failed to load problems.")
		return
	}

	if len(problems) == 0 {
		b.reply(message, "No problems yet. Send some messages and run /summarize.")
		return
	}

	var b2 strings.Builder
	b2.WriteString("📋 PROBLEMS:\n\n")
	for i, p := range problems {
		fmt.Fprintf(&b2, "%d. %s %s\n", i, statusIcon(p.Status), p.Title)
		if p.ShortSummary != "" {
			summary := p.ShortSummary
			if len(summary) > 100 {
				summary = summary[:100] + "..."
			}
			fmt.Fprintf(&b2, "   %s\n", summary)
		}
		b2.WriteString("\n")
	}
	b2.WriteString("Use /problem <n> for details")

	b.sendLong(message.Chat.ID, b2.String())
}

func (b *Bot) handleProblemDetail(message *tgbotapi.Message) {
	idx, problems, ok := b.problemByArg(message, "/problem <n>")
	if !ok {
		return
	}
	p := problems[idx]

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔧 PROBLEM #%d\n\n📌 %s\n\nStatus: %s %s\n\n", idx, p.Title, statusIcon(p.Status), p.Status)
	if p.ShortSummary != "" {
		fmt.Fprintf(&sb, "In short: %s\n\n", p.ShortSummary)
	}
	if p.LongSummary != "" {
		fmt.Fprintf(&sb, "In detail:\n%s\n\n", p.LongSummary)
	}
	if p.Solution != "" {
		fmt.Fprintf(&sb, "Solution: %s\n\n", p.Solution)
	}

	msgs, err := b.storage.GetMessagesForProblem(p.ID)
	if err != nil {
		b.logger.Error("Failed to load problem messages", zap.Error(err), zap.Int64("problem_id", p.ID))
	} else {
		fmt.Fprintf(&sb, "Linked messages: %d\nUse /messages %d to see the links", len(msgs), idx)
	}

	b.sendLong(message.Chat.ID, sb.String())
}

func (b *Bot) handleProblemMessages(message *tgbotapi.Message) {
	idx, problems, ok := b.problemByArg(message, "/messages <n>")
	if !ok {
		return
	}
	p := problems[idx]

	msgs, err := b.storage.GetMessagesForProblem(p.ID)
	if err != nil {
		b.logger.Error("Failed to load problem messages", zap.Error(err), zap.Int64("problem_id", p.ID))
		b.reply(message, "Failed to load messages.")
		return
	}
	if len(msgs) == 0 {
		b.reply(message, fmt.Sprintf("No messages for problem %d", idx))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📨 Messages for problem #%d:\n%s\n\n", idx, p.Title)
	for i, m := range msgs {
		if i == maxMessageLinks {
			fmt.Fprintf(&sb, "... and %d more messages", len(msgs)-maxMessageLinks)
			break
		}
		author := m.AuthorName
		if author == "" {
			author = "Unknown"
		}
		if m.AuthorTag != "" {
			author = fmt.Sprintf("%s (%s)", author, m.AuthorTag)
		}
		preview := m.Text
		if len(preview) > 50 {
			preview = preview[:50] + "..."
		}
		link := m.Permalink
		if link == "" {
			link = buildPermalink(message.Chat.ID, m.SourceMessageID)
		}
		fmt.Fprintf(&sb, "• %s: %s\n  %s\n\n", author, preview, link)
	}

	b.sendLong(message.Chat.ID, sb.String())
}

func (b *Bot) handleSolve(message *tgbotapi.Message) {
	idx, problems, ok := b.problemByArg(message, "/solve <n>")
	if !ok {
		return
	}
	p := problems[idx]

	// Toggle: /solve on a solved problem clears the mark again.
	if p.Status == models.StatusSolved {
		if err := b.storage.UpdateProblemStatus(p.ID, models.StatusUnsolved); err != nil {
			b.logger.Error("Failed to update problem status", zap.Error(err), zap.Int64("problem_id", p.ID))
			b.reply(message, "Failed to update the problem.")
			return
		}
		b.reply(message, fmt.Sprintf("❌ Problem #%d marked as unsolved", idx))
		return
	}

	if err := b.storage.UpdateProblemStatus(p.ID, models.StatusSolved); err != nil {
		b.logger.Error("Failed to update problem status", zap.Error(err), zap.Int64("problem_id", p.ID))
		b.reply(message, "Failed to update the problem.")
		return
	}
	b.reply(message, fmt.Sprintf("✅ Problem #%d marked as solved!", idx))
}

// handleRegen rebuilds a problem's summaries from its linked messages.
func (b *Bot) handleRegen(message *tgbotapi.Message) {
	idx, problems, ok := b.problemByArg(message, "/regen <n>")
	if !ok {
		return
	}

	chatID := message.Chat.ID
	unlock := b.lockChat(chatID)
	defer unlock()

	p, err := b.summarizer.RegenerateProblemSummary(context.Background(), problems[idx].ID)
	if err != nil {
		b.logger.Error("Failed to regenerate problem summary", zap.Error(err), zap.Int64("problem_id", problems[idx].ID))
		b.reply(message, "Failed to regenerate the problem summary.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔄 Problem #%d regenerated\n\n📌 %s\n\nStatus: %s %s\n\n", idx, p.Title, statusIcon(p.Status), p.Status)
	if p.ShortSummary != "" {
		fmt.Fprintf(&sb, "In short: %s\n\n", p.ShortSummary)
	}
	if p.Solution != "" {
		fmt.Fprintf(&sb, "Solution: %s", p.Solution)
	}
	b.sendLong(chatID, sb.String())
}

func (b *Bot) handleQuery(message *tgbotapi.Message) {
	question := strings.TrimSpace(message.CommandArguments())
	if question == "" {
		b.reply(message, "Usage: /query <your question>")
		return
	}

	chatID := message.Chat.ID
	unlock := b.lockChat(chatID)
	defer unlock()

	statusMsg, statusErr := b.api.Send(tgbotapi.NewMessage(chatID, "Looking for an answer..."))

	onStatus := func(state models.AgentState) {
		if statusErr != nil {
			return
		}
		text := state.Status
		if state.Details != "" {
			text = fmt.Sprintf("%s (%s)", state.Status, state.Details)
		}
		edit := tgbotapi.NewEditMessageText(chatID, statusMsg.MessageID, text)
		if _, err := b.api.Send(edit); err != nil {
			b.logger.Debug("Failed to edit status message", zap.Error(err))
		}
	}

	answer, err := b.agent.Run(context.Background(), chatID, question, onStatus)

	if statusErr == nil {
		if _, delErr := b.api.Request(tgbotapi.NewDeleteMessage(chatID, statusMsg.MessageID)); delErr != nil {
			b.logger.Debug("Failed to delete status message", zap.Error(delErr))
		}
	}

	if err != nil {
		b.logger.Error("Query failed", zap.Error(err), zap.Int64("chat_id", chatID))
		b.reply(message, "Answer failed: "+err.Error())
		return
	}

	b.sendLong(chatID, answer)
}

func (b *Bot) handleStats(message *tgbotapi.Message) {
	chatID := message.Chat.ID

	total, err := b.storage.GetMessagesCount(chatID)
	if err != nil {
		b.logger.Error("Failed to count messages", zap.Error(err), zap.Int64("chat_id", chatID))
		b.reply(message, "Failed to load statistics.")
		return
	}
	unprocessed, err := b.storage.GetUnprocessedMessages(chatID)
	if err != nil {
		b.logger.Error("Failed to load unprocessed messages", zap.Error(err), zap.Int64("chat_id", chatID))
		b.reply(message, "Failed to load statistics.")
		return
	}
	problems, err := b.storage.GetProblems(chatID)
	if err != nil {
		b.logger.Error("Failed to load problems", zap.Error(err), zap.Int64("chat_id", chatID))
		b.reply(message, "Failed to load statistics.")
		return
	}

	solved := 0
	for _, p := range problems {
		if p.Status == models.StatusSolved {
			solved++
		}
	}

	text := fmt.Sprintf(`📊 CHAT STATISTICS

Messages total: %d
Unprocessed: %d

Problems total: %d
  ✅ Solved: %d
  ❌ Open: %d`, total, len(unprocessed), len(problems), solved, len(problems)-solved)

	b.reply(message, text)
}

func (b *Bot) handleClear(message *tgbotapi.Message) {
	chatID := message.Chat.ID
	unlock := b.lockChat(chatID)
	defer unlock()

	b.logger.Info("Clearing chat data", zap.Int64("chat_id", chatID))
	if err := b.storage.ClearChat(chatID); err != nil {
		b.logger.Error("Failed to clear chat", zap.Error(err), zap.Int64("chat_id", chatID))
		b.reply(message, "Failed to clear the chat data.")
		return
	}
	b.reply(message, "All chat data has been erased.")
}

// autoSummarize is the cron entry point: analyze every chat that has
// unprocessed messages.
func (b *Bot) autoSummarize() {
	chats, err := b.storage.GetChatsWithUnprocessedMessages()
	if err != nil {
		b.logger.Error("Auto-summarize: failed to list chats", zap.Error(err))
		return
	}

	for _, chatID := range chats {
		unlock := b.lockChat(chatID)

		newMessages, err := b.storage.GetUnprocessedMessages(chatID)
		if err != nil {
			b.logger.Error("Auto-summarize: failed to load messages", zap.Error(err), zap.Int64("chat_id", chatID))
			unlock()
			continue
		}

		stats, err := b.summarizer.Analyze(context.Background(), chatID, newMessages, nil)
		unlock()
		if err != nil {
			b.logger.Error("Auto-summarize failed", zap.Error(err), zap.Int64("chat_id", chatID))
			continue
		}

		b.logger.Info("Auto-summarize finished",
			zap.Int64("chat_id", chatID),
			zap.Int("new_problems", stats.NewProblems),
			zap.Int("updated_problems", stats.UpdatedProblems))
	}
}

// problemByArg parses the command's numeric argument and loads the chat's
// problems, replying with usage or range errors itself.
func (b *Bot) problemByArg(message *tgbotapi.Message, usage string) (int, []*models.Problem, bool) {
	arg := strings.TrimSpace(message.CommandArguments())
	if arg == "" {
		b.reply(message, "Usage: "+usage)
		return 0, nil, false
	}

	idx, err := strconv.Atoi(arg)
	if err != nil {
		b.reply(message, "The problem number must be an integer.")
		return 0, nil, false
	}

	problems, err := b.storage.GetProblems(message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to load problems", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
		b.reply(message, "Failed to load problems.")
		return 0, nil, false
	}

	if idx < 0 || idx >= len(problems) {
		b.reply(message, fmt.Sprintf("Problem %d not found. Problems total: %d", idx, len(problems)))
		return 0, nil, false
	}

	return idx, problems, true
}

func (b *Bot) lockChat(chatID int64) func() {
	b.chatLocksMu.Lock()
	lock, ok := b.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		b.chatLocks[chatID] = lock
	}
	b.chatLocksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (b *Bot) reply(message *tgbotapi.Message, text string) {
	msg := tgbotapi.NewMessage(message.Chat.ID, text)
	msg.ReplyToMessageID = message.MessageID
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
	}
}

// sendLong splits messages that exceed Telegram's length limit.
func (b *Bot) sendLong(chatID int64, text string) {
	for len(text) > 0 {
		part := text
		if len(part) > maxMessageLength {
			part = part[:maxMessageLength]
		}
		text = text[len(part):]
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			b.logger.Error("Failed to send message", zap.Error(err), zap.Int64("chat_id", chatID))
			return
		}
	}
}

func messageAuthor(message *tgbotapi.Message) (name, tag, link string) {
	// Forwarded messages keep the original author where Telegram exposes it.
	if message.ForwardFrom != nil {
		return userName(message.ForwardFrom), userTag(message.ForwardFrom), userLink(message.ForwardFrom)
	}
	if message.ForwardFromChat != nil {
		name = message.ForwardFromChat.Title
		if name == "" {
			name = "Channel"
		}
		if message.ForwardFromChat.UserName != "" {
			tag = "@" + message.ForwardFromChat.UserName
			link = "https://t.me/" + message.ForwardFromChat.UserName
		}
		return name, tag, link
	}
	if message.ForwardSenderName != "" {
		// Hidden user: only the display name is available.
		return message.ForwardSenderName, "", ""
	}

	return userName(message.From), userTag(message.From), userLink(message.From)
}

func userName(user *tgbotapi.User) string {
	if user == nil {
		return "Unknown"
	}
	name := user.FirstName
	if user.LastName != "" {
		name = name + " " + user.LastName
	}
	if name == "" {
		return "Unknown"
	}
	return name
}

func userTag(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	if user.UserName != "" {
		return "@" + user.UserName
	}
	return fmt.Sprintf("tg://user?id=%d", user.ID)
}

func userLink(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	if user.UserName != "" {
		return "https://t.me/" + user.UserName
	}
	return fmt.Sprintf("tg://user?id=%d", user.ID)
}

// buildPermalink builds a t.me link to a message. Supergroup chat ids carry a
// -100 prefix that is not part of the link.
func buildPermalink(chatID int64, messageID int) string {
	chatPart := strconv.FormatInt(chatID, 10)
	if strings.HasPrefix(chatPart, "-100") {
		chatPart = chatPart[4:]
	} else {
		chatPart = strings.TrimPrefix(chatPart, "-")
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", chatPart, messageID)
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
