package storage

import "github.com/xaenox/digest-bot/internal/models"

// Storage is the durable message/problem store. Lookups for a single entity
// return (nil, nil) when the entity does not exist; only infrastructure
// failures are errors.
type Storage interface {
	// SaveMessage inserts the message or, if (chat_id, source_message_id)
	// already exists, updates it in place. Returns the store id either way.
	SaveMessage(msg *models.Message) (int64, error)
	GetMessageBySourceID(chatID int64, sourceID int) (*models.Message, error)
	// GetUnprocessedMessages returns messages not yet linked to any problem,
	// ordered by source message id.
	GetUnprocessedMessages(chatID int64) ([]*models.Message, error)
	GetChatsWithUnprocessedMessages() ([]int64, error)
	GetMessagesCount(chatID int64) (int, error)

	// GetProblems returns the chat's problems in creation order.
	GetProblems(chatID int64) ([]*models.Problem, error)
	GetProblem(id int64) (*models.Problem, error)
	// SaveProblem inserts when p.ID is zero, otherwise updates. Returns the id.
	SaveProblem(p *models.Problem) (int64, error)
	UpdateProblemStatus(id int64, status models.ProblemStatus) error
	// GetMessagesForProblem returns linked messages ordered by source id.
	GetMessagesForProblem(problemID int64) ([]*models.Message, error)
	// LinkMessagesToProblem is idempotent; re-linking is a no-op.
	LinkMessagesToProblem(messageIDs []int64, problemID int64) error

	GetChatMeta(chatID int64) (*models.ChatMeta, error)
	SaveChatMeta(meta *models.ChatMeta) error

	// ClearChat deletes the chat's messages, problems, links and meta.
	ClearChat(chatID int64) error
	Close() error
}
