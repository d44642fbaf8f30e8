package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xaenox/digest-bot/internal/models"
)

// MemoryStorage is an in-memory Storage used for tests and local runs
// without a database.
type MemoryStorage struct {
	mu            sync.RWMutex
	messages      map[int64]*models.Message
	problems      map[int64]*models.Problem
	links         map[int64]map[int64]struct{} // problem id -> message ids
	meta          map[int64]*models.ChatMeta
	nextMessageID int64
	nextProblemID int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:      make(map[int64]*models.Message),
		problems:      make(map[int64]*models.Problem),
		links:         make(map[int64]map[int64]struct{}),
		meta:          make(map[int64]*models.ChatMeta),
		nextMessageID: 1,
		nextProblemID: 1,
	}
}

func (s *MemoryStorage) SaveMessage(msg *models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.messages {
		if existing.ChatID == msg.ChatID && existing.SourceMessageID == msg.SourceMessageID {
			copied := *msg
			copied.ID = existing.ID
			s.messages[existing.ID] = &copied
			msg.ID = existing.ID
			return existing.ID, nil
		}
	}

	copied := *msg
	copied.ID = s.nextMessageID
	s.nextMessageID++
	s.messages[copied.ID] = &copied
	msg.ID = copied.ID
	return copied.ID, nil
}

func (s *MemoryStorage) GetMessageBySourceID(chatID int64, sourceID int) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.ChatID == chatID && msg.SourceMessageID == sourceID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) GetUnprocessedMessages(chatID int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	linked := s.linkedMessageIDs()

	var messages []*models.Message
	for _, msg := range s.messages {
		if msg.ChatID != chatID {
			continue
		}
		if _, ok := linked[msg.ID]; ok {
			continue
		}
		copied := *msg
		messages = append(messages, &copied)
	}

	sortBySourceID(messages)
	return messages, nil
}

func (s *MemoryStorage) GetChatsWithUnprocessedMessages() ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	linked := s.linkedMessageIDs()

	seen := make(map[int64]struct{})
	var chats []int64
	for _, msg := range s.messages {
		if _, ok := linked[msg.ID]; ok {
			continue
		}
		if _, ok := seen[msg.ChatID]; ok {
			continue
		}
		seen[msg.ChatID] = struct{}{}
		chats = append(chats, msg.ChatID)
	}

	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	return chats, nil
}

func (s *MemoryStorage) GetMessagesCount(chatID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, msg := range s.messages {
		if msg.ChatID == chatID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) GetProblems(chatID int64) ([]*models.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var problems []*models.Problem
	for _, p := range s.problems {
		if p.ChatID == chatID {
			copied := *p
			problems = append(problems, &copied)
		}
	}

	// Creation order: ids are assigned sequentially.
	sort.Slice(problems, func(i, j int) bool { return problems[i].ID < problems[j].ID })
	return problems, nil
}

func (s *MemoryStorage) GetProblem(id int64) (*models.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.problems[id]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStorage) SaveProblem(p *models.Problem) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		copied := *p
		copied.ID = s.nextProblemID
		s.nextProblemID++
		s.problems[copied.ID] = &copied
		p.ID = copied.ID
		return copied.ID, nil
	}

	if _, ok := s.problems[p.ID]; !ok {
		return 0, fmt.Errorf("problem not found")
	}
	copied := *p
	s.problems[p.ID] = &copied
	return p.ID, nil
}

func (s *MemoryStorage) UpdateProblemStatus(id int64, status models.ProblemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.problems[id]
	if !ok {
		return fmt.Errorf("problem not found")
	}
	p.Status = status
	return nil
}

func (s *MemoryStorage) GetMessagesForProblem(problemID int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*models.Message
	for msgID := range s.links[problemID] {
		if msg, ok := s.messages[msgID]; ok {
			copied := *msg
			messages = append(messages, &copied)
		}
	}

	sortBySourceID(messages)
	return messages, nil
}

func (s *MemoryStorage) LinkMessagesToProblem(messageIDs []int64, problemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	linked, ok := s.links[problemID]
	if !ok {
		linked = make(map[int64]struct{})
		s.links[problemID] = linked
	}
	for _, msgID := range messageIDs {
		linked[msgID] = struct{}{}
	}
	return nil
}

func (s *MemoryStorage) GetChatMeta(chatID int64) (*models.ChatMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.meta[chatID]; ok {
		copied := *meta
		copied.Decisions = append([]string(nil), meta.Decisions...)
		copied.KeyPoints = append([]string(nil), meta.KeyPoints...)
		return &copied, nil
	}
	return &models.ChatMeta{ChatID: chatID}, nil
}

func (s *MemoryStorage) SaveChatMeta(meta *models.ChatMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *meta
	copied.Decisions = append([]string(nil), meta.Decisions...)
	copied.KeyPoints = append([]string(nil), meta.KeyPoints...)
	s.meta[meta.ChatID] = &copied
	return nil
}

func (s *MemoryStorage) ClearChat(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, msg := range s.messages {
		if msg.ChatID == chatID {
			delete(s.messages, id)
			for _, linked := range s.links {
				delete(linked, id)
			}
		}
	}
	for id, p := range s.problems {
		if p.ChatID == chatID {
			delete(s.problems, id)
			delete(s.links, id)
		}
	}
	delete(s.meta, chatID)
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

// linkedMessageIDs must be called with the lock held.
func (s *MemoryStorage) linkedMessageIDs() map[int64]struct{} {
	linked := make(map[int64]struct{})
	for _, msgs := range s.links {
		for id := range msgs {
			linked[id] = struct{}{}
		}
	}
	return linked
}

func sortBySourceID(messages []*models.Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].SourceMessageID < messages[j].SourceMessageID
	})
}
