package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/xaenox/digest-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) SaveMessage(msg *models.Message) (int64, error) {
	query := `
		INSERT INTO messages (chat_id, source_message_id, text, author_name, author_tag, author_link, reply_to_source_id, permalink)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chat_id, source_message_id) DO UPDATE SET
			text = excluded.text,
			author_name = excluded.author_name,
			author_tag = excluded.author_tag,
			author_link = excluded.author_link,
			reply_to_source_id = excluded.reply_to_source_id,
			permalink = excluded.permalink
		RETURNING id`

	err := s.db.QueryRow(
		query,
		msg.ChatID,
		msg.SourceMessageID,
		msg.Text,
		msg.AuthorName,
		msg.AuthorTag,
		msg.AuthorLink,
		msg.ReplyToSourceID,
		msg.Permalink,
	).Scan(&msg.ID)

	if err != nil {
		return 0, fmt.Errorf("error saving message: %v", err)
	}

	return msg.ID, nil
}

func (s *PostgresStorage) GetMessageBySourceID(chatID int64, sourceID int) (*models.Message, error) {
	query := `
		SELECT id, chat_id, source_message_id, text, author_name, author_tag, author_link, reply_to_source_id, permalink
		FROM messages
		WHERE chat_id = $1 AND source_message_id = $2`

	msg := &models.Message{}
	err := s.db.QueryRow(query, chatID, sourceID).Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.SourceMessageID,
		&msg.Text,
		&msg.AuthorName,
		&msg.AuthorTag,
		&msg.AuthorLink,
		&msg.ReplyToSourceID,
		&msg.Permalink,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying message: %v", err)
	}

	return msg, nil
}

func (s *PostgresStorage) GetUnprocessedMessages(chatID int64) ([]*models.Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.source_message_id, m.text, m.author_name, m.author_tag, m.author_link, m.reply_to_source_id, m.permalink
		FROM messages m
		LEFT JOIN problem_messages pm ON pm.message_id = m.id
		WHERE m.chat_id = $1 AND pm.message_id IS NULL
		ORDER BY m.source_message_id`

	rows, err := s.db.Query(query, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying unprocessed messages: %v", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *PostgresStorage) GetChatsWithUnprocessedMessages() ([]int64, error) {
	query := `
		SELECT DISTINCT m.chat_id
		FROM messages m
		LEFT JOIN problem_messages pm ON pm.message_id = m.id
		WHERE pm.message_id IS NULL
		ORDER BY m.chat_id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("error querying chats with unprocessed messages: %v", err)
	}
	defer rows.Close()

	var chats []int64
	for rows.Next() {
		var chatID int64
		if err := rows.Scan(&chatID); err != nil {
			return nil, fmt.Errorf("error scanning chat id: %v", err)
		}
		chats = append(chats, chatID)
	}

	return chats, rows.Err()
}

func (s *PostgresStorage) GetMessagesCount(chatID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = $1`, chatID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting messages: %v", err)
	}
	return count, nil
}

func (s *PostgresStorage) GetProblems(chatID int64) ([]*models.Problem, error) {
	query := `
		SELECT id, chat_id, title, short_summary, long_summary, solution, status
		FROM problems
		WHERE chat_id = $1
		ORDER BY id`

	rows, err := s.db.Query(query, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying problems: %v", err)
	}
	defer rows.Close()

	var problems []*models.Problem
	for rows.Next() {
		p := &models.Problem{}
		err := rows.Scan(&p.ID, &p.ChatID, &p.Title, &p.ShortSummary, &p.LongSummary, &p.Solution, &p.Status)
		if err != nil {
			return nil, fmt.Errorf("error scanning problem: %v", err)
		}
		problems = append(problems, p)
	}

	return problems, rows.Err()
}

func (s *PostgresStorage) GetProblem(id int64) (*models.Problem, error) {
	query := `
		SELECT id, chat_id, title, short_summary, long_summary, solution, status
		FROM problems
		WHERE id = $1`

	p := &models.Problem{}
	err := s.db.QueryRow(query, id).Scan(&p.ID, &p.ChatID, &p.Title, &p.ShortSummary, &p.LongSummary, &p.Solution, &p.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying problem: %v", err)
	}

	return p, nil
}

func (s *PostgresStorage) SaveProblem(p *models.Problem) (int64, error) {
	if p.ID == 0 {
		query := `
			INSERT INTO problems (chat_id, title, short_summary, long_summary, solution, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`

		err := s.db.QueryRow(query, p.ChatID, p.Title, p.ShortSummary, p.LongSummary, p.Solution, p.Status).Scan(&p.ID)
		if err != nil {
			return 0, fmt.Errorf("error creating problem: %v", err)
		}
		return p.ID, nil
	}

	query := `
		UPDATE problems
		SET title = $1, short_summary = $2, long_summary = $3, solution = $4, status = $5, updated_at = NOW()
		WHERE id = $6`

	result, err := s.db.Exec(query, p.Title, p.ShortSummary, p.LongSummary, p.Solution, p.Status, p.ID)
	if err != nil {
		return 0, fmt.Errorf("error updating problem: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return 0, fmt.Errorf("problem not found")
	}

	return p.ID, nil
}

func (s *PostgresStorage) UpdateProblemStatus(id int64, status models.ProblemStatus) error {
	result, err := s.db.Exec(`UPDATE problems SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("error updating problem status: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("problem not found")
	}

	return nil
}

func (s *PostgresStorage) GetMessagesForProblem(problemID int64) ([]*models.Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.source_message_id, m.text, m.author_name, m.author_tag, m.author_link, m.reply_to_source_id, m.permalink
		FROM messages m
		JOIN problem_messages pm ON pm.message_id = m.id
		WHERE pm.problem_id = $1
		ORDER BY m.source_message_id`

	rows, err := s.db.Query(query, problemID)
	if err != nil {
		return nil, fmt.Errorf("error querying problem messages: %v", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *PostgresStorage) LinkMessagesToProblem(messageIDs []int64, problemID int64) error {
	if len(messageIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO problem_messages (problem_id, message_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	for _, msgID := range messageIDs {
		if _, err := s.db.Exec(query, problemID, msgID); err != nil {
			return fmt.Errorf("error linking message %d to problem %d: %v", msgID, problemID, err)
		}
	}

	return nil
}

func (s *PostgresStorage) GetChatMeta(chatID int64) (*models.ChatMeta, error) {
	query := `SELECT overview, decisions, key_points FROM chat_meta WHERE chat_id = $1`

	meta := &models.ChatMeta{ChatID: chatID}
	var decisions, keyPoints []byte
	err := s.db.QueryRow(query, chatID).Scan(&meta.Overview, &decisions, &keyPoints)
	if err == sql.ErrNoRows {
		return meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying chat meta: %v", err)
	}

	if err := json.Unmarshal(decisions, &meta.Decisions); err != nil {
		return nil, fmt.Errorf("error decoding decisions: %v", err)
	}
	if err := json.Unmarshal(keyPoints, &meta.KeyPoints); err != nil {
		return nil, fmt.Errorf("error decoding key points: %v", err)
	}

	return meta, nil
}

func (s *PostgresStorage) SaveChatMeta(meta *models.ChatMeta) error {
	decisions, err := json.Marshal(meta.Decisions)
	if err != nil {
		return fmt.Errorf("error encoding decisions: %v", err)
	}
	keyPoints, err := json.Marshal(meta.KeyPoints)
	if err != nil {
		return fmt.Errorf("error encoding key points: %v", err)
	}

	query := `
		INSERT INTO chat_meta (chat_id, overview, decisions, key_points, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chat_id) DO UPDATE SET
			overview = excluded.overview,
			decisions = excluded.decisions,
			key_points = excluded.key_points,
			updated_at = NOW()`

	if _, err := s.db.Exec(query, meta.ChatID, meta.Overview, decisions, keyPoints); err != nil {
		return fmt.Errorf("error saving chat meta: %v", err)
	}

	return nil
}

func (s *PostgresStorage) ClearChat(chatID int64) error {
	// Links go away via ON DELETE CASCADE when messages and problems are removed.
	if _, err := s.db.Exec(`DELETE FROM problems WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("error deleting problems: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("error deleting messages: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM chat_meta WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("error deleting chat meta: %v", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		err := rows.Scan(
			&msg.ID,
			&msg.ChatID,
			&msg.SourceMessageID,
			&msg.Text,
			&msg.AuthorName,
			&msg.AuthorTag,
			&msg.AuthorLink,
			&msg.ReplyToSourceID,
			&msg.Permalink,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
