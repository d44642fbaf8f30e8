package models

// ProblemStatus is the resolution state of a problem.
type ProblemStatus string

const (
	StatusUnsolved ProblemStatus = "unsolved"
	StatusPartial  ProblemStatus = "partial"
	StatusSolved   ProblemStatus = "solved"
)

// Valid reports whether s is one of the known statuses.
func (s ProblemStatus) Valid() bool {
	switch s {
	case StatusUnsolved, StatusPartial, StatusSolved:
		return true
	}
	return false
}

// Message is a single stored chat message. (ChatID, SourceMessageID) is the
// natural key; re-saving the same source id updates in place.
type Message struct {
	ID              int64  `json:"id"`
	ChatID          int64  `json:"chat_id"`
	SourceMessageID int    `json:"source_message_id"`
	Text            string `json:"text"`
	AuthorName      string `json:"author_name"`
	AuthorTag       string `json:"author_tag,omitempty"`
	AuthorLink      string `json:"author_link,omitempty"`
	ReplyToSourceID int    `json:"reply_to_source_id,omitempty"` // 0 when not a reply
	Permalink       string `json:"permalink,omitempty"`
}

// Problem is a unit of extracted knowledge, updated as the discussion evolves.
// Status transitions are not monotonic: a problem can move back to unsolved
// through re-analysis or a manual toggle.
type Problem struct {
	ID           int64         `json:"id"`
	ChatID       int64         `json:"chat_id"`
	Title        string        `json:"title"`
	ShortSummary string        `json:"short_summary"`
	LongSummary  string        `json:"long_summary"`
	Solution     string        `json:"solution,omitempty"`
	Status       ProblemStatus `json:"status"`
}

// ChatMeta holds whole-chat rolling facts independent of any single problem.
// Decisions and KeyPoints grow by deduplicated append and are never retracted
// outside a full chat reset.
type ChatMeta struct {
	ChatID    int64    `json:"chat_id"`
	Overview  string   `json:"overview"`
	Decisions []string `json:"decisions"`
	KeyPoints []string `json:"key_points"`
}

// AgentState is a transient progress report from the query agent, surfaced to
// the user while a question is being answered.
type AgentState struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}
