package models

// HistoryItem is one prior chat turn as sent by clients of the tutor.
type HistoryItem struct {
	IsUser  bool   `json:"isUser"`
	Content string `json:"content"`
}

// Flashcard is a generated question/answer pair. Source records which parse
// tier produced it.
type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Source   string `json:"source"`
}
