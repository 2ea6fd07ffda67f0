package models

import "time"

// Group is a study group located by its join code.
type Group struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Code      string    `db:"code" json:"code"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GroupMember is the membership relation; it carries no payload beyond the join time.
type GroupMember struct {
	GroupID  string    `db:"group_id" json:"group_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// GroupMessage is an immutable message in a group's log. Assistant messages
// have an empty SenderID and IsAI set.
type GroupMessage struct {
	ID        string    `db:"id" json:"id"`
	GroupID   string    `db:"group_id" json:"group_id"`
	SenderID  string    `db:"sender_id" json:"sender_id"`
	Content   string    `db:"content" json:"content"`
	IsAI      bool      `db:"is_ai" json:"is_ai"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Seq       int64     `db:"seq" json:"-"`
}

// GroupEvent is emitted over WebSocket connections for groups.
type GroupEvent struct {
	Type     string         `json:"type"`
	Version  uint64         `json:"version,omitempty"`
	State    string         `json:"state,omitempty"`
	GroupID  string         `json:"group_id,omitempty"`
	Messages []LocalMessage `json:"messages,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
}
