package models

import "time"

// AssistantDisplayName is shown for messages written by the group assistant.
const AssistantDisplayName = "Study Buddy AI"

// LocalMessage is one entry of a session's local message view. While Pending,
// ID is a temporary id and DurableID names the stored message it stands for.
type LocalMessage struct {
	ID                string    `json:"id"`
	DurableID         string    `json:"durable_id"`
	SenderID          string    `json:"sender_id,omitempty"`
	SenderDisplayName string    `json:"sender_display_name"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	Seq               int64     `json:"-"`
	IsAI              bool      `json:"is_ai"`
	Pending           bool      `json:"pending,omitempty"`
}
