package models

import (
	"strings"
	"time"
)

// User is the read-only projection of an identity.
type User struct {
	ID          string     `db:"id" json:"id"`
	Email       string     `db:"email" json:"email"`
	ConfirmedAt *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// DisplayNameFromEmail derives a display name from the local part of an email.
func DisplayNameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "Member"
	}
	return local
}

// EmailConfirmation tracks a pending sign-up confirmation link.
type EmailConfirmation struct {
	ID          string     `db:"id" json:"id"`
	UserID      string     `db:"user_id" json:"user_id"`
	Email       string     `db:"email" json:"email"`
	Token       string     `db:"token" json:"-"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expires_at"`
	ConfirmedAt *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	Attempts    int        `db:"attempts" json:"attempts"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
