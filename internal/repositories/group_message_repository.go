package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"studybuddy/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotMember       = errors.New("user is not a member of the group")
)

const groupMessageColumns = `id, group_id, COALESCE(sender_id::text, '') AS sender_id, content, is_ai, created_at, seq`

// GroupMessageRepository defines interactions for group messages.
type GroupMessageRepository interface {
	CreateGroupMessage(ctx context.Context, groupID, senderID, content string) (models.GroupMessage, error)
	CreateAssistantMessage(ctx context.Context, groupID, content string) (models.GroupMessage, error)
	ListGroupMessages(ctx context.Context, groupID string) ([]models.GroupMessage, error)
	GetGroupMessage(ctx context.Context, messageID string) (models.GroupMessage, error)
}

// GroupMessageRepo is a sqlx-backed implementation.
type GroupMessageRepo struct {
	db *sqlx.DB
}

// NewGroupMessageRepo constructs a GroupMessageRepo.
func NewGroupMessageRepo(db *sqlx.DB) *GroupMessageRepo {
	return &GroupMessageRepo{db: db}
}

// CreateGroupMessage persists a message only if the sender is a member;
// otherwise ErrNotMember is returned and nothing is written.
func (r *GroupMessageRepo) CreateGroupMessage(ctx context.Context, groupID, senderID, content string) (models.GroupMessage, error) {
	var msg models.GroupMessage
	err := r.db.QueryRowxContext(ctx, `INSERT INTO group_messages (group_id, sender_id, content)
        SELECT $1::uuid, $2::uuid, $3::text
        WHERE EXISTS (SELECT 1 FROM group_members WHERE group_id=$1::uuid AND user_id=$2::uuid)
        RETURNING `+groupMessageColumns, groupID, senderID, content).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GroupMessage{}, ErrNotMember
	}
	return msg, err
}

// CreateAssistantMessage persists a message written by the group assistant.
func (r *GroupMessageRepo) CreateAssistantMessage(ctx context.Context, groupID, content string) (models.GroupMessage, error) {
	var msg models.GroupMessage
	err := r.db.QueryRowxContext(ctx, `INSERT INTO group_messages (group_id, sender_id, content, is_ai) VALUES ($1, NULL, $2, TRUE) RETURNING `+groupMessageColumns, groupID, content).
		StructScan(&msg)
	return msg, err
}

// ListGroupMessages returns the full log ordered by creation, ties by storage order.
func (r *GroupMessageRepo) ListGroupMessages(ctx context.Context, groupID string) ([]models.GroupMessage, error) {
	msgs := []models.GroupMessage{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+groupMessageColumns+` FROM group_messages WHERE group_id=$1 ORDER BY created_at ASC, seq ASC`, groupID)
	return msgs, err
}

// GetGroupMessage fetches a single message.
func (r *GroupMessageRepo) GetGroupMessage(ctx context.Context, messageID string) (models.GroupMessage, error) {
	var msg models.GroupMessage
	err := r.db.GetContext(ctx, &msg, `SELECT `+groupMessageColumns+` FROM group_messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GroupMessage{}, ErrMessageNotFound
	}
	return msg, err
}
