package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"studybuddy/internal/models"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrDuplicateCode = errors.New("group code already in use")
)

const uniqueViolation = "23505"

// GroupRepository abstracts group and membership persistence.
type GroupRepository interface {
	CreateGroup(ctx context.Context, name, code, createdBy string) (models.Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	CountMembers(ctx context.Context, groupID string) (int, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	GetGroupByCode(ctx context.Context, code string) (models.Group, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// CreateGroup inserts the group row only; membership is a separate step.
func (r *GroupRepo) CreateGroup(ctx context.Context, name, code, createdBy string) (models.Group, error) {
	var group models.Group
	err := r.db.QueryRowxContext(ctx, `INSERT INTO groups (name, code, created_by) VALUES ($1, $2, $3) RETURNING id, name, code, created_by, created_at`, name, code, createdBy).
		Scan(&group.ID, &group.Name, &group.Code, &group.CreatedBy, &group.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "groups_code_key" {
			return models.Group{}, ErrDuplicateCode
		}
		return models.Group{}, err
	}
	return group, nil
}

// AddMember inserts a membership row; an existing row is left untouched.
func (r *GroupRepo) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT (group_id, user_id) DO NOTHING`, groupID, userID)
	return err
}

// RemoveMember deletes a membership row. Removing a missing row is not an error.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	return err
}

// IsMember checks membership.
func (r *GroupRepo) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)`, groupID, userID)
	return exists, err
}

func (r *GroupRepo) CountMembers(ctx context.Context, groupID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM group_members WHERE group_id=$1`, groupID)
	return count, err
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT id, name, code, created_by, created_at FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// GetGroupByCode looks a group up by its (already normalised) join code.
func (r *GroupRepo) GetGroupByCode(ctx context.Context, code string) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT id, name, code, created_by, created_at FROM groups WHERE code=$1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// ListGroupsForUser returns groups that include the user, most recently joined first.
func (r *GroupRepo) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.SelectContext(ctx, &groups, `SELECT g.id, g.name, g.code, g.created_by, g.created_at FROM groups g INNER JOIN group_members gm ON gm.group_id = g.id WHERE gm.user_id=$1 ORDER BY gm.joined_at DESC, g.id`, userID)
	return groups, err
}
