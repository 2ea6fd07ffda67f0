package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"studybuddy/internal/models"
	"studybuddy/internal/repositories"
)

type GroupRepositoryMock struct {
	mock.Mock
}

var _ repositories.GroupRepository = (*GroupRepositoryMock)(nil)

func (m *GroupRepositoryMock) CreateGroup(ctx context.Context, name, code, createdBy string) (models.Group, error) {
	args := m.Called(ctx, name, code, createdBy)
	var group models.Group
	if val := args.Get(0); val != nil {
		group = val.(models.Group)
	}
	return group, args.Error(1)
}

func (m *GroupRepositoryMock) AddMember(ctx context.Context, groupID, userID string) error {
	args := m.Called(ctx, groupID, userID)
	return args.Error(0)
}

func (m *GroupRepositoryMock) RemoveMember(ctx context.Context, groupID, userID string) error {
	args := m.Called(ctx, groupID, userID)
	return args.Error(0)
}

func (m *GroupRepositoryMock) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *GroupRepositoryMock) CountMembers(ctx context.Context, groupID string) (int, error) {
	args := m.Called(ctx, groupID)
	return args.Int(0), args.Error(1)
}

func (m *GroupRepositoryMock) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	args := m.Called(ctx, groupID)
	var group models.Group
	if val := args.Get(0); val != nil {
		group = val.(models.Group)
	}
	return group, args.Error(1)
}

func (m *GroupRepositoryMock) GetGroupByCode(ctx context.Context, code string) (models.Group, error) {
	args := m.Called(ctx, code)
	var group models.Group
	if val := args.Get(0); val != nil {
		group = val.(models.Group)
	}
	return group, args.Error(1)
}

func (m *GroupRepositoryMock) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	args := m.Called(ctx, userID)
	var groups []models.Group
	if val := args.Get(0); val != nil {
		groups = val.([]models.Group)
	}
	return groups, args.Error(1)
}

type GroupMessageRepositoryMock struct {
	mock.Mock
}

var _ repositories.GroupMessageRepository = (*GroupMessageRepositoryMock)(nil)

func (m *GroupMessageRepositoryMock) CreateGroupMessage(ctx context.Context, groupID, senderID, content string) (models.GroupMessage, error) {
	args := m.Called(ctx, groupID, senderID, content)
	var msg models.GroupMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.GroupMessage)
	}
	return msg, args.Error(1)
}

func (m *GroupMessageRepositoryMock) CreateAssistantMessage(ctx context.Context, groupID, content string) (models.GroupMessage, error) {
	args := m.Called(ctx, groupID, content)
	var msg models.GroupMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.GroupMessage)
	}
	return msg, args.Error(1)
}

func (m *GroupMessageRepositoryMock) ListGroupMessages(ctx context.Context, groupID string) ([]models.GroupMessage, error) {
	args := m.Called(ctx, groupID)
	var msgs []models.GroupMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.GroupMessage)
	}
	return msgs, args.Error(1)
}

func (m *GroupMessageRepositoryMock) GetGroupMessage(ctx context.Context, messageID string) (models.GroupMessage, error) {
	args := m.Called(ctx, messageID)
	var msg models.GroupMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.GroupMessage)
	}
	return msg, args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

var _ repositories.UserRepository = (*UserRepositoryMock)(nil)

func (m *UserRepositoryMock) CreateUser(ctx context.Context, email, passwordHash string, confirmed bool) (models.User, error) {
	args := m.Called(ctx, email, passwordHash, confirmed)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetUser(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetCredentialsByEmail(ctx context.Context, email string) (repositories.UserCredentials, error) {
	args := m.Called(ctx, email)
	var creds repositories.UserCredentials
	if val := args.Get(0); val != nil {
		creds = val.(repositories.UserCredentials)
	}
	return creds, args.Error(1)
}

func (m *UserRepositoryMock) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	args := m.Called(ctx, userIDs)
	var names map[string]string
	if val := args.Get(0); val != nil {
		names = val.(map[string]string)
	}
	return names, args.Error(1)
}

type TokenRepositoryMock struct {
	mock.Mock
}

var _ repositories.TokenRepository = (*TokenRepositoryMock)(nil)

func (m *TokenRepositoryMock) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	args := m.Called(ctx, jti, expiresAt)
	return args.Error(0)
}

func (m *TokenRepositoryMock) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	args := m.Called(ctx, jti)
	return args.Bool(0), args.Error(1)
}

func (m *TokenRepositoryMock) PurgeRevokedTokens(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

type ConfirmationRepositoryMock struct {
	mock.Mock
}

var _ repositories.ConfirmationRepository = (*ConfirmationRepositoryMock)(nil)

func (m *ConfirmationRepositoryMock) CreateConfirmation(ctx context.Context, userID, email, token string, expiresAt time.Time) (models.EmailConfirmation, error) {
	args := m.Called(ctx, userID, email, token, expiresAt)
	var c models.EmailConfirmation
	if val := args.Get(0); val != nil {
		c = val.(models.EmailConfirmation)
	}
	return c, args.Error(1)
}

func (m *ConfirmationRepositoryMock) GetConfirmationByToken(ctx context.Context, token string) (models.EmailConfirmation, error) {
	args := m.Called(ctx, token)
	var c models.EmailConfirmation
	if val := args.Get(0); val != nil {
		c = val.(models.EmailConfirmation)
	}
	return c, args.Error(1)
}

func (m *ConfirmationRepositoryMock) ConfirmEmail(ctx context.Context, confirmationID, userID string, at time.Time) error {
	args := m.Called(ctx, confirmationID, userID, at)
	return args.Error(0)
}

func (m *ConfirmationRepositoryMock) PurgeExpiredConfirmations(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}
