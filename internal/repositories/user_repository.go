package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"studybuddy/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

// UserCredentials is a user row including its password hash.
type UserCredentials struct {
	models.User
	PasswordHash string `db:"password_hash"`
}

// UserRepository abstracts user persistence for the identity provider.
type UserRepository interface {
	CreateUser(ctx context.Context, email, passwordHash string, confirmed bool) (models.User, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetCredentialsByEmail(ctx context.Context, email string) (UserCredentials, error)
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// CreateUser inserts a user. Emails are stored lower-cased.
func (r *UserRepo) CreateUser(ctx context.Context, email, passwordHash string, confirmed bool) (models.User, error) {
	var user models.User
	err := r.db.QueryRowxContext(ctx, `INSERT INTO users (email, password_hash, confirmed_at)
        VALUES ($1, $2, CASE WHEN $3 THEN NOW() ELSE NULL END)
        RETURNING id, email, confirmed_at, created_at`, strings.ToLower(email), passwordHash, confirmed).
		StructScan(&user)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.User{}, ErrEmailTaken
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, email, confirmed_at, created_at FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

func (r *UserRepo) GetCredentialsByEmail(ctx context.Context, email string) (UserCredentials, error) {
	var creds UserCredentials
	err := r.db.GetContext(ctx, &creds, `SELECT id, email, confirmed_at, created_at, password_hash FROM users WHERE email=$1`, strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return UserCredentials{}, ErrUserNotFound
	}
	return creds, err
}

// DisplayNames resolves display names for many users in one query.
func (r *UserRepo) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	var rows []struct {
		ID    string `db:"id"`
		Email string `db:"email"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, email FROM users WHERE id = ANY($1::uuid[])`, pq.Array(userIDs)); err != nil {
		return nil, err
	}
	for _, row := range rows {
		names[row.ID] = models.DisplayNameFromEmail(row.Email)
	}
	return names, nil
}

// TokenRepository tracks revoked session tokens.
type TokenRepository interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PurgeRevokedTokens(ctx context.Context, before time.Time) (int64, error)
}

// TokenRepo is a sqlx implementation of TokenRepository.
type TokenRepo struct {
	db *sqlx.DB
}

func NewTokenRepo(db *sqlx.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING`, jti, expiresAt)
	return err
}

func (r *TokenRepo) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := r.db.GetContext(ctx, &revoked, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1)`, jti)
	return revoked, err
}

// PurgeRevokedTokens drops revocations for tokens that have expired anyway.
func (r *TokenRepo) PurgeRevokedTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
