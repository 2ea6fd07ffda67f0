package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"studybuddy/internal/models"
)

var ErrConfirmationNotFound = errors.New("confirmation not found")

const confirmationColumns = `id, user_id, email, token, expires_at, confirmed_at, attempts, created_at, updated_at`

// ConfirmationRepository stores email confirmation tokens.
type ConfirmationRepository interface {
	CreateConfirmation(ctx context.Context, userID, email, token string, expiresAt time.Time) (models.EmailConfirmation, error)
	GetConfirmationByToken(ctx context.Context, token string) (models.EmailConfirmation, error)
	ConfirmEmail(ctx context.Context, confirmationID, userID string, at time.Time) error
	PurgeExpiredConfirmations(ctx context.Context, before time.Time) (int64, error)
}

// ConfirmationRepo is a sqlx implementation of ConfirmationRepository.
type ConfirmationRepo struct {
	db *sqlx.DB
}

func NewConfirmationRepo(db *sqlx.DB) *ConfirmationRepo {
	return &ConfirmationRepo{db: db}
}

func (r *ConfirmationRepo) CreateConfirmation(ctx context.Context, userID, email, token string, expiresAt time.Time) (models.EmailConfirmation, error) {
	var c models.EmailConfirmation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO email_confirmations (user_id, email, token, expires_at) VALUES ($1, $2, $3, $4) RETURNING `+confirmationColumns, userID, email, token, expiresAt).
		StructScan(&c)
	return c, err
}

func (r *ConfirmationRepo) GetConfirmationByToken(ctx context.Context, token string) (models.EmailConfirmation, error) {
	var c models.EmailConfirmation
	err := r.db.GetContext(ctx, &c, `SELECT `+confirmationColumns+` FROM email_confirmations WHERE token=$1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmailConfirmation{}, ErrConfirmationNotFound
	}
	return c, err
}

// ConfirmEmail marks the confirmation used and the user confirmed atomically.
func (r *ConfirmationRepo) ConfirmEmail(ctx context.Context, confirmationID, userID string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `UPDATE email_confirmations SET confirmed_at=$2, attempts=attempts+1, updated_at=$2 WHERE id=$1`, confirmationID, at); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE users SET confirmed_at=$2 WHERE id=$1 AND confirmed_at IS NULL`, userID, at); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// PurgeExpiredConfirmations removes unconfirmed tokens that expired before the cutoff.
func (r *ConfirmationRepo) PurgeExpiredConfirmations(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM email_confirmations WHERE confirmed_at IS NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
