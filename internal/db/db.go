package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// MessageInsertChannel is the NOTIFY channel fired for every group_messages insert.
const MessageInsertChannel = "group_messages_inserted"

// Connect opens the database connection and, when migrate is set, applies migrations.
func Connect(ctx context.Context, dsn string, migrate bool, log *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if migrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info("database migrations applied")
	}

	return db, nil
}

// Migrate creates the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
	`CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            email TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL,
            confirmed_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS email_confirmations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            email TEXT NOT NULL,
            token TEXT NOT NULL UNIQUE,
            expires_at TIMESTAMPTZ NOT NULL,
            confirmed_at TIMESTAMPTZ,
            attempts INT NOT NULL DEFAULT 0,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS revoked_tokens (
            jti TEXT PRIMARY KEY,
            expires_at TIMESTAMPTZ NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS groups (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            name TEXT NOT NULL,
            code CHAR(6) NOT NULL UNIQUE,
            created_by UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS group_members (
            group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(group_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS group_messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            seq BIGSERIAL NOT NULL,
            group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            sender_id UUID REFERENCES users(id) ON DELETE SET NULL,
            content TEXT NOT NULL,
            is_ai BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS group_messages_group_order_idx ON group_messages (group_id, created_at, seq);`,
	`CREATE OR REPLACE FUNCTION notify_group_message_inserted() RETURNS trigger AS $$
        BEGIN
            PERFORM pg_notify('` + MessageInsertChannel + `', json_build_object('id', NEW.id, 'group_id', NEW.group_id)::text);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS group_messages_notify ON group_messages;`,
	`CREATE TRIGGER group_messages_notify AFTER INSERT ON group_messages
            FOR EACH ROW EXECUTE FUNCTION notify_group_message_inserted();`,
}
