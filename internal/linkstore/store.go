// Package linkstore persists linked/authenticated state per provider
// account in SQLite. Providers with a pairing flow (WhatsApp) consult it
// from isConfigured; the logout hook clears the row so the next status read
// reports unauthenticated.
package linkstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store implements domain.LinkStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS linked_accounts (
		provider    TEXT NOT NULL,
		account_id  TEXT NOT NULL,
		linked      INTEGER NOT NULL DEFAULT 1,
		identity    TEXT,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (provider, account_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Linked reports the account's link state. Accounts with no record default
// to linked=true: only providers with an explicit pairing flow write rows.
func (s *Store) Linked(provider, accountID string) (bool, string, error) {
	var linked int
	var identity sql.NullString
	err := s.db.QueryRow(
		`SELECT linked, identity FROM linked_accounts WHERE provider = ? AND account_id = ?`,
		provider, accountID,
	).Scan(&linked, &identity)
	if err == sql.ErrNoRows {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return linked != 0, identity.String, nil
}

func (s *Store) MarkLinked(provider, accountID, identity string) error {
	_, err := s.db.Exec(
		`INSERT INTO linked_accounts (provider, account_id, linked, identity, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(provider, account_id)
		 DO UPDATE SET linked = 1, identity = excluded.identity, updated_at = excluded.updated_at`,
		provider, accountID, identity, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark linked: %w", err)
	}
	s.logger.Info("account linked", "provider", provider, "account", accountID)
	return nil
}

// ClearLink marks the account logged out. The row stays so Linked reports
// false until a new link completes.
func (s *Store) ClearLink(provider, accountID string) error {
	_, err := s.db.Exec(
		`INSERT INTO linked_accounts (provider, account_id, linked, identity, updated_at)
		 VALUES (?, ?, 0, NULL, ?)
		 ON CONFLICT(provider, account_id)
		 DO UPDATE SET linked = 0, identity = NULL, updated_at = excluded.updated_at`,
		provider, accountID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("clear link: %w", err)
	}
	s.logger.Info("account link cleared", "provider", provider, "account", accountID)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
