// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SeenStore records which messages of a KeepOnServer source have already been
// transferred, keyed by source and unique-id.
type SeenStore interface {
	Seen(ctx context.Context, source, uid string) (bool, error)
	MarkSeen(ctx context.Context, source, uid string) error
	// Forget drops the records of source whose unique-id is not in present,
	// once the messages have left the server.
	Forget(ctx context.Context, source string, present []string) error
}

type sqliteSeenStore struct {
	db *sql.DB
}

func OpenSeenStore(path string) (*sqliteSeenStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// Monitors share the store; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS seen (
			source TEXT NOT NULL,
			uid TEXT NOT NULL,
			transferred_at INTEGER NOT NULL,
			PRIMARY KEY (source, uid)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create seen table: %w", err)
	}
	return &sqliteSeenStore{db: db}, nil
}

func (s *sqliteSeenStore) Seen(ctx context.Context, source, uid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM seen WHERE source = ? AND uid = ?", source, uid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query seen: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteSeenStore) MarkSeen(ctx context.Context, source, uid string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO seen (source, uid, transferred_at) VALUES (?, ?, ?)",
		source, uid, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert seen: %w", err)
	}
	return nil
}

func (s *sqliteSeenStore) Forget(ctx context.Context, source string, present []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "CREATE TEMP TABLE IF NOT EXISTS present (uid TEXT PRIMARY KEY)"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM present"); err != nil {
		return err
	}
	for _, uid := range present {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO present (uid) VALUES (?)", uid); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM seen WHERE source = ? AND uid NOT IN (SELECT uid FROM present)", source)
	if err != nil {
		return fmt.Errorf("failed to prune seen: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteSeenStore) Close() error {
	return s.db.Close()
}
