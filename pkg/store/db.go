// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kestrel Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists contexts, conversations, messages, tool
// permissions, oauth tokens, scheduled jobs, and user credentials on
// database/sql with sqlite3 or postgres underneath.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrelhq/kestrel/pkg/config"
)

// Store wraps the connection pool plus the at-rest cipher.
type Store struct {
	db     *sql.DB
	driver string
	cipher *Cipher
}

// Open connects, pings, applies the schema, and loads the encryption
// key. The pool settings come from configuration.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := cfg.DSN
	if dsn == "" && driver == "sqlite3" {
		dsn = "file:kestrel.db?_foreign_keys=on"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	var cipher *Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = NewCipher(cfg.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("loading encryption key: %w", err)
		}
	} else {
		slog.Warn("No encryption key configured, oauth tokens and credentials are stored in plaintext")
	}

	s := &Store{db: db, driver: driver, cipher: cipher}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $n for postgres. Queries are
// written in sqlite style and rebound on the way out.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS contexts (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		type        TEXT NOT NULL DEFAULT 'personal',
		config      TEXT NOT NULL DEFAULT '{}',
		default_cwd TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		context_id  TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
		platform    TEXT NOT NULL,
		platform_id TEXT NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		suspension  TEXT,
		last_status TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_platform
		ON conversations(platform, platform_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls      TEXT NOT NULL DEFAULT '[]',
		trace_id        TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_trace ON messages(trace_id)`,
	`CREATE TABLE IF NOT EXISTS tool_permissions (
		context_id TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
		tool_name  TEXT NOT NULL,
		allowed    BOOLEAN NOT NULL,
		PRIMARY KEY (context_id, tool_name)
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		context_id        TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
		provider          TEXT NOT NULL,
		encrypted_access  TEXT NOT NULL,
		encrypted_refresh TEXT NOT NULL DEFAULT '',
		expires_at        TIMESTAMP,
		user_id           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (context_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id           TEXT PRIMARY KEY,
		context_id   TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		cron         TEXT NOT NULL,
		skill_prompt TEXT NOT NULL,
		next_run_at  TIMESTAMP NOT NULL,
		last_run_at  TIMESTAMP,
		run_count    INTEGER NOT NULL DEFAULT 0,
		last_status  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		UNIQUE (context_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS user_credentials (
		user_id         TEXT NOT NULL,
		credential_type TEXT NOT NULL,
		encrypted_value TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, credential_type)
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
