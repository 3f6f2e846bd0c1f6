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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is the tenant boundary owning all per-tenant rows.
type Context struct {
	ID         string
	Name       string
	Type       string
	Config     map[string]any
	DefaultCwd string
	CreatedAt  time.Time
}

var ErrNotExist = errors.New("row does not exist")

// CreateContext inserts a context and returns its id.
func (s *Store) CreateContext(ctx context.Context, name, ctype, defaultCwd string, cfg map[string]any) (string, error) {
	if ctype == "" {
		ctype = "personal"
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding context config: %w", err)
	}

	id := uuid.NewString()
	_, err = s.exec(ctx,
		`INSERT INTO contexts (id, name, type, config, default_cwd, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, ctype, string(raw), defaultCwd, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("creating context: %w", err)
	}
	return id, nil
}

// GetContext loads one context.
func (s *Store) GetContext(ctx context.Context, id string) (*Context, error) {
	row := s.queryRow(ctx,
		`SELECT id, name, type, config, default_cwd, created_at FROM contexts WHERE id = ?`, id)

	var c Context
	var rawConfig string
	err := row.Scan(&c.ID, &c.Name, &c.Type, &rawConfig, &c.DefaultCwd, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: context %s", ErrNotExist, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading context %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(rawConfig), &c.Config); err != nil {
		c.Config = map[string]any{}
	}
	return &c, nil
}

// DeleteContext removes a context. Dependent rows cascade.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	// sqlite enforces the cascade only with foreign keys on; the
	// explicit deletes keep both drivers honest.
	stmts := []string{
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE context_id = ?)`,
		`DELETE FROM conversations WHERE context_id = ?`,
		`DELETE FROM tool_permissions WHERE context_id = ?`,
		`DELETE FROM oauth_tokens WHERE context_id = ?`,
		`DELETE FROM scheduled_jobs WHERE context_id = ?`,
		`DELETE FROM contexts WHERE id = ?`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
			return fmt.Errorf("deleting context %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListContexts returns all contexts ordered by creation time.
func (s *Store) ListContexts(ctx context.Context) ([]Context, error) {
	rows, err := s.query(ctx,
		`SELECT id, name, type, config, default_cwd, created_at FROM contexts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}
	defer rows.Close()

	var out []Context
	for rows.Next() {
		var c Context
		var rawConfig string
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &rawConfig, &c.DefaultCwd, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawConfig), &c.Config); err != nil {
			c.Config = map[string]any{}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
