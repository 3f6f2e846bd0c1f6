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

	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/skills"
)

// Conversation is an ordered message sequence within a context.
type Conversation struct {
	ID         string
	ContextID  string
	Platform   string
	PlatformID string
	Metadata   map[string]string
	LastStatus string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// GetOrCreateConversation resolves the conversation for a (platform,
// platform_id) pair, creating it under the given context on first
// contact.
func (s *Store) GetOrCreateConversation(ctx context.Context, contextID, platform, platformID string) (*Conversation, error) {
	conv, err := s.getConversationByPlatform(ctx, platform, platformID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotExist) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:         uuid.NewString(),
		ContextID:  contextID,
		Platform:   platform,
		PlatformID: platformID,
		Metadata:   map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.exec(ctx,
		`INSERT INTO conversations (id, context_id, platform, platform_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '{}', ?, ?)`,
		conv.ID, contextID, platform, platformID, now, now)
	if err != nil {
		// Lost a create race; the row exists now.
		if existing, lookupErr := s.getConversationByPlatform(ctx, platform, platformID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.queryRow(ctx,
		`SELECT id, context_id, platform, platform_id, metadata, last_status, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *Store) getConversationByPlatform(ctx context.Context, platform, platformID string) (*Conversation, error) {
	row := s.queryRow(ctx,
		`SELECT id, context_id, platform, platform_id, metadata, last_status, created_at, updated_at
		 FROM conversations WHERE platform = ? AND platform_id = ?`, platform, platformID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var rawMeta string
	err := row.Scan(&c.ID, &c.ContextID, &c.Platform, &c.PlatformID, &rawMeta, &c.LastStatus, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation", ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(rawMeta), &c.Metadata); err != nil {
		c.Metadata = map[string]string{}
	}
	return &c, nil
}

// PersistOutcome stores the user and assistant messages of one
// request together with the outcome status, in one transaction.
// Implements agent.Persister.
func (s *Store) PersistOutcome(ctx context.Context, conversationID string, userMsg, assistantMsg protocol.Message, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, msg := range []protocol.Message{userMsg, assistantMsg} {
		if err := insertMessage(ctx, tx, s, conversationID, msg); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`UPDATE conversations SET last_status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, s *Store, conversationID string, msg protocol.Message) error {
	rawCalls := "[]"
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		rawCalls = string(encoded)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO messages (id, conversation_id, role, content, tool_calls, trace_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), conversationID, string(msg.Role), msg.Content, rawCalls, msg.TraceID, createdAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Messages returns the newest messages of a conversation in creation
// order. limit <= 0 returns everything.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	query := `SELECT role, content, tool_calls, trace_id, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT role, content, tool_calls, trace_id, created_at FROM (
			SELECT role, content, tool_calls, trace_id, created_at FROM messages
			WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?
		) latest ORDER BY created_at`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var msg protocol.Message
		var role, rawCalls string
		if err := rows.Scan(&role, &msg.Content, &rawCalls, &msg.TraceID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = protocol.Role(role)
		if rawCalls != "" && rawCalls != "[]" {
			_ = json.Unmarshal([]byte(rawCalls), &msg.ToolCalls)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveSuspension parks HITL state on the conversation record.
// Implements skills.HitlStore.
func (s *Store) SaveSuspension(ctx context.Context, conversationID string, suspension *skills.Suspension) error {
	raw, err := json.Marshal(suspension)
	if err != nil {
		return fmt.Errorf("encoding suspension: %w", err)
	}
	_, err = s.exec(ctx,
		`UPDATE conversations SET suspension = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("saving suspension: %w", err)
	}
	return nil
}

// LoadSuspension returns the parked state, or nil when none is set.
func (s *Store) LoadSuspension(ctx context.Context, conversationID string) (*skills.Suspension, error) {
	row := s.queryRow(ctx, `SELECT suspension FROM conversations WHERE id = ?`, conversationID)

	var raw sql.NullString
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotExist, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading suspension: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	var suspension skills.Suspension
	if err := json.Unmarshal([]byte(raw.String), &suspension); err != nil {
		return nil, fmt.Errorf("decoding suspension: %w", err)
	}
	return &suspension, nil
}

func (s *Store) ClearSuspension(ctx context.Context, conversationID string) error {
	_, err := s.exec(ctx,
		`UPDATE conversations SET suspension = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), conversationID)
	return err
}
