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
	"fmt"

	"github.com/kestrelhq/kestrel/pkg/tools"
)

// SetToolPermission records an explicit allow or deny for a tool in a
// context. Tools with no row default to allowed.
func (s *Store) SetToolPermission(ctx context.Context, contextID, toolName string, allowed bool) error {
	_, err := s.exec(ctx,
		`DELETE FROM tool_permissions WHERE context_id = ? AND tool_name = ?`,
		contextID, toolName)
	if err != nil {
		return fmt.Errorf("clearing tool permission: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO tool_permissions (context_id, tool_name, allowed) VALUES (?, ?, ?)`,
		contextID, toolName, allowed)
	if err != nil {
		return fmt.Errorf("setting tool permission: %w", err)
	}
	return nil
}

// PermissionFilter builds the per-request filter from the context's
// permission rows.
func (s *Store) PermissionFilter(ctx context.Context, contextID string) (tools.PermissionFilter, error) {
	rows, err := s.query(ctx,
		`SELECT tool_name, allowed FROM tool_permissions WHERE context_id = ?`, contextID)
	if err != nil {
		return nil, fmt.Errorf("loading tool permissions: %w", err)
	}
	defer rows.Close()

	explicit := make(map[string]bool)
	for rows.Next() {
		var name string
		var allowed bool
		if err := rows.Scan(&name, &allowed); err != nil {
			return nil, err
		}
		explicit[name] = allowed
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return func(toolName string) bool {
		allowed, present := explicit[toolName]
		if !present {
			return true
		}
		return allowed
	}, nil
}
