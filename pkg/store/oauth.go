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
	"errors"
	"fmt"
	"time"
)

// SaveOAuthToken stores a provider token pair for a context,
// encrypted at rest. Replaces any existing pair for the provider.
func (s *Store) SaveOAuthToken(ctx context.Context, contextID, provider, access, refresh string, expiresAt time.Time, userID string) error {
	sealedAccess, err := s.seal(access)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	sealedRefresh := ""
	if refresh != "" {
		if sealedRefresh, err = s.seal(refresh); err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
	}

	_, err = s.exec(ctx,
		`DELETE FROM oauth_tokens WHERE context_id = ? AND provider = ?`, contextID, provider)
	if err != nil {
		return fmt.Errorf("clearing oauth token: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO oauth_tokens (context_id, provider, encrypted_access, encrypted_refresh, expires_at, user_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		contextID, provider, sealedAccess, sealedRefresh, expiresAt.UTC(), userID)
	if err != nil {
		return fmt.Errorf("saving oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken returns the decrypted access token for a provider.
// Missing rows return ErrNotExist; decrypt failures carry the
// remediation hint from the cipher.
func (s *Store) GetOAuthToken(ctx context.Context, contextID, provider string) (string, error) {
	row := s.queryRow(ctx,
		`SELECT encrypted_access FROM oauth_tokens WHERE context_id = ? AND provider = ?`,
		contextID, provider)

	var sealed string
	err := row.Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no %s token for context %s", ErrNotExist, provider, contextID)
	}
	if err != nil {
		return "", fmt.Errorf("loading oauth token: %w", err)
	}
	return s.unseal(sealed)
}

// TokenResolver binds a context id into the ambient OAuth lookup
// shape used by tools.
func (s *Store) TokenResolver(contextID string) func(ctx context.Context, provider string) (string, error) {
	return func(ctx context.Context, provider string) (string, error) {
		return s.GetOAuthToken(ctx, contextID, provider)
	}
}
