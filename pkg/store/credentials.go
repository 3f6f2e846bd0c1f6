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

// SaveUserCredential stores a credential value encrypted at rest,
// replacing any existing value of the same type.
func (s *Store) SaveUserCredential(ctx context.Context, userID, credentialType, value string) error {
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}

	_, err = s.exec(ctx,
		`DELETE FROM user_credentials WHERE user_id = ? AND credential_type = ?`,
		userID, credentialType)
	if err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO user_credentials (user_id, credential_type, encrypted_value, created_at)
		 VALUES (?, ?, ?, ?)`,
		userID, credentialType, sealed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

// GetUserCredential returns the decrypted credential. Decrypt
// failures surface the cipher's remediation hint rather than a raw
// crypto error.
func (s *Store) GetUserCredential(ctx context.Context, userID, credentialType string) (string, error) {
	row := s.queryRow(ctx,
		`SELECT encrypted_value FROM user_credentials WHERE user_id = ? AND credential_type = ?`,
		userID, credentialType)

	var sealed string
	err := row.Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no %s credential for user %s", ErrNotExist, credentialType, userID)
	}
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	return s.unseal(sealed)
}
