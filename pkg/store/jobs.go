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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kestrelhq/kestrel/pkg/tools"
)

// ScheduledJob is a recurring skill prompt bound to a context.
type ScheduledJob struct {
	ID          string
	ContextID   string
	Name        string
	Cron        string
	SkillPrompt string
	NextRunAt   time.Time
	LastRunAt   time.Time
	RunCount    int
	LastStatus  string
	CreatedAt   time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next fire time for a cron expression.
func NextRun(expr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(after), nil
}

// CreateJob inserts a scheduled job, computing next_run_at from the
// cron expression. Job names are unique per context.
func (s *Store) CreateJob(ctx context.Context, contextID, name, cronExpr, skillPrompt string) (string, error) {
	next, err := NextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = s.exec(ctx,
		`INSERT INTO scheduled_jobs (id, context_id, name, cron, skill_prompt, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, contextID, name, cronExpr, skillPrompt, next, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("creating job %q: %w", name, err)
	}
	return id, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.queryRow(ctx,
		`SELECT id, context_id, name, cron, skill_prompt, next_run_at, last_run_at, run_count, last_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	return scanJob(row.Scan)
}

// DueJobs returns jobs whose next_run_at has passed, oldest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	rows, err := s.query(ctx,
		`SELECT id, context_id, name, cron, skill_prompt, next_run_at, last_run_at, run_count, last_status, created_at
		 FROM scheduled_jobs WHERE next_run_at <= ? ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("loading due jobs: %w", err)
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(scan func(...any) error) (*ScheduledJob, error) {
	var job ScheduledJob
	var lastRun sql.NullTime
	err := scan(&job.ID, &job.ContextID, &job.Name, &job.Cron, &job.SkillPrompt,
		&job.NextRunAt, &lastRun, &job.RunCount, &job.LastStatus, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job", ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if lastRun.Valid {
		job.LastRunAt = lastRun.Time
	}
	return &job, nil
}

// MarkRun records a run outcome and advances next_run_at.
func (s *Store) MarkRun(ctx context.Context, jobID, status string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	next, err := NextRun(job.Cron, now)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx,
		`UPDATE scheduled_jobs SET last_run_at = ?, last_status = ?, run_count = run_count + 1, next_run_at = ?
		 WHERE id = ?`,
		now, status, next, jobID)
	if err != nil {
		return fmt.Errorf("marking job run: %w", err)
	}
	return nil
}

// DeleteJob removes a job owned by the context.
func (s *Store) DeleteJob(ctx context.Context, contextID, id string) error {
	res, err := s.exec(ctx,
		`DELETE FROM scheduled_jobs WHERE id = ? AND context_id = ?`, id, contextID)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotExist, id)
	}
	return nil
}

// Price watches are scheduled jobs with a conventional name prefix
// and a generated skill prompt; the tool layer sees them through the
// PriceWatchStore interface.

const priceWatchPrefix = "price:"

var _ tools.PriceWatchStore = (*Store)(nil)

func (s *Store) CreatePriceWatch(ctx context.Context, contextID, url, label, schedule string) (string, error) {
	prompt := fmt.Sprintf("Check the current price at %s and report any change for %q.", url, label)
	return s.CreateJob(ctx, contextID, priceWatchPrefix+label, schedule, prompt)
}

func (s *Store) ListPriceWatches(ctx context.Context, contextID string) ([]tools.PriceWatch, error) {
	rows, err := s.query(ctx,
		`SELECT id, name, cron, skill_prompt FROM scheduled_jobs
		 WHERE context_id = ? AND name LIKE ? ORDER BY created_at`,
		contextID, priceWatchPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("listing price watches: %w", err)
	}
	defer rows.Close()

	var out []tools.PriceWatch
	for rows.Next() {
		var id, name, cronExpr, prompt string
		if err := rows.Scan(&id, &name, &cronExpr, &prompt); err != nil {
			return nil, err
		}
		out = append(out, tools.PriceWatch{
			ID:        id,
			ContextID: contextID,
			Label:     strings.TrimPrefix(name, priceWatchPrefix),
			URL:       urlFromPrompt(prompt),
			Schedule:  cronExpr,
		})
	}
	return out, rows.Err()
}

func (s *Store) DeletePriceWatch(ctx context.Context, contextID, id string) error {
	return s.DeleteJob(ctx, contextID, id)
}

func urlFromPrompt(prompt string) string {
	const marker = "price at "
	start := strings.Index(prompt, marker)
	if start < 0 {
		return ""
	}
	rest := prompt[start+len(marker):]
	if end := strings.IndexByte(rest, ' '); end > 0 {
		return rest[:end]
	}
	return rest
}
