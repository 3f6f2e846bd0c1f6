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

// Package scheduler fires due ScheduledJobs through the dispatcher.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/dispatch"
	"github.com/kestrelhq/kestrel/pkg/store"
)

// JobStore is the persistence slice the scheduler needs.
type JobStore interface {
	DueJobs(ctx context.Context, now time.Time) ([]store.ScheduledJob, error)
	MarkRun(ctx context.Context, jobID, status string) error
}

// Streamer runs one dispatched request. Implemented by the Dispatcher.
type Streamer interface {
	Stream(ctx context.Context, req dispatch.StreamRequest) (<-chan agent.Event, error)
}

// Scheduler polls for due jobs and runs their skill prompts as
// ordinary agent requests on the owning context.
type Scheduler struct {
	jobs     JobStore
	streamer Streamer

	interval   time.Duration
	jobTimeout time.Duration
}

func New(jobs JobStore, streamer Streamer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		jobs:       jobs,
		streamer:   streamer,
		interval:   interval,
		jobTimeout: 5 * time.Minute,
	}
}

// Run polls until the context is cancelled. Jobs within one tick run
// sequentially; a slow job delays later ones rather than stacking
// concurrent runs of the same schedule.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick runs every job due at the given instant.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.jobs.DueJobs(ctx, now)
	if err != nil {
		slog.Error("Loading due jobs failed", "error", err)
		return
	}

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		status := s.runJob(ctx, job)
		if err := s.jobs.MarkRun(ctx, job.ID, status); err != nil {
			slog.Error("Recording job run failed", "job", job.Name, "error", err)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job store.ScheduledJob) string {
	slog.Info("Running scheduled job", "job", job.Name, "context_id", job.ContextID)

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	events, err := s.streamer.Stream(ctx, dispatch.StreamRequest{
		Message:    job.SkillPrompt,
		Platform:   "scheduler",
		PlatformID: job.ID,
		Metadata: map[string]string{
			agent.MetaContextID:      job.ContextID,
			agent.MetaScheduledJobID: job.ID,
		},
	})
	if err != nil {
		slog.Error("Scheduled job dispatch failed", "job", job.Name, "error", err)
		return "failed"
	}

	status := "failed"
	for ev := range events {
		switch ev.Type {
		case agent.EventDone:
			status = "completed"
		case agent.EventError:
			slog.Warn("Scheduled job errored", "job", job.Name, "kind", ev.Err.Kind, "error", ev.Err.Message)
			status = "failed"
		}
	}
	return status
}
