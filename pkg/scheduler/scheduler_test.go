package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/dispatch"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/store"
)

type fakeJobStore struct {
	due    []store.ScheduledJob
	marked map[string]string
}

func (f *fakeJobStore) DueJobs(ctx context.Context, now time.Time) ([]store.ScheduledJob, error) {
	return f.due, nil
}

func (f *fakeJobStore) MarkRun(ctx context.Context, jobID, status string) error {
	if f.marked == nil {
		f.marked = make(map[string]string)
	}
	f.marked[jobID] = status
	return nil
}

type fakeStreamer struct {
	requests []dispatch.StreamRequest
	terminal agent.Event
}

func (f *fakeStreamer) Stream(ctx context.Context, req dispatch.StreamRequest) (<-chan agent.Event, error) {
	f.requests = append(f.requests, req)
	ch := make(chan agent.Event, 1)
	ch <- f.terminal
	close(ch)
	return ch, nil
}

func TestTickRunsDueJobs(t *testing.T) {
	jobs := &fakeJobStore{due: []store.ScheduledJob{
		{ID: "job-1", ContextID: "ctx-1", Name: "digest", SkillPrompt: "send the digest"},
	}}
	streamer := &fakeStreamer{terminal: agent.DoneEvent("done", protocol.TokenUsage{})}

	s := New(jobs, streamer, time.Minute)
	s.Tick(context.Background(), time.Now())

	require.Len(t, streamer.requests, 1)
	req := streamer.requests[0]
	assert.Equal(t, "send the digest", req.Message)
	assert.Equal(t, "scheduler", req.Platform)
	assert.Equal(t, "ctx-1", req.Metadata[agent.MetaContextID])
	assert.Equal(t, "job-1", req.Metadata[agent.MetaScheduledJobID])

	assert.Equal(t, "completed", jobs.marked["job-1"])
}

func TestTickRecordsFailure(t *testing.T) {
	jobs := &fakeJobStore{due: []store.ScheduledJob{
		{ID: "job-1", ContextID: "ctx-1", Name: "digest", SkillPrompt: "send the digest"},
	}}
	streamer := &fakeStreamer{terminal: agent.ErrorEvent(agent.NewError(agent.KindLLMFailed, "provider down"))}

	s := New(jobs, streamer, time.Minute)
	s.Tick(context.Background(), time.Now())

	assert.Equal(t, "failed", jobs.marked["job-1"])
}
