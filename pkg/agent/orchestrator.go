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

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/pkg/fastpath"
	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// ErrHitlSuspended signals that a skill parked the request waiting for
// human confirmation. It is a control flow marker, not a failure.
var ErrHitlSuspended = errors.New("request suspended for human confirmation")

// MemoryWriter receives fire-and-forget conversation memories.
type MemoryWriter interface {
	Upsert(ctx context.Context, contextID, content string, metadata map[string]string) (string, error)
}

// Persister stores the request outcome. Implemented by the message
// store; failures degrade, they never fail the request.
type Persister interface {
	PersistOutcome(ctx context.Context, conversationID string, userMsg, assistantMsg protocol.Message, status string) error
}

// Config bounds one orchestrator's adaptive loop.
type Config struct {
	MaxReplans       int
	MaxStepRetries   int
	RequestTimeout   time.Duration
	StepParallelism  int
	TranscriptBudget int
	ToolCallBudget   int
}

func (c *Config) setDefaults() {
	if c.MaxReplans <= 0 {
		c.MaxReplans = 3
	}
	if c.MaxStepRetries <= 0 {
		c.MaxStepRetries = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 300 * time.Second
	}
	if c.StepParallelism <= 0 {
		c.StepParallelism = 4
	}
}

// Orchestrator drives one context's requests through routing,
// planning, supervised execution, and synthesis.
type Orchestrator struct {
	cfg Config

	llm      llms.Client
	planner  *planner.Planner
	planSup  *planner.Supervisor
	executor *StepExecutor
	stepSup  *StepSupervisor
	synth    *Synthesizer
	registry *tools.Registry
	router   *fastpath.Router

	skillCatalogue func() []planner.SkillSummary

	memory  MemoryWriter
	persist Persister

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

func WithMemory(m MemoryWriter) Option {
	return func(o *Orchestrator) { o.memory = m }
}

func WithPersister(p Persister) Option {
	return func(o *Orchestrator) { o.persist = p }
}

func WithSkillCatalogue(fn func() []planner.SkillSummary) Option {
	return func(o *Orchestrator) { o.skillCatalogue = fn }
}

func WithFastPaths(r *fastpath.Router) Option {
	return func(o *Orchestrator) { o.router = r }
}

func New(cfg Config, llm llms.Client, registry *tools.Registry, pl *planner.Planner, planSup *planner.Supervisor, executor *StepExecutor, stepSup *StepSupervisor, opts ...Option) *Orchestrator {
	cfg.setDefaults()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		llm:      llm,
		planner:  pl,
		planSup:  planSup,
		executor: executor,
		stepSup:  stepSup,
		synth:    NewSynthesizer(llm),
		registry: registry,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Shutdown cancels background memory writes and waits for them.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.bgCancel()
	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown timed out waiting for background writes")
	}
}

// Stream runs one request end to end. The returned channel carries the
// event sequence and always terminates with exactly one Done or Error,
// after which it is closed.
func (o *Orchestrator) Stream(ctx context.Context, req *Request, ambient tools.Ambient) <-chan Event {
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		o.run(ctx, req, ambient, ch)
	}()
	return ch
}

func (o *Orchestrator) run(ctx context.Context, req *Request, ambient tools.Ambient, ch chan<- Event) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	emit := func(ev Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	route := o.classify(req)

	tracer := observability.GetTracer("kestrel.agent")
	ctx, span := tracer.Start(ctx, observability.SpanAgentRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrContextID, req.ContextID),
			attribute.String(observability.AttrConversationID, req.ConversationID),
			attribute.String(observability.AttrRoute, route),
			attribute.String(observability.AttrPromptPreview, previewOf(req.Prompt)),
		),
	)
	defer span.End()

	started := time.Now()

	var terminal Event
	switch route {
	case RouteChat:
		terminal = o.runChat(ctx, req, emit)
	case RouteFastPath:
		terminal = o.runFastPath(ctx, req, ambient, emit)
	default:
		terminal = o.runAgentic(ctx, req, ambient, emit)
	}

	if sc := span.SpanContext(); sc.HasTraceID() {
		terminal.TraceID = sc.TraceID().String()
	}

	var reqErr error
	if terminal.Type == EventError {
		reqErr = terminal.Err
		span.SetStatus(codes.Error, terminal.Err.Message)
		span.SetAttributes(attribute.String(observability.AttrErrorKind, string(terminal.Err.Kind)))
	} else {
		span.SetStatus(codes.Ok, "done")
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordRequest(ctx, route, time.Since(started), terminal.Usage.Total(), reqErr)
	}

	o.finish(ctx, req, terminal)

	// The terminal event bypasses the ctx guard: the stream contract
	// promises exactly one Done or Error even when the request deadline
	// already fired, and the consumer reads until close.
	ch <- terminal
}

// classify picks the route: explicit metadata override, then fast-path
// pattern, then the conversational heuristic, else agentic.
func (o *Orchestrator) classify(req *Request) string {
	switch req.Route() {
	case RouteChat, RouteFastPath, RouteAgentic:
		return req.Route()
	}
	if o.router != nil && o.router.Match(req.Prompt) != nil {
		return RouteFastPath
	}
	if planner.IsConversational(req.Prompt) {
		return RouteChat
	}
	return RouteAgentic
}

func (o *Orchestrator) runChat(ctx context.Context, req *Request, emit func(Event)) Event {
	messages := append(historyOf(req), protocol.UserMessage(req.Prompt))

	stream, err := o.llm.ChatStream(ctx, llms.Request{Messages: messages})
	if err != nil {
		return ErrorEvent(Classify(err))
	}

	var sb strings.Builder
	var usage protocol.TokenUsage
	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkText:
			sb.WriteString(chunk.Text)
			emit(TokenEvent(chunk.Text))
		case llms.ChunkDone:
			usage = chunk.Usage
		case llms.ChunkError:
			return ErrorEvent(Classify(chunk.Err))
		}
	}

	return DoneEvent(sb.String(), usage)
}

// runFastPath executes the matched tool once. No planner, no
// supervisor; errors pass through verbatim.
func (o *Orchestrator) runFastPath(ctx context.Context, req *Request, ambient tools.Ambient, emit func(Event)) Event {
	match := o.router.Match(req.Prompt)
	if match == nil {
		return ErrorEvent(NewError(KindInternal, "fast path route with no matching pattern"))
	}

	emit(Event{Type: EventToolStarted, StepID: "fast", ToolName: match.Tool})
	output, err := o.registry.Execute(ctx, match.Tool, match.Args, ambient, tools.NewCallLimiter(o.cfg.ToolCallBudget))
	emit(Event{Type: EventToolFinished, StepID: "fast", ToolName: match.Tool, Output: output})

	if err != nil {
		return ErrorEvent(Classify(err))
	}
	return DoneEvent(output, protocol.TokenUsage{})
}

func (o *Orchestrator) runAgentic(ctx context.Context, req *Request, ambient tools.Ambient, emit func(Event)) Event {
	transcript := NewTranscript(o.cfg.TranscriptBudget)
	for _, msg := range historyOf(req) {
		transcript.Append(msg)
	}
	transcript.Append(protocol.UserMessage(req.Prompt))

	plan, fatal := o.planAndValidate(ctx, req, transcript, emit)
	if fatal != nil {
		return ErrorEvent(fatal)
	}

	replansLeft := o.cfg.MaxReplans
	reasonCounts := make(map[string]int)

	for {
		if ctx.Err() != nil {
			return ErrorEvent(timeoutError(ctx))
		}

		replanReason, suspended, abortErr := o.executePlan(ctx, plan, transcript, ambient, emit)
		if abortErr != nil {
			return ErrorEvent(abortErr)
		}
		if suspended {
			return DoneEvent("I need your confirmation before continuing. Reply to resume.", transcript.Usage())
		}
		if replanReason == "" {
			break
		}

		normalized := normalizeReason(replanReason)
		reasonCounts[normalized]++
		if reasonCounts[normalized] >= 3 {
			return ErrorEvent(NewError(KindPlanInvalid,
				fmt.Sprintf("planning is looping on the same obstacle: %s", replanReason)))
		}
		if replansLeft == 0 {
			return ErrorEvent(NewError(KindPlanInvalid,
				fmt.Sprintf("replan budget exhausted, last obstacle: %s", replanReason)))
		}
		replansLeft--

		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordReplan(ctx)
		}
		span := trace.SpanFromContext(ctx)
		span.AddEvent(observability.EventReplanRequested, trace.WithAttributes(
			attribute.String("reason", replanReason),
			attribute.Int(observability.AttrReplanCount, o.cfg.MaxReplans-replansLeft),
		))

		transcript.Append(protocol.UserMessage("The previous plan was abandoned: " + replanReason + ". Plan a different approach."))
		plan, fatal = o.planAndValidate(ctx, req, transcript, emit)
		if fatal != nil {
			return ErrorEvent(fatal)
		}
	}

	final, err := o.synth.Summarize(ctx, transcript)
	if err != nil {
		return ErrorEvent(Classify(err))
	}

	o.writeMemory(req, final)
	return DoneEvent(final, transcript.Usage())
}

func (o *Orchestrator) planAndValidate(ctx context.Context, req *Request, transcript *Transcript, emit func(Event)) (*planner.Plan, *Error) {
	catalogue := o.registry.Catalogue()
	var skills []planner.SkillSummary
	if o.skillCatalogue != nil {
		skills = o.skillCatalogue()
	}

	plan, err := o.planner.Plan(ctx, req.Prompt, transcript.Messages(), catalogue, skills)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutError(ctx)
		}
		return nil, Classify(err)
	}

	if len(plan.Steps) == 0 {
		return nil, NewError(KindPlanInvalid, plan.Description)
	}

	v := o.planSup.Validate(ctx, plan)
	if v.Fatal != "" {
		return nil, NewError(KindPlanInvalid, v.Fatal)
	}
	for _, w := range v.Warnings {
		slog.Debug("Plan warning", "warning", w)
	}

	emit(PlanEvent(plan))
	return plan, nil
}

// executePlan runs the plan's steps in dependency order, fanning out
// independent steps up to the parallelism cap. It returns the first
// replan reason, a suspension marker, or an abort error.
func (o *Orchestrator) executePlan(ctx context.Context, plan *planner.Plan, transcript *Transcript, ambient tools.Ambient, emit func(Event)) (string, bool, *Error) {
	completed := make(map[string]bool, len(plan.Steps))
	pending := make(map[string]*planner.PlanStep, len(plan.Steps))
	order := make([]string, 0, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		pending[step.ID] = step
		order = append(order, step.ID)
	}

	var (
		mu           sync.Mutex
		replanReason string
		suspended    bool
		abortErr     *Error
	)

	for len(pending) > 0 {
		if ctx.Err() != nil {
			return "", false, timeoutError(ctx)
		}

		ready := readySteps(order, pending, completed)
		if len(ready) == 0 {
			return "", false, NewError(KindInternal, "plan has unexecutable steps after validation")
		}

		waveCtx, cancelWave := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(waveCtx)
		g.SetLimit(o.cfg.StepParallelism)

		for _, step := range ready {
			step := step
			g.Go(func() error {
				outcome := o.runStepWithRetries(gctx, step, transcript, ambient, emit)

				mu.Lock()
				defer mu.Unlock()
				switch outcome.Kind {
				case OutcomeSuccess:
					completed[step.ID] = true
				case OutcomeReplan:
					if replanReason == "" {
						replanReason = outcome.Reason
					}
					cancelWave()
				case OutcomeAbort:
					if outcome.Err != nil && errors.Is(outcome.Err, ErrHitlSuspended) {
						suspended = true
					} else if abortErr == nil {
						abortErr = outcome.Err
					}
					cancelWave()
				}
				return nil
			})
		}
		_ = g.Wait()
		cancelWave()

		if abortErr != nil {
			if ctx.Err() != nil && abortErr.Kind == KindRequestCancelled {
				return "", false, timeoutError(ctx)
			}
			// Cancelling a wave surfaces its in-flight siblings as
			// REQUEST_CANCELLED. When the cancel came from a replan
			// verdict and the request itself is still live, the replan
			// wins over that artifact.
			if replanReason == "" || abortErr.Kind != KindRequestCancelled {
				return "", false, abortErr
			}
		}
		if suspended {
			return "", true, nil
		}
		if replanReason != "" {
			return replanReason, false, nil
		}

		for id := range completed {
			delete(pending, id)
		}
	}

	return "", false, nil
}

func readySteps(order []string, pending map[string]*planner.PlanStep, completed map[string]bool) []*planner.PlanStep {
	var ready []*planner.PlanStep
	for _, id := range order {
		step, ok := pending[id]
		if !ok {
			continue
		}
		blocked := false
		for _, dep := range step.DependsOn {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, step)
		}
	}
	return ready
}

// runStepWithRetries drives one step through its retry budget and
// returns the final verdict. Exhausted retries escalate to REPLAN so
// the planner can route around the persistent failure.
func (o *Orchestrator) runStepWithRetries(ctx context.Context, step *planner.PlanStep, transcript *Transcript, ambient tools.Ambient, emit func(Event)) StepOutcome {
	var outcome StepOutcome
	for attempt := 0; attempt <= o.cfg.MaxStepRetries; attempt++ {
		result := o.executor.Run(ctx, step, transcript, ambient, emit)
		if result.Suspended {
			return StepOutcome{Kind: OutcomeAbort, Err: WrapError(KindInternal, "suspended for confirmation", ErrHitlSuspended)}
		}

		outcome = o.stepSup.Review(ctx, step, result)
		switch outcome.Kind {
		case OutcomeSuccess:
			transcript.AppendStepResult(step.ID, step.Label, result.Output)
			return outcome
		case OutcomeRetry:
			step.RetryFeedback = outcome.Feedback
			continue
		default:
			return outcome
		}
	}

	return StepOutcome{
		Kind:   OutcomeReplan,
		Reason: fmt.Sprintf("step %q failed after %d retries: %s", step.Label, o.cfg.MaxStepRetries, outcome.Feedback),
	}
}

// writeMemory records the exchange in long term memory without
// blocking the response. Writes are tracked for shutdown.
func (o *Orchestrator) writeMemory(req *Request, final string) {
	if o.memory == nil || req.ContextID == "" {
		return
	}

	content := fmt.Sprintf("User asked: %s\nOutcome: %s", previewOf(req.Prompt), previewOf(final))
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(o.bgCtx, 30*time.Second)
		defer cancel()
		if _, err := o.memory.Upsert(ctx, req.ContextID, content, map[string]string{"kind": "conversation"}); err != nil {
			slog.Warn("Background memory write failed", "context_id", req.ContextID, "error", err)
		}
	}()
}

// finish persists the outcome, retrying once. Persistence failure is
// recorded and swallowed: the user already has their answer.
func (o *Orchestrator) finish(ctx context.Context, req *Request, terminal Event) {
	if o.persist == nil || req.ConversationID == "" {
		return
	}

	status := "completed"
	assistantText := terminal.Final
	if terminal.Type == EventError {
		status = "failed"
		assistantText = terminal.Err.Error()
	}

	userMsg := protocol.UserMessage(req.Prompt)
	assistantMsg := protocol.AssistantMessage(assistantText)
	assistantMsg.TraceID = terminal.TraceID

	err := o.persist.PersistOutcome(ctx, req.ConversationID, userMsg, assistantMsg, status)
	if err != nil {
		slog.Warn("Message persistence failed, retrying once", "conversation_id", req.ConversationID, "error", err)
		err = o.persist.PersistOutcome(ctx, req.ConversationID, userMsg, assistantMsg, status)
	}
	if err != nil {
		slog.Warn("Message persistence degraded", "conversation_id", req.ConversationID, "error", err)
		trace.SpanFromContext(ctx).AddEvent(observability.EventPersistenceDegraded, trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
	}
}

func timeoutError(ctx context.Context) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindRequestTimeout, "request deadline exceeded")
	}
	return NewError(KindRequestCancelled, "request cancelled")
}

func normalizeReason(reason string) string {
	return strings.Join(strings.Fields(strings.ToLower(reason)), " ")
}

func previewOf(s string) string {
	const limit = 200
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func historyOf(req *Request) []protocol.Message {
	return req.Messages
}
