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

// Package dispatch is the transport-facing boundary: it resolves
// conversations, enforces ownership, merges metadata, and hands the
// request to a context-scoped orchestrator.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/protocol"
	"github.com/kestrelhq/kestrel/pkg/store"
	"github.com/kestrelhq/kestrel/pkg/tools"
)

// historyLimit bounds how much stored history rides into a request
// when the transport supplies none.
const historyLimit = 40

// Provider wires a context-scoped orchestrator and its ambient
// bundle. Implemented by the runtime's service factory.
type Provider interface {
	OrchestratorFor(ctx context.Context, contextID string) (*agent.Orchestrator, tools.Ambient, error)
}

// Resumer continues a suspended skill. Implemented by the skill
// engine.
type Resumer interface {
	Resume(ctx context.Context, conversationID string, approved bool, transcript *agent.Transcript, ambient tools.Ambient, emit func(agent.Event)) (string, error)
}

// ConversationStore is the persistence slice the dispatcher needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetOrCreateConversation(ctx context.Context, contextID, platform, platformID string) (*store.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error)
	PersistOutcome(ctx context.Context, conversationID string, userMsg, assistantMsg protocol.Message, status string) error
}

// StreamRequest is one inbound platform message.
type StreamRequest struct {
	// SessionID optionally pins an existing conversation. When empty
	// the (platform, platform_id) pair resolves or creates one.
	SessionID  string
	Message    string
	Platform   string
	PlatformID string

	// History overrides stored history when the transport carries its
	// own (e.g. a stateless webhook replay).
	History []protocol.Message

	Metadata map[string]string
}

// Dispatcher translates platform messages into orchestrator streams.
type Dispatcher struct {
	store    ConversationStore
	provider Provider
	resumer  Resumer
}

func New(st ConversationStore, provider Provider, resumer Resumer) *Dispatcher {
	return &Dispatcher{store: st, provider: provider, resumer: resumer}
}

// Stream runs one request. The returned channel follows the event
// contract: closed after exactly one terminal Done or Error.
func (d *Dispatcher) Stream(ctx context.Context, req StreamRequest) (<-chan agent.Event, error) {
	conv, err := d.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	// Ownership: a caller pinning a conversation must belong to its
	// context. Metadata names the caller's context.
	if claimed := req.Metadata[agent.MetaContextID]; claimed != "" && claimed != conv.ContextID {
		return d.terminalError(agent.NewError(agent.KindContextDenied,
			"this conversation belongs to a different context")), nil
	}

	orchestrator, ambient, err := d.provider.OrchestratorFor(ctx, conv.ContextID)
	if err != nil {
		return nil, fmt.Errorf("wiring orchestrator for context %s: %w", conv.ContextID, err)
	}
	// Suspensions are parked and resumed under the conversation id, so
	// the ambient bundle must carry it through the skill engine.
	ambient.ConversationID = conv.ID

	if resume, ok := req.Metadata[agent.MetaHitlResume]; ok && d.resumer != nil {
		return d.streamResume(ctx, conv, resume == "approve", ambient, req), nil
	}

	history := req.History
	if history == nil {
		history, err = d.store.Messages(ctx, conv.ID, historyLimit)
		if err != nil {
			slog.Warn("History load failed, continuing without it", "conversation_id", conv.ID, "error", err)
		}
	}

	agentReq := &agent.Request{
		Prompt:         req.Message,
		ConversationID: conv.ID,
		ContextID:      conv.ContextID,
		Metadata:       mergeMetadata(conv.Metadata, req.Metadata),
		Messages:       history,
	}

	return orchestrator.Stream(ctx, agentReq, ambient), nil
}

func (d *Dispatcher) resolveConversation(ctx context.Context, req StreamRequest) (*store.Conversation, error) {
	if req.SessionID != "" {
		return d.store.GetConversation(ctx, req.SessionID)
	}

	contextID := req.Metadata[agent.MetaContextID]
	if contextID == "" {
		return nil, fmt.Errorf("request carries neither a session id nor a context id")
	}
	return d.store.GetOrCreateConversation(ctx, contextID, req.Platform, req.PlatformID)
}

// streamResume replays a suspended skill to completion (or denial)
// and persists the outcome like a normal request.
func (d *Dispatcher) streamResume(ctx context.Context, conv *store.Conversation, approved bool, ambient tools.Ambient, req StreamRequest) <-chan agent.Event {
	ch := make(chan agent.Event, 16)
	go func() {
		defer close(ch)

		emit := func(ev agent.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}

		transcript := agent.NewTranscript(0)
		final, err := d.resumer.Resume(ctx, conv.ID, approved, transcript, ambient, emit)
		if err != nil {
			// Terminal events bypass the ctx guard: the consumer reads
			// until close, and a cancelled request still ends with
			// exactly one terminal.
			ch <- agent.ErrorEvent(agent.Classify(err))
			return
		}

		if err := d.store.PersistOutcome(ctx, conv.ID,
			protocol.UserMessage(req.Message), protocol.AssistantMessage(final), "completed"); err != nil {
			slog.Warn("Resume persistence failed", "conversation_id", conv.ID, "error", err)
		}

		ch <- agent.DoneEvent(final, transcript.Usage())
	}()
	return ch
}

// terminalError is a pre-terminated stream carrying one error.
func (d *Dispatcher) terminalError(err *agent.Error) <-chan agent.Event {
	ch := make(chan agent.Event, 1)
	ch <- agent.ErrorEvent(err)
	close(ch)
	return ch
}

// mergeMetadata overlays transport metadata on the conversation's
// stored metadata; the transport wins on conflicts.
func mergeMetadata(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
