package agent

import (
	"context"

	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/protocol"
)

// Synthesizer produces the user-facing answer from the finished
// transcript with one LLM call.
type Synthesizer struct {
	llm llms.Client
}

func NewSynthesizer(llm llms.Client) *Synthesizer {
	return &Synthesizer{llm: llm}
}

const synthesisInstruction = "Write the final answer for the user based on the work above. " +
	"Be direct and concise; mention failures honestly if steps failed. Do not describe the plan or the steps themselves."

func (s *Synthesizer) Summarize(ctx context.Context, transcript *Transcript) (string, error) {
	tracer := observability.GetTracer("kestrel.agent")
	ctx, span := tracer.Start(ctx, observability.SpanSynthesis)
	defer span.End()

	messages := append(transcript.Messages(), protocol.Message{
		Role:    protocol.RoleSystem,
		Content: synthesisInstruction,
	})

	resp, err := s.llm.Chat(ctx, llms.Request{Messages: messages})
	if err != nil {
		return "", WrapError(KindLLMFailed, "answer synthesis failed", err)
	}

	transcript.AddUsage(resp.Usage)
	return llms.StripThinking(resp.Text), nil
}
