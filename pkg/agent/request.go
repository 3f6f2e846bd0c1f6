package agent

import (
	"github.com/kestrelhq/kestrel/pkg/protocol"
)

// Metadata keys recognized on requests.
const (
	MetaPlatform       = "platform"
	MetaUserEmail      = "user_email"
	MetaContextID      = "context_id"
	MetaScheduledJobID = "scheduled_job_id"
	MetaRoute          = "route"
	MetaHitlResume     = "hitl_resume"
)

// Route classifications.
const (
	RouteChat     = "chat"
	RouteFastPath = "fast_path"
	RouteAgentic  = "agentic"
)

// Request is the transport-neutral input to the orchestrator. The
// dispatcher builds it from a platform message plus stored state.
type Request struct {
	Prompt         string
	ConversationID string
	ContextID      string

	// Metadata carries platform, user_email, scheduled job markers and
	// the optional route override.
	Metadata map[string]string

	// Messages is prior history supplied by the transport; when empty
	// the orchestrator loads it from the store.
	Messages []protocol.Message
}

// Route returns the metadata route override or "".
func (r *Request) Route() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[MetaRoute]
}

func (r *Request) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}
