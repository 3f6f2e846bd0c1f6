package observability

// Span names used across the orchestration core.
const (
	SpanAgentRequest     = "kestrel.agent.request"
	SpanPlanGenerate     = "kestrel.plan.generate"
	SpanPlanValidate     = "kestrel.plan.validate"
	SpanStepExecute      = "kestrel.step.execute"
	SpanStepReview       = "kestrel.step.review"
	SpanToolExecution    = "kestrel.tool.execute"
	SpanSkillExecution   = "kestrel.skill.execute"
	SpanLLMCall          = "kestrel.llm.call"
	SpanMemorySearch     = "kestrel.memory.search"
	SpanMemoryUpsert     = "kestrel.memory.upsert"
	SpanMCPConnect       = "kestrel.mcp.connect"
	SpanSynthesis        = "kestrel.response.synthesize"
)

// Common span attribute keys. Attribute values must never be null;
// callers substitute empty strings.
const (
	AttrContextID      = "kestrel.context_id"
	AttrConversationID = "kestrel.conversation_id"
	AttrPromptPreview  = "kestrel.prompt_preview"
	AttrStepID         = "kestrel.step_id"
	AttrToolName       = "kestrel.tool_name"
	AttrSkillName      = "kestrel.skill_name"
	AttrModel          = "kestrel.model"
	AttrErrorKind      = "error.kind"
	AttrRoute          = "kestrel.route"
	AttrReplanCount    = "kestrel.replans"
)

// Span event names.
const (
	EventMemoryDegraded       = "memory_degraded"
	EventPersistenceDegraded  = "persistence_degraded"
	EventPlanWarning          = "plan_warning"
	EventReplanRequested      = "replan_requested"
	EventHitlSuspended        = "hitl_suspended"
	EventHitlExpired          = "hitl_expired"
)
