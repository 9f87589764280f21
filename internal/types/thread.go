package types

import "time"

// ThreadStatus is the lifecycle of a conversation log.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadPaused   ThreadStatus = "paused"
	ThreadClosed   ThreadStatus = "closed"
	ThreadArchived ThreadStatus = "archived"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageMetadata carries optional provenance for a message.
type MessageMetadata struct {
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Model      string `json:"model,omitempty"`
	InputTokens  int  `json:"inputTokens,omitempty"`
	OutputTokens int  `json:"outputTokens,omitempty"`
}

// Message is one entry in a thread's append-only log.
type Message struct {
	MessageID      string          `json:"messageId"`
	ThreadID       string          `json:"threadId"`
	Sequence       int64           `json:"sequence"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Thread is an ordered, append-only conversation log tied to one agent.
type Thread struct {
	ThreadID  string            `json:"threadId"`
	AgentID   string            `json:"agentId"`
	Status    ThreadStatus      `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Summary   *ThreadSummary    `json:"summary,omitempty"`
	Resolution string           `json:"resolution,omitempty"`
	NextSeq   int64             `json:"nextSeq"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// ThreadSummary is a versioned, out-of-band compaction of older messages.
type ThreadSummary struct {
	Version   int       `json:"version"`
	Text      string    `json:"text"`
	UpToSeq   int64     `json:"upToSeq"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageFilter restricts Thread Store list_messages results.
type MessageFilter struct {
	SinceSeq int64
	Limit    int
	Reverse  bool
	Roles    []Role
}

// ContextStrategy selects how get_context assembles the prompt window.
type ContextStrategy string

const (
	ContextStrategyRecent  ContextStrategy = "recent"
	ContextStrategySummary ContextStrategy = "summary"
	ContextStrategyHybrid  ContextStrategy = "hybrid"
)

// ContextBudget bounds get_context's output.
type ContextBudget struct {
	MaxTokens      int
	Strategy       ContextStrategy
	MinTailMessages int
}

// ContextWindow is the assembled prompt context for one agent invocation.
type ContextWindow struct {
	Messages     []Message `json:"messages"`
	SummaryUsed  bool      `json:"summaryUsed"`
	PinnedCount  int       `json:"pinnedCount"`
	EstimatedTokens int    `json:"estimatedTokens"`
}

// SummaryPolicy configures Thread Store's out-of-band summarization.
type SummaryPolicy struct {
	TriggerAfterMessages int
	MinTailMessages      int
}
