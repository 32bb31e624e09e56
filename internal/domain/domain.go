// Package domain defines the core data model shared across the gateway:
// sessions, chat history rows, and the per-turn transient state the
// pipeline orchestrator builds up while answering one user message.
package domain

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
	SessionArchived SessionStatus = "archived"
)

// Role identifies who authored a ChatMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session is the durable record of one live conversation.
type Session struct {
	SessionID   string
	UserID      string
	Config      Config
	Status      SessionStatus
	SessionName string
	Summary     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatMessage is one utterance in a session's transcript.
type ChatMessage struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Type      string
	Status    *string
	MessageID string
	ToolCalls []byte // opaque serialized blob, nil if absent
	MetaData  []byte // opaque serialized blob, nil if absent
	Timestamp time.Time
	UpdatedAt time.Time
}

// PromptMessage is the stripped {role, content} shape fed to the LLM.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RoutingDecision is the Routing Decision stage's output (spec.md §4.E.3).
type RoutingDecision struct {
	NeedsExpert bool   `json:"needs_expert"`
	NeedsData   bool   `json:"needs_data"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
}

// ExpertResult is the Expert SSE Client's final aggregate (spec.md §4.D).
type ExpertResult struct {
	Success  bool
	Answer   string
	Error    string
	Confidence float64
	Sources  []string
	Metadata map[string]any
}

// TurnState is the per-request transient object the orchestrator builds
// up over the lifetime of a single user turn. Created at turn start,
// discarded at turn end; never persisted.
type TurnState struct {
	SessionID           string
	OriginalText        string
	RewrittenText       string
	History             []PromptMessage
	WeatherContext      string
	Intent              string
	Routing             RoutingDecision
	Expert              *ExpertResult
	AssistantMessageID  string
	AssistantTimestamp  time.Time
	ContentBuffer       []byte
	ExpertConsulted     bool
	DeviceControlBlocked bool
	DeviceControlPending bool
}

// AppendContent appends a chunk to the turn's accumulated answer buffer
// and returns the chunk unchanged, for convenient call-site chaining.
func (t *TurnState) AppendContent(chunk string) string {
	t.ContentBuffer = append(t.ContentBuffer, chunk...)
	return chunk
}

// Content returns the full accumulated assistant answer so far.
func (t *TurnState) Content() string {
	return string(t.ContentBuffer)
}

// Stats reports approximate usage/timing for one LLM or expert call.
type Stats struct {
	PromptTokens     int
	CompletionTokens int
	WallTime         time.Duration
	Approximate      bool
}
