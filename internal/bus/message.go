// Package bus implements the priority- and recipient-partitioned Message Bus
// (spec.md C3): a durable queue with a pre-dispatch prompt-injection scan and
// a monitor-hook fan-out, grounded on
// original_source/backend/orchestration/messages.py.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Type is the message's msg_type, per spec §3.
type Type string

const (
	Task        Type = "task"
	Directive   Type = "directive"
	Cancel      Type = "cancel"
	Request     Type = "request"
	Query       Type = "query"
	Response    Type = "response"
	Observation Type = "observation"
	Result      Type = "result"
	Progress    Type = "progress"
	Escalation  Type = "escalation"
	Audit       Type = "audit"
	Channel     Type = "channel"
)

// Priority is numeric so higher values sort first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Message is AgentMessage from spec §3: immutable after creation except for
// ProcessedAt. Payload is a typed envelope (spec §9's "duck-typed payload"
// redesign note): a small set of well-known fields plus Extra for forward
// compatibility.
type Message struct {
	ID           string
	MsgType      Type
	Sender       string
	Recipient    string
	MissionID    string
	ParentMsgID  string
	Priority     Priority
	Content      string
	Payload      Payload
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Payload is the typed envelope spec §9 calls for: well-known fields a
// handful of message types actually use, plus Extra for anything else.
// InjectionWarning belongs here, not bolted onto Content.
type Payload struct {
	TaskID            string         `json:"task_id,omitempty"`
	Action            string         `json:"action,omitempty"`
	ToolPlan          []string       `json:"tool_plan,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	WaitingFor        string         `json:"waiting_for,omitempty"`
	Error             bool           `json:"error,omitempty"`
	ToolCalls         []ToolCallRecord `json:"tool_calls,omitempty"`
	InjectionWarning  []string       `json:"_injection_warning,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ToolCallRecord is a minimal record of a tool invocation an agent made,
// surfaced in RESULT payloads and ultimately in the chat pipeline's response.
type ToolCallRecord struct {
	Name   string `json:"name"`
	Args   string `json:"args"`
	Result string `json:"result"`
}

// NewMessage mints a Message with a fresh id and CreatedAt, mirroring
// AgentMessage.create in the original: a 12-character id is plenty for a
// single-process bus.
func NewMessage(msgType Type, sender, recipient, missionID, content string) *Message {
	return &Message{
		ID:        uuid.NewString()[:12],
		MsgType:   msgType,
		Sender:    sender,
		Recipient: recipient,
		MissionID: missionID,
		Content:   content,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// WithPriority returns msg with Priority set, for chaining at construction.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithParent sets ParentMsgID, for chaining at construction.
func (m *Message) WithParent(id string) *Message {
	m.ParentMsgID = id
	return m
}
