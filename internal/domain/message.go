package domain

// Role identifies the author of a message in a workflow snapshot.
type Role string

const (
	// RoleUser is a message typed by the caller.
	RoleUser Role = "user"
	// RoleAssistant is a model-generated message.
	RoleAssistant Role = "assistant"
	// RoleTool is the result of a tool invocation.
	RoleTool Role = "tool"
	// RoleSystem is an instruction message.
	RoleSystem Role = "system"
)

// ToolCall is a structured call descriptor attached to an assistant message.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is a single entry of the conversation state.
type Message struct {
	ID        string     `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// HasToolCalls returns true if the message requests tool use.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Phase is an explicit workflow step marker. Engines that emit it spare the
// transcoder from guessing the phase from message shape.
type Phase string

const (
	// PhaseNone means the engine did not tag the snapshot.
	PhaseNone Phase = ""
	// PhaseRetrievalStart marks the start of document retrieval.
	PhaseRetrievalStart Phase = "retrieval_start"
	// PhaseRetrievalDone marks that retrieved documents are being processed.
	PhaseRetrievalDone Phase = "retrieval_done"
	// PhaseGenerationStart marks the start of answer generation.
	PhaseGenerationStart Phase = "generation_start"
)

// Snapshot is the full ordered message list as of one workflow step.
type Snapshot struct {
	Messages []Message `json:"messages"`
	Phase    Phase     `json:"phase,omitempty"`
}

// Last returns the final message of the snapshot, or nil if empty.
func (s *Snapshot) Last() *Message {
	if s == nil || len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}
