package domain

// Chat roles understood by the upstream completion service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the relay
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptRound is one complete upstream request. MemorySlot is the index of
// the assistant memory message inside Messages, or -1 when the round was
// built without memory.
type PromptRound struct {
	Index      int
	Question   string
	Messages   []ChatMessage
	MemorySlot int
}

// WithMemory returns a copy of the round whose memory message carries memory.
// The memory message sits right after the system prompt; an empty memory
// removes it. Every other message keeps its order.
func (r PromptRound) WithMemory(memory string) PromptRound {
	out := r
	out.Messages = append([]ChatMessage(nil), r.Messages...)
	hasSlot := r.MemorySlot >= 0 && r.MemorySlot < len(out.Messages)
	switch {
	case hasSlot && memory == "":
		out.Messages = append(out.Messages[:r.MemorySlot], out.Messages[r.MemorySlot+1:]...)
		out.MemorySlot = -1
	case hasSlot:
		out.Messages[r.MemorySlot].Content = memory
	case memory != "":
		at := 0
		if len(out.Messages) > 0 && out.Messages[0].Role == RoleSystem {
			at = 1
		}
		msgs := make([]ChatMessage, 0, len(out.Messages)+1)
		msgs = append(msgs, out.Messages[:at]...)
		msgs = append(msgs, ChatMessage{Role: RoleAssistant, Content: memory})
		msgs = append(msgs, out.Messages[at:]...)
		out.Messages = msgs
		out.MemorySlot = at
	}
	return out
}

// Frames written to the client between and after rounds.
const (
	SentinelDone       = "[DONE]"
	SentinelNewSection = "[NEW_SECTION]"
)
