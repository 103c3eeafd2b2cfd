package llm

import "fmt"

// Role is the closed set of chat message roles. Using a dedicated type keeps
// arbitrary strings out of the transport payload; anything arriving from the
// outside goes through ParseRole first.
type Role int

const (
	RoleSystem Role = iota
	RoleUser
	RoleAssistant
)

// wireValue returns the OpenAI-compatible role string.
func (r Role) wireValue() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}

func (r Role) String() string {
	return r.wireValue()
}

// ParseRole converts an externally supplied role label. Unknown labels are an
// error, never silently remapped.
func ParseRole(value string) (Role, error) {
	switch value {
	case "system":
		return RoleSystem, nil
	case "user", "human":
		return RoleUser, nil
	case "assistant", "ai":
		return RoleAssistant, nil
	default:
		return 0, fmt.Errorf("llm: unknown message role %q", value)
	}
}

// ChatMessage is a single turn in a conversation payload.
type ChatMessage struct {
	Role    Role
	Content string
}

// ChatUsage captures token accounting returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the content and usage information for a completed chat call.
type ChatResult struct {
	Content string
	Usage   *ChatUsage
}

// ChatStreamDelta is one streaming increment delivered to the caller's
// handler.
type ChatStreamDelta struct {
	Content      string
	FullContent  string
	FinishReason string
	Done         bool
}
