package ai

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// MsgFallbackReply is used when neither the model nor a tool left usable text.
const MsgFallbackReply = "I've processed your request. How else can I help?"

// SynthesizeReply picks the user-visible text for a finished turn: the last
// assistant text, else an acceptable last tool result, else MsgFallbackReply.
func SynthesizeReply(messages []*schema.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m == nil || m.Role != schema.Assistant {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			return text
		}
	}

	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m == nil || m.Role != schema.Tool {
			continue
		}
		if text, ok := fromToolResult(m); ok {
			return text
		}
		break
	}
	return MsgFallbackReply
}

func fromToolResult(m *schema.Message) (string, bool) {
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	success := strings.Contains(lower, "successfully") || strings.Contains(lower, "created")

	// A status tag set by the Normalizer beats the text heuristics.
	if status, ok := m.Extra[toolStatusExtra].(string); ok {
		if ToolStatus(status) != ToolStatusOK {
			return "", false
		}
		if success {
			return "Great! " + text, true
		}
		return text, true
	}

	if success {
		return "Great! " + text, true
	}
	if !strings.Contains(lower, "error") && !strings.Contains(lower, "not found") {
		return text, true
	}
	return "", false
}
