package agent

import "github.com/dlowe/steward/pkg/models"

// repairTranscript fixes tool call/result pairing in a flat ChatMessage
// history before it's handed to a provider: orphan tool results (no
// matching pending call) are dropped, and a tool call left pending when
// the next assistant message starts is simply forgotten rather than
// carried forward, since its window to be answered has closed.
func repairTranscript(history []models.ChatMessage) []models.ChatMessage {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	repaired := make([]models.ChatMessage, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			pending = make(map[string]struct{}, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			delete(pending, msg.ToolCallID)
			repaired = append(repaired, msg)
		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}
