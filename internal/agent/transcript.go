package agent

import "github.com/haasonsaas/parley/pkg/models"

// missingResultText is recorded for tool calls whose result never made it
// into history, for example when a turn failed between call and result.
const missingResultText = "no result was recorded for this tool call"

// repairTranscript makes history safe to replay to a model: every tool
// result answers a preceding assistant tool call, and every tool call is
// answered before the next non-tool message.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	var pendingOrder []string
	pending := make(map[string]bool)
	repaired := make([]*models.Message, 0, len(history))

	flush := func(before *models.Message) {
		if len(pendingOrder) == 0 {
			return
		}
		synth := &models.Message{
			ConversationID: before.ConversationID,
			TurnID:         before.TurnID,
			Role:           models.RoleTool,
		}
		for _, id := range pendingOrder {
			synth.ToolResults = append(synth.ToolResults, models.ToolResult{
				ToolCallID: id,
				Content:    missingResultText,
				IsError:    true,
			})
		}
		repaired = append(repaired, synth)
		pendingOrder = pendingOrder[:0]
		clear(pending)
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleTool:
			fixed := make([]models.ToolResult, 0, len(msg.ToolResults))
			for _, res := range msg.ToolResults {
				if !pending[res.ToolCallID] {
					continue
				}
				delete(pending, res.ToolCallID)
				pendingOrder = removeID(pendingOrder, res.ToolCallID)
				fixed = append(fixed, res)
			}
			if len(fixed) == 0 {
				continue
			}
			copied := *msg
			copied.ToolResults = fixed
			repaired = append(repaired, &copied)
		case models.RoleAssistant:
			flush(msg)
			for _, call := range msg.ToolCalls {
				if call.ID == "" || pending[call.ID] {
					continue
				}
				pending[call.ID] = true
				pendingOrder = append(pendingOrder, call.ID)
			}
			repaired = append(repaired, msg)
		default:
			flush(msg)
			repaired = append(repaired, msg)
		}
	}
	if len(pendingOrder) > 0 {
		flush(history[len(history)-1])
	}
	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
