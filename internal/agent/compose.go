package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/parley/internal/attachments"
	"github.com/haasonsaas/parley/pkg/models"
)

// ScheduledEventPrefix marks system-originated input so the model can tell
// a reminder or automation apart from something the user typed.
const ScheduledEventPrefix = "[Scheduled event] "

// AttachmentResolver turns attachment references into model input.
type AttachmentResolver interface {
	ResolveAll(ctx context.Context, atts []models.Attachment) []*attachments.Resolved
}

// composeBase builds the model input that stays fixed for the whole turn:
// replayable history followed by the current batch with its attachments
// resolved.
func (o *Orchestrator) composeBase(ctx context.Context, history, inbound []*models.Message) []ModelMessage {
	var out []ModelMessage
	for _, m := range repairTranscript(history) {
		out = appendMerged(out, historyMessage(m))
	}
	for _, m := range inbound {
		out = appendMerged(out, o.inboundMessage(ctx, m))
	}
	return trimLeading(out)
}

// withProduced appends the messages produced so far in the turn.
func withProduced(base []ModelMessage, produced []*models.Message) []ModelMessage {
	out := make([]ModelMessage, len(base), len(base)+len(produced))
	copy(out, base)
	for _, m := range produced {
		out = appendMerged(out, historyMessage(m))
	}
	return out
}

func historyMessage(m *models.Message) ModelMessage {
	mm := ModelMessage{
		Role:        m.Role,
		Content:     originText(m),
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
	}
	if len(m.Attachments) > 0 {
		names := make([]string, 0, len(m.Attachments))
		for _, att := range m.Attachments {
			names = append(names, "[Attachment "+attachmentName(att)+"]")
		}
		mm.Content = joinNonEmpty(mm.Content, strings.Join(names, "\n"))
	}
	return mm
}

func (o *Orchestrator) inboundMessage(ctx context.Context, m *models.Message) ModelMessage {
	mm := ModelMessage{Role: models.RoleUser, Content: originText(m)}
	if len(m.Attachments) == 0 || o.resolver == nil {
		return historyMessage(m)
	}
	for _, res := range o.resolver.ResolveAll(ctx, m.Attachments) {
		if res.Mode == attachments.ModeImage {
			mm.Images = append(mm.Images, Image{MimeType: res.MimeType, Data: res.Data})
		}
		mm.Content = joinNonEmpty(mm.Content, res.Describe())
	}
	return mm
}

func originText(m *models.Message) string {
	if m.Origin == models.OriginSystem && m.Role == models.RoleUser {
		return ScheduledEventPrefix + m.Content
	}
	return m.Content
}

func attachmentName(att models.Attachment) string {
	switch {
	case att.Filename != "":
		return att.Filename
	case att.ID != "":
		return att.ID
	default:
		return att.URL
	}
}

// appendMerged appends mm, folding it into the last entry when both share
// a role. Providers reject consecutive same-role messages.
func appendMerged(out []ModelMessage, mm ModelMessage) []ModelMessage {
	if mm.Content == "" && len(mm.Images) == 0 && len(mm.ToolCalls) == 0 && len(mm.ToolResults) == 0 {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Role == mm.Role {
		last := &out[n-1]
		last.Content = joinNonEmpty(last.Content, mm.Content)
		last.Images = append(last.Images, mm.Images...)
		last.ToolCalls = append(last.ToolCalls, mm.ToolCalls...)
		last.ToolResults = append(last.ToolResults, mm.ToolResults...)
		return out
	}
	mm.Images = append([]Image(nil), mm.Images...)
	mm.ToolCalls = append([]models.ToolCall(nil), mm.ToolCalls...)
	mm.ToolResults = append([]models.ToolResult(nil), mm.ToolResults...)
	return append(out, mm)
}

// trimLeading drops entries before the first user message; a history
// window can start in the middle of an exchange.
func trimLeading(out []ModelMessage) []ModelMessage {
	for i, mm := range out {
		if mm.Role == models.RoleUser {
			return out[i:]
		}
	}
	return out[:0]
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
