package channels

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxMessageLength applies to adapters that do not declare a limit.
const DefaultMaxMessageLength = 4000

// SplitMessage breaks text into pieces no longer than maxLen bytes.
//
// Break points are tried in order: paragraph, line, sentence end, word,
// then a hard cut on a rune boundary. A fenced code block that has to be
// cut is closed at the end of the piece and reopened at the start of the
// next one.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	remaining := text
	for len(remaining) > maxLen {
		// Leave room for a closing fence.
		limit := maxLen
		if maxLen > 8 {
			limit = maxLen - 4
		}
		cut := breakPoint(remaining, limit)
		chunk := strings.TrimRightFunc(remaining[:cut], unicode.IsSpace)
		rest := strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)

		if open, fence := openFence(chunk); open != "" {
			chunk += "\n" + fence
			rest = open + "\n" + rest
		}
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if len(rest) >= len(remaining) {
			// Fence reopening cannot make progress; fall back to a plain cut.
			if len(chunks) > 0 {
				chunks = chunks[:len(chunks)-1]
			}
			chunks = append(chunks, remaining[:cut])
			rest = strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
		}
		remaining = rest
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func breakPoint(text string, limit int) int {
	window := text[:limit]
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	best := -1
	for _, ending := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, ending); idx > best {
			best = idx
		}
	}
	if best > 0 {
		return best + 1
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return limit
	}
	return cut
}

// openFence reports the opening line and fence marker of a code block left
// unclosed at the end of text.
func openFence(text string) (openLine, fence string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if fence == "" {
			if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
				openLine, fence = trimmed, trimmed[:3]
			}
			continue
		}
		if strings.HasPrefix(trimmed, fence) {
			openLine, fence = "", ""
		}
	}
	return openLine, fence
}
