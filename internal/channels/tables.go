package channels

import (
	"strings"
)

// TableStyle selects how markdown tables are rewritten for a channel that
// cannot render them.
type TableStyle string

const (
	// TablesAsIs leaves tables untouched.
	TablesAsIs TableStyle = ""
	// TablesAsCode fences each table so columns stay aligned.
	TablesAsCode TableStyle = "code"
	// TablesAsBullets turns each row into a "header: value" bullet.
	TablesAsBullets TableStyle = "bullets"
)

// TableStyler is implemented by adapters whose platform does not render
// markdown tables.
type TableStyler interface {
	TableStyle() TableStyle
}

// RewriteTables rewrites every markdown table in text according to style.
// A table is a header row, a separator row and at least one data row.
func RewriteTables(text string, style TableStyle) string {
	if style == TablesAsIs || !strings.Contains(text, "|") {
		return text
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if inFence || !isTableRow(line) || i+2 >= len(lines) || !isSeparatorRow(lines[i+1]) || !isTableRow(lines[i+2]) {
			out = append(out, line)
			continue
		}

		end := i + 2
		for end < len(lines) && isTableRow(lines[end]) {
			end++
		}
		out = append(out, renderTable(lines[i:end], style)...)
		i = end - 1
	}
	return strings.Join(out, "\n")
}

func renderTable(rows []string, style TableStyle) []string {
	if style == TablesAsCode {
		fenced := make([]string, 0, len(rows)+2)
		fenced = append(fenced, "```")
		fenced = append(fenced, rows...)
		return append(fenced, "```")
	}

	headers := tableCells(rows[0])
	var out []string
	for _, row := range rows[2:] {
		var parts []string
		for i, cell := range tableCells(row) {
			if cell == "" {
				continue
			}
			if i < len(headers) && headers[i] != "" {
				cell = headers[i] + ": " + cell
			}
			parts = append(parts, cell)
		}
		if len(parts) > 0 {
			out = append(out, "• "+strings.Join(parts, " | "))
		}
	}
	return out
}

func isTableRow(line string) bool {
	t := strings.TrimSpace(line)
	return len(t) >= 2 && strings.HasPrefix(t, "|") && strings.HasSuffix(t, "|")
}

func isSeparatorRow(line string) bool {
	if !isTableRow(line) {
		return false
	}
	t := strings.TrimSpace(line)
	return strings.Trim(t, "|-: \t") == "" && strings.Contains(t, "-")
}

func tableCells(row string) []string {
	t := strings.TrimSpace(row)
	t = strings.TrimSuffix(strings.TrimPrefix(t, "|"), "|")
	parts := strings.Split(t, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
