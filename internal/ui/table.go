package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders static rows under a header, one padded column per field.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// NewTable creates an empty table.
func NewTable(title string, headers ...string) *Table {
	return &Table{Title: title, Headers: headers}
}

// AddRow appends a row. Cells beyond the header count are dropped.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// String renders the table. An empty table renders as "".
func (t *Table) String() string {
	if len(t.Rows) == 0 {
		return ""
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString(TitleStyle.Render(t.Title))
		sb.WriteString("\n")
	}

	sb.WriteString(t.line(t.Headers, widths, HeaderStyle))
	total := len(widths) - 1
	for _, w := range widths {
		total += w + 2
	}
	sb.WriteString(MutedStyle.Render(strings.Repeat("-", total)))
	sb.WriteString("\n")
	for _, row := range t.Rows {
		sb.WriteString(t.line(row, widths, lipgloss.NewStyle()))
	}
	return sb.String()
}

func (t *Table) line(cells []string, widths []int, style lipgloss.Style) string {
	var sb strings.Builder
	for i := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		sb.WriteString(style.Padding(0, 1).Width(widths[i] + 2).Render(cell))
		if i < len(widths)-1 {
			sb.WriteString(MutedStyle.Render("|"))
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

// KV renders "key: value" lines with aligned values.
func KV(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, lipgloss.Width(p[0]))
	}
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "%s %s\n", MutedStyle.Render(fmt.Sprintf("%-*s", width+1, p[0]+":")), p[1])
	}
	return sb.String()
}
