// table.go renders the padded column layout used by the list commands
// and by `provision --output table`.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.Und, cases.NoLower)

// Title upper-cases the first letter of each word, for section and
// category headings.
func Title(s string) string {
	return titleCaser.String(strings.TrimSpace(s))
}

type cellAlign int

const (
	alignLeft cellAlign = iota
	alignRight
)

// Table accumulates rows and renders them with runewidth-aware padding,
// so wide runes in image refs or messages do not skew the columns.
type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cells) {
			row[i] = strings.TrimSpace(cells[i])
		}
	}
	t.rows = append(t.rows, row)
}

// Render writes the table. width bounds the final column; zero means
// unbounded.
func (t *Table) Render(w io.Writer, width int) {
	if len(t.headers) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	if width > 0 {
		used := 0
		for i := 0; i < len(widths)-1; i++ {
			used += widths[i] + 2
		}
		last := len(widths) - 1
		if avail := width - used; avail > 8 && widths[last] > avail {
			widths[last] = avail
		}
	}

	writeRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = formatCell(cell, widths[i], alignLeft)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	writeRow(t.headers)
	underline := make([]string, len(t.headers))
	for i := range underline {
		underline[i] = strings.Repeat("-", widths[i])
	}
	writeRow(underline)
	for _, row := range t.rows {
		writeRow(row)
	}
}

// formatCell trims text to width and pads it to exactly width columns.
func formatCell(text string, width int, align cellAlign) string {
	if width <= 0 {
		return ""
	}
	trimmed := trimToWidth(text, width)
	pad := width - runewidth.StringWidth(trimmed)
	if pad <= 0 {
		return trimmed
	}
	if align == alignRight {
		return strings.Repeat(" ", pad) + trimmed
	}
	return trimmed + strings.Repeat(" ", pad)
}

func trimToWidth(s string, width int) string {
	s = strings.TrimSpace(s)
	if runewidth.StringWidth(s) <= width {
		return s
	}
	var b strings.Builder
	used := 0
	for _, r := range s {
		rw := runewidth.RuneWidth(r)
		if used+rw > width-1 {
			break
		}
		b.WriteRune(r)
		used += rw
	}
	return b.String() + "…"
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
