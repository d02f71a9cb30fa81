// Glyph rendering of a timeline layout for terminal output
package timeline

import "strings"

// glyph cells are three runes wide per depth column.
const (
	cellBlank    = "   "
	cellVertical = "│  "
	cellTee      = "├─ "
	cellElbow    = "└─ "
)

// Prefixes converts a layout into per-row tree-glyph prefixes. Row r's
// prefix has one cell per depth column before its label: a vertical bar
// where an ancestor's connector passes through, and a tee or elbow in the
// column where the row attaches to its parent.
func Prefixes(rows []Row, l Layout) []string {
	// A vertical at column c spans rows (Top, Bottom]; it renders one cell
	// to the left of the child labels it connects.
	passes := func(col, row int) bool {
		for _, v := range l.Vertical {
			if v.Col == col && v.Top < row && row < v.Bottom {
				return true
			}
		}
		return false
	}
	ends := func(col, row int) bool {
		for _, v := range l.Vertical {
			if v.Col == col && row == v.Bottom {
				return true
			}
		}
		return false
	}

	prefixes := make([]string, len(rows))
	for i, r := range rows {
		var b strings.Builder
		for col := 0; col < r.Depth; col++ {
			connector := col == r.Depth-1
			switch {
			case connector && ends(col+1, r.Index):
				b.WriteString(cellElbow)
			case connector:
				b.WriteString(cellTee)
			case passes(col+1, r.Index):
				b.WriteString(cellVertical)
			default:
				b.WriteString(cellBlank)
			}
		}
		prefixes[i] = b.String()
	}
	return prefixes
}
