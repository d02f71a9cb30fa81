// Timeline tree layout: derives the vertical and horizontal connector
// segments for a depth-ordered span listing in one stack-based pass
// Coordinates are grid units (row index, depth column); the renderer scales
package timeline

import "github.com/andrewh/spantree/pkg/trace"

// Row is one line of the flattened trace: a node and its depth in the tree.
type Row struct {
	Index int
	Depth int
	Node  *trace.SpanNode
}

// Vertical is a connector line at column Col joining a parent's row Top to
// the row Bottom of its last child.
type Vertical struct {
	Col    int
	Top    int
	Bottom int
}

// Horizontal is the connector drawn on a child's own row, starting at its
// parent's column and running to the row's span bar.
type Horizontal struct {
	Row int
	Col int
}

// Layout is the set of connector segments for one flattened trace.
type Layout struct {
	Vertical   []Vertical
	Horizontal []Horizontal
	MaxDepth   int
}

// Flatten lists the tree under root in depth-first pre-order. A synthetic
// root (nil span) is not itself a row; its children all start at depth 0.
func Flatten(root *trace.SpanNode) []Row {
	var rows []Row
	var walk func(n *trace.SpanNode, depth int)
	walk = func(n *trace.SpanNode, depth int) {
		rows = append(rows, Row{Index: len(rows), Depth: depth, Node: n})
		for _, child := range n.Children() {
			walk(child, depth+1)
		}
	}
	if root.Span() == nil {
		for _, child := range root.Children() {
			walk(child, 0)
		}
	} else {
		walk(root, 0)
	}
	return rows
}

type frame struct {
	index int
	depth int
}

// BuildLayout computes connector segments for rows in a single pass.
//
// A stack of (index, depth) frames tracks the open ancestor path. Descents
// push; a sibling replaces the top; an ascent pops every frame at or below
// the new depth, emitting one vertical per popped pair so each closed parent
// is joined to its last child. Frames still open at the end drain the same
// way. Each non-top-level row records a horizontal at its parent's column.
func BuildLayout(rows []Row) Layout {
	var l Layout
	var stack []frame

	pop := func() frame {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return top
	}
	vertical := func(deeper, shallower frame) {
		l.Vertical = append(l.Vertical, Vertical{
			Col:    deeper.depth,
			Top:    shallower.index,
			Bottom: deeper.index,
		})
	}
	horizontal := func(r Row) {
		if len(stack) > 0 {
			l.Horizontal = append(l.Horizontal, Horizontal{
				Row: r.Index,
				Col: stack[len(stack)-1].depth,
			})
		}
	}

	for _, r := range rows {
		if r.Depth > l.MaxDepth {
			l.MaxDepth = r.Depth
		}
		if len(stack) == 0 {
			stack = append(stack, frame{r.Index, r.Depth})
			continue
		}
		top := stack[len(stack)-1]
		switch {
		case top.depth < r.Depth: // descent
			horizontal(r)
			stack = append(stack, frame{r.Index, r.Depth})
		case top.depth == r.Depth: // sibling
			pop()
			horizontal(r)
			stack = append(stack, frame{r.Index, r.Depth})
		default: // ascent
			var popped []frame
			for len(stack) > 0 && stack[len(stack)-1].depth >= r.Depth {
				popped = append(popped, pop())
			}
			for j := 0; j+1 < len(popped); j++ {
				vertical(popped[j], popped[j+1])
			}
			horizontal(r)
			stack = append(stack, frame{r.Index, r.Depth})
		}
	}

	// Drain: close the ancestor path still open after the last row.
	for j := len(stack) - 1; j > 0; j-- {
		vertical(stack[j], stack[j-1])
	}
	return l
}
