// Property-based tests for tree assembly using pgregory.net/rapid
// Covers node accounting, parent/child symmetry, BFS ordering, and merge
// algebra across generated traces
package trace

import (
	"fmt"
	"math/rand"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// --- Generators ---

// genTrace generates a well-formed trace as a flat span list: one root, and
// children attached to randomly chosen earlier spans.
func genTrace(t *rapid.T) []*Span {
	n := rapid.IntRange(1, 25).Draw(t, "traceSize")
	spans := []*Span{{TraceID: "a", ID: "0001"}}
	for i := 1; i < n; i++ {
		parent := spans[rapid.IntRange(0, len(spans)-1).Draw(t, fmt.Sprintf("parent%d", i))]
		spans = append(spans, &Span{
			TraceID:  "a",
			ParentID: parent.ID,
			ID:       fmt.Sprintf("%04x", i+1),
		})
	}
	return spans
}

// genEndpoint draws an endpoint from a small pool, sometimes absent.
func genEndpoint(t *rapid.T, label string) *Endpoint {
	name := rapid.SampledFrom([]string{"", "frontend", "backend", "db"}).Draw(t, label)
	if name == "" {
		return nil
	}
	return &Endpoint{ServiceName: name}
}

func buildShuffled(t *rapid.T, spans []*Span) *SpanNode {
	shuffled := make([]*Span, len(spans))
	copy(shuffled, spans)
	seed := rapid.Int64().Draw(t, "shuffleSeed")
	rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	b := NewBuilder(zap.NewNop(), "a")
	for _, s := range shuffled {
		if !b.AddNode(s) {
			t.Fatalf("AddNode rejected %+v", s)
		}
	}
	return b.Build()
}

// --- Tree invariants ---

// Every accepted span appears in exactly one node.
func TestProperty_Builder_AllSpansPresent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spans := genTrace(t)
		root := buildShuffled(t, spans)

		seen := make(map[*Span]int)
		total := 0
		for n := range root.Traverse() {
			total++
			if n.Span() != nil {
				seen[n.Span()]++
			}
		}
		for _, s := range spans {
			if seen[s] != 1 {
				t.Fatalf("span %s appears %d times", s.ID, seen[s])
			}
		}
		if total != len(spans) {
			t.Fatalf("tree has %d nodes, want %d", total, len(spans))
		}
	})
}

// Child lists and parent back-references agree.
func TestProperty_Builder_ParentChildSymmetry(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		root := buildShuffled(t, genTrace(t))

		for n := range root.Traverse() {
			for _, child := range n.Children() {
				if child.Parent() != n {
					t.Fatalf("child %v does not point back at %v", child, n)
				}
			}
			if p := n.Parent(); p != nil {
				found := false
				for _, c := range p.Children() {
					if c == n {
						found = true
					}
				}
				if !found {
					t.Fatalf("node %v missing from parent's children", n)
				}
			}
		}
	})
}

// Traverse yields shallower nodes before deeper ones.
func TestProperty_Builder_BFSOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		root := buildShuffled(t, genTrace(t))

		depth := func(n *SpanNode) int {
			d := 0
			for p := n.Parent(); p != nil; p = p.Parent() {
				d++
			}
			return d
		}
		last := -1
		for n := range root.Traverse() {
			d := depth(n)
			if d < last {
				t.Fatalf("depth %d observed after depth %d", d, last)
			}
			last = d
		}
	})
}

// A shared span always hangs below the non-shared span with the same id.
func TestProperty_Builder_SharedBelowClient(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spans := genTrace(t)
		// Give a random subset of non-root spans a shared server twin.
		var withTwins []*Span
		for i, s := range spans {
			withTwins = append(withTwins, s)
			if s.ParentID != "" && rapid.Bool().Draw(t, fmt.Sprintf("twin%d", i)) {
				withTwins = append(withTwins, &Span{
					TraceID:       s.TraceID,
					ParentID:      s.ParentID,
					ID:            s.ID,
					Shared:        true,
					LocalEndpoint: genEndpoint(t, fmt.Sprintf("twinEp%d", i)),
				})
			}
		}
		root := buildShuffled(t, withTwins)

		for n := range root.Traverse() {
			s := n.Span()
			if s == nil || !s.Shared {
				continue
			}
			p := n.Parent()
			if p == nil || p.Span() == nil || p.Span().ID != s.ID || p.Span().Shared {
				t.Fatalf("shared span %s not below its client", s.ID)
			}
		}
	})
}

// --- Merge algebra ---

func genRecord(t *rapid.T, label string) Span {
	return Span{
		TraceID:       "a",
		ID:            "0001",
		Name:          rapid.SampledFrom([]string{"", "get", "post"}).Draw(t, label+"Name"),
		Timestamp:     rapid.Int64Range(0, 1000).Draw(t, label+"Ts"),
		Duration:      rapid.Int64Range(0, 1000).Draw(t, label+"Dur"),
		Shared:        rapid.Bool().Draw(t, label+"Shared"),
		LocalEndpoint: genEndpoint(t, label+"Ep"),
	}
}

// Associativity holds when the records do not conflict: each scalar field is
// reported by at most one record (duration resolves to the maximum either way).
func TestProperty_Merge_AssociativeWithoutConflicts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := Span{TraceID: "a", ID: "0001",
			Name:     rapid.SampledFrom([]string{"", "get"}).Draw(t, "xName"),
			Duration: rapid.Int64Range(0, 1000).Draw(t, "xDur")}
		y := Span{TraceID: "a", ID: "0001",
			Kind:     Kind(rapid.SampledFrom([]string{"", "CLIENT"}).Draw(t, "yKind")),
			Duration: rapid.Int64Range(0, 1000).Draw(t, "yDur"),
			Shared:   rapid.Bool().Draw(t, "yShared")}
		z := Span{TraceID: "a", ID: "0001",
			Timestamp: rapid.Int64Range(0, 1000).Draw(t, "zTs"),
			Duration:  rapid.Int64Range(0, 1000).Draw(t, "zDur")}

		left := Merge(Merge(x, y), z)
		right := Merge(x, Merge(y, z))
		if left.Name != right.Name || left.Kind != right.Kind ||
			left.Duration != right.Duration || left.Timestamp != right.Timestamp ||
			left.Shared != right.Shared {
			t.Fatalf("merge not associative:\n left=%+v\nright=%+v", left, right)
		}
	})
}

func TestProperty_Merge_DurationIsMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genRecord(t, "a")
		b := genRecord(t, "b")

		merged := Merge(a, b)
		want := a.Duration
		if b.Duration > want {
			want = b.Duration
		}
		if merged.Duration != want {
			t.Fatalf("merged duration %d, want %d", merged.Duration, want)
		}
	})
}
