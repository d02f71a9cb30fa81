// Unit tests for trace tree assembly
// Scenarios mirror the observable shapes of real Zipkin traces: shared RPC
// ids, duplicate server spans, headless traces, and orphan attribution
package trace

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// testLogger returns a debug-level logger and the sink recording its output.
func testLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func messages(logs *observer.ObservedLogs) []string {
	var out []string
	for _, e := range logs.All() {
		out = append(out, e.Message)
	}
	return out
}

// buildTree adds the spans in reverse order to make sure the tree is
// stitched together by id, not by insertion order.
func buildTree(t *testing.T, spans []*Span) *SpanNode {
	t.Helper()
	logger, _ := testLogger()
	reversed := slices.Clone(spans)
	slices.Reverse(reversed)

	b := NewBuilder(logger, reversed[0].TraceID)
	for _, s := range reversed {
		require.True(t, b.AddNode(s))
	}
	return b.Build()
}

// assertAncestry verifies spans form a single chain in the given order.
func assertAncestry(t *testing.T, root *SpanNode, spans []*Span) {
	t.Helper()
	require.Same(t, spans[0], root.Span())

	current := root
	for i := 1; i < len(spans)-1; i++ {
		current = current.Children()[0]
		assert.Same(t, spans[i], current.Span())
		require.Len(t, current.Children(), 1)
		assert.Same(t, spans[i+1], current.Children()[0].Span())
	}
}

func TestBuilder_ConstructsTraceTree(t *testing.T) {
	spans := []*Span{
		{TraceID: "a", ID: "a"},
		{TraceID: "a", ParentID: "a", ID: "b"},
		{TraceID: "a", ParentID: "b", ID: "c"},
		{TraceID: "a", ParentID: "c", ID: "d"},
	}
	assertAncestry(t, buildTree(t, spans), spans)
}

func TestBuilder_ConstructsTraceTree_SharedID(t *testing.T) {
	spans := []*Span{
		{TraceID: "a", ID: "a"},
		{TraceID: "a", ParentID: "a", ID: "b"},
		{TraceID: "a", ParentID: "a", ID: "b", Shared: true},
		{TraceID: "a", ParentID: "b", ID: "c"},
	}
	assertAncestry(t, buildTree(t, spans), spans)
}

func TestBuilder_ConstructsTraceTree_SharedRootID(t *testing.T) {
	spans := []*Span{
		{TraceID: "a", ID: "a"},
		{TraceID: "a", ID: "a", Shared: true},
		{TraceID: "a", ParentID: "a", ID: "b"},
		{TraceID: "a", ParentID: "b", ID: "c"},
	}
	assertAncestry(t, buildTree(t, spans), spans)
}

// Two servers answered on the same client span id; their children must land
// under the server with the matching endpoint.
func TestBuilder_QualifiesChildrenOfDuplicateServerSpans(t *testing.T) {
	foo := &Endpoint{ServiceName: "foo"}
	bar := &Endpoint{ServiceName: "bar"}
	spans := []*Span{
		{TraceID: "a", ID: "a"},
		{TraceID: "a", ParentID: "a", ID: "b"},
		{TraceID: "a", ParentID: "a", ID: "b", Shared: true, LocalEndpoint: foo},
		{TraceID: "a", ParentID: "a", ID: "b", Shared: true, LocalEndpoint: bar},
		{TraceID: "a", ParentID: "b", ID: "c", LocalEndpoint: bar},
		{TraceID: "a", ParentID: "b", ID: "d", LocalEndpoint: foo},
	}

	a := buildTree(t, spans)
	require.Same(t, spans[0], a.Span())

	require.Len(t, a.Children(), 1)
	bClient := a.Children()[0]
	assert.Same(t, spans[1], bClient.Span())

	// Non-shared sibling first, then the shared ones in insertion order.
	require.Len(t, bClient.Children(), 2)
	bServerBar := bClient.Children()[0]
	bServerFoo := bClient.Children()[1]
	assert.Same(t, spans[3], bServerBar.Span())
	assert.Same(t, spans[2], bServerFoo.Span())

	require.Len(t, bServerBar.Children(), 1)
	assert.Same(t, spans[4], bServerBar.Children()[0].Span())
	require.Len(t, bServerFoo.Children(), 1)
	assert.Same(t, spans[5], bServerFoo.Children()[0].Span())
}

func TestBuilder_Dedupes(t *testing.T) {
	logger, _ := testLogger()
	spans := []*Span{
		{TraceID: "a", ID: "a"},
		{TraceID: "a", ID: "a"},
		{TraceID: "a", ID: "a"},
	}

	b := NewBuilder(logger, "a")
	for _, s := range spans {
		require.True(t, b.AddNode(s))
	}
	root := b.Build()

	assert.Same(t, spans[0], root.Span())
	assert.Empty(t, root.Children())
}

func TestBuilder_NoChildLeftBehind(t *testing.T) {
	logger, logs := testLogger()
	spans := []*Span{
		{TraceID: "a", ID: "b", Name: "root-0"},
		{TraceID: "a", ParentID: "b", ID: "c", Name: "child-0"},
		{TraceID: "a", ParentID: "b", ID: "d", Name: "child-1"},
		{TraceID: "a", ID: "e", Name: "lost-0"},
		{TraceID: "a", ID: "f", Name: "lost-1"},
	}

	b := NewBuilder(logger, "a")
	for _, s := range spans {
		require.True(t, b.AddNode(s))
	}
	root := b.Build()

	treeSize := 0
	for range root.Traverse() {
		treeSize++
	}
	assert.Equal(t, len(spans), treeSize)
	assert.Equal(t, []string{
		"attributing span missing parent to root: traceId=000000000000000a, rootSpanId=000000000000000b, spanId=000000000000000e",
		"attributing span missing parent to root: traceId=000000000000000a, rootSpanId=000000000000000b, spanId=000000000000000f",
	}, messages(logs))
}

func TestBuilder_Headless(t *testing.T) {
	logger, logs := testLogger()
	spans := []*Span{
		{TraceID: "a", ParentID: "a", ID: "b", Name: "s2"},
		{TraceID: "a", ParentID: "a", ID: "c", Name: "s3"},
		{TraceID: "a", ParentID: "a", ID: "d", Name: "s4"},
	}

	b := NewBuilder(logger, "a")
	for _, s := range spans {
		require.True(t, b.AddNode(s))
	}
	root := b.Build()

	assert.Nil(t, root.Span())
	require.Len(t, root.Children(), 3)
	for i, child := range root.Children() {
		assert.Same(t, spans[i], child.Span())
	}
	assert.Equal(t, []string{
		"substituting dummy node for missing root span: traceId=000000000000000a",
	}, messages(logs))
}

func TestBuilder_SelfParentRejected(t *testing.T) {
	logger, logs := testLogger()

	b := NewBuilder(logger, "a")
	assert.False(t, b.AddNode(&Span{TraceID: "a", ParentID: "x", ID: "x"}))
	assert.Equal(t, []string{
		"skipping circular dependency: traceId=000000000000000a, spanId=000000000000000x",
	}, messages(logs))
}

func TestBuilder_CycleStillTerminates(t *testing.T) {
	logger, _ := testLogger()
	spans := []*Span{
		{TraceID: "a", ParentID: "d", ID: "b"},
		{TraceID: "a", ParentID: "b", ID: "d"},
	}

	b := NewBuilder(logger, "a")
	for _, s := range spans {
		require.True(t, b.AddNode(s))
	}
	root := b.Build()

	// Cycles are not detected: both nodes resolve each other as parent and
	// the pair detaches from the synthetic root entirely.
	assert.Nil(t, root.Span())
	assert.Empty(t, root.Children())
}

func TestBuilder_MergedInput(t *testing.T) {
	spans := MergeAll([]Span{
		{TraceID: "a", ID: "a", Name: "get"},
		{TraceID: "a", ID: "a", Duration: 100},
		{TraceID: "a", ParentID: "a", ID: "b"},
	})
	require.Len(t, spans, 2)

	logger, _ := testLogger()
	b := NewBuilder(logger, "a")
	for i := range spans {
		require.True(t, b.AddNode(&spans[i]))
	}
	root := b.Build()

	require.NotNil(t, root.Span())
	assert.Equal(t, "get", root.Span().Name)
	assert.EqualValues(t, 100, root.Span().Duration)
	require.Len(t, root.Children(), 1)
}
