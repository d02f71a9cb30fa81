// Trace tree assembly: indexes spans under (id, shared, endpoint) keys and
// resolves parent/child edges, honoring the B3 convention that a server may
// re-use its client's span id
package trace

import (
	"fmt"

	"go.uber.org/zap"
)

// key is the lookup identity of a node while building. In a Zipkin trace a
// span id is not always unique: sharing is allowed once per id (in an RPC),
// and retries can accidentally duplicate it, so the id alone is not enough.
type key struct {
	id        string
	shared    bool
	endpoint  Endpoint
	qualified bool // endpoint participates in equality
}

func makeKey(id string, shared bool, endpoint *Endpoint) key {
	if endpoint == nil {
		return key{id: id, shared: shared}
	}
	return key{id: id, shared: shared, endpoint: *endpoint, qualified: true}
}

func (k key) String() string {
	if !k.qualified {
		return fmt.Sprintf("key{id=%s, shared=%t}", k.id, k.shared)
	}
	return fmt.Sprintf("key{id=%s, shared=%t, endpoint=%v}", k.id, k.shared, k.endpoint)
}

// parentRef is a parent key or the explicit absence of one. A key buffered
// with no parent is a root candidate, which is distinct from not being
// buffered at all.
type parentRef struct {
	parent    key
	hasParent bool
}

// parentIndex is a map with insertion-ordered iteration. Materialization
// depends on visiting parent-child relationships in the order entries were
// indexed; overwriting a key keeps its original position.
type parentIndex struct {
	order []key
	refs  map[key]parentRef
}

func newParentIndex() *parentIndex {
	return &parentIndex{refs: make(map[key]parentRef)}
}

func (p *parentIndex) put(k key, ref parentRef) {
	if _, ok := p.refs[k]; !ok {
		p.order = append(p.order, k)
	}
	p.refs[k] = ref
}

func (p *parentIndex) contains(k key) bool {
	_, ok := p.refs[k]
	return ok
}

func (p *parentIndex) delete(k key) {
	delete(p.refs, k)
}

// each calls fn for every live (key, ref) pair in insertion order.
func (p *parentIndex) each(fn func(k key, ref parentRef)) {
	for _, k := range p.order {
		if ref, ok := p.refs[k]; ok {
			fn(k, ref)
		}
	}
}

// entry is a span buffered by AddNode pending resolution in Build.
type entry struct {
	parentID string // empty when the span reported no parent
	id       string
	shared   bool
	endpoint *Endpoint
	span     *Span
}

// Builder assembles one trace tree from an unordered set of spans. It is
// not safe for concurrent use; callers own one builder per trace.
//
// Multi-node parent cycles (a→b→a) are not detected: resolution visits each
// entry exactly once, so Build still terminates. The members of such a
// cycle are attached only to each other and are not reachable from the
// returned root.
type Builder struct {
	logger  *zap.Logger
	traceID string

	rootKey     key
	haveRootKey bool
	rootNode    *SpanNode
	entries     []entry
	keyToNode   map[key]*SpanNode
	keyToParent *parentIndex
}

// NewBuilder returns a builder for the given trace id. The logger must be
// non-nil; pass zap.NewNop() to discard data-quality messages.
func NewBuilder(logger *zap.Logger, traceID string) *Builder {
	if normalized, err := NormalizeTraceID(traceID); err == nil {
		traceID = normalized
	}
	return &Builder{
		logger:      logger,
		traceID:     traceID,
		keyToNode:   make(map[key]*SpanNode),
		keyToParent: newParentIndex(),
	}
}

// AddNode indexes a span for the tree. A span whose id equals its parent id
// cannot be placed and is dropped, logged at debug level; AddNode then
// returns false.
func (b *Builder) AddNode(span *Span) bool {
	if span == nil || span.ID == "" {
		return false
	}
	id := span.ID
	if span.ParentID != "" && id == span.ParentID {
		b.logger.Debug(fmt.Sprintf(
			"skipping circular dependency: traceId=%s, spanId=%s", b.traceID, renderID(id)))
		return false
	}

	// Assume first that we want to link to the same endpoint; resolution
	// post-processes when that is incorrect.
	idKey := makeKey(id, span.Shared, nil)
	ref := parentRef{}
	if span.Shared {
		// The parent might be on another host: pair with the non-shared
		// span on the same id.
		ref = parentRef{parent: makeKey(id, false, nil), hasParent: true}
		b.keyToParent.put(makeKey(id, true, span.LocalEndpoint), ref)
	} else if span.ParentID != "" {
		ref = parentRef{parent: makeKey(span.ParentID, false, nil), hasParent: true}
	}

	b.keyToParent.put(idKey, ref)
	b.entries = append(b.entries, entry{
		parentID: span.ParentID,
		id:       id,
		shared:   span.Shared,
		endpoint: span.LocalEndpoint,
		span:     span,
	})
	return true
}

// processNode resolves one buffered entry. Nodes are indexed by id, shared
// flag, and endpoint: in B3 a server can re-use its client's id, and any
// child of that server span should link to the same endpoint. Without the
// endpoint in the key, descendants of multiple servers responding to the
// same client would be placed incorrectly.
//
// This only works because the parent index was fully populated by AddNode
// before this stage runs.
func (b *Builder) processNode(e entry) {
	k := makeKey(e.id, e.shared, e.endpoint)
	unqualified := makeKey(e.id, e.shared, nil)

	var parentKey key
	hasParent := false
	switch {
	case e.shared:
		// A server span very likely lives on a different endpoint than its
		// client, so pick the span with the same id that is not shared
		// (clients never know whether their id will be re-used).
		parentKey, hasParent = makeKey(e.id, false, nil), true
	case e.parentID != "":
		// Not a root and not a shared server span. Proceed most specific to
		// least: first a shared parent on the same endpoint, e.g. a local
		// intermediate span under a shared server.
		parentKey, hasParent = makeKey(e.parentID, true, e.endpoint), true
		if b.keyToParent.contains(parentKey) {
			b.keyToParent.put(unqualified, parentRef{parent: parentKey, hasParent: true})
		} else {
			// Next prefer the same host, in case data was sent without the
			// shared flag.
			parentKey = makeKey(e.parentID, false, e.endpoint)
			if b.keyToParent.contains(parentKey) {
				// Non-shared spans look up unqualified keys; forward so
				// descendants of this entry can still find their parent.
				b.keyToParent.put(unqualified, parentRef{parent: parentKey, hasParent: true})
			}
			// At this point the parent is known to be a normal span, so
			// address it without an endpoint.
			parentKey = makeKey(e.parentID, false, nil)
		}
	default: // root, or parent unknown
		if b.haveRootKey {
			b.logger.Debug(fmt.Sprintf(
				"attributing span missing parent to root: traceId=%s, rootSpanId=%s, spanId=%s",
				b.traceID, renderID(b.rootKey.id), renderID(k.id)))
		} else {
			b.rootKey, b.haveRootKey = k, true
		}
	}

	node := NewSpanNode(e.span)
	switch {
	case !hasParent && b.rootNode == nil:
		// The first root is assumed to be the real root; spans that lost
		// their parent are attributed to it later.
		b.rootNode = node
		b.rootKey, b.haveRootKey = k, true
		b.keyToParent.delete(unqualified)
	case e.shared:
		// A shared server span must be addressable both by children that
		// know its endpoint and by children that don't.
		b.keyToNode[k] = node
		b.keyToNode[unqualified] = node
	default:
		b.keyToNode[unqualified] = node
	}
}

// Build resolves all spans added so far and returns the root of the tree.
// When no root span arrived, the returned root is synthetic with a nil span.
// Build never fails on malformed traces; it degrades to best-effort
// placement under the root.
func (b *Builder) Build() *SpanNode {
	for _, e := range b.entries {
		b.processNode(e)
	}

	if b.rootNode == nil {
		b.logger.Debug("substituting dummy node for missing root span: traceId=" + b.traceID)
		b.rootNode = NewSpanNode(nil)
	}

	// Materialize the tree from the recorded parent-child relationships.
	b.keyToParent.each(func(childKey key, ref parentRef) {
		node := b.keyToNode[childKey]
		if node == nil {
			// Every live parent-index key was indexed by processNode; a miss
			// is a builder bug.
			b.logger.DPanic(fmt.Sprintf(
				"no node indexed for key %v: traceId=%s", childKey, b.traceID))
			return
		}
		var parent *SpanNode
		if ref.hasParent {
			parent = b.keyToNode[ref.parent]
		}
		if parent == nil { // headless: the parent never arrived
			_ = b.rootNode.AddChild(node)
		} else {
			_ = parent.AddChild(node)
		}
	})
	return b.rootNode
}
