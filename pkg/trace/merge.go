// Duplicate span record merging with field dominance rules
// Records reported by multiple instrumentation points collapse into one
// canonical span per (traceId, id, shared) equivalence class
package trace

import "sort"

// MergeAll collapses duplicate records sharing (traceId, id, shared) into a
// single canonical span each, preserving first-seen order of the classes.
func MergeAll(spans []Span) []Span {
	type class struct {
		traceID string
		id      string
		shared  bool
	}
	index := make(map[class]int, len(spans))
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		c := class{s.TraceID, s.ID, s.Shared}
		if i, ok := index[c]; ok {
			out[i] = Merge(out[i], s)
			continue
		}
		index[c] = len(out)
		out = append(out, s)
	}
	return out
}

// Merge combines two records of the same span. Scalar conflicts resolve in
// favor of the record with the longer duration, ties to the later record b.
// The outcome is commutative for non-conflicting fields and associative.
func Merge(a, b Span) Span {
	out := a
	aDominates := a.Duration > b.Duration

	out.Name = mergeScalar(a.Name, b.Name, aDominates)
	out.Kind = Kind(mergeScalar(string(a.Kind), string(b.Kind), aDominates))
	out.Timestamp = mergeScalarInt(a.Timestamp, b.Timestamp, aDominates)
	out.Duration = mergeScalarInt(a.Duration, b.Duration, aDominates)
	out.LocalEndpoint = mergeEndpoints(a.LocalEndpoint, b.LocalEndpoint, aDominates)
	out.Tags = mergeTags(a.Tags, b.Tags)
	out.Annotations = mergeAnnotations(a.Annotations, b.Annotations)
	out.Shared = a.Shared || b.Shared
	out.Debug = a.Debug || b.Debug
	return out
}

func mergeScalar(a, b string, aDominates bool) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	case aDominates:
		return a
	default:
		return b
	}
}

func mergeScalarInt(a, b int64, aDominates bool) int64 {
	switch {
	case a == 0:
		return b
	case b == 0 || a == b:
		return a
	case aDominates:
		return a
	default:
		return b
	}
}

// mergeEndpoints unions field-wise, more specific values winning.
func mergeEndpoints(a, b *Endpoint, aDominates bool) *Endpoint {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	merged := Endpoint{
		ServiceName: mergeScalar(a.ServiceName, b.ServiceName, aDominates),
		IPv4:        mergeScalar(a.IPv4, b.IPv4, aDominates),
		IPv6:        mergeScalar(a.IPv6, b.IPv6, aDominates),
	}
	switch {
	case a.Port == 0:
		merged.Port = b.Port
	case b.Port == 0 || aDominates:
		merged.Port = a.Port
	default:
		merged.Port = b.Port
	}
	return &merged
}

// mergeTags unions both maps. On key collision the non-empty value is kept;
// when both are non-empty the later record wins.
func mergeTags(a, b map[string]string) map[string]string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	merged := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		if v == "" && merged[k] != "" {
			continue
		}
		merged[k] = v
	}
	return merged
}

// mergeAnnotations set-unions by (timestamp, value) and restores timestamp
// ordering.
func mergeAnnotations(a, b []Annotation) []Annotation {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	seen := make(map[Annotation]bool, len(a)+len(b))
	merged := make([]Annotation, 0, len(a)+len(b))
	for _, ann := range a {
		if !seen[ann] {
			seen[ann] = true
			merged = append(merged, ann)
		}
	}
	for _, ann := range b {
		if !seen[ann] {
			seen[ann] = true
			merged = append(merged, ann)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
