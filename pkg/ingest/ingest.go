// Package ingest decodes pre-collected span payloads into the span model.
// Handles Zipkin v2 JSON (span arrays) and OTLP JSON (resourceSpans)
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/andrewh/spantree/pkg/trace"
)

// Format identifies the input payload format.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatZipkin Format = "zipkin"
	FormatOTLP   Format = "otlp"
)

// maxInputSize is the maximum input size to prevent OOM on large exports.
const maxInputSize = 256 * 1024 * 1024 // 256 MB

// ParseSpans reads spans from the given reader in the specified format.
// FormatAuto inspects the payload shape to determine the format.
func ParseSpans(r io.Reader, format Format) ([]trace.Span, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no spans found in input")
	}

	if format == FormatAuto {
		format, err = detectFormat(data)
		if err != nil {
			return nil, err
		}
	}

	switch format {
	case FormatZipkin:
		return parseZipkin(data)
	case FormatOTLP:
		return parseOTLP(data)
	default:
		return nil, fmt.Errorf("unknown format %q, valid formats: auto, zipkin, otlp", format)
	}
}

// detectFormat examines the input to determine the format: a JSON array is
// Zipkin v2, an object with resourceSpans is OTLP.
func detectFormat(data []byte) (Format, error) {
	if data[0] == '[' {
		return FormatZipkin, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if _, ok := probe["resourceSpans"]; ok {
			return FormatOTLP, nil
		}
	}
	return "", fmt.Errorf("cannot detect format: input is neither a Zipkin v2 span array nor OTLP resourceSpans")
}

// jsonSpan mirrors the Zipkin v2 wire format.
type jsonSpan struct {
	TraceID        string            `json:"traceId"`
	ParentID       string            `json:"parentId,omitempty"`
	ID             string            `json:"id"`
	Kind           string            `json:"kind,omitempty"`
	Name           string            `json:"name,omitempty"`
	Timestamp      int64             `json:"timestamp,omitempty"`
	Duration       int64             `json:"duration,omitempty"`
	Debug          bool              `json:"debug,omitempty"`
	Shared         bool              `json:"shared,omitempty"`
	LocalEndpoint  *jsonEndpoint     `json:"localEndpoint,omitempty"`
	RemoteEndpoint *jsonEndpoint     `json:"remoteEndpoint,omitempty"`
	Annotations    []jsonAnnotation  `json:"annotations,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

type jsonEndpoint struct {
	ServiceName string `json:"serviceName,omitempty"`
	IPv4        string `json:"ipv4,omitempty"`
	IPv6        string `json:"ipv6,omitempty"`
	Port        uint16 `json:"port,omitempty"`
}

type jsonAnnotation struct {
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"`
}

func parseZipkin(data []byte) ([]trace.Span, error) {
	var wire []jsonSpan
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parsing zipkin JSON: %w", err)
	}

	spans := make([]trace.Span, 0, len(wire))
	for i, ws := range wire {
		s, err := ws.toSpan()
		if err != nil {
			return nil, fmt.Errorf("span %d: %w", i, err)
		}
		spans = append(spans, s)
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("no spans found in input")
	}
	return spans, nil
}

func (ws jsonSpan) toSpan() (trace.Span, error) {
	traceID, err := trace.NormalizeTraceID(ws.TraceID)
	if err != nil {
		return trace.Span{}, err
	}
	id, err := trace.NormalizeSpanID(ws.ID)
	if err != nil {
		return trace.Span{}, err
	}
	parentID := ""
	if ws.ParentID != "" {
		if parentID, err = trace.NormalizeSpanID(ws.ParentID); err != nil {
			return trace.Span{}, err
		}
	}

	s := trace.Span{
		TraceID:   traceID,
		ID:        id,
		ParentID:  parentID,
		Kind:      trace.Kind(ws.Kind),
		Name:      ws.Name,
		Timestamp: ws.Timestamp,
		Duration:  ws.Duration,
		Shared:    ws.Shared,
		Debug:     ws.Debug,
		Tags:      ws.Tags,
	}
	if ws.LocalEndpoint != nil {
		s.LocalEndpoint = &trace.Endpoint{
			ServiceName: ws.LocalEndpoint.ServiceName,
			IPv4:        ws.LocalEndpoint.IPv4,
			IPv6:        ws.LocalEndpoint.IPv6,
			Port:        ws.LocalEndpoint.Port,
		}
	}
	for _, a := range ws.Annotations {
		s.Annotations = append(s.Annotations, trace.Annotation{Timestamp: a.Timestamp, Value: a.Value})
	}
	return s, nil
}

// MarshalZipkin encodes spans as a Zipkin v2 JSON array, the inverse of
// parseZipkin.
func MarshalZipkin(spans []trace.Span) ([]byte, error) {
	wire := make([]jsonSpan, 0, len(spans))
	for _, s := range spans {
		wire = append(wire, fromSpan(s))
	}
	return json.Marshal(wire)
}

func fromSpan(s trace.Span) jsonSpan {
	ws := jsonSpan{
		TraceID:   s.TraceID,
		ParentID:  s.ParentID,
		ID:        s.ID,
		Kind:      string(s.Kind),
		Name:      s.Name,
		Timestamp: s.Timestamp,
		Duration:  s.Duration,
		Shared:    s.Shared,
		Debug:     s.Debug,
		Tags:      s.Tags,
	}
	if s.LocalEndpoint != nil {
		ws.LocalEndpoint = &jsonEndpoint{
			ServiceName: s.LocalEndpoint.ServiceName,
			IPv4:        s.LocalEndpoint.IPv4,
			IPv6:        s.LocalEndpoint.IPv6,
			Port:        s.LocalEndpoint.Port,
		}
	}
	for _, a := range s.Annotations {
		ws.Annotations = append(ws.Annotations, jsonAnnotation{Timestamp: a.Timestamp, Value: a.Value})
	}
	return ws
}

// TraceSpans groups the spans of one trace, preserving input order.
type TraceSpans struct {
	TraceID string
	Spans   []trace.Span
}

// GroupByTrace splits spans by trace id in first-seen order.
func GroupByTrace(spans []trace.Span) []TraceSpans {
	index := make(map[string]int, len(spans))
	var groups []TraceSpans
	for _, s := range spans {
		i, ok := index[s.TraceID]
		if !ok {
			i = len(groups)
			index[s.TraceID] = i
			groups = append(groups, TraceSpans{TraceID: s.TraceID})
		}
		groups[i].Spans = append(groups[i].Spans, s)
	}
	return groups
}

// SortByTimestamp orders spans by timestamp, then id, for stable display.
// Unreported timestamps sort first.
func SortByTimestamp(spans []trace.Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Timestamp != spans[j].Timestamp {
			return spans[i].Timestamp < spans[j].Timestamp
		}
		return spans[i].ID < spans[j].ID
	})
}
