// OTLP JSON decoding into the span model
// Shared spans cannot be expressed in OTLP; server spans keep their own ids
package ingest

import (
	"encoding/hex"
	"fmt"
	"strings"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/andrewh/spantree/pkg/trace"
)

func parseOTLP(data []byte) ([]trace.Span, error) {
	var req coltracepb.ExportTraceServiceRequest
	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing OTLP: %w", err)
	}

	var spans []trace.Span
	for _, rs := range req.ResourceSpans {
		endpoint := resourceEndpoint(rs)

		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				parentID := hex.EncodeToString(span.ParentSpanId)
				if isZeroID(parentID) {
					parentID = ""
				}

				var duration uint64
				if span.EndTimeUnixNano > span.StartTimeUnixNano {
					duration = span.EndTimeUnixNano - span.StartTimeUnixNano
				}
				s := trace.Span{
					TraceID:   hex.EncodeToString(span.TraceId),
					ID:        hex.EncodeToString(span.SpanId),
					ParentID:  parentID,
					Kind:      otlpKind(span.Kind),
					Name:      span.Name,
					Timestamp: int64(span.StartTimeUnixNano / 1000), //nolint:gosec // nanosecond timestamps are always positive
					Duration:  int64(duration / 1000),               //nolint:gosec // bounded by the start/end guard
				}
				if endpoint != nil {
					ep := *endpoint
					s.LocalEndpoint = &ep
				}

				tags := make(map[string]string, len(span.Attributes))
				for _, attr := range span.Attributes {
					tags[attr.Key] = attrValueString(attr.Value)
				}
				if span.Status != nil && span.Status.Code == tracepb.Status_STATUS_CODE_ERROR {
					tags["error"] = span.Status.Message
				}
				if len(tags) > 0 {
					s.Tags = tags
				}
				for _, ev := range span.Events {
					s.Annotations = append(s.Annotations, trace.Annotation{
						Timestamp: int64(ev.TimeUnixNano / 1000), //nolint:gosec // nanosecond timestamps are always positive
						Value:     ev.Name,
					})
				}
				spans = append(spans, s)
			}
		}
	}

	if len(spans) == 0 {
		return nil, fmt.Errorf("no spans found in input")
	}
	return spans, nil
}

// resourceEndpoint extracts the local endpoint from resource attributes.
func resourceEndpoint(rs *tracepb.ResourceSpans) *trace.Endpoint {
	var ep trace.Endpoint
	for _, attr := range rs.Resource.GetAttributes() {
		switch attr.Key {
		case "service.name":
			ep.ServiceName = attr.Value.GetStringValue()
		case "net.host.ip", "host.ip":
			ip := attr.Value.GetStringValue()
			if strings.Contains(ip, ":") {
				ep.IPv6 = ip
			} else {
				ep.IPv4 = ip
			}
		case "net.host.port":
			ep.Port = uint16(attr.Value.GetIntValue()) //nolint:gosec // ports fit in 16 bits
		}
	}
	if ep.Empty() {
		return nil
	}
	return &ep
}

func otlpKind(k tracepb.Span_SpanKind) trace.Kind {
	switch k {
	case tracepb.Span_SPAN_KIND_CLIENT:
		return trace.KindClient
	case tracepb.Span_SPAN_KIND_SERVER:
		return trace.KindServer
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return trace.KindProducer
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return trace.KindConsumer
	default:
		return trace.KindUnspecified
	}
}

// isZeroID checks if a hex-encoded ID is all zeros or absent.
func isZeroID(id string) bool {
	for _, c := range id {
		if c != '0' {
			return false
		}
	}
	return true
}

// attrValueString extracts a string representation from an OTLP AnyValue.
// For non-string values, proto oneofs format as "type_key:value" so we
// extract just the value portion.
func attrValueString(v interface{ GetStringValue() string }) string {
	s := v.GetStringValue()
	if s != "" {
		return s
	}
	str := fmt.Sprintf("%v", v)
	if _, after, ok := strings.Cut(str, ":"); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(str)
}
