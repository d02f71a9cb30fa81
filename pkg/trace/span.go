// Zipkin-style span value model shared by the merge, builder, and timeline packages
// IDs are lowercase hex strings; timestamps and durations are epoch microseconds
package trace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind is the role a span played in an RPC or messaging exchange.
type Kind string

const (
	KindUnspecified Kind = ""
	KindClient      Kind = "CLIENT"
	KindServer      Kind = "SERVER"
	KindProducer    Kind = "PRODUCER"
	KindConsumer    Kind = "CONSUMER"
)

// Endpoint is the network identity where a span executed.
type Endpoint struct {
	ServiceName string
	IPv4        string
	IPv6        string
	Port        uint16
}

// Empty reports whether no field of the endpoint is set.
func (e Endpoint) Empty() bool {
	return e.ServiceName == "" && e.IPv4 == "" && e.IPv6 == "" && e.Port == 0
}

// Hash combines all four fields deterministically. Field boundaries are
// delimited so ("ab", "c") and ("a", "bc") hash differently.
func (e Endpoint) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(e.ServiceName)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(e.IPv4)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(e.IPv6)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], e.Port)
	_, _ = d.Write(port[:])
	return d.Sum64()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("Endpoint{serviceName=%s, ipv4=%s, ipv6=%s, port=%d}",
		e.ServiceName, e.IPv4, e.IPv6, e.Port)
}

// Annotation is a timestamped event recorded on a span.
type Annotation struct {
	Timestamp int64 // microseconds since epoch
	Value     string
}

// Span is a single timed operation within a trace. The zero value of every
// optional field means absent: ParentID "" is a root candidate, Timestamp
// and Duration 0 are unreported, LocalEndpoint nil is unknown.
type Span struct {
	TraceID       string
	ID            string
	ParentID      string
	Kind          Kind
	Name          string
	Timestamp     int64 // microseconds since epoch
	Duration      int64 // microseconds
	LocalEndpoint *Endpoint
	Shared        bool
	Debug         bool
	Tags          map[string]string
	Annotations   []Annotation
}

// NormalizeTraceID validates and left-pads a hex trace id to 16 characters,
// or 32 when longer than 16 (128-bit trace ids).
func NormalizeTraceID(id string) (string, error) {
	id = strings.ToLower(id)
	if err := validateHex(id); err != nil {
		return "", fmt.Errorf("traceId: %w", err)
	}
	if len(id) > 32 {
		return "", fmt.Errorf("traceId %q is longer than 32 characters", id)
	}
	if len(id) > 16 {
		return padHex(id, 32), nil
	}
	return padHex(id, 16), nil
}

// NormalizeSpanID validates and left-pads a hex span id to 16 characters.
func NormalizeSpanID(id string) (string, error) {
	id = strings.ToLower(id)
	if err := validateHex(id); err != nil {
		return "", fmt.Errorf("spanId: %w", err)
	}
	if len(id) > 16 {
		return "", fmt.Errorf("spanId %q is longer than 16 characters", id)
	}
	return padHex(id, 16), nil
}

func validateHex(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("id %q is not lower-hex", id)
		}
	}
	return nil
}

// padHex left-pads id with zeros to width. IDs already at or beyond the
// width are returned unchanged.
func padHex(id string, width int) string {
	if len(id) >= width {
		return id
	}
	var b strings.Builder
	b.Grow(width)
	for i := len(id); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(id)
	return b.String()
}

// renderID pads a hex identifier with leading zeros to 16 characters when it
// fits in 64 bits, 32 otherwise. Used for log output.
func renderID(id string) string {
	if len(id) > 16 {
		return padHex(id, 32)
	}
	return padHex(id, 16)
}
