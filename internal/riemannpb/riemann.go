// Package riemannpb holds the Riemann protocol messages and their binary
// encoding. Field numbers follow the published Riemann proto.proto, so the
// bytes produced here are accepted by any Riemann server.
package riemannpb

// MetricKind identifies which metric representation an event carries.
// Params: none.
// Returns: enum value for metric_f/metric_d/metric_sint64 selection.
type MetricKind uint8

const (
	// MetricNone means the event carries no metric.
	MetricNone MetricKind = iota
	// MetricFloat selects metric_f (32-bit float).
	MetricFloat
	// MetricDouble selects metric_d (64-bit float).
	MetricDouble
	// MetricInt selects metric_sint64 (zigzag signed integer).
	MetricInt
)

// String returns the wire field name of the metric kind.
func (k MetricKind) String() string {
	switch k {
	case MetricFloat:
		return "metric_f"
	case MetricDouble:
		return "metric_d"
	case MetricInt:
		return "metric_sint64"
	default:
		return "none"
	}
}

// Attribute is one free-form key/value pair attached to an event.
type Attribute struct {
	Key   string
	Value string
}

// Event is one monitoring event.
// Params: scalar fields, ordered tags, attributes, and exactly one metric selected by MetricKind.
// Returns: wire-ready event record.
type Event struct {
	Time        int64
	State       string
	Service     string
	Host        string
	Description string
	Tags        []string
	TTL         float32
	Attributes  []Attribute

	MetricKind   MetricKind
	MetricF      float32
	MetricD      float64
	MetricSint64 int64
}

// Clone returns a deep copy so batches never alias caller-owned slices.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.Attributes != nil {
		out.Attributes = append([]Attribute(nil), e.Attributes...)
	}
	return &out
}

// Query carries an opaque Riemann query string.
type Query struct {
	String string
}

// Msg is the unit of transmission: a batch of events and/or a query on the
// way out, an acknowledgement with optional events on the way back.
type Msg struct {
	Ok     bool
	Error  string
	Query  *Query
	Events []*Event
}
