package client

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"riemann/internal/riemannpb"
)

// Field names accepted by ParseFields and produced by CreateDict.
const (
	FieldTime         = "time"
	FieldState        = "state"
	FieldService      = "service"
	FieldHost         = "host"
	FieldDescription  = "description"
	FieldTags         = "tags"
	FieldTTL          = "ttl"
	FieldAttributes   = "attributes"
	FieldMetricF      = "metric_f"
	FieldMetricD      = "metric_d"
	FieldMetricSint64 = "metric_sint64"
)

var (
	// ErrUnknownField is returned for field names outside the event schema.
	ErrUnknownField = errors.New("unknown event field")
	// ErrFieldType is returned when a field value has an unusable type.
	ErrFieldType = errors.New("invalid event field type")
	// ErrMultipleMetrics is returned when more than one metric representation is set.
	ErrMultipleMetrics = errors.New("only one of metric_f, metric_d, metric_sint64 may be set")
)

var hostname = os.Hostname

// Fields is the sparse input used to build an event. Nil pointers mean
// "unset"; unset scalars become protocol zero values.
type Fields struct {
	Time         *int64
	State        *string
	Service      *string
	Host         *string
	Description  *string
	Tags         []string
	TTL          *float32
	Attributes   map[string]string
	MetricF      *float32
	MetricD      *float64
	MetricSint64 *int64
}

// Ptr returns a pointer to v; handy for filling Fields literals.
func Ptr[T any](v T) *T {
	return &v
}

// ParseFields builds Fields from a map keyed by wire field names.
// Nil values are treated as unset.
// Params: data named field values.
// Returns: Fields or ErrUnknownField/ErrFieldType-wrapped error.
func ParseFields(data map[string]any) (Fields, error) {
	var fields Fields
	for name, raw := range data {
		if raw == nil {
			continue
		}
		if err := fields.set(name, raw); err != nil {
			return Fields{}, err
		}
	}
	return fields, nil
}

func (f *Fields) set(name string, raw any) error {
	switch name {
	case FieldTime:
		v, ok := toInt64(raw)
		if !ok {
			return fieldTypeError(name, raw)
		}
		f.Time = &v
	case FieldState, FieldService, FieldHost, FieldDescription:
		v, ok := raw.(string)
		if !ok {
			return fieldTypeError(name, raw)
		}
		switch name {
		case FieldState:
			f.State = &v
		case FieldService:
			f.Service = &v
		case FieldHost:
			f.Host = &v
		default:
			f.Description = &v
		}
	case FieldTags:
		tags, ok := toStrings(raw)
		if !ok {
			return fieldTypeError(name, raw)
		}
		f.Tags = tags
	case FieldTTL:
		v, ok := toFloat64(raw)
		if !ok {
			return fieldTypeError(name, raw)
		}
		ttl := float32(v)
		f.TTL = &ttl
	case FieldAttributes:
		attributes, ok := toStringMap(raw)
		if !ok {
			return fieldTypeError(name, raw)
		}
		f.Attributes = attributes
	case FieldMetricF:
		v, ok := toFloat64(raw)
		if !ok {
			return fieldTypeError(name, raw)
		}
		metric := float32(v)
		f.MetricF = &metric
	case FieldMetricD:
		v, ok := toFloat64(raw)
		if !ok {
			return fieldTypeError(name, raw)
		}
		f.MetricD = &v
	case FieldMetricSint64:
		v, ok := toInt64(raw)
		if !ok {
			return fieldTypeError(name, raw)
		}
		f.MetricSint64 = &v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return nil
}

// CreateEvent builds an event from sparse fields.
// Host defaults to the local hostname, tags to an empty list, and attributes
// are emitted sorted by key.
// Params: fields sparse event input.
// Returns: event or ErrMultipleMetrics.
func CreateEvent(fields Fields) (*riemannpb.Event, error) {
	event := &riemannpb.Event{
		Tags: []string{},
	}

	if fields.Host != nil {
		event.Host = *fields.Host
	} else {
		event.Host = localHostname()
	}
	if fields.Time != nil {
		event.Time = *fields.Time
	}
	if fields.State != nil {
		event.State = *fields.State
	}
	if fields.Service != nil {
		event.Service = *fields.Service
	}
	if fields.Description != nil {
		event.Description = *fields.Description
	}
	if fields.TTL != nil {
		event.TTL = *fields.TTL
	}
	if len(fields.Tags) > 0 {
		event.Tags = append(event.Tags, fields.Tags...)
	}

	if len(fields.Attributes) > 0 {
		keys := make([]string, 0, len(fields.Attributes))
		for key := range fields.Attributes {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		event.Attributes = make([]riemannpb.Attribute, 0, len(keys))
		for _, key := range keys {
			event.Attributes = append(event.Attributes, riemannpb.Attribute{Key: key, Value: fields.Attributes[key]})
		}
	}

	metrics := 0
	if fields.MetricF != nil {
		metrics++
		event.MetricKind = riemannpb.MetricFloat
		event.MetricF = *fields.MetricF
	}
	if fields.MetricD != nil {
		metrics++
		event.MetricKind = riemannpb.MetricDouble
		event.MetricD = *fields.MetricD
	}
	if fields.MetricSint64 != nil {
		metrics++
		event.MetricKind = riemannpb.MetricInt
		event.MetricSint64 = *fields.MetricSint64
	}
	if metrics > 1 {
		return nil, ErrMultipleMetrics
	}

	return event, nil
}

// CreateDict maps an event back to named fields for display.
// Every scalar field is present; attributes and the metric only when set.
// Params: event source event.
// Returns: field map keyed by wire field names.
func CreateDict(event *riemannpb.Event) map[string]any {
	data := map[string]any{
		FieldTime:        event.Time,
		FieldState:       event.State,
		FieldService:     event.Service,
		FieldHost:        event.Host,
		FieldDescription: event.Description,
		FieldTags:        append([]string{}, event.Tags...),
		FieldTTL:         event.TTL,
	}

	if len(event.Attributes) > 0 {
		attributes := make(map[string]string, len(event.Attributes))
		for _, attribute := range event.Attributes {
			attributes[attribute.Key] = attribute.Value
		}
		data[FieldAttributes] = attributes
	}

	switch event.MetricKind {
	case riemannpb.MetricFloat:
		data[FieldMetricF] = event.MetricF
	case riemannpb.MetricDouble:
		data[FieldMetricD] = event.MetricD
	case riemannpb.MetricInt:
		data[FieldMetricSint64] = event.MetricSint64
	}
	return data
}

func localHostname() string {
	name, err := hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

func fieldTypeError(name string, raw any) error {
	return fmt.Errorf("%w: %s has type %T", ErrFieldType, name, raw)
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func toFloat64(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func toStrings(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func toStringMap(raw any) (map[string]string, bool) {
	switch v := raw.(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for key, value := range v {
			out[key] = value
		}
		return out, true
	case map[string]any:
		out := make(map[string]string, len(v))
		for key, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[key] = s
		}
		return out, true
	default:
		return nil, false
	}
}
