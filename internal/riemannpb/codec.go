package riemannpb

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	eventFieldTime         protowire.Number = 1
	eventFieldState        protowire.Number = 2
	eventFieldService      protowire.Number = 3
	eventFieldHost         protowire.Number = 4
	eventFieldDescription  protowire.Number = 5
	eventFieldTags         protowire.Number = 7
	eventFieldTTL          protowire.Number = 8
	eventFieldAttributes   protowire.Number = 9
	eventFieldMetricSint64 protowire.Number = 13
	eventFieldMetricD      protowire.Number = 14
	eventFieldMetricF      protowire.Number = 15

	attributeFieldKey   protowire.Number = 1
	attributeFieldValue protowire.Number = 2

	queryFieldString protowire.Number = 1

	msgFieldOk     protowire.Number = 2
	msgFieldError  protowire.Number = 3
	msgFieldQuery  protowire.Number = 5
	msgFieldEvents protowire.Number = 6
)

// ErrMalformed marks payloads that cannot be decoded as Riemann messages.
var ErrMalformed = errors.New("malformed riemann message")

// Marshal serializes a message into Riemann wire bytes.
// Params: msg message to encode (nil encodes an empty message).
// Returns: encoded payload.
func Marshal(msg *Msg) []byte {
	if msg == nil {
		return []byte{}
	}
	return AppendMsg(nil, msg)
}

// AppendMsg appends the encoded message to b.
// Params: b destination buffer; msg message to encode.
// Returns: extended buffer.
func AppendMsg(b []byte, msg *Msg) []byte {
	if msg.Ok {
		b = protowire.AppendTag(b, msgFieldOk, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if msg.Error != "" {
		b = protowire.AppendTag(b, msgFieldError, protowire.BytesType)
		b = protowire.AppendString(b, msg.Error)
	}
	if msg.Query != nil {
		var query []byte
		query = protowire.AppendTag(query, queryFieldString, protowire.BytesType)
		query = protowire.AppendString(query, msg.Query.String)
		b = protowire.AppendTag(b, msgFieldQuery, protowire.BytesType)
		b = protowire.AppendBytes(b, query)
	}
	for _, event := range msg.Events {
		if event == nil {
			continue
		}
		b = protowire.AppendTag(b, msgFieldEvents, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendEvent(nil, event))
	}
	return b
}

// AppendEvent appends one encoded event to b.
// Scalar fields are always written, including zero values; only the metric
// selected by MetricKind is written.
// Params: b destination buffer; event event to encode.
// Returns: extended buffer.
func AppendEvent(b []byte, event *Event) []byte {
	b = protowire.AppendTag(b, eventFieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(event.Time))
	b = appendStringField(b, eventFieldState, event.State)
	b = appendStringField(b, eventFieldService, event.Service)
	b = appendStringField(b, eventFieldHost, event.Host)
	b = appendStringField(b, eventFieldDescription, event.Description)
	for _, tag := range event.Tags {
		b = appendStringField(b, eventFieldTags, tag)
	}
	b = protowire.AppendTag(b, eventFieldTTL, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(event.TTL))
	for _, attribute := range event.Attributes {
		var encoded []byte
		encoded = appendStringField(encoded, attributeFieldKey, attribute.Key)
		encoded = appendStringField(encoded, attributeFieldValue, attribute.Value)
		b = protowire.AppendTag(b, eventFieldAttributes, protowire.BytesType)
		b = protowire.AppendBytes(b, encoded)
	}

	switch event.MetricKind {
	case MetricInt:
		b = protowire.AppendTag(b, eventFieldMetricSint64, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(event.MetricSint64))
	case MetricDouble:
		b = protowire.AppendTag(b, eventFieldMetricD, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(event.MetricD))
	case MetricFloat:
		b = protowire.AppendTag(b, eventFieldMetricF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(event.MetricF))
	}
	return b
}

func appendStringField(b []byte, num protowire.Number, value string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, value)
}

// Unmarshal decodes Riemann wire bytes into a message.
// Params: payload encoded message.
// Returns: decoded message or ErrMalformed-wrapped error.
func Unmarshal(payload []byte) (*Msg, error) {
	msg := &Msg{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == msgFieldOk && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			msg.Ok = protowire.DecodeBool(v)
			return n, nil
		case num == msgFieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			msg.Error = v
			return n, nil
		case num == msgFieldQuery && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			query, err := unmarshalQuery(v)
			if err != nil {
				return 0, fmt.Errorf("decode query: %w", err)
			}
			msg.Query = query
			return n, nil
		case num == msgFieldEvents && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			event, err := UnmarshalEvent(v)
			if err != nil {
				return 0, fmt.Errorf("decode event[%d]: %w", len(msg.Events), err)
			}
			msg.Events = append(msg.Events, event)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UnmarshalEvent decodes one encoded event.
// When a server fills several metric fields, the most precise one wins:
// metric_sint64, then metric_d, then metric_f.
// Params: payload encoded event.
// Returns: decoded event or ErrMalformed-wrapped error.
func UnmarshalEvent(payload []byte) (*Event, error) {
	event := &Event{}
	var hasF, hasD, hasI bool

	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == eventFieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			event.Time = int64(v)
			return n, nil
		case num == eventFieldState && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			event.State = v
			return n, nil
		case num == eventFieldService && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			event.Service = v
			return n, nil
		case num == eventFieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			event.Host = v
			return n, nil
		case num == eventFieldDescription && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			event.Description = v
			return n, nil
		case num == eventFieldTags && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				event.Tags = append(event.Tags, v)
			}
			return n, nil
		case num == eventFieldTTL && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			event.TTL = math.Float32frombits(v)
			return n, nil
		case num == eventFieldAttributes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			attribute, err := unmarshalAttribute(v)
			if err != nil {
				return 0, fmt.Errorf("decode attribute: %w", err)
			}
			event.Attributes = append(event.Attributes, attribute)
			return n, nil
		case num == eventFieldMetricSint64 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			event.MetricSint64 = protowire.DecodeZigZag(v)
			hasI = n >= 0
			return n, nil
		case num == eventFieldMetricD && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			event.MetricD = math.Float64frombits(v)
			hasD = n >= 0
			return n, nil
		case num == eventFieldMetricF && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			event.MetricF = math.Float32frombits(v)
			hasF = n >= 0
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case hasI:
		event.MetricKind = MetricInt
	case hasD:
		event.MetricKind = MetricDouble
	case hasF:
		event.MetricKind = MetricFloat
	}
	return event, nil
}

func unmarshalAttribute(payload []byte) (Attribute, error) {
	var attribute Attribute
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == attributeFieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			attribute.Key = v
			return n, nil
		case num == attributeFieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			attribute.Value = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return attribute, err
}

func unmarshalQuery(payload []byte) (*Query, error) {
	query := &Query{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == queryFieldString && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			query.String = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return query, nil
}

// walkFields iterates tagged fields; consume returns bytes used after the tag
// (negative on wire error) or a nested decode error.
func walkFields(payload []byte, consume func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		payload = payload[n:]

		used, err := consume(num, typ, payload)
		if err != nil {
			return err
		}
		if used < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(used))
		}
		payload = payload[used:]
	}
	return nil
}
