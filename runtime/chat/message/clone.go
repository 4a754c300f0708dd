package message

import (
	"encoding/json"
	"reflect"
)

// Clone returns a deep copy of m suitable for handing across component
// boundaries.
func Clone(m Message) Message {
	out := m
	out.Content = cloneContent(m.Content)
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = CloneToolCall(tc)
		}
	}
	return out
}

// CloneMessages returns deep copies of all messages.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = Clone(in[i])
	}
	return out
}

// CloneToolCall returns a deep copy of tc.
func CloneToolCall(tc ToolCall) ToolCall {
	tc.Args = CloneArgs(tc.Args)
	return tc
}

// CloneArgs deep-copies a JSON-compatible value (maps, slices and scalars).
// Values of other types are returned as is.
func CloneArgs(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneArgs(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneArgs(item)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}

// ArgsEqual reports whether a and b are structurally equal once both are
// normalized to their JSON value trees. Numbers compare by value, object key
// order is irrelevant, and nil compares equal to an empty object.
func ArgsEqual(a, b any) bool {
	na, okA := normalize(a)
	nb, okB := normalize(b)
	if !okA || !okB {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, bool) {
	var raw []byte
	switch val := v.(type) {
	case nil:
		return map[string]any{}, true
	case json.RawMessage:
		if len(val) == 0 {
			return map[string]any{}, true
		}
		raw = val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, false
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	if out == nil {
		return map[string]any{}, true
	}
	return out, true
}

func cloneContent(c Content) Content {
	if c.structured {
		c.raw = append(json.RawMessage(nil), c.raw...)
	}
	return c
}
