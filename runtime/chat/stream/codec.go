package stream

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type (
	// Decoder validates inbound JSON envelopes against the embedded event
	// schemas and decodes them into Events. A Decoder is safe for concurrent
	// use.
	Decoder struct {
		envelope *jsonschema.Schema
		events   map[EventType]*jsonschema.Schema
		payloads map[interrupt.Variant]*jsonschema.Schema
	}

	eventEnvelope struct {
		Type    EventType       `json:"type"`
		Message json.RawMessage `json:"message,omitempty"`
		Final   bool            `json:"final,omitempty"`
		Variant string          `json:"variant,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	toolApprovalWire struct {
		ToolName string `json:"tool_name"`
		ToolArgs any    `json:"tool_args,omitempty"`
		Message  string `json:"message,omitempty"`
	}

	pendingToolWire struct {
		CallID    string `json:"call_id"`
		ToolName  string `json:"tool_name"`
		ToolArgs  any    `json:"tool_args,omitempty"`
		RiskLevel string `json:"risk_level,omitempty"`
		Reason    string `json:"reason,omitempty"`
	}

	batchApprovalWire struct {
		PendingTools      []pendingToolWire `json:"pending_tools"`
		AutoApprovedTools []pendingToolWire `json:"auto_approved_tools,omitempty"`
		TotalCount        int               `json:"total_count"`
	}

	sopToolCallWire struct {
		CallID   string `json:"call_id,omitempty"`
		ToolName string `json:"tool_name"`
		ToolArgs any    `json:"tool_args,omitempty"`
	}

	sopApprovalWire struct {
		SOPID       string            `json:"sop_id"`
		CurrentStep json.RawMessage   `json:"current_step,omitempty"`
		ToolCalls   []sopToolCallWire `json:"tool_calls,omitempty"`
		Message     string            `json:"message,omitempty"`
	}
)

var (
	defaultDecoder     *Decoder
	defaultDecoderErr  error
	defaultDecoderOnce sync.Once
)

// NewDecoder compiles the embedded schemas.
func NewDecoder() (*Decoder, error) {
	d := &Decoder{
		events:   make(map[EventType]*jsonschema.Schema),
		payloads: make(map[interrupt.Variant]*jsonschema.Schema),
	}
	var err error
	if d.envelope, err = compileSchema("envelope.json"); err != nil {
		return nil, err
	}
	for _, et := range []EventType{EventMessageDelta, EventInterrupt, EventError} {
		if d.events[et], err = compileSchema(string(et) + ".json"); err != nil {
			return nil, err
		}
	}
	for _, v := range []interrupt.Variant{interrupt.VariantToolApproval, interrupt.VariantBatchToolApproval, interrupt.VariantSOPExecution} {
		if d.payloads[v], err = compileSchema(string(v) + ".json"); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DefaultDecoder returns a process-wide Decoder. It panics if the embedded
// schemas fail to compile.
func DefaultDecoder() *Decoder {
	defaultDecoderOnce.Do(func() {
		defaultDecoder, defaultDecoderErr = NewDecoder()
	})
	if defaultDecoderErr != nil {
		panic(fmt.Errorf("compile event schemas: %w", defaultDecoderErr))
	}
	return defaultDecoder
}

// Decode validates and decodes one JSON event envelope. Malformed envelopes
// yield a malformed_event violation and unknown types an unknown_event
// violation.
func (d *Decoder) Decode(data []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "invalid JSON: %v", err)
	}
	if err := d.envelope.Validate(inst); err != nil {
		return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%v", err)
	}
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%v", err)
	}
	if env.Type == EventDone {
		return Done{}, nil
	}
	sch, ok := d.events[env.Type]
	if !ok {
		return nil, chaterrors.Violation(chaterrors.ReasonUnknownEvent, "unknown event type %q", env.Type)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s: %v", env.Type, err)
	}
	switch env.Type {
	case EventMessageDelta:
		var msg message.Message
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "message: %v", err)
		}
		return MessageDelta{Message: msg, Final: env.Final}, nil
	case EventError:
		var ev struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &ev)
		return ErrorEvent{Message: ev.Message}, nil
	default:
		sig, err := d.decodeSignal(interrupt.Variant(env.Variant), env.Payload)
		if err != nil {
			return nil, err
		}
		return InterruptEvent{Signal: sig}, nil
	}
}

func (d *Decoder) decodeSignal(variant interrupt.Variant, payload json.RawMessage) (interrupt.Signal, error) {
	sch, ok := d.payloads[variant]
	if !ok {
		return nil, chaterrors.Violation(chaterrors.ReasonUnknownEvent, "unknown interrupt variant %q", variant)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "interrupt payload: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s payload: %v", variant, err)
	}
	var sig interrupt.Signal
	switch variant {
	case interrupt.VariantToolApproval:
		var w toolApprovalWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s payload: %v", variant, err)
		}
		sig = &interrupt.ToolApproval{ToolName: w.ToolName, ToolArgs: w.ToolArgs, Message: w.Message}
	case interrupt.VariantBatchToolApproval:
		var w batchApprovalWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s payload: %v", variant, err)
		}
		sig = &interrupt.BatchToolApproval{
			PendingTools:      pendingFromWire(w.PendingTools),
			AutoApprovedTools: pendingFromWire(w.AutoApprovedTools),
			TotalCount:        w.TotalCount,
		}
	default:
		var w sopApprovalWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s payload: %v", variant, err)
		}
		s := &interrupt.SOPExecutionApproval{SOPID: w.SOPID, CurrentStep: stepString(w.CurrentStep), Message: w.Message}
		for _, tc := range w.ToolCalls {
			s.ToolCalls = append(s.ToolCalls, interrupt.SOPToolCall{CallID: tc.CallID, ToolName: tc.ToolName, ToolArgs: tc.ToolArgs})
		}
		sig = s
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}

// EncodeEvent returns the JSON envelope of ev. Backends and test servers use
// it to produce streams the Decoder accepts.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case MessageDelta:
		raw, err := json.Marshal(e.Message)
		if err != nil {
			return nil, err
		}
		return json.Marshal(eventEnvelope{Type: EventMessageDelta, Message: raw, Final: e.Final})
	case Done:
		return json.Marshal(eventEnvelope{Type: EventDone})
	case ErrorEvent:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{EventError, e.Message})
	case InterruptEvent:
		payload, err := encodeSignal(e.Signal)
		if err != nil {
			return nil, err
		}
		return json.Marshal(eventEnvelope{Type: EventInterrupt, Variant: string(e.Signal.Variant()), Payload: payload})
	}
	return nil, fmt.Errorf("unsupported event %T", ev)
}

func encodeSignal(sig interrupt.Signal) ([]byte, error) {
	switch s := sig.(type) {
	case *interrupt.ToolApproval:
		return json.Marshal(toolApprovalWire{ToolName: s.ToolName, ToolArgs: s.ToolArgs, Message: s.Message})
	case *interrupt.BatchToolApproval:
		return json.Marshal(batchApprovalWire{
			PendingTools:      pendingToWire(s.PendingTools),
			AutoApprovedTools: pendingToWire(s.AutoApprovedTools),
			TotalCount:        s.TotalCount,
		})
	case *interrupt.SOPExecutionApproval:
		w := sopApprovalWire{SOPID: s.SOPID, Message: s.Message}
		if s.CurrentStep != "" {
			w.CurrentStep, _ = json.Marshal(s.CurrentStep)
		}
		for _, tc := range s.ToolCalls {
			w.ToolCalls = append(w.ToolCalls, sopToolCallWire{CallID: tc.CallID, ToolName: tc.ToolName, ToolArgs: tc.ToolArgs})
		}
		return json.Marshal(w)
	}
	return nil, fmt.Errorf("unsupported signal %T", sig)
}

func pendingFromWire(in []pendingToolWire) []interrupt.PendingTool {
	if len(in) == 0 {
		return nil
	}
	out := make([]interrupt.PendingTool, len(in))
	for i, w := range in {
		out[i] = interrupt.PendingTool{CallID: w.CallID, ToolName: w.ToolName, ToolArgs: w.ToolArgs, RiskLevel: w.RiskLevel, Reason: w.Reason}
	}
	return out
}

func pendingToWire(in []interrupt.PendingTool) []pendingToolWire {
	out := make([]pendingToolWire, len(in))
	for i, pt := range in {
		out[i] = pendingToolWire{CallID: pt.CallID, ToolName: pt.ToolName, ToolArgs: pt.ToolArgs, RiskLevel: pt.RiskLevel, Reason: pt.Reason}
	}
	return out
}

// stepString renders an SOP step sent as a string or a number.
func stepString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}
