package interrupt

import (
	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/message"
)

// Variant names the shape of an interrupt signal on the wire.
type Variant string

const (
	// VariantToolApproval asks the operator to approve one tool invocation.
	VariantToolApproval Variant = "tool_approval"
	// VariantBatchToolApproval asks the operator to approve a cohort of
	// invocations, possibly across several resume rounds.
	VariantBatchToolApproval Variant = "batch_tool_approval"
	// VariantSOPExecution asks the operator to approve a standard operating
	// procedure bundle as a single unit.
	VariantSOPExecution Variant = "sop_execution"
)

type (
	// Signal is a backend-declared suspension of the current run. The set of
	// implementations is closed: *ToolApproval, *BatchToolApproval and
	// *SOPExecutionApproval.
	Signal interface {
		Variant() Variant
		// Validate reports whether the payload is well formed.
		Validate() error
		signal()
	}

	// ToolApproval identifies its pending invocation structurally, by tool
	// name and deep-equal arguments, not by call id.
	ToolApproval struct {
		ToolName string
		ToolArgs any
		Message  string
	}

	// BatchToolApproval lists invocations awaiting operator action together
	// with those already approved upstream by policy.
	BatchToolApproval struct {
		PendingTools      []PendingTool
		AutoApprovedTools []PendingTool
		TotalCount        int
	}

	// SOPExecutionApproval is approved or rejected atomically.
	SOPExecutionApproval struct {
		SOPID       string
		CurrentStep string
		ToolCalls   []SOPToolCall
		Message     string
	}

	// PendingTool is one entry of a batch approval.
	PendingTool struct {
		CallID    string
		ToolName  string
		ToolArgs  any
		RiskLevel string
		Reason    string
	}

	// SOPToolCall is one invocation of an SOP bundle.
	SOPToolCall struct {
		CallID   string
		ToolName string
		ToolArgs any
	}
)

func (*ToolApproval) Variant() Variant         { return VariantToolApproval }
func (*BatchToolApproval) Variant() Variant    { return VariantBatchToolApproval }
func (*SOPExecutionApproval) Variant() Variant { return VariantSOPExecution }

func (*ToolApproval) signal()         {}
func (*BatchToolApproval) signal()    {}
func (*SOPExecutionApproval) signal() {}

// Validate requires a tool name.
func (s *ToolApproval) Validate() error {
	if s.ToolName == "" {
		return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "tool approval without tool name")
	}
	return nil
}

// Validate requires non-empty call ids that are unique across pending and
// auto-approved entries.
func (s *BatchToolApproval) Validate() error {
	seen := make(map[string]struct{}, len(s.PendingTools)+len(s.AutoApprovedTools))
	for _, group := range [][]PendingTool{s.PendingTools, s.AutoApprovedTools} {
		for _, pt := range group {
			if pt.CallID == "" {
				return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "batch approval entry without call id")
			}
			if _, dup := seen[pt.CallID]; dup {
				return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "batch approval lists call %q twice", pt.CallID)
			}
			seen[pt.CallID] = struct{}{}
		}
	}
	if s.TotalCount < 0 {
		return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "negative total count")
	}
	return nil
}

// Validate requires an SOP id.
func (s *SOPExecutionApproval) Validate() error {
	if s.SOPID == "" {
		return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "sop approval without sop id")
	}
	return nil
}

// PendingCallIDs returns the batch call ids awaiting operator action, in
// order.
func (s *BatchToolApproval) PendingCallIDs() []string {
	out := make([]string, len(s.PendingTools))
	for i, pt := range s.PendingTools {
		out[i] = pt.CallID
	}
	return out
}

// Matches reports whether call is structurally the invocation s asks about.
func (s *ToolApproval) Matches(call message.ToolCall) bool {
	return call.Name == s.ToolName && message.ArgsEqual(call.Args, s.ToolArgs)
}

// Matches reports whether call belongs to the SOP bundle, by call id when
// the bundle carries one and structurally otherwise.
func (s *SOPExecutionApproval) Matches(call message.ToolCall) bool {
	for _, tc := range s.ToolCalls {
		if tc.CallID != "" {
			if tc.CallID == call.CallID {
				return true
			}
			continue
		}
		if tc.ToolName == call.Name && message.ArgsEqual(tc.ToolArgs, call.Args) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of sig. It returns nil for nil.
func Clone(sig Signal) Signal {
	switch s := sig.(type) {
	case *ToolApproval:
		if s == nil {
			return nil
		}
		out := *s
		out.ToolArgs = message.CloneArgs(s.ToolArgs)
		return &out
	case *BatchToolApproval:
		if s == nil {
			return nil
		}
		return &BatchToolApproval{
			PendingTools:      clonePending(s.PendingTools),
			AutoApprovedTools: clonePending(s.AutoApprovedTools),
			TotalCount:        s.TotalCount,
		}
	case *SOPExecutionApproval:
		if s == nil {
			return nil
		}
		out := *s
		if s.ToolCalls != nil {
			out.ToolCalls = make([]SOPToolCall, len(s.ToolCalls))
			for i, tc := range s.ToolCalls {
				tc.ToolArgs = message.CloneArgs(tc.ToolArgs)
				out.ToolCalls[i] = tc
			}
		}
		return &out
	default:
		return nil
	}
}

func clonePending(in []PendingTool) []PendingTool {
	if in == nil {
		return nil
	}
	out := make([]PendingTool, len(in))
	for i, pt := range in {
		pt.ToolArgs = message.CloneArgs(pt.ToolArgs)
		out[i] = pt
	}
	return out
}

// IsNil reports whether sig is nil or a typed nil pointer.
func IsNil(sig Signal) bool {
	switch s := sig.(type) {
	case nil:
		return true
	case *ToolApproval:
		return s == nil
	case *BatchToolApproval:
		return s == nil
	case *SOPExecutionApproval:
		return s == nil
	}
	return true
}
