// Package correlate pairs tool invocations requested by ai messages with the
// tool messages answering them and classifies each invocation's approval
// state against the live interrupt and the operator's recorded decisions.
//
// Correlate is pure: it never mutates its inputs and returns the same
// result for the same transcript, signal and decisions.
package correlate

import (
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
)

// ApprovalState is the lifecycle state of one tool invocation.
type ApprovalState string

const (
	// StateNotRequired is an invocation awaiting execution that needs no
	// operator action.
	StateNotRequired ApprovalState = "not_required"
	// StatePendingApproval is an invocation the live interrupt asks about.
	StatePendingApproval ApprovalState = "pending_approval"
	// StateApproved is an invocation approved by the operator or by policy
	// whose result has not arrived yet.
	StateApproved ApprovalState = "approved"
	// StateRejected is an invocation the operator rejected.
	StateRejected ApprovalState = "rejected"
	// StateExecuted is an invocation whose result is in the transcript.
	StateExecuted ApprovalState = "executed"
)

// AnomalyKind classifies a transcript inconsistency found while correlating.
type AnomalyKind string

const (
	// AnomalyDuplicateResult is a second tool message for an already
	// answered call id. The first result wins.
	AnomalyDuplicateResult AnomalyKind = "duplicate_result"
	// AnomalyOrphanResult is a tool message that answers no preceding call.
	AnomalyOrphanResult AnomalyKind = "orphan_result"
	// AnomalyDuplicateCallID is a call id reused by a later ai message. The
	// first invocation wins.
	AnomalyDuplicateCallID AnomalyKind = "duplicate_call_id"
)

type (
	// Record is the derived view of one tool invocation.
	Record struct {
		Call message.ToolCall
		// MessageID is the id of the ai message that requested the call.
		MessageID string
		State     ApprovalState
		// Result points at the tool message answering the call, or is nil.
		// It aliases the input transcript and must not be mutated.
		Result *message.Message
	}

	// Anomaly describes one ignored transcript entry.
	Anomaly struct {
		Kind      AnomalyKind
		CallID    string
		MessageID string
	}

	// Result is the output of Correlate.
	Result struct {
		// Records is keyed by call id.
		Records map[string]Record
		// Order lists the call ids of Records in transcript order.
		Order []string
		// Anomalies lists ignored entries in transcript order.
		Anomalies []Anomaly
	}

	// Decisions maps call ids to the operator's answer: true for approved,
	// false for rejected. Calls absent from the map have no recorded
	// decision.
	Decisions map[string]bool
)

// Correlate derives a record for every tool invocation in messages.
//
// A call is answered by the first tool message after it whose tool call id
// equals the call id. States are assigned with this precedence: a result
// makes the call executed; a live signal referencing the call makes it
// pending_approval; a recorded decision makes it approved or rejected; an
// auto-approved batch entry makes it approved; anything else is
// not_required.
//
// A ToolApproval signal identifies its call structurally. When several
// unanswered calls match, the newest ai message wins and, within it, the
// first matching call.
func Correlate(messages []message.Message, signal interrupt.Signal, decisions Decisions) Result {
	res := Result{Records: make(map[string]Record)}
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case message.RoleAI:
			for _, tc := range m.ToolCalls {
				if _, seen := res.Records[tc.CallID]; seen {
					res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyDuplicateCallID, CallID: tc.CallID, MessageID: m.ID})
					continue
				}
				res.Records[tc.CallID] = Record{Call: tc, MessageID: m.ID, State: StateNotRequired}
				res.Order = append(res.Order, tc.CallID)
			}
		case message.RoleTool:
			rec, ok := res.Records[m.ToolCallID]
			if !ok {
				res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyOrphanResult, CallID: m.ToolCallID, MessageID: m.ID})
				continue
			}
			if rec.Result != nil {
				res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyDuplicateResult, CallID: m.ToolCallID, MessageID: m.ID})
				continue
			}
			rec.Result = m
			rec.State = StateExecuted
			res.Records[m.ToolCallID] = rec
		}
	}

	pending := pendingSet(messages, res, signal)
	var auto map[string]struct{}
	if b, ok := signal.(*interrupt.BatchToolApproval); ok && b != nil {
		auto = make(map[string]struct{}, len(b.AutoApprovedTools))
		for _, pt := range b.AutoApprovedTools {
			auto[pt.CallID] = struct{}{}
		}
	}
	for _, id := range res.Order {
		rec := res.Records[id]
		if rec.State == StateExecuted {
			continue
		}
		if _, ok := pending[id]; ok {
			rec.State = StatePendingApproval
		} else if approved, ok := decisions[id]; ok {
			if approved {
				rec.State = StateApproved
			} else {
				rec.State = StateRejected
			}
		} else if _, ok := auto[id]; ok {
			rec.State = StateApproved
		}
		res.Records[id] = rec
	}
	return res
}

// PendingCallIDs returns the call ids in pending_approval state, in
// transcript order.
func PendingCallIDs(res Result) []string {
	var out []string
	for _, id := range res.Order {
		if res.Records[id].State == StatePendingApproval {
			out = append(out, id)
		}
	}
	return out
}

// CallIDsInMessage returns the call ids of res requested by the message
// with the given id, in order.
func CallIDsInMessage(res Result, messageID string) []string {
	var out []string
	for _, id := range res.Order {
		if res.Records[id].MessageID == messageID {
			out = append(out, id)
		}
	}
	return out
}

// pendingSet returns the unanswered call ids the live signal references.
func pendingSet(messages []message.Message, res Result, signal interrupt.Signal) map[string]struct{} {
	out := make(map[string]struct{})
	unanswered := func(id string) bool {
		rec, ok := res.Records[id]
		return ok && rec.State != StateExecuted
	}
	switch sig := signal.(type) {
	case *interrupt.ToolApproval:
		if sig == nil {
			return out
		}
		for i := len(messages) - 1; i >= 0; i-- {
			m := messages[i]
			if m.Role != message.RoleAI {
				continue
			}
			for _, tc := range m.ToolCalls {
				rec, ok := res.Records[tc.CallID]
				if !ok || rec.MessageID != m.ID || rec.State == StateExecuted {
					continue
				}
				if sig.Matches(tc) {
					out[tc.CallID] = struct{}{}
					return out
				}
			}
		}
	case *interrupt.BatchToolApproval:
		if sig == nil {
			return out
		}
		for _, pt := range sig.PendingTools {
			if unanswered(pt.CallID) {
				out[pt.CallID] = struct{}{}
			}
		}
	case *interrupt.SOPExecutionApproval:
		if sig == nil {
			return out
		}
		for _, id := range res.Order {
			if unanswered(id) && sig.Matches(res.Records[id].Call) {
				out[id] = struct{}{}
			}
		}
	}
	return out
}
