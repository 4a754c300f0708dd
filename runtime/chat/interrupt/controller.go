// Package interrupt owns the single outstanding interrupt of a conversation
// session. The Controller stores the backend-declared signal verbatim,
// exposes it to renderers, and validates operator decisions before they are
// encoded into a resume payload.
//
// States are only ever entered from a backend signal (Raise). Resolving a
// signal is the only way to leave an awaiting state besides Cancel.
package interrupt

import (
	"errors"
	"sync"

	"goa.design/agentchat/runtime/chat/chaterrors"
)

// State is the controller state.
type State string

const (
	// StateIdle means no interrupt is live.
	StateIdle State = "idle"
	// StateAwaitingToolApproval means a ToolApproval signal is live.
	StateAwaitingToolApproval State = "awaiting_tool_approval"
	// StateAwaitingBatchApproval means a BatchToolApproval signal is live.
	StateAwaitingBatchApproval State = "awaiting_batch_approval"
	// StateAwaitingSOPApproval means an SOPExecutionApproval signal is live.
	StateAwaitingSOPApproval State = "awaiting_sop_approval"
)

type (
	// Decision is an operator answer to the live signal. The set of
	// implementations is closed: ToolDecision, BatchDecision and SOPDecision.
	Decision interface {
		decision()
	}

	// ToolDecision answers a ToolApproval.
	ToolDecision struct {
		Approved bool
	}

	// BatchDecision answers a BatchToolApproval. An empty list rejects every
	// remaining pending entry.
	BatchDecision struct {
		ApprovedCallIDs []string
	}

	// SOPDecision answers an SOPExecutionApproval.
	SOPDecision struct {
		Approved bool
	}

	// Resolution is the outcome of a successful Resume.
	Resolution struct {
		// Decision is the normalized decision to encode on the wire. Batch
		// call ids are deduplicated and never nil.
		Decision Decision
		// Signal is a copy of the signal the decision answered, as it was
		// before the decision applied.
		Signal Signal
		// Approved lists the call ids the decision approved, when known.
		Approved []string
		// Rejected lists the call ids the decision rejected, when known.
		Rejected []string
		// Cleared reports whether the controller returned to idle.
		Cleared bool
	}

	// Controller holds at most one live signal. It is safe for concurrent use.
	Controller struct {
		mu     sync.Mutex
		signal Signal
	}
)

func (ToolDecision) decision()  {}
func (BatchDecision) decision() {}
func (SOPDecision) decision()   {}

// NewController returns an idle controller.
func NewController() *Controller {
	return &Controller{}
}

// Raise stores sig as the live signal, replacing any previous one. The
// signal is copied.
func (c *Controller) Raise(sig Signal) error {
	if IsNil(sig) {
		return errors.New("signal is required")
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	stored := Clone(sig)
	if b, ok := stored.(*BatchToolApproval); ok && b.TotalCount == 0 {
		b.TotalCount = len(b.PendingTools) + len(b.AutoApprovedTools)
	}
	c.mu.Lock()
	c.signal = stored
	c.mu.Unlock()
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateOf(c.signal)
}

// Signal returns a copy of the live signal, or nil when idle.
func (c *Controller) Signal() Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Clone(c.signal)
}

// Live reports whether a signal is live.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal != nil
}

// ResumeTool answers a live ToolApproval.
func (c *Controller) ResumeTool(approved bool) (Resolution, error) {
	return c.Resume(ToolDecision{Approved: approved})
}

// ResumeBatch answers a live BatchToolApproval.
func (c *Controller) ResumeBatch(approvedCallIDs []string) (Resolution, error) {
	return c.Resume(BatchDecision{ApprovedCallIDs: approvedCallIDs})
}

// ResumeSOP answers a live SOPExecutionApproval.
func (c *Controller) ResumeSOP(approved bool) (Resolution, error) {
	return c.Resume(SOPDecision{Approved: approved})
}

// Resume applies d to the live signal. Resuming while idle fails with a
// resume_without_interrupt violation; a decision that does not fit the live
// signal fails with invalid_decision. Failures leave the state unchanged.
//
// A batch decision naming a subset of the pending entries removes them and
// keeps the signal live with the remainder. The controller goes idle when
// no entry remains or when the decision is empty (reject all).
func (c *Controller) Resume(d Decision) (Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signal == nil {
		return Resolution{}, chaterrors.Violation(chaterrors.ReasonResumeWithoutInterrupt, "no live interrupt")
	}
	switch sig := c.signal.(type) {
	case *ToolApproval:
		td, ok := d.(ToolDecision)
		if !ok {
			return Resolution{}, mismatch(d, sig)
		}
		res := Resolution{Decision: td, Signal: Clone(sig), Cleared: true}
		c.signal = nil
		return res, nil

	case *SOPExecutionApproval:
		sd, ok := d.(SOPDecision)
		if !ok {
			return Resolution{}, mismatch(d, sig)
		}
		ids := sopCallIDs(sig)
		res := Resolution{Decision: sd, Signal: Clone(sig), Cleared: true}
		if sd.Approved {
			res.Approved = ids
		} else {
			res.Rejected = ids
		}
		c.signal = nil
		return res, nil

	case *BatchToolApproval:
		bd, ok := d.(BatchDecision)
		if !ok {
			return Resolution{}, mismatch(d, sig)
		}
		return c.resumeBatch(sig, bd)
	}
	return Resolution{}, chaterrors.Violation(chaterrors.ReasonInvalidDecision, "unsupported signal %T", c.signal)
}

// Cancel clears the live signal without producing a resume payload. It
// reports whether a signal was live.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.signal != nil
	c.signal = nil
	return live
}

func (c *Controller) resumeBatch(sig *BatchToolApproval, d BatchDecision) (Resolution, error) {
	pending := make(map[string]struct{}, len(sig.PendingTools))
	for _, pt := range sig.PendingTools {
		pending[pt.CallID] = struct{}{}
	}
	approved := make([]string, 0, len(d.ApprovedCallIDs))
	chosen := make(map[string]struct{}, len(d.ApprovedCallIDs))
	for _, id := range d.ApprovedCallIDs {
		if _, ok := pending[id]; !ok {
			return Resolution{}, chaterrors.Violation(chaterrors.ReasonInvalidDecision, "call %q is not pending approval", id)
		}
		if _, dup := chosen[id]; dup {
			continue
		}
		chosen[id] = struct{}{}
		approved = append(approved, id)
	}
	res := Resolution{
		Decision: BatchDecision{ApprovedCallIDs: approved},
		Signal:   Clone(sig),
		Approved: approved,
	}
	if len(approved) == 0 {
		res.Rejected = sig.PendingCallIDs()
		res.Cleared = true
		c.signal = nil
		return res, nil
	}
	next := Clone(sig).(*BatchToolApproval)
	remaining := next.PendingTools[:0]
	for _, pt := range next.PendingTools {
		if _, ok := chosen[pt.CallID]; !ok {
			remaining = append(remaining, pt)
		}
	}
	next.PendingTools = remaining
	if len(remaining) == 0 {
		res.Cleared = true
		c.signal = nil
		return res, nil
	}
	c.signal = next
	return res, nil
}

func stateOf(sig Signal) State {
	switch sig.(type) {
	case *ToolApproval:
		return StateAwaitingToolApproval
	case *BatchToolApproval:
		return StateAwaitingBatchApproval
	case *SOPExecutionApproval:
		return StateAwaitingSOPApproval
	}
	return StateIdle
}

func sopCallIDs(sig *SOPExecutionApproval) []string {
	var ids []string
	for _, tc := range sig.ToolCalls {
		if tc.CallID != "" {
			ids = append(ids, tc.CallID)
		}
	}
	return ids
}

func mismatch(d Decision, sig Signal) error {
	if d == nil {
		return chaterrors.Violation(chaterrors.ReasonInvalidDecision, "decision is required")
	}
	return chaterrors.Violation(chaterrors.ReasonInvalidDecision, "%T does not answer a %s interrupt", d, sig.Variant())
}
