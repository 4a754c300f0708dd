package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
)

// RequestType enumerates outbound request envelopes.
type RequestType string

const (
	// RequestSubmit opens a run for a new human turn.
	RequestSubmit RequestType = "submit"
	// RequestResumeToolApproval answers a tool_approval interrupt.
	RequestResumeToolApproval RequestType = "resume_tool_approval"
	// RequestResumeBatchApproval answers a batch_tool_approval interrupt.
	RequestResumeBatchApproval RequestType = "resume_batch_approval"
	// RequestResumeSOPApproval answers an sop_execution interrupt.
	RequestResumeSOPApproval RequestType = "resume_sop_approval"
)

type (
	// Request is one outbound request. The set of implementations is closed.
	Request interface {
		Type() RequestType
		Thread() string
		request()
	}

	// SubmitRequest sends a new human turn.
	SubmitRequest struct {
		ThreadID string
		Messages []message.Message
	}

	// ResumeToolApproval answers a single tool approval.
	ResumeToolApproval struct {
		ThreadID string
		Approved bool
	}

	// ResumeBatchApproval answers a batch approval. An empty list rejects
	// every remaining entry.
	ResumeBatchApproval struct {
		ThreadID        string
		ApprovedCallIDs []string
	}

	// ResumeSOPApproval answers an SOP approval.
	ResumeSOPApproval struct {
		ThreadID string
		Approved bool
	}

	requestEnvelope struct {
		Type            RequestType       `json:"type"`
		ThreadID        string            `json:"thread_id"`
		Messages        []message.Message `json:"messages,omitempty"`
		Approved        *bool             `json:"approved,omitempty"`
		ApprovedCallIDs *[]string         `json:"approved_call_ids,omitempty"`
	}
)

func (SubmitRequest) Type() RequestType       { return RequestSubmit }
func (ResumeToolApproval) Type() RequestType  { return RequestResumeToolApproval }
func (ResumeBatchApproval) Type() RequestType { return RequestResumeBatchApproval }
func (ResumeSOPApproval) Type() RequestType   { return RequestResumeSOPApproval }

func (r SubmitRequest) Thread() string       { return r.ThreadID }
func (r ResumeToolApproval) Thread() string  { return r.ThreadID }
func (r ResumeBatchApproval) Thread() string { return r.ThreadID }
func (r ResumeSOPApproval) Thread() string   { return r.ThreadID }

func (SubmitRequest) request()       {}
func (ResumeToolApproval) request()  {}
func (ResumeBatchApproval) request() {}
func (ResumeSOPApproval) request()   {}

// ResumeRequest builds the resume request encoding decision d for thread.
func ResumeRequest(threadID string, d interrupt.Decision) (Request, error) {
	switch dec := d.(type) {
	case interrupt.ToolDecision:
		return ResumeToolApproval{ThreadID: threadID, Approved: dec.Approved}, nil
	case interrupt.BatchDecision:
		ids := append([]string{}, dec.ApprovedCallIDs...)
		return ResumeBatchApproval{ThreadID: threadID, ApprovedCallIDs: ids}, nil
	case interrupt.SOPDecision:
		return ResumeSOPApproval{ThreadID: threadID, Approved: dec.Approved}, nil
	case nil:
		return nil, errors.New("decision is required")
	}
	return nil, fmt.Errorf("unsupported decision %T", d)
}

// EncodeRequest returns the JSON envelope of r. Batch approvals always carry
// an approved_call_ids array, empty when every entry is rejected.
func EncodeRequest(r Request) ([]byte, error) {
	env := requestEnvelope{ThreadID: r.Thread(), Type: r.Type()}
	switch req := r.(type) {
	case SubmitRequest:
		env.Messages = req.Messages
	case ResumeToolApproval:
		env.Approved = &req.Approved
	case ResumeSOPApproval:
		env.Approved = &req.Approved
	case ResumeBatchApproval:
		ids := req.ApprovedCallIDs
		if ids == nil {
			ids = []string{}
		}
		env.ApprovedCallIDs = &ids
	default:
		return nil, fmt.Errorf("unsupported request %T", r)
	}
	return json.Marshal(env)
}

// DecodeRequest parses a request envelope produced by EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "decode request: %v", err)
	}
	switch env.Type {
	case RequestSubmit:
		return SubmitRequest{ThreadID: env.ThreadID, Messages: env.Messages}, nil
	case RequestResumeToolApproval, RequestResumeSOPApproval:
		if env.Approved == nil {
			return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s without approved", env.Type)
		}
		if env.Type == RequestResumeToolApproval {
			return ResumeToolApproval{ThreadID: env.ThreadID, Approved: *env.Approved}, nil
		}
		return ResumeSOPApproval{ThreadID: env.ThreadID, Approved: *env.Approved}, nil
	case RequestResumeBatchApproval:
		if env.ApprovedCallIDs == nil {
			return nil, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s without approved_call_ids", env.Type)
		}
		return ResumeBatchApproval{ThreadID: env.ThreadID, ApprovedCallIDs: *env.ApprovedCallIDs}, nil
	}
	return nil, chaterrors.Violation(chaterrors.ReasonUnknownEvent, "unknown request type %q", env.Type)
}
