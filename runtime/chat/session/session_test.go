package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/checkpoint/inmem"
	"goa.design/agentchat/runtime/chat/correlate"
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/view"
)

func newTestSession(t *testing.T, tr stream.Transport, mutate ...func(*Options)) *Session {
	t.Helper()
	var n atomic.Int64
	opts := Options{
		Transport: tr,
		ThreadID:  "thread-1",
		NewID:     func() string { return fmt.Sprintf("local-%d", n.Add(1)) },
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func aiDelta(id string, final bool, calls ...message.ToolCall) stream.MessageDelta {
	return stream.MessageDelta{Message: message.Message{ID: id, Role: message.RoleAI, ToolCalls: calls}, Final: final}
}

func toolDelta(id, callID, text string) stream.MessageDelta {
	return stream.MessageDelta{Message: message.Message{ID: id, Role: message.RoleTool, ToolCallID: callID, Content: message.Text(text)}, Final: true}
}

func waitRun(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	s, err := New(Options{Transport: newFakeTransport(0, 0)})
	require.NoError(t, err)
	require.NotEmpty(t, s.ThreadID())
}

func TestSubmitDiskFullScenario(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- aiDelta("a1", true, message.ToolCall{CallID: "c1", Name: "check_disk", Args: map[string]any{"ip": "10.0.0.1"}})
	ft.run(0) <- toolDelta("t1", "c1", "92% used")
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)

	require.NoError(t, s.Submit(context.Background(), "disk full on 10.0.0.1"))
	require.NoError(t, waitRun(t, s))

	snap := s.View()
	require.False(t, snap.IsLoading)
	require.Len(t, snap.Rounds, 1)
	require.Equal(t, "disk full on 10.0.0.1", snap.Rounds[0].Human.Content.Text())
	rec, ok := snap.Record("c1")
	require.True(t, ok)
	require.Equal(t, correlate.StateExecuted, rec.State)

	reqs := ft.sent()
	require.Len(t, reqs, 1)
	submit := reqs[0].(stream.SubmitRequest)
	require.Equal(t, "thread-1", submit.ThreadID)
	require.Len(t, submit.Messages, 1)
	require.Equal(t, message.RoleHuman, submit.Messages[0].Role)
}

func TestSubmitRejectsEmptyAndBusy(t *testing.T) {
	ft := newFakeTransport(1, 0)
	s := newTestSession(t, ft)

	require.ErrorIs(t, s.Submit(context.Background(), "  "), ErrEmptyInput)
	require.NoError(t, s.Submit(context.Background(), "first"))
	require.True(t, s.IsLoading())
	require.ErrorIs(t, s.Submit(context.Background(), "second"), ErrBusy)
	require.ErrorIs(t, s.ApproveTool(context.Background(), true), ErrBusy)
	require.Len(t, s.Messages(), 1)

	s.Cancel()
	require.False(t, s.IsLoading())
	require.NoError(t, waitRun(t, s))
	require.NoError(t, s.Err())
}

func TestHumanEchoReconciliation(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "h-1", Role: message.RoleHuman, Content: message.Text("hello")}, Final: true}
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "a1", Role: message.RoleAI, Content: message.Text("Hi")}}
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "a1", Content: message.Text(" there")}}
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)

	require.NoError(t, s.Submit(context.Background(), "hello"))
	require.NoError(t, waitRun(t, s))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "h-1", msgs[0].ID)
	require.Equal(t, "Hi there", msgs[1].Content.Text())
}

func TestHumanIDReuseByOtherRoleIsRejected(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "local-1", Role: message.RoleAI, Content: message.Text("oops")}, Final: true}
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "local-1", Role: message.RoleSystem, Content: message.Text("sys")}, Final: true}
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)

	require.NoError(t, s.Submit(context.Background(), "hello"))
	require.NoError(t, waitRun(t, s))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "local-1", msgs[0].ID)
	require.Equal(t, message.RoleHuman, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content.Text())
	snap := s.View()
	require.Len(t, snap.Rounds, 1)
	require.Empty(t, snap.Dropped)
}

func TestHumanEchoRequiresMatchingContent(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "h-9", Role: message.RoleHuman, Content: message.Text("a different question")}, Final: true}
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)

	require.NoError(t, s.Submit(context.Background(), "hello"))
	require.NoError(t, waitRun(t, s))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "local-1", msgs[0].ID)
	require.Equal(t, "hello", msgs[0].Content.Text())
	require.Equal(t, "h-9", msgs[1].ID)
	require.Equal(t, "a different question", msgs[1].Content.Text())
}

func TestPendingHumanDoesNotOutliveItsRun(t *testing.T) {
	ft := newFakeTransport(2, 8)
	ft.run(0) <- aiDelta("a1", true, message.ToolCall{CallID: "c1", Name: "restart_service", Args: map[string]any{"name": "x"}})
	ft.run(0) <- stream.InterruptEvent{Signal: &interrupt.ToolApproval{ToolName: "restart_service"}}
	s := newTestSession(t, ft)

	require.NoError(t, s.Submit(context.Background(), "restart x please"))
	require.NoError(t, waitRun(t, s))
	require.Equal(t, interrupt.StateAwaitingToolApproval, s.State())

	// Same text as the original turn: still a new message, the local turn
	// was settled when the first run ended.
	ft.run(1) <- stream.MessageDelta{Message: message.Message{ID: "h-sys", Role: message.RoleHuman, Content: message.Text("restart x please")}, Final: true}
	ft.run(1) <- stream.Done{}
	require.NoError(t, s.ApproveTool(context.Background(), true))
	require.NoError(t, waitRun(t, s))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "local-1", msgs[0].ID)
	require.Equal(t, "restart x please", msgs[0].Content.Text())
	require.Equal(t, "h-sys", msgs[2].ID)
	require.Equal(t, message.RoleHuman, msgs[2].Role)
}

func TestProtocolViolationsAreDropped(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- toolDelta("t0", "unknown", "orphan")
	ft.run(0) <- aiDelta("a1", true)
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "a1", Content: message.Text("late")}}
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "x1", Role: message.RoleHuman, ToolCallID: "bad"}}
	ft.run(0) <- stream.InterruptEvent{Signal: &interrupt.ToolApproval{}}
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)

	require.NoError(t, s.Submit(context.Background(), "go"))
	require.NoError(t, waitRun(t, s))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a1", msgs[1].ID)
	require.True(t, msgs[1].Content.IsEmpty())
	require.Equal(t, interrupt.StateIdle, s.State())
}

func TestToolApprovalRestartServiceScenario(t *testing.T) {
	ft := newFakeTransport(2, 8)
	args := map[string]any{"name": "nginx"}
	ft.run(0) <- aiDelta("a1", true, message.ToolCall{CallID: "c1", Name: "restart_service", Args: args})
	ft.run(0) <- stream.InterruptEvent{Signal: &interrupt.ToolApproval{ToolName: "restart_service", ToolArgs: map[string]any{"name": "nginx"}}}
	s := newTestSession(t, ft)

	require.NoError(t, s.Submit(context.Background(), "restart nginx"))
	require.NoError(t, waitRun(t, s))
	require.Equal(t, interrupt.StateAwaitingToolApproval, s.State())
	require.False(t, s.IsLoading())
	snap := s.View()
	require.Equal(t, interrupt.StateAwaitingToolApproval, snap.State)
	require.Equal(t, correlate.StatePendingApproval, snap.ToolCallRecords["c1"].State)
	require.ErrorIs(t, s.Submit(context.Background(), "hurry"), ErrInterruptPending)

	require.NoError(t, s.ApproveTool(context.Background(), false))
	require.Equal(t, interrupt.StateIdle, s.State())
	require.Equal(t, correlate.StateRejected, s.View().ToolCallRecords["c1"].State)
	require.Eventually(t, func() bool { return len(ft.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	reqs := ft.sent()
	require.Equal(t, stream.ResumeToolApproval{ThreadID: "thread-1", Approved: false}, reqs[1])
	raw, err := stream.EncodeRequest(reqs[1])
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"resume_tool_approval","thread_id":"thread-1","approved":false}`, string(raw))

	ft.run(1) <- toolDelta("t1", "c1", "operator rejected restart")
	ft.run(1) <- stream.Done{}
	require.NoError(t, waitRun(t, s))
	require.Equal(t, correlate.StateExecuted, s.View().ToolCallRecords["c1"].State)
	require.Len(t, s.View().Rounds, 1)
}

func TestResumeWhileIdleFails(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "hi"))
	require.NoError(t, waitRun(t, s))
	before := s.Messages()

	err := s.ApproveTool(context.Background(), true)
	require.Equal(t, chaterrors.ReasonResumeWithoutInterrupt, chaterrors.ReasonOf(err))
	err = s.ResumeBatch(context.Background(), nil)
	require.Equal(t, chaterrors.ReasonResumeWithoutInterrupt, chaterrors.ReasonOf(err))
	require.Equal(t, before, s.Messages())
	require.Len(t, ft.sent(), 1)
	require.False(t, s.IsLoading())
}

func TestBatchApprovalAcrossRounds(t *testing.T) {
	ft := newFakeTransport(3, 8)
	ft.run(0) <- aiDelta("a1", true,
		message.ToolCall{CallID: "c1", Name: "rm"},
		message.ToolCall{CallID: "c2", Name: "rm"},
		message.ToolCall{CallID: "c3", Name: "ls"},
	)
	ft.run(0) <- stream.InterruptEvent{Signal: &interrupt.BatchToolApproval{
		PendingTools:      []interrupt.PendingTool{{CallID: "c1", ToolName: "rm"}, {CallID: "c2", ToolName: "rm"}},
		AutoApprovedTools: []interrupt.PendingTool{{CallID: "c3", ToolName: "ls"}},
		TotalCount:        3,
	}}
	s := newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "clean"))
	require.NoError(t, waitRun(t, s))
	snap := s.View()
	require.Equal(t, correlate.StateApproved, snap.ToolCallRecords["c3"].State)
	require.Equal(t, []string{"c1", "c2"}, correlate.PendingCallIDs(correlate.Result{Records: snap.ToolCallRecords, Order: snap.Order}))

	err := s.ResumeBatch(context.Background(), []string{"c3"})
	require.Equal(t, chaterrors.ReasonInvalidDecision, chaterrors.ReasonOf(err))

	ft.run(1) <- toolDelta("t1", "c1", "removed")
	ft.run(1) <- stream.Done{}
	require.NoError(t, s.ResumeBatch(context.Background(), []string{"c1"}))
	require.NoError(t, waitRun(t, s))
	require.Equal(t, interrupt.StateAwaitingBatchApproval, s.State())
	require.Equal(t, []string{"c2"}, s.Interrupt().(*interrupt.BatchToolApproval).PendingCallIDs())
	require.ErrorIs(t, s.Submit(context.Background(), "more"), ErrInterruptPending)

	ft.run(2) <- stream.Done{}
	require.NoError(t, s.ResumeBatch(context.Background(), nil))
	require.NoError(t, waitRun(t, s))
	require.Equal(t, interrupt.StateIdle, s.State())
	snap = s.View()
	require.Equal(t, correlate.StateExecuted, snap.ToolCallRecords["c1"].State)
	require.Equal(t, correlate.StateRejected, snap.ToolCallRecords["c2"].State)

	reqs := ft.sent()
	require.Len(t, reqs, 3)
	raw, err := stream.EncodeRequest(reqs[2])
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"resume_batch_approval","thread_id":"thread-1","approved_call_ids":[]}`, string(raw))
}

func TestSOPApproval(t *testing.T) {
	ft := newFakeTransport(2, 8)
	ft.run(0) <- aiDelta("a1", true, message.ToolCall{CallID: "c1", Name: "du"}, message.ToolCall{CallID: "c2", Name: "rm"})
	ft.run(0) <- stream.InterruptEvent{Signal: &interrupt.SOPExecutionApproval{
		SOPID:     "disk-cleanup",
		ToolCalls: []interrupt.SOPToolCall{{CallID: "c1", ToolName: "du"}, {CallID: "c2", ToolName: "rm"}},
	}}
	ft.run(1) <- stream.Done{}
	s := newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "clean up"))
	require.NoError(t, waitRun(t, s))
	require.Equal(t, interrupt.StateAwaitingSOPApproval, s.State())

	require.Equal(t, chaterrors.ReasonInvalidDecision, chaterrors.ReasonOf(s.ApproveTool(context.Background(), true)))
	require.NoError(t, s.ApproveSOP(context.Background(), true))
	require.NoError(t, waitRun(t, s))
	snap := s.View()
	require.Equal(t, correlate.StateApproved, snap.ToolCallRecords["c1"].State)
	require.Equal(t, correlate.StateApproved, snap.ToolCallRecords["c2"].State)
	require.Equal(t, stream.ResumeSOPApproval{ThreadID: "thread-1", Approved: true}, ft.sent()[1])
}

func TestCancelKeepsPartialTranscript(t *testing.T) {
	ft := newFakeTransport(1, 0)
	s := newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "long task"))

	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "a1", Role: message.RoleAI, Content: message.Text("Working")}}
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)

	s.Cancel()
	require.False(t, s.IsLoading())
	require.Equal(t, interrupt.StateIdle, s.State())
	require.NoError(t, waitRun(t, s))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Working", msgs[1].Content.Text())
	require.NoError(t, s.Err())
}

func TestCancelClearsLiveInterrupt(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- aiDelta("a1", true, message.ToolCall{CallID: "c1", Name: "restart_service"})
	ft.run(0) <- stream.InterruptEvent{Signal: &interrupt.ToolApproval{ToolName: "restart_service"}}
	tr := abortingTransport{ft}
	s := newTestSession(t, tr)
	require.NoError(t, s.Submit(context.Background(), "restart"))
	require.NoError(t, waitRun(t, s))
	require.Equal(t, interrupt.StateAwaitingToolApproval, s.State())

	s.Cancel()
	require.Equal(t, interrupt.StateIdle, s.State())
	require.Nil(t, s.Interrupt())
	require.Equal(t, []string{"thread-1"}, ft.aborted)
	require.Len(t, ft.sent(), 1)
}

func TestEventTimeout(t *testing.T) {
	ft := newFakeTransport(1, 0)
	s := newTestSession(t, ft, func(o *Options) { o.EventTimeout = 20 * time.Millisecond })
	require.NoError(t, s.Submit(context.Background(), "hello"))

	err := waitRun(t, s)
	require.True(t, chaterrors.IsTimeout(err))
	require.False(t, s.IsLoading())
	require.True(t, chaterrors.IsTimeout(s.Err()))
	require.Len(t, s.Messages(), 1)
}

func TestTransportFailures(t *testing.T) {
	ft := newFakeTransport(0, 0)
	ft.openErr = errors.New("connection refused")
	s := newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "hello"))
	err := waitRun(t, s)
	require.True(t, chaterrors.IsTransport(err))
	require.Contains(t, err.Error(), "connection refused")
	require.False(t, s.IsLoading())

	ft = newFakeTransport(1, 8)
	ft.run(0) <- stream.ErrorEvent{Message: "model overloaded"}
	s = newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "hello"))
	err = waitRun(t, s)
	var te *chaterrors.TransportError
	require.ErrorAs(t, err, &te)
	require.True(t, te.Remote)
	require.Equal(t, "agent error: model overloaded", err.Error())

	require.NoError(t, s.Submit(context.Background(), "again"))
	require.Error(t, waitRun(t, s))
	require.Len(t, s.Messages(), 2)
}

func TestStreamEndWithoutTerminalEvent(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- aiDelta("a1", true)
	close(ft.run(0))
	s := newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "hello"))
	require.NoError(t, waitRun(t, s))
	require.False(t, s.IsLoading())
}

func TestCheckpointAndHydrate(t *testing.T) {
	store := inmem.New()
	ft := newFakeTransport(1, 8)
	ft.run(0) <- aiDelta("a1", true, message.ToolCall{CallID: "c1", Name: "check_disk"})
	ft.run(0) <- toolDelta("t1", "c1", "92% used")
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft, func(o *Options) { o.Checkpoints = store })
	require.NoError(t, s.Submit(context.Background(), "disk full"))
	require.NoError(t, waitRun(t, s))

	saved, err := store.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, saved, 3)

	hydrated, err := Hydrate(context.Background(), store, "thread-1", Options{
		Transport: newFakeTransport(0, 0),
		View:      view.Options{HiddenTools: []string{"check_disk"}},
	})
	require.NoError(t, err)
	require.Equal(t, "thread-1", hydrated.ThreadID())
	require.Len(t, hydrated.Messages(), 3)
	snap := hydrated.View()
	require.Empty(t, snap.ToolCallRecords)
	require.Len(t, snap.Rounds[0].Assistant, 0)

	_, err = Hydrate(context.Background(), store, "missing", Options{Transport: ft})
	require.Error(t, err)
}

func TestReplaceMessage(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- stream.MessageDelta{Message: message.Message{ID: "a1", Role: message.RoleAI, Content: message.Text("a very long answer")}, Final: true}
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)
	require.NoError(t, s.Submit(context.Background(), "explain"))
	require.NoError(t, waitRun(t, s))

	require.NoError(t, s.ReplaceMessage("a1", message.Message{ID: "a1", Role: message.RoleAI, Content: message.Text("summary")}))
	require.Equal(t, "summary", s.Messages()[1].Content.Text())
	require.Error(t, s.ReplaceMessage("a1", message.Message{ID: "a1"}))
}

func TestSubscribeAndClose(t *testing.T) {
	ft := newFakeTransport(1, 8)
	ft.run(0) <- stream.Done{}
	s := newTestSession(t, ft)
	var calls atomic.Int64
	sub, err := s.Subscribe(func() {
		_ = s.View()
		calls.Add(1)
	})
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), "hello"))
	require.NoError(t, waitRun(t, s))
	require.Positive(t, calls.Load())
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, s.Close(context.Background()))
	require.ErrorIs(t, s.Submit(context.Background(), "after"), ErrClosed)
	require.NoError(t, s.Close(context.Background()))
}
