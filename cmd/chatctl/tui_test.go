package main

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"goa.design/agentchat/features/transport/script"
	"goa.design/agentchat/runtime/chat/checkpoint/inmem"
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/stream"
)

const batchScript = `
runs:
  - expect: submit
    events:
      - type: message_delta
        final: true
        message:
          id: a1
          role: ai
          content: cleaning up
          tool_calls:
            - {call_id: c1, name: rm, args: {path: /var/log/a}}
            - {call_id: c2, name: rm, args: {path: /var/log/b}}
      - type: interrupt
        variant: batch_tool_approval
        payload:
          pending_tools:
            - {call_id: c1, tool_name: rm, tool_args: {path: /var/log/a}, risk_level: high}
            - {call_id: c2, tool_name: rm, tool_args: {path: /var/log/b}}
  - expect: resume_batch_approval
    events:
      - type: message_delta
        final: true
        message: {id: t2, role: tool, tool_call_id: c2, content: removed}
      - type: done
  - expect: resume_batch_approval
    events: [{type: done}]
`

func newTestModel(t *testing.T, doc string) (*model, *script.Transport) {
	t.Helper()
	tr, err := script.Parse([]byte(doc))
	require.NoError(t, err)
	cfg := defaultConfig()
	factory := sessionFactory{transport: tr, checkpoints: inmem.New(), cfg: cfg}
	m, err := newModel(context.Background(), factory, "thread-1")
	require.NoError(t, err)
	t.Cleanup(m.close)
	return m, tr
}

func typeText(m *model, text string) {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

func settle(t *testing.T, m *model) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.sess.Wait(ctx))
	m.Update(updateMsg{})
}

func TestModelBatchApprovalFlow(t *testing.T) {
	m, tr := newTestModel(t, batchScript)

	typeText(m, "free disk space")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	settle(t, m)
	require.Equal(t, interrupt.StateAwaitingBatchApproval, m.snap.State)
	require.Contains(t, m.View(), "Batch approval")
	require.Contains(t, m.View(), "[pending approval]")

	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.Len(t, tr.Requests(), 1)
	require.Equal(t, interrupt.StateAwaitingBatchApproval, m.sess.State())
	require.Contains(t, m.View(), noticeEmptySelection)

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m.Update(tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")})
	require.Equal(t, map[string]bool{"c2": true}, m.selected)
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	settle(t, m)

	reqs := tr.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, stream.ResumeBatchApproval{ThreadID: "thread-1", ApprovedCallIDs: []string{"c2"}}, reqs[1])
	require.Equal(t, interrupt.StateAwaitingBatchApproval, m.snap.State)
	require.Contains(t, m.View(), "[executed]")
	require.Contains(t, m.View(), "1 pending")
	require.Empty(t, m.selected)

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	settle(t, m)
	reqs = tr.Requests()
	require.Len(t, reqs, 3)
	require.Equal(t, stream.ResumeBatchApproval{ThreadID: "thread-1", ApprovedCallIDs: []string{}}, reqs[2])
	require.Equal(t, interrupt.StateIdle, m.snap.State)
	require.Contains(t, m.View(), "[rejected]")
}

func TestModelToolApprovalAndNewThread(t *testing.T) {
	tr, err := script.Load("../../features/transport/script/testdata/restart_service.yaml")
	require.NoError(t, err)
	m, err := newModel(context.Background(), sessionFactory{transport: tr, cfg: defaultConfig()}, "")
	require.NoError(t, err)
	t.Cleanup(m.close)

	typeText(m, "restart nginx")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	settle(t, m)
	require.Contains(t, m.View(), "Restart nginx on web-1?")

	typeText(m, "x")
	require.Equal(t, interrupt.StateAwaitingToolApproval, m.snap.State)
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("y")})
	settle(t, m)
	require.Equal(t, stream.ResumeToolApproval{ThreadID: m.sess.ThreadID(), Approved: true}, tr.Requests()[1])
	require.Contains(t, m.View(), "nginx is back up.")

	old := m.sess.ThreadID()
	m.Update(tea.KeyMsg{Type: tea.KeyCtrlN})
	require.NotEqual(t, old, m.sess.ThreadID())
	require.Contains(t, m.View(), "No messages yet")
}

func TestModelEscCancelsRun(t *testing.T) {
	m, _ := newTestModel(t, "runs:\n  - delay: 1h\n    events: [{type: done}]\n")
	typeText(m, "slow please")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m.Update(updateMsg{})
	require.True(t, m.snap.IsLoading)
	require.Contains(t, m.View(), "working")

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	settle(t, m)
	require.False(t, m.snap.IsLoading)
	require.Equal(t, "cancelled", m.notice)
	require.Len(t, m.snap.Rounds, 1)
}
