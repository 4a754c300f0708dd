package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/session"
	"goa.design/agentchat/runtime/chat/view"
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

const noticeEmptySelection = "select at least one call, or press r to reject all"

type (
	// model is the bubbletea model rendering one session at a time.
	model struct {
		ctx     context.Context
		factory sessionFactory

		sess    *session.Session
		sub     session.Subscription
		updates chan struct{}

		input    textinput.Model
		snap     *view.Snapshot
		selected map[string]bool
		cursor   int
		spinner  int
		notice   string
	}

	updateMsg struct{}
	tickMsg   struct{}
)

func newModel(ctx context.Context, factory sessionFactory, threadID string) (*model, error) {
	inp := textinput.New()
	inp.Placeholder = "Describe the problem…"
	inp.Prompt = "› "
	inp.CharLimit = 0
	inp.Focus()

	m := &model{
		ctx:      ctx,
		factory:  factory,
		updates:  make(chan struct{}, 1),
		input:    inp,
		selected: make(map[string]bool),
	}
	if err := m.attach(threadID); err != nil {
		return nil, err
	}
	return m, nil
}

// attach opens a session for threadID and subscribes to its changes.
func (m *model) attach(threadID string) error {
	sess, err := m.factory.open(m.ctx, threadID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	sub, err := sess.Subscribe(func() {
		select {
		case m.updates <- struct{}{}:
		default:
		}
	})
	if err != nil {
		_ = sess.Close(m.ctx)
		return err
	}
	m.sess, m.sub = sess, sub
	m.snap = sess.View()
	m.resetSelection()
	return nil
}

func (m *model) close() {
	if m.sub != nil {
		_ = m.sub.Close()
	}
	if m.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.sess.Close(ctx)
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForUpdate(), tick())
}

func (m *model) waitForUpdate() tea.Cmd {
	ch := m.updates
	return func() tea.Msg {
		<-ch
		return updateMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(150*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.input.Width = max(10, msg.Width-4)
		return m, nil
	case updateMsg:
		m.refresh()
		return m, m.waitForUpdate()
	case tickMsg:
		if m.snap != nil && m.snap.IsLoading {
			m.spinner = (m.spinner + 1) % len(spinnerFrames)
		}
		return m, tick()
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *model) refresh() {
	prev := m.snap
	m.snap = m.sess.View()
	if prev == nil || !sameSignal(prev.Interrupt, m.snap.Interrupt) {
		m.resetSelection()
	}
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.snap.IsLoading || m.snap.Interrupt != nil {
			m.sess.Cancel()
			m.notice = "cancelled"
		}
		return m, nil
	case "ctrl+n":
		m.close()
		if err := m.attach(""); err != nil {
			m.notice = err.Error()
			return m, tea.Quit
		}
		m.notice = "new thread " + m.sess.ThreadID()
		m.input.Reset()
		return m, nil
	}
	if m.snap.Interrupt != nil && !m.snap.IsLoading {
		return m, m.handleApproval(msg)
	}
	if msg.Type == tea.KeyEnter {
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		if err := m.sess.Submit(m.ctx, text); err != nil {
			m.notice = err.Error()
			return m, nil
		}
		m.notice = ""
		m.input.Reset()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleApproval maps keys onto the decision widget of the live interrupt.
func (m *model) handleApproval(msg tea.KeyMsg) tea.Cmd {
	var err error
	switch sig := m.snap.Interrupt.(type) {
	case *interrupt.ToolApproval:
		switch msg.String() {
		case "y":
			err = m.sess.ApproveTool(m.ctx, true)
		case "n":
			err = m.sess.ApproveTool(m.ctx, false)
		}
	case *interrupt.SOPExecutionApproval:
		switch msg.String() {
		case "y":
			err = m.sess.ApproveSOP(m.ctx, true)
		case "n":
			err = m.sess.ApproveSOP(m.ctx, false)
		}
	case *interrupt.BatchToolApproval:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(sig.PendingTools)-1 {
				m.cursor++
			}
		case " ":
			if m.cursor < len(sig.PendingTools) {
				id := sig.PendingTools[m.cursor].CallID
				m.selected[id] = !m.selected[id]
			}
		case "a":
			for _, pt := range sig.PendingTools {
				m.selected[pt.CallID] = true
			}
		case "enter":
			ids := selectedIDs(sig, m.selected)
			if len(ids) == 0 {
				// An empty list is the wire encoding of reject-all.
				m.notice = noticeEmptySelection
				return nil
			}
			err = m.sess.ResumeBatch(m.ctx, ids)
		case "r":
			err = m.sess.ResumeBatch(m.ctx, nil)
		}
	}
	if err != nil {
		m.notice = err.Error()
	}
	return nil
}

func (m *model) resetSelection() {
	m.selected = make(map[string]bool)
	m.cursor = 0
}

// selectedIDs returns the selected pending call ids in signal order.
func selectedIDs(sig *interrupt.BatchToolApproval, selected map[string]bool) []string {
	ids := []string{}
	for _, pt := range sig.PendingTools {
		if selected[pt.CallID] {
			ids = append(ids, pt.CallID)
		}
	}
	return ids
}

func sameSignal(a, b interrupt.Signal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Variant() != b.Variant() {
		return false
	}
	ab, aok := a.(*interrupt.BatchToolApproval)
	bb, bok := b.(*interrupt.BatchToolApproval)
	if aok && bok {
		return strings.Join(ab.PendingCallIDs(), ",") == strings.Join(bb.PendingCallIDs(), ",")
	}
	return true
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("agentchat") + " " + dimStyle.Render(m.sess.ThreadID()) + "\n\n")
	b.WriteString(renderTranscript(m.snap) + "\n\n")
	if m.snap.Interrupt != nil {
		b.WriteString(renderInterrupt(m.snap.Interrupt, m.selected, m.cursor) + "\n")
	}
	switch {
	case m.snap.IsLoading:
		b.WriteString(dimStyle.Render(spinnerFrames[m.spinner]+" working… esc to cancel") + "\n")
	case m.sess.Err() != nil:
		b.WriteString(errorStyle.Render(m.sess.Err().Error()) + "\n")
	}
	if m.notice != "" {
		b.WriteString(dimStyle.Render(m.notice) + "\n")
	}
	b.WriteString(m.input.View() + "\n")
	b.WriteString(dimStyle.Render("enter send · esc cancel · ctrl+n new thread · ctrl+c quit"))
	return b.String()
}
