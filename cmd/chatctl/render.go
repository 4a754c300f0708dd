package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"goa.design/agentchat/runtime/chat/correlate"
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
	"goa.design/agentchat/runtime/chat/view"
)

const maxResultWidth = 160

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	humanStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	aiStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	promptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("11")).Padding(0, 1)
	cursorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	stateStyles = map[correlate.ApprovalState]lipgloss.Style{
		correlate.StateNotRequired:     dimStyle,
		correlate.StatePendingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		correlate.StateApproved:        lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		correlate.StateRejected:        errorStyle,
		correlate.StateExecuted:        lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	}
)

// renderTranscript renders the rounds of snap with tool-call states.
func renderTranscript(snap *view.Snapshot) string {
	if snap == nil || len(snap.Rounds) == 0 {
		return dimStyle.Render("No messages yet. Type below and press enter.")
	}
	var b strings.Builder
	for i, r := range snap.Rounds {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(humanStyle.Render("you") + "  " + r.Human.Content.String() + "\n")
		for _, m := range r.Assistant {
			renderMessage(&b, snap, m)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMessage(b *strings.Builder, snap *view.Snapshot, m message.Message) {
	switch m.Role {
	case message.RoleAI:
		if !m.Content.IsEmpty() {
			b.WriteString(aiStyle.Render("agent") + "  " + m.Content.String() + "\n")
		}
		for _, tc := range m.ToolCalls {
			state := correlate.StateNotRequired
			if rec, ok := snap.Record(tc.CallID); ok {
				state = rec.State
			}
			fmt.Fprintf(b, "  %s %s(%s)\n", badge(state), tc.Name, formatArgs(tc.Args))
		}
	case message.RoleTool:
		fmt.Fprintf(b, "  %s %s\n", dimStyle.Render("↳"), truncate(m.Content.String(), maxResultWidth))
	case message.RoleSystem:
		b.WriteString(dimStyle.Render("system  "+m.Content.String()) + "\n")
	}
}

func badge(state correlate.ApprovalState) string {
	style, ok := stateStyles[state]
	if !ok {
		style = dimStyle
	}
	return style.Render("[" + strings.ReplaceAll(string(state), "_", " ") + "]")
}

// renderInterrupt renders the approval prompt for sig. selected and cursor
// drive the batch widget.
func renderInterrupt(sig interrupt.Signal, selected map[string]bool, cursor int) string {
	var b strings.Builder
	switch s := sig.(type) {
	case *interrupt.ToolApproval:
		b.WriteString(titleStyle.Render("Approval required") + "\n")
		if s.Message != "" {
			b.WriteString(s.Message + "\n")
		}
		fmt.Fprintf(&b, "%s(%s)\n", s.ToolName, formatArgs(s.ToolArgs))
		b.WriteString(dimStyle.Render("y approve · n reject"))
	case *interrupt.BatchToolApproval:
		fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Batch approval"),
			dimStyle.Render(fmt.Sprintf("%d pending of %d", len(s.PendingTools), s.TotalCount)))
		for i, pt := range s.PendingTools {
			mark := "[ ]"
			if selected[pt.CallID] {
				mark = "[x]"
			}
			line := fmt.Sprintf("%s %s(%s)", mark, pt.ToolName, formatArgs(pt.ToolArgs))
			if pt.RiskLevel != "" {
				line += " " + errorStyle.Render(pt.RiskLevel)
			}
			if pt.Reason != "" {
				line += " " + dimStyle.Render(pt.Reason)
			}
			if i == cursor {
				line = cursorStyle.Render("> ") + line
			} else {
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}
		for _, at := range s.AutoApprovedTools {
			b.WriteString("  " + dimStyle.Render("auto "+at.ToolName) + "\n")
		}
		b.WriteString(dimStyle.Render("space toggle · a all · enter submit · r reject all"))
	case *interrupt.SOPExecutionApproval:
		fmt.Fprintf(&b, "%s %s", titleStyle.Render("Procedure step"), s.SOPID)
		if s.CurrentStep != "" {
			fmt.Fprintf(&b, " · step %s", s.CurrentStep)
		}
		b.WriteString("\n")
		if s.Message != "" {
			b.WriteString(s.Message + "\n")
		}
		for _, tc := range s.ToolCalls {
			fmt.Fprintf(&b, "  %s(%s)\n", tc.ToolName, formatArgs(tc.ToolArgs))
		}
		b.WriteString(dimStyle.Render("y run step · n skip"))
	default:
		return ""
	}
	return promptStyle.Render(b.String())
}

// formatArgs renders tool arguments as sorted key=value pairs.
func formatArgs(args any) string {
	m, ok := args.(map[string]any)
	if !ok {
		if args == nil {
			return ""
		}
		return fmt.Sprint(args)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
