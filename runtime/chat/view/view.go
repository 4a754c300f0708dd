// Package view assembles the read-only rendering snapshot of a conversation:
// dialog rounds, tool-call records, the live interrupt and the loading flag.
// Snapshots are computed once per (transcript version, session state
// version) pair and must be treated as immutable.
package view

import (
	"context"
	"sync"

	"goa.design/agentchat/runtime/chat/correlate"
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
	"goa.design/agentchat/runtime/chat/rounds"
	"goa.design/agentchat/runtime/chat/telemetry"
)

type (
	// Options configures rendering.
	Options struct {
		// HiddenTools lists tool names whose invocations and results are
		// never rendered.
		HiddenTools []string
		// ShowEmpty renders ai messages that have neither content nor
		// visible tool calls.
		ShowEmpty bool
	}

	// Key identifies the inputs a snapshot was computed from.
	Key struct {
		Transcript uint64
		State      uint64
	}

	// Input is the raw material of a snapshot.
	Input struct {
		Messages  []message.Message
		Signal    interrupt.Signal
		Decisions correlate.Decisions
		Loading   bool
	}

	// Snapshot is the immutable rendering view of a conversation.
	Snapshot struct {
		Key Key
		// Rounds holds the visible messages grouped by human turn.
		Rounds []rounds.Round
		// ToolCallRecords is keyed by call id and omits hidden tools.
		ToolCallRecords map[string]correlate.Record
		// Order lists the keys of ToolCallRecords in transcript order.
		Order     []string
		Interrupt interrupt.Signal
		State     interrupt.State
		IsLoading bool
		Anomalies []correlate.Anomaly
		// Dropped lists messages that preceded the first human turn.
		Dropped []message.Message
	}

	// Builder computes snapshots and caches the latest one.
	Builder struct {
		opts   Options
		hidden map[string]struct{}
		logger telemetry.Logger

		mu     sync.Mutex
		cached *Snapshot
	}
)

// NewBuilder returns a Builder rendering with opts. logger receives one
// warning per dropped message and anomaly each time a new snapshot is
// computed; it may be nil.
func NewBuilder(opts Options, logger telemetry.Logger) *Builder {
	hidden := make(map[string]struct{}, len(opts.HiddenTools))
	for _, name := range opts.HiddenTools {
		hidden[name] = struct{}{}
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Builder{opts: opts, hidden: hidden, logger: logger}
}

// Build returns the snapshot for key, calling load only when key differs
// from the cached snapshot's.
func (b *Builder) Build(ctx context.Context, key Key, load func() Input) *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cached != nil && b.cached.Key == key {
		return b.cached
	}
	snap := b.compute(ctx, key, load())
	b.cached = snap
	return snap
}

// Hidden reports whether tool name is hidden.
func (b *Builder) Hidden(name string) bool {
	_, ok := b.hidden[name]
	return ok
}

func (b *Builder) compute(ctx context.Context, key Key, in Input) *Snapshot {
	corr := correlate.Correlate(in.Messages, in.Signal, in.Decisions)
	seg := rounds.SegmentAndLog(ctx, b.logger, in.Messages)
	for _, a := range corr.Anomalies {
		b.logger.Warn(ctx, "tool call anomaly", "kind", string(a.Kind), "call_id", a.CallID, "message_id", a.MessageID)
	}

	snap := &Snapshot{
		Key:             key,
		ToolCallRecords: make(map[string]correlate.Record, len(corr.Records)),
		Interrupt:       interrupt.Clone(in.Signal),
		State:           stateOf(in.Signal),
		IsLoading:       in.Loading,
		Anomalies:       corr.Anomalies,
		Dropped:         seg.Dropped,
	}
	hiddenCalls := make(map[string]struct{})
	for _, id := range corr.Order {
		rec := corr.Records[id]
		if b.Hidden(rec.Call.Name) {
			hiddenCalls[id] = struct{}{}
			continue
		}
		snap.ToolCallRecords[id] = rec
		snap.Order = append(snap.Order, id)
	}

	for _, r := range seg.Rounds {
		vr := rounds.Round{Human: r.Human}
		for _, m := range r.Assistant {
			if vm, ok := b.visible(m, hiddenCalls); ok {
				vr.Assistant = append(vr.Assistant, vm)
			}
		}
		snap.Rounds = append(snap.Rounds, vr)
	}
	return snap
}

// visible returns m as it should render, or false when it renders nothing.
func (b *Builder) visible(m message.Message, hiddenCalls map[string]struct{}) (message.Message, bool) {
	switch m.Role {
	case message.RoleTool:
		if _, ok := hiddenCalls[m.ToolCallID]; ok {
			return message.Message{}, false
		}
		return m, true
	case message.RoleAI:
		if len(m.ToolCalls) > 0 && len(b.hidden) > 0 {
			calls := make([]message.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if !b.Hidden(tc.Name) {
					calls = append(calls, tc)
				}
			}
			m.ToolCalls = calls
		}
		if !b.opts.ShowEmpty && m.Content.IsEmpty() && len(m.ToolCalls) == 0 {
			return message.Message{}, false
		}
		return m, true
	}
	return m, true
}

func stateOf(sig interrupt.Signal) interrupt.State {
	if interrupt.IsNil(sig) {
		return interrupt.StateIdle
	}
	switch sig.(type) {
	case *interrupt.ToolApproval:
		return interrupt.StateAwaitingToolApproval
	case *interrupt.BatchToolApproval:
		return interrupt.StateAwaitingBatchApproval
	default:
		return interrupt.StateAwaitingSOPApproval
	}
}

// Record returns the record for callID.
func (s *Snapshot) Record(callID string) (correlate.Record, bool) {
	rec, ok := s.ToolCallRecords[callID]
	return rec, ok
}

// Messages returns the visible messages of all rounds in order.
func (s *Snapshot) Messages() []message.Message {
	return rounds.Flatten(s.Rounds)
}
