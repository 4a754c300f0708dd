// Package rounds partitions a flat transcript into dialog rounds: one human
// message followed by everything produced in response, up to the next human
// message.
package rounds

import (
	"context"

	"goa.design/agentchat/runtime/chat/message"
	"goa.design/agentchat/runtime/chat/telemetry"
)

type (
	// Round is one human turn and the assistant, tool and system messages
	// that followed it.
	Round struct {
		Human     message.Message
		Assistant []message.Message
	}

	// Result is the output of Segment. Dropped holds the messages that
	// preceded the first human message; they belong to no round.
	Result struct {
		Rounds  []Round
		Dropped []message.Message
	}
)

// Segment scans messages once. A human message closes the open round and
// starts a new one; any other message joins the open round. Messages before
// the first human message are returned in Dropped. Segment does not copy
// messages and never mutates its input.
func Segment(messages []message.Message) Result {
	var res Result
	for _, m := range messages {
		if m.Role == message.RoleHuman {
			res.Rounds = append(res.Rounds, Round{Human: m})
			continue
		}
		if len(res.Rounds) == 0 {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		last := &res.Rounds[len(res.Rounds)-1]
		last.Assistant = append(last.Assistant, m)
	}
	return res
}

// SegmentAndLog is Segment with a warning logged for every dropped message.
func SegmentAndLog(ctx context.Context, logger telemetry.Logger, messages []message.Message) Result {
	res := Segment(messages)
	if logger == nil {
		return res
	}
	for _, m := range res.Dropped {
		logger.Warn(ctx, "dropping message before first human turn",
			"message_id", m.ID, "role", string(m.Role))
	}
	return res
}

// Messages returns the round flattened back into transcript order.
func (r Round) Messages() []message.Message {
	out := make([]message.Message, 0, 1+len(r.Assistant))
	out = append(out, r.Human)
	return append(out, r.Assistant...)
}

// Flatten concatenates the messages of all rounds in order.
func Flatten(rounds []Round) []message.Message {
	var out []message.Message
	for _, r := range rounds {
		out = append(out, r.Messages()...)
	}
	return out
}
