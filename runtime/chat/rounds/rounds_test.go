package rounds

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentchat/runtime/chat/message"
)

func msg(id string, role message.Role) message.Message {
	return message.Message{ID: id, Role: role, Content: message.Text(id)}
}

func TestSegment(t *testing.T) {
	cases := []struct {
		name    string
		in      []message.Message
		rounds  [][]string
		dropped []string
	}{
		{name: "empty"},
		{
			name:   "single round",
			in:     []message.Message{msg("h1", message.RoleHuman), msg("a1", message.RoleAI), msg("t1", message.RoleTool)},
			rounds: [][]string{{"h1", "a1", "t1"}},
		},
		{
			name: "two rounds",
			in: []message.Message{
				msg("h1", message.RoleHuman), msg("a1", message.RoleAI),
				msg("h2", message.RoleHuman), msg("s1", message.RoleSystem), msg("a2", message.RoleAI),
			},
			rounds: [][]string{{"h1", "a1"}, {"h2", "s1", "a2"}},
		},
		{
			name:   "consecutive humans",
			in:     []message.Message{msg("h1", message.RoleHuman), msg("h2", message.RoleHuman)},
			rounds: [][]string{{"h1"}, {"h2"}},
		},
		{
			name:    "leading assistant dropped",
			in:      []message.Message{msg("a0", message.RoleAI), msg("t0", message.RoleTool), msg("h1", message.RoleHuman), msg("a1", message.RoleAI)},
			rounds:  [][]string{{"h1", "a1"}},
			dropped: []string{"a0", "t0"},
		},
		{
			name:    "no human at all",
			in:      []message.Message{msg("a0", message.RoleAI)},
			dropped: []string{"a0"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Segment(tc.in)
			require.Len(t, res.Rounds, len(tc.rounds))
			for i, r := range res.Rounds {
				require.Equal(t, tc.rounds[i], ids(r.Messages()))
			}
			require.Equal(t, tc.dropped, idsOrNil(res.Dropped))
		})
	}
}

func TestSegmentAndLogWarnsForDropped(t *testing.T) {
	logger := &recordingLogger{}
	res := SegmentAndLog(context.Background(), logger, []message.Message{
		msg("a0", message.RoleAI), msg("h1", message.RoleHuman),
	})
	require.Len(t, res.Rounds, 1)
	require.Equal(t, []string{"dropping message before first human turn"}, logger.warnings)

	require.NotPanics(t, func() {
		SegmentAndLog(context.Background(), nil, []message.Message{msg("a0", message.RoleAI)})
	})
}

func TestSegmentLosslessPartitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("dropped prefix plus flattened rounds reproduces the transcript", prop.ForAll(
		func(in []message.Message) bool {
			res := Segment(in)
			got := append(ids(res.Dropped), ids(Flatten(res.Rounds))...)
			return fmt.Sprint(got) == fmt.Sprint(ids(in))
		},
		genTranscript(),
	))

	properties.Property("no message before the first human is in any round", prop.ForAll(
		func(in []message.Message) bool {
			res := Segment(in)
			leading := map[string]bool{}
			for _, m := range in {
				if m.Role == message.RoleHuman {
					break
				}
				leading[m.ID] = true
			}
			for _, r := range res.Rounds {
				if r.Human.Role != message.RoleHuman {
					return false
				}
				for _, m := range r.Assistant {
					if leading[m.ID] || m.Role == message.RoleHuman {
						return false
					}
				}
			}
			return len(res.Dropped) == len(leading)
		},
		genTranscript(),
	))

	properties.Property("segmentation is idempotent", prop.ForAll(
		func(in []message.Message) bool {
			first := Segment(in)
			second := Segment(Flatten(first.Rounds))
			return fmt.Sprint(ids(Flatten(first.Rounds))) == fmt.Sprint(ids(Flatten(second.Rounds))) &&
				len(second.Dropped) == 0
		},
		genTranscript(),
	))

	properties.TestingRun(t)
}

func genTranscript() gopter.Gen {
	roles := []message.Role{message.RoleHuman, message.RoleAI, message.RoleTool, message.RoleSystem}
	return gen.SliceOf(gen.IntRange(0, len(roles)-1)).Map(func(picks []int) []message.Message {
		out := make([]message.Message, len(picks))
		for i, p := range picks {
			out[i] = msg(fmt.Sprintf("m%d", i), roles[p])
		}
		return out
	})
}

func ids(msgs []message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func idsOrNil(msgs []message.Message) []string {
	if len(msgs) == 0 {
		return nil
	}
	return ids(msgs)
}

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Debug(context.Context, string, ...any) {}
func (l *recordingLogger) Info(context.Context, string, ...any)  {}
func (l *recordingLogger) Warn(_ context.Context, msg string, _ ...any) {
	l.warnings = append(l.warnings, msg)
}
func (l *recordingLogger) Error(context.Context, string, ...any) {}
