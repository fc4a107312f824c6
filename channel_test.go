package courier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalChannel(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	r := &recorder{}
	ch, err := n.Spawn(r)
	require.NoError(t, err)

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, Send(ch, msg))
	}
	require.Eventually(t, func() bool {
		return len(r.messages()) == 3
	}, time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []any{"a", "b", "c"}, r.messages())
	require.False(t, r.envelopes()[0].Synchronous)
	require.WithinDuration(t, time.Now(), r.LastAccess(), time.Second)

	t.Run("unknown target", func(t *testing.T) {
		require.ErrorIs(t, Send(n.Local("node1/nobody"), "a"), ErrResourceNotFound)
	})
}

func TestSynchronousChannel(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	failure := errors.New("cannot process")
	var seen []string
	h := NewHandlerFunc("", func(env *Envelope) error {
		msg, err := Message[string](env)
		if err != nil {
			return err
		}
		if !env.Synchronous {
			return errors.New("expected a synchronous envelope")
		}
		seen = append(seen, msg)
		if msg == "fail" {
			return failure
		}
		return nil
	})
	_, err := n.Spawn(h)
	require.NoError(t, err)

	ch := n.Synchronous(h.ID())
	require.NoError(t, Send(ch, "one"))
	require.Equal(t, []string{"one"}, seen, "delivery happens before Send returns")

	require.ErrorIs(t, Send(ch, "fail"), failure)
	require.ErrorIs(t, Send(ch, 42), ErrTypeMismatch)
}

func TestEnvelopeHelpers(t *testing.T) {
	env := NewEnvelope[error](errors.New("dynamic"))
	require.Equal(t, "*errors.errorString", env.Type.String(), "interfaces are resolved to their dynamic type")

	env = NewEnvelope(addRequest{A: 1})
	req, err := Message[addRequest](env)
	require.NoError(t, err)
	require.Equal(t, 1, req.A)

	_, err = Message[string](env)
	require.ErrorIs(t, err, ErrTypeMismatch)

	require.ErrorIs(t, Reply(env, "nobody listens"), ErrNoSource)
}

func TestMulticast(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	members := []*recorder{{}, {}, {}}
	channels := make([]Channel, 0, len(members)+1)
	for _, m := range members {
		ch, err := n.Spawn(m)
		require.NoError(t, err)
		channels = append(channels, ch)
	}
	channels = append(channels, n.Local("node1/gone"))

	mc := NewMulticast(channels...)
	require.Empty(t, mc.TargetID())
	require.Len(t, mc.Members(), 4)

	err := Send(mc, "news")
	require.ErrorIs(t, err, ErrResourceNotFound, "the failing member is reported")
	require.Contains(t, err.Error(), "node1/gone")

	require.Eventually(t, func() bool {
		for _, m := range members {
			if len(m.messages()) != 1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "other members are still served")

	// each member owns its copy of the envelope.
	require.NotSame(t, members[0].envelopes()[0], members[1].envelopes()[0])
}
