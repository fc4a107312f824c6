package courier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutChannel_Reclaims(t *testing.T) {
	n, msink := newTestNode(t, "node1")

	r := &recorder{}
	target, err := n.Spawn(r)
	require.NoError(t, err)

	const timeout = 100 * time.Millisecond
	start := time.Now()
	tc, err := NewTimeoutChannel(n, target.TargetID(), timeout)
	require.NoError(t, err)
	require.True(t, n.Registry().Contains(tc.ID()))
	require.Equal(t, timeout, tc.Timeout())

	require.Eventually(t, func() bool {
		return r.ShuttingDown()
	}, timeout+time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), timeout, "never reclaimed before its timeout")

	require.Eventually(t, func() bool {
		return !n.Registry().Contains(tc.ID())
	}, time.Second, 5*time.Millisecond, "the channel expires itself")
	require.True(t, tc.ShuttingDown())
	require.EqualValues(t, 1, counterSum(msink, MetricTimeoutChannelFiredCount))
}

func TestTimeoutChannel_ActivityResetsTimer(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	r := &recorder{}
	target, err := n.Spawn(r)
	require.NoError(t, err)

	const timeout = 200 * time.Millisecond
	tc, err := NewTimeoutChannel(n, target.TargetID(), timeout)
	require.NoError(t, err)

	for i := range 8 {
		require.NoError(t, Send(tc, i))
		time.Sleep(timeout / 4)
		require.False(t, r.ShuttingDown(), "activity must keep the target alive")
	}
	require.Eventually(t, func() bool {
		return len(r.messages()) == 8
	}, time.Second, 5*time.Millisecond, "envelopes are forwarded to the target")

	last := time.Now()
	require.Eventually(t, func() bool {
		return r.ShuttingDown()
	}, timeout+time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(last), timeout)
}

func TestTimeoutChannel_SetTimeout(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	r := &recorder{}
	target, err := n.Spawn(r)
	require.NoError(t, err)

	tc, err := NewTimeoutChannel(n, target.TargetID(), time.Hour)
	require.NoError(t, err)

	start := time.Now()
	tc.SetTimeout(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		return r.ShuttingDown()
	}, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTimeoutChannel_Close(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	r := &recorder{}
	target, err := n.Spawn(r)
	require.NoError(t, err)

	tc, err := NewTimeoutChannel(n, target.TargetID(), 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, n.Registry().Delete(tc.ID()), "deleting the channel closes it")

	time.Sleep(150 * time.Millisecond)
	require.False(t, r.ShuttingDown())
	require.True(t, n.Registry().Contains(target.TargetID()))
}
