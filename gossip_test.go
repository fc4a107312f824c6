package courier

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestGossip_Discovery(t *testing.T) {
	n1, _ := newTestNode(t, "node1", WithGossip("127.0.0.1", 0))
	n2, _ := newTestNode(t, "node2",
		WithGossip("127.0.0.1", 0),
		WithMetricLabels([]metrics.Label{{Name: "cluster", Value: "test"}}),
	)

	joined, err := n2.Join(n1.gossip.addr())
	require.NoError(t, err)
	require.Equal(t, 1, joined)

	require.Eventually(t, func() bool {
		return len(n1.Members()) == 2 && len(n2.Members()) == 2
	}, 10*time.Second, 50*time.Millisecond)

	for _, host := range n1.Members() {
		switch host.Name {
		case "node1":
			require.Equal(t, n1.Endpoint(), host.Endpoint)
		case "node2":
			require.Equal(t, n2.Endpoint(), host.Endpoint)
		default:
			t.Fatalf("unexpected member %s", host.Name)
		}
	}

	endpoint, ok := n1.cache.ResolveNode("node2")
	require.True(t, ok, "members are learnt by the connection cache")
	require.Equal(t, n2.Endpoint(), endpoint)

	t.Run("resources are reachable by node name", func(t *testing.T) {
		adder, err := n2.Spawn(newAdder())
		require.NoError(t, err)

		f := NewFuture[int](n1, n1.RemoteOn("node2", adder.TargetID(), 0), 5*time.Second)
		require.NoError(t, Send(f, addRequest{A: 2, B: 3}))
		res, ok := f.Get()
		require.True(t, ok)
		require.Equal(t, 5, res)
	})

	t.Run("leaving nodes are forgotten", func(t *testing.T) {
		require.NoError(t, n2.Shutdown())
		require.Eventually(t, func() bool {
			_, ok := n1.cache.ResolveNode("node2")
			return !ok
		}, 10*time.Second, 50*time.Millisecond)
	})
}
