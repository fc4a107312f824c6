package courier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFuture_AddExample(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	adder, err := n.Spawn(newAdder())
	require.NoError(t, err)

	f := NewFuture[int](n, adder, time.Second)
	require.Equal(t, adder.TargetID(), f.TargetID())
	require.NoError(t, Send(f, addRequest{A: 2, B: 3}))

	res, ok := f.Get()
	require.True(t, ok)
	require.Equal(t, 5, res)

	<-f.Done()
	require.Eventually(t, func() bool {
		return !n.Registry().Contains(f.ID())
	}, time.Second, 5*time.Millisecond, "the reply channel is gone once completed")
}

func TestFuture_SingleFlight(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	r := &recorder{}
	target, err := n.Spawn(r)
	require.NoError(t, err)

	f := NewFuture[string](n, target, 5*time.Second)
	require.NoError(t, Send(f, "request"))
	require.Eventually(t, func() bool {
		return len(r.messages()) == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, n.Registry().Contains(f.ID()), "the future is admitted while awaiting")

	// held back until the reply arrives.
	require.NoError(t, Send(f, "second"))
	require.NoError(t, Send(f, "third"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []any{"request"}, r.messages())

	require.NoError(t, Reply(r.envelopes()[0], "response"))
	res, ok := f.Get()
	require.True(t, ok)
	require.Equal(t, "response", res)

	// released inline, in order, before the future is marked done.
	require.Equal(t, []any{"request", "second", "third"}, r.messages())

	require.NoError(t, Send(f, "fourth"))
	require.Eventually(t, func() bool {
		return len(r.messages()) == 4
	}, time.Second, 5*time.Millisecond, "once completed, sends go straight through")
}

func TestFuture_TargetSendsDuringRelease(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	var (
		f     *Future[string]
		lk    sync.Mutex
		seen  []any
		first *Envelope
	)
	h := NewHandlerFunc("", func(env *Envelope) error {
		lk.Lock()
		seen = append(seen, env.Message)
		if first == nil {
			first = env
		}
		lk.Unlock()
		if env.Message == "second" {
			return Send(f, "from the target")
		}
		return nil
	})
	target, err := n.Spawn(h)
	require.NoError(t, err)

	f = NewFuture[string](n, target, 5*time.Second)
	require.NoError(t, Send(f, "request"))
	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return first != nil
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, Send(f, "second"))

	lk.Lock()
	request := first
	lk.Unlock()
	require.NoError(t, Reply(request, "response"))

	got := make(chan bool, 1)
	go func() {
		_, ok := f.Get()
		got <- ok
	}()
	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("the future never completed")
	}

	lk.Lock()
	defer lk.Unlock()
	require.Equal(t, []any{"request", "second", "from the target"}, seen)
}

func TestFuture_Timeout(t *testing.T) {
	n, msink := newTestNode(t, "node1")

	r := &recorder{}
	target, err := n.Spawn(r)
	require.NoError(t, err)

	f := NewFuture[int](n, target, 50*time.Millisecond)
	require.NoError(t, Send(f, "never answered"))
	require.NoError(t, Send(f, "held back"))

	start := time.Now()
	res, ok := f.Get()
	require.False(t, ok)
	require.Zero(t, res)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, counterSum(msink, MetricFutureTimeoutCount))

	require.Eventually(t, func() bool {
		return !n.Registry().Contains(f.ID()) && len(r.messages()) == 2
	}, time.Second, 5*time.Millisecond, "an expired future releases what it held back")

	t.Run("waiting again returns at once", func(t *testing.T) {
		require.False(t, f.WaitUntilCompleted(time.Hour))
	})
}

func TestFuture_LateReply(t *testing.T) {
	n, msink := newTestNode(t, "node1")

	f := NewFuture[int](n, n.Local("node1/unused"), time.Second)
	require.NoError(t, f.Post(NewEnvelope(5)))
	require.NoError(t, f.Post(NewEnvelope(6)))

	res, ok := f.Get()
	require.True(t, ok)
	require.Equal(t, 5, res, "only the first reply counts")
	require.EqualValues(t, 1, counterSum(msink, MetricFutureLateReplyCount))
}

func TestFuture_TypeMismatch(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	f := NewFuture[int](n, n.Local("node1/unused"), time.Second)
	require.ErrorIs(t, f.Post(NewEnvelope("five")), ErrTypeMismatch)

	_, ok := f.Get()
	require.False(t, ok)
}

func TestFuture_UnknownTarget(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	f := NewFuture[int](n, n.Local("node1/nobody"), time.Second)
	require.ErrorIs(t, Send(f, addRequest{}), ErrResourceNotFound)

	select {
	case <-f.Done():
	default:
		t.Fatal("a failed request completes the future")
	}
	require.False(t, n.Registry().Contains(f.ID()))
}

func TestFutureJoin(t *testing.T) {
	n, _ := newTestNode(t, "node1")

	adder1, err := n.Spawn(newAdder())
	require.NoError(t, err)
	adder2, err := n.Spawn(newAdder())
	require.NoError(t, err)
	silent, err := n.Spawn(&recorder{})
	require.NoError(t, err)

	t.Run("every future succeeds", func(t *testing.T) {
		fj := NewFutureJoin(
			NewFuture[int](n, adder1, time.Second),
			NewFuture[int](n, adder2, time.Second),
		)
		require.Equal(t, adder1.TargetID(), fj.TargetID())
		require.NoError(t, Send(fj, addRequest{A: 2, B: 3}))

		res, ok := fj.Get()
		require.True(t, ok)
		require.Equal(t, 5, res)
		res, ok = fj.At(1)
		require.True(t, ok)
		require.Equal(t, 5, res)
		require.True(t, fj.Succeeded())

		require.ErrorIs(t, Send(fj, addRequest{}), ErrJoinStarted)
	})

	t.Run("one future times out", func(t *testing.T) {
		fj := NewFutureJoin(
			NewFuture[int](n, adder1, time.Second),
			NewFuture[int](n, silent, 50*time.Millisecond),
		)
		require.NoError(t, Send(fj, addRequest{A: 1, B: 1}))

		_, ok := fj.Get()
		require.False(t, ok)
		res, ok := fj.At(0)
		require.True(t, ok, "the other member is unaffected")
		require.Equal(t, 2, res)
		_, ok = fj.At(1)
		require.False(t, ok)
	})

	t.Run("waiting before sending", func(t *testing.T) {
		fj := NewFutureJoin(NewFuture[int](n, adder1, time.Second))
		res, ok := fj.Get()
		require.False(t, ok)
		require.Zero(t, res)
	})

	t.Run("empty join", func(t *testing.T) {
		fj := NewFutureJoin[int]()
		require.NoError(t, Send(fj, addRequest{}))
		_, ok := fj.Get()
		require.True(t, ok)
		require.Zero(t, fj.Len())
	})
}
