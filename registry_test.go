package courier

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

type closingResource struct {
	ResourceBase
	closed atomic.Int32
}

func (cr *closingResource) Post(*Envelope) error { return nil }

func (cr *closingResource) Close() error {
	cr.closed.Add(1)
	return nil
}

func nopResource() *HandlerFunc {
	return NewHandlerFunc("", func(*Envelope) error { return nil })
}

func TestRegistry_Add(t *testing.T) {
	reg := NewRegistry("node1/", 0)

	r := nopResource()
	id, err := reg.Add(r)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "node1/"))
	require.Len(t, id, len("node1/")+36, "the id should end with a uuid")
	require.Equal(t, id, r.ID())
	require.False(t, r.LastAccess().IsZero(), "admission counts as an access")

	got, ok := reg.Get(id)
	require.True(t, ok)
	require.Same(t, r, got)

	t.Run("re-admission under the same id", func(t *testing.T) {
		require.True(t, reg.Delete(id))
		again, err := reg.Add(r)
		require.NoError(t, err)
		require.Equal(t, id, again)
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := reg.Store(nopResource(), id)
		require.ErrorIs(t, err, ErrDuplicateID)
		require.Equal(t, 1, reg.Len())
	})

	t.Run("resource known under another id", func(t *testing.T) {
		err := reg.Store(r, "node1/other")
		require.ErrorIs(t, err, ErrDuplicateID)
		require.False(t, reg.Contains("node1/other"))
	})

	t.Run("empty id", func(t *testing.T) {
		require.ErrorIs(t, reg.Store(nopResource(), ""), ErrInvalidID)
	})
}

func TestRegistry_Capacity(t *testing.T) {
	reg := NewRegistry("cap/", 3)
	for range 3 {
		_, err := reg.Add(nopResource())
		require.NoError(t, err)
	}

	_, err := reg.Add(nopResource())
	require.ErrorIs(t, err, ErrResourceLimit)
	require.Equal(t, 3, reg.Len())

	// freeing a slot admits again.
	victim := reg.Scan("")[0]
	require.True(t, reg.Delete(victim.ID()))
	_, err = reg.Add(nopResource())
	require.NoError(t, err)
}

func TestRegistry_ConcurrentAdd(t *testing.T) {
	const workers, perWorker = 8, 200
	reg := NewRegistry("conc/", workers*perWorker-10)

	var wg sync.WaitGroup
	var admitted, refused atomic.Int32
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				_, err := reg.Add(nopResource())
				switch {
				case err == nil:
					admitted.Add(1)
				case errors.Is(err, ErrResourceLimit):
					refused.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, workers*perWorker-10, admitted.Load())
	require.EqualValues(t, 10, refused.Load())
	require.Equal(t, int(admitted.Load()), reg.Len())

	for _, r := range reg.Scan("conc/") {
		got, ok := reg.Get(r.ID())
		require.True(t, ok)
		require.Same(t, r, got, "every key must equal the id of its resource")
	}
}

func TestRegistry_DeleteClosesResources(t *testing.T) {
	msink := metrics.NewInmemSink(time.Second, time.Minute)
	reg := NewRegistry("close/", 0)
	reg.msink = msink

	r := &closingResource{}
	id, err := reg.Add(r)
	require.NoError(t, err)

	require.True(t, reg.Delete(id))
	require.False(t, reg.Delete(id), "deleting twice reports nothing was removed")
	require.EqualValues(t, 1, r.closed.Load())

	others := []*closingResource{{}, {}}
	for _, o := range others {
		_, err := reg.Add(o)
		require.NoError(t, err)
	}
	reg.Clear()
	require.Zero(t, reg.Len())
	for _, o := range others {
		require.EqualValues(t, 1, o.closed.Load())
	}
}

func TestRegistry_Scan(t *testing.T) {
	reg := NewRegistry("scan/", 0)
	for _, id := range []string{"scan/a/1", "scan/a/2", "scan/b/1"} {
		require.NoError(t, reg.Store(nopResource(), id))
	}

	require.Len(t, reg.Scan("scan/a/"), 2)
	require.Len(t, reg.Scan("scan/b/"), 1)
	require.Len(t, reg.Scan(""), 3)
	require.Empty(t, reg.Scan("scan/c/"))

	var ids []string
	for _, r := range reg.Scan("scan/") {
		ids = append(ids, r.ID())
	}
	require.Equal(t, []string{"scan/a/1", "scan/a/2", "scan/b/1"}, ids, "ordered by id")
}

func TestResourceType(t *testing.T) {
	require.Equal(t, "adder", resourceType(NewHandlerFunc("adder", nil)))
	require.Equal(t, "*courier.HandlerFunc", resourceType(nopResource()))
	require.Equal(t, "*courier.closingResource", resourceType(&closingResource{}))
}
