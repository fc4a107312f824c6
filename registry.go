package courier

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
)

const DefaultCapacity = 1_000_000

// Registry is the set of resources living on a `Node`.
// It is safe for concurrent use.
//
// Entries live in an immutable radix tree: readers load the current
// version without locking while writers, serialized by `lk`, publish a
// new one.
type Registry struct {
	prefix   string
	capacity int

	lk      sync.Mutex
	entries atomic.Pointer[iradix.Tree]

	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewRegistry returns an empty registry generating ids starting with
// prefix. A capacity of 0 means `DefaultCapacity`.
func NewRegistry(prefix string, capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	reg := &Registry{
		prefix:   prefix,
		capacity: capacity,
		msink:    &metrics.BlackholeSink{},
	}
	reg.entries.Store(iradix.New())
	return reg
}

// NewID generates a fresh resource id.
func (reg *Registry) NewID() string {
	return reg.prefix + uuid.NewString()
}

func (reg *Registry) Prefix() string {
	return reg.prefix
}

func (reg *Registry) Capacity() int {
	return reg.capacity
}

// Add admits r and returns its id. A resource which already has an id
// is admitted under it.
func (reg *Registry) Add(r Resource) (string, error) {
	id := r.ID()
	if id == "" {
		id = reg.NewID()
	}
	return id, reg.Store(r, id)
}

// Store admits r under id. It fails when the registry is full or when id
// is already taken, those are programming errors and must not be retried.
func (reg *Registry) Store(r Resource, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	reg.lk.Lock()
	tree := reg.entries.Load()
	if tree.Len() >= reg.capacity {
		reg.lk.Unlock()
		return fmt.Errorf("%w: %d resources", ErrResourceLimit, reg.capacity)
	}
	if _, exists := tree.Get([]byte(id)); exists {
		reg.lk.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if err := r.base().assign(id); err != nil {
		reg.lk.Unlock()
		return err
	}
	tree, _, _ = tree.Insert([]byte(id), r)
	reg.entries.Store(tree)
	reg.lk.Unlock()

	reg.msink.SetGaugeWithLabels(MetricRegistryResources, float32(tree.Len()), reg.labels)
	return nil
}

// Delete removes the resource and closes it if it implements `io.Closer`.
func (reg *Registry) Delete(id string) bool {
	reg.lk.Lock()
	tree, r, removed := reg.entries.Load().Delete([]byte(id))
	if removed {
		reg.entries.Store(tree)
	}
	reg.lk.Unlock()

	if !removed {
		return false
	}
	reg.msink.SetGaugeWithLabels(MetricRegistryResources, float32(tree.Len()), reg.labels)
	if closer, ok := r.(io.Closer); ok {
		closer.Close()
	}
	return true
}

func (reg *Registry) Get(id string) (Resource, bool) {
	v, ok := reg.entries.Load().Get([]byte(id))
	if !ok {
		return nil, false
	}
	return v.(Resource), true
}

func (reg *Registry) Contains(id string) bool {
	_, ok := reg.Get(id)
	return ok
}

func (reg *Registry) Len() int {
	return reg.entries.Load().Len()
}

// Scan returns every resource whose id starts with prefix, ordered by id.
func (reg *Registry) Scan(prefix string) []Resource {
	var found []Resource
	reg.entries.Load().Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		found = append(found, v.(Resource))
		return false
	})
	return found
}

// Clear removes every resource, closing the ones implementing `io.Closer`.
func (reg *Registry) Clear() {
	reg.lk.Lock()
	old := reg.entries.Swap(iradix.New())
	reg.lk.Unlock()

	reg.msink.SetGaugeWithLabels(MetricRegistryResources, 0, reg.labels)
	old.Root().Walk(func(_ []byte, v interface{}) bool {
		if closer, ok := v.(io.Closer); ok {
			closer.Close()
		}
		return false
	})
}
