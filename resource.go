package courier

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"
)

// Resource is anything addressable on a `Node`: agents written by the
// user as well as the transient channels the runtime persists so replies
// can be routed back to them.
//
// Implementations embed `ResourceBase` and provide `Post`, the inbound
// entry point for every `Envelope` targeting the resource.
type Resource interface {
	ID() string
	Post(env *Envelope) error
	Shutdown()
	ShuttingDown() bool
	LastAccess() time.Time

	base() *ResourceBase
}

// Typed resources can be reached by destination type instead of id.
// Resources which don't implement it are matched on their Go type name.
type Typed interface {
	ResourceType() string
}

// ResourceBase holds the state shared by every `Resource`. The id is
// assigned once, by the `Registry`, on admission.
type ResourceBase struct {
	id           atomic.Pointer[string]
	lastAccess   atomic.Int64
	shuttingDown atomic.Bool
}

func (rb *ResourceBase) ID() string {
	if id := rb.id.Load(); id != nil {
		return *id
	}
	return ""
}

func (rb *ResourceBase) LastAccess() time.Time {
	return time.Unix(0, rb.lastAccess.Load())
}

func (rb *ResourceBase) Shutdown() {
	rb.shuttingDown.Store(true)
}

func (rb *ResourceBase) ShuttingDown() bool {
	return rb.shuttingDown.Load()
}

func (rb *ResourceBase) base() *ResourceBase {
	return rb
}

func (rb *ResourceBase) touch() {
	rb.lastAccess.Store(time.Now().UnixNano())
}

// assign sets the id if none was set yet. Re-admitting a resource under
// the id it already has is allowed.
func (rb *ResourceBase) assign(id string) error {
	if rb.id.CompareAndSwap(nil, &id) {
		rb.touch()
		return nil
	}
	if current := rb.ID(); current != id {
		return fmt.Errorf("%w: resource is already known as %s", ErrDuplicateID, current)
	}
	return nil
}

// resourceType is the name used to match a destination type.
func resourceType(r Resource) string {
	if typed, ok := r.(Typed); ok {
		return typed.ResourceType()
	}
	return reflect.TypeOf(r).String()
}

// HandlerFunc adapts a function to a `Resource`.
type HandlerFunc struct {
	ResourceBase
	kind string
	fn   func(*Envelope) error
}

// NewHandlerFunc returns a resource calling fn for every envelope. When
// kind is not empty, the resource is reachable by that destination type.
func NewHandlerFunc(kind string, fn func(*Envelope) error) *HandlerFunc {
	return &HandlerFunc{kind: kind, fn: fn}
}

func (hf *HandlerFunc) Post(env *Envelope) error {
	return hf.fn(env)
}

func (hf *HandlerFunc) ResourceType() string {
	if hf.kind == "" {
		return reflect.TypeOf(hf).String()
	}
	return hf.kind
}
