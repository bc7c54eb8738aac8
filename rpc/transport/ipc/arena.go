package ipc

import (
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
)

// Handle identifies a resource owned by an Arena. The zero Handle is never issued.
type Handle uint64

// Arena issues handles for resources that are shared between goroutines. A resource
// stays reachable until its handle is released, releasing twice is a no-op.
type Arena[T any] struct {
	next  atomic.Uint64
	items *xsync.MapOf[Handle, T]
}

// NewArena creates an empty arena
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{items: xsync.NewMapOf[Handle, T]()}
}

// Register stores v and returns its handle
func (a *Arena[T]) Register(v T) Handle {
	h := Handle(a.next.Add(1))
	a.items.Store(h, v)
	return h
}

// Release removes the resource and returns it. ok is false if the handle was released before.
func (a *Arena[T]) Release(h Handle) (v T, ok bool) {
	return a.items.LoadAndDelete(h)
}

// Drain releases all handles and calls fn for every resource
func (a *Arena[T]) Drain(fn func(T)) {
	a.items.Range(func(h Handle, _ T) bool {
		if v, ok := a.items.LoadAndDelete(h); ok {
			fn(v)
		}
		return true
	})
}

// Len returns the number of live handles
func (a *Arena[T]) Len() int {
	return a.items.Size()
}
