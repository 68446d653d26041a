// Package observable provides a latest-value publish/subscribe cell that is
// independent of any UI framework.
package observable

import "sync"

// Value holds the current value of T and notifies watchers on every Set.
// Watchers receive the latest value only: a slow watcher skips intermediate
// values instead of blocking the writer.
type Value[T any] struct {
	mu       sync.RWMutex
	v        T
	version  uint64
	watchers map[uint64]chan T
	nextID   uint64
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, watchers: make(map[uint64]chan T)}
}

func (o *Value[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.v
}

// Version increments on every Set.
func (o *Value[T]) Version() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.v = v
	o.version++
	for _, ch := range o.watchers {
		offer(ch, v)
	}
}

// Update applies fn to the current value atomically and publishes the result.
func (o *Value[T]) Update(fn func(T) T) T {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.v = fn(o.v)
	o.version++
	for _, ch := range o.watchers {
		offer(ch, o.v)
	}
	return o.v
}

// Watch returns a channel primed with the current value and a cancel func.
// The channel is closed by cancel; calling cancel twice is safe.
func (o *Value[T]) Watch() (<-chan T, func()) {
	ch := make(chan T, 1)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = ch
	ch <- o.v
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.watchers, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}

// offer replaces a pending value with v without blocking.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
