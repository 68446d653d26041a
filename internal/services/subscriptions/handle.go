package subscriptions

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle is one open subscription. It ends either by Unsubscribe or by a
// transport error, in which case Err is non-nil.
type Handle struct {
	id     string
	spec   Spec
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error

	batches atomic.Int64
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Spec() Spec { return h.spec }

// Done is closed once the delivery goroutine exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the transport error that tore the subscription down, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Batches is the number of batches applied through this handle.
func (h *Handle) Batches() int64 { return h.batches.Load() }
