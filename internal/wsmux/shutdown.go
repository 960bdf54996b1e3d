package wsmux

import "sync"

// OnceShutdownHandler is implemented by the object owned by a lifecycle, so that
// the lifecycle can invoke its actual teardown exactly once.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, to perform
	// synchronous teardown. completionErr is the advisory reason shutdown was
	// requested (nil for a clean stop); the return value becomes the final status
	// returned from WaitShutdown.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by any owned object whose lifecycle a parent
// session wants to track without blocking its own dispatch loop on it.
type AsyncShutdowner interface {
	// StartShutdown schedules teardown; repeated calls after the first are no-ops.
	StartShutdown(completionErr error)
	// ShutdownDoneChan is closed once teardown has completed.
	ShutdownDoneChan() <-chan struct{}
	// WaitShutdown blocks until teardown completes and returns its final status.
	WaitShutdown() error
}

// lifecycle is a base that gives its owner idempotent, concurrency-safe,
// exactly-once teardown plus the ability to wait for a set of owned children to
// finish tearing down before declaring itself done. In this package only
// Listener uses it; TunnelSession, TCPSession and UDPFlow manage their own
// teardown. The mechanism is the teacher's ShutdownHelper, pared down to a
// single activation path: construct, run, shut down once.
type lifecycle struct {
	Logger

	mu      sync.Mutex
	handler OnceShutdownHandler

	started bool
	done    bool
	err     error

	doneChan chan struct{}
	wg       sync.WaitGroup
}

func (h *lifecycle) init(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.doneChan = make(chan struct{})
}

// StartShutdown schedules asynchronous teardown. Only the first call takes effect;
// subsequent calls are ignored so that concurrent or repeated shutdown requests
// never run HandleOnceShutdown twice.
func (h *lifecycle) StartShutdown(completionErr error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go func() {
		err := h.handler.HandleOnceShutdown(completionErr)
		h.wg.Wait()
		h.mu.Lock()
		h.err = err
		h.done = true
		h.mu.Unlock()
		close(h.doneChan)
	}()
}

// ShutdownDoneChan returns a channel closed once teardown has completed.
func (h *lifecycle) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// IsDoneShutdown reports whether teardown has completed.
func (h *lifecycle) IsDoneShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// WaitShutdown blocks until teardown completes and returns its final status. It
// does not itself initiate shutdown.
func (h *lifecycle) WaitShutdown() error {
	<-h.doneChan
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Shutdown initiates teardown if not already started, waits for completion, and
// returns the final status.
func (h *lifecycle) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// AddShutdownChild registers a child whose own teardown must finish before this
// object's WaitShutdown returns, without forcing the child to shut down itself --
// used by the Listener to wait for the tunnel sessions it has admitted.
func (h *lifecycle) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		<-child.ShutdownDoneChan()
	}()
}
