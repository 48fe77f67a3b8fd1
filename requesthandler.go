package reqsink

import (
	"sync"
	"time"
)

// implicitKeepAlive is the deadline extension granted whenever a response
// arrives and the handler allows keep-alives.
const implicitKeepAlive = 10 * time.Second

// CloseListener is notified exactly once when a RequestHandler closes,
// regardless of which terminal event caused it.
type CloseListener func(callID string)

// RequestHandler is the client-side per-call state machine: it buffers
// responses, tracks an extendable deadline, and exposes blocking and
// non-blocking retrieval to the caller.
type RequestHandler struct {
	allowKeepAlive bool
	callID         string
	clock          Clock

	mu        sync.Mutex
	cond      *sync.Cond
	responses []*Envelope
	closed    bool
	err       error
	deadline  time.Time
	listeners []CloseListener
}

// NewRequestHandler creates a handler with an initial deadline of
// now+maxWait.
func NewRequestHandler(allowKeepAlive bool, callID string, maxWait time.Duration, clock Clock) *RequestHandler {
	if clock == nil {
		clock = SystemClock
	}
	h := &RequestHandler{
		allowKeepAlive: allowKeepAlive,
		callID:         callID,
		clock:          clock,
		deadline:       clock.Now().Add(maxWait),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *RequestHandler) CallID() string { return h.callID }

// AddListener registers a callback invoked when the handler closes.
func (h *RequestHandler) AddListener(l CloseListener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// AddResponse enqueues a response. Returns false if the handler was
// already closed. A response also grants an implicit keep-alive extension,
// the same as an explicit KeepAlive call, so a handler with
// allowKeepAlive=false does not have its deadline pushed out just because
// data arrived.
func (h *RequestHandler) AddResponse(msg *Envelope) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.responses = append(h.responses, msg)
	if h.allowKeepAlive {
		h.extendDeadlineLocked(h.clock.Now().Add(implicitKeepAlive))
	}
	h.cond.Broadcast()
	h.mu.Unlock()
	return true
}

// KeepAlive extends the deadline to max(deadline, until). Rejected if
// closed or the handler does not allow keep-alives.
func (h *RequestHandler) KeepAlive(until time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.allowKeepAlive {
		return false
	}
	h.extendDeadlineLocked(until)
	h.cond.Broadcast()
	return true
}

// extendDeadlineLocked enforces that the deadline is monotonic
// non-decreasing: extensions never shorten it.
func (h *RequestHandler) extendDeadlineLocked(until time.Time) {
	if until.After(h.deadline) {
		h.deadline = until
	}
}

// EndOfStream transitions the handler to closed.
func (h *RequestHandler) EndOfStream() {
	h.close()
}

// NotifyError records the first error (subsequent ones are ignored) and
// closes the handler.
func (h *RequestHandler) NotifyError(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	h.close()
}

// NotifyClose is the dispatcher's eviction path: it closes the handler
// exactly like EndOfStream, so every
// listener fires at most once no matter which terminal path triggers it
// first.
func (h *RequestHandler) NotifyClose() {
	h.close()
}

func (h *RequestHandler) close() {
	h.mu.Lock()
	wasClosed := h.closed
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
	if !wasClosed {
		h.invokeListeners()
	}
}

func (h *RequestHandler) invokeListeners() {
	h.mu.Lock()
	listeners := append([]CloseListener(nil), h.listeners...)
	callID := h.callID
	h.mu.Unlock()
	for _, l := range listeners {
		l(callID)
	}
}

// IsClosed reports whether the handler is closed, closing it first as a
// side effect if the deadline has passed.
func (h *RequestHandler) IsClosed() bool {
	h.mu.Lock()
	expired := h.clock.Now().After(h.deadline)
	closed := h.closed
	h.mu.Unlock()
	if expired && !closed {
		h.close()
		return true
	}
	return closed
}

// HasReceivedError reports whether NotifyError has been called.
func (h *RequestHandler) HasReceivedError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err != nil
}

// GetResponsesNoWait drains whatever has been buffered so far without
// waiting.
func (h *RequestHandler) GetResponsesNoWait() ([]*Envelope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	result := h.responses
	h.responses = nil
	return result, nil
}

// GetNextResponse waits up to maxWait for the next response, returning nil
// on timeout or an already-closed, empty queue.
func (h *RequestHandler) GetNextResponse(maxWait time.Duration) (*Envelope, error) {
	deadline := h.clock.Now().Add(maxWait)
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.err != nil {
			return nil, h.err
		}
		if len(h.responses) > 0 {
			msg := h.responses[0]
			h.responses = h.responses[1:]
			return msg, nil
		}
		if h.closed {
			return nil, nil
		}
		if !h.waitUntilLocked(deadline) {
			return nil, nil
		}
	}
}

// GetResponses returns once either maxResults responses are buffered, the
// call closes, or maxWait elapses — whichever happens first.
func (h *RequestHandler) GetResponses(maxWait time.Duration, maxResults int) ([]*Envelope, error) {
	deadline := h.clock.Now().Add(maxWait)
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.err != nil {
			return nil, h.err
		}
		if len(h.responses) >= maxResults || h.closed {
			result := h.responses
			h.responses = nil
			return result, nil
		}
		if !h.waitUntilLocked(deadline) {
			result := h.responses
			h.responses = nil
			return result, nil
		}
	}
}

// WaitForEndOfStream blocks until the handler closes or maxWait elapses,
// returning which happened first. Keep-alives received while waiting may
// push the observed deadline outward, so the return value can be false
// even after the full maxWait has passed.
func (h *RequestHandler) WaitForEndOfStream(maxWait time.Duration) bool {
	deadline := h.clock.Now().Add(maxWait)
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.closed {
		if !h.waitUntilLocked(deadline) {
			return h.closed
		}
	}
	return true
}

// waitUntilLocked blocks on the condition variable until it is signaled or
// deadline passes, returning false once the deadline has been reached. It
// must be called with h.mu held; sync.Cond.Wait releases and re-acquires it
// internally, so callers must re-check their predicate after this returns.
func (h *RequestHandler) waitUntilLocked(deadline time.Time) bool {
	remaining := deadline.Sub(h.clock.Now())
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer timer.Stop()
	h.cond.Wait()
	return h.clock.Now().Before(deadline)
}
