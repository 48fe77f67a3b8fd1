package reqsink

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientDispatcher multiplexes many concurrent calls onto a single receiver
// bound to one temporary reply destination. It owns RequestHandlers by
// callID; a handler never holds a pointer back to the dispatcher or the
// Session, avoiding a cyclic reference between them.
type ClientDispatcher struct {
	codec PayloadCodec
	clock Clock

	mu       sync.Mutex
	handlers map[string]*RequestHandler
	fragBufs map[string]*fragmentBuffer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClientDispatcher creates a dispatcher and starts its reaper loop at
// the given tick interval.
func NewClientDispatcher(codec PayloadCodec, clock Clock, reapInterval time.Duration) *ClientDispatcher {
	if codec == nil {
		codec = DefaultCodec
	}
	if clock == nil {
		clock = SystemClock
	}
	d := &ClientDispatcher{
		codec:    codec,
		clock:    clock,
		handlers: make(map[string]*RequestHandler),
		fragBufs: make(map[string]*fragmentBuffer),
		stopCh:   make(chan struct{}),
	}
	if reapInterval > 0 {
		go d.reapLoop(reapInterval)
	}
	return d
}

// Register indexes a handler by its callID.
func (d *ClientDispatcher) Register(h *RequestHandler) {
	d.mu.Lock()
	d.handlers[h.CallID()] = h
	d.fragBufs[h.CallID()] = newFragmentBuffer()
	d.mu.Unlock()
}

// Unregister removes a handler and notifies its close listeners.
func (d *ClientDispatcher) Unregister(callID string) {
	d.mu.Lock()
	h, ok := d.handlers[callID]
	delete(d.handlers, callID)
	delete(d.fragBufs, callID)
	d.mu.Unlock()
	if ok {
		h.NotifyClose()
	}
}

func (d *ClientDispatcher) lookup(callID string) (*RequestHandler, *fragmentBuffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[callID]
	if !ok {
		return nil, nil, false
	}
	return h, d.fragBufs[callID], true
}

// OnEnvelope routes an inbound envelope to its handler by correlation id.
// Unknown or closed-handler envelopes are silently dropped.
func (d *ClientDispatcher) OnEnvelope(env *Envelope) {
	if env.Version == "" || !validForVersion(env.Version, env.Type) {
		logrus.WithFields(logrus.Fields{"version": env.Version, "type": env.Type}).Debug("dropping envelope with missing or unrecognized-for-version protocol version")
		return
	}
	handler, fragBuf, ok := d.lookup(env.CallID)
	if !ok {
		logrus.WithField("callID", env.CallID).Debug("dropping envelope for unknown call")
		return
	}
	if handler.IsClosed() {
		return
	}

	switch env.Type {
	case MessageSignalResponse:
		handler.AddResponse(env)

	case MessageSignalFragment:
		if err := fragBuf.AddFragment(env); err != nil {
			logrus.WithError(err).Warn("fragment rejected")
		}

	case MessageEndOfFragmentedMessage:
		payload, err := fragBuf.Terminate(env)
		if err != nil {
			logrus.WithError(err).Warn("fragment reassembly rejected")
			return
		}
		reassembled := *env
		reassembled.Payload = payload
		handler.AddResponse(&reassembled)

	case MessageExtendWait:
		if millis, err := strconv.ParseInt(env.Prop(PropReqTimeout), 10, 64); err == nil {
			handler.KeepAlive(time.UnixMilli(millis))
		}

	case MessageStreamClosed:
		handler.EndOfStream()

	case MessageException:
		handler.NotifyError(newRemoteError(env.CallID, decodeRemoteError(d.codec, env.Payload)))

	default:
		logrus.WithField("type", env.Type).Debug("dropping unrecognized message type")
	}
}

func decodeRemoteError(codec PayloadCodec, payload []byte) error {
	var msg string
	if err := codec.Decode(payload, &msg); err != nil || msg == "" {
		return ErrRemoteUnspecified
	}
	return errString(msg)
}

// ErrRemoteUnspecified stands in when an EXCEPTION envelope's payload could
// not be decoded into a message string.
var ErrRemoteUnspecified = errString("reqsink: remote error (undecodable)")

type errString string

func (e errString) Error() string { return string(e) }

// reapLoop periodically evicts handlers past their deadline.
func (d *ClientDispatcher) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.reapOnce()
		case <-d.stopCh:
			return
		}
	}
}

func (d *ClientDispatcher) reapOnce() {
	d.mu.Lock()
	expired := make([]string, 0)
	for id, h := range d.handlers {
		if h.IsClosed() {
			expired = append(expired, id)
		}
	}
	d.mu.Unlock()
	for _, id := range expired {
		d.Unregister(id)
	}
}

// Stop halts the reaper and closes every registered handler with
// end-of-stream: pending waiters wake and return normally, not with an
// error, unless one was already recorded.
func (d *ClientDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.mu.Lock()
	handlers := make([]*RequestHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.handlers = make(map[string]*RequestHandler)
	d.fragBufs = make(map[string]*fragmentBuffer)
	d.mu.Unlock()
	for _, h := range handlers {
		h.EndOfStream()
	}
}
