package reqsink

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestContext is the user-visible callback surface passed into
// RequestSink.Signal. ResponseContext is its only implementation in this
// package, but callers of RequestSink should code against this interface.
type RequestContext interface {
	AddResponse(msg any) bool
	KeepAlive(until time.Time) bool
	EndOfStream()
	NotifyError(err error)
	NotifyClose()
	IsClosed() bool
}

// ResponseContext is the server-side per-call handle passed to the user
// sink. It forwards responses, keep-alive extensions, errors, and
// end-of-stream back over the transport, fragmenting large payloads.
type ResponseContext struct {
	callID     string
	replyTo    Destination
	version    ProtocolVersion
	codec      PayloadCodec
	sender     envelopeSender
	maxMsgSize int
	clock      Clock

	mu       sync.Mutex
	closed   bool
	lastSent time.Time
}

// envelopeSender is the minimal capability ResponseContext needs from the
// server proxy: send one envelope to a resolved reply-to destination.
type envelopeSender interface {
	sendTo(ctx context.Context, dest Destination, env *Envelope) error
}

func newResponseContext(callID string, replyTo Destination, version ProtocolVersion, codec PayloadCodec, sender envelopeSender, maxMsgSize int, clock Clock) *ResponseContext {
	if clock == nil {
		clock = SystemClock
	}
	return &ResponseContext{
		callID:     callID,
		replyTo:    replyTo,
		version:    version,
		codec:      codec,
		sender:     sender,
		maxMsgSize: maxMsgSize,
		clock:      clock,
	}
}

func (c *ResponseContext) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed enforces that endOfStream and notifyError are terminal and
// mutually exclusive: the first call wins.
func (c *ResponseContext) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *ResponseContext) touchSent() {
	c.mu.Lock()
	c.lastSent = c.clock.Now()
	c.mu.Unlock()
}

// LastSent reports when a response or keep-alive was last delivered, used
// by the watchdog to suppress a redundant EXTEND_WAIT.
func (c *ResponseContext) LastSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent
}

// AddResponse serializes msg and sends it as a SIGNAL_RESPONSE, or
// fragments it under a fresh response id if it exceeds maxMsgSize. Returns
// false once the context is closed, matching the user-visible
// "addResponse returning false" contract for a terminally failed or ended
// call.
func (c *ResponseContext) AddResponse(msg any) bool {
	if c.IsClosed() {
		return false
	}
	payload, err := c.codec.Encode(msg)
	if err != nil {
		logrus.WithError(err).Error("failed to encode response payload")
		return false
	}
	responseID := uuid.NewString()
	base := &Envelope{CallID: c.callID, ResponseID: responseID, ReplyTo: c.replyTo.Name(), Version: c.version}

	ctx := context.Background()
	if len(payload) <= c.maxMsgSize || c.maxMsgSize <= 0 {
		env := &Envelope{
			Version:    c.version,
			Type:       MessageSignalResponse,
			CallID:     c.callID,
			ResponseID: responseID,
			Payload:    payload,
		}
		if err := c.sender.sendTo(ctx, c.replyTo, env); err != nil {
			c.fail(err)
			return false
		}
		c.touchSent()
		return true
	}

	for _, frag := range buildFragments(c.callID, base, payload, c.maxMsgSize) {
		if err := c.sender.sendTo(ctx, c.replyTo, frag); err != nil {
			c.fail(err)
			return false
		}
	}
	c.touchSent()
	return true
}

// fail marks this context terminally failed without sending an EXCEPTION
// frame — the transport is presumed gone. Session invalidation itself
// happens one level down, in the envelopeSender's sendTo (ServerProxy's
// invalidateSession hook); this method only closes the context so
// AddResponse starts returning false.
func (c *ResponseContext) fail(err error) {
	if c.markClosed() {
		logrus.WithError(err).WithField("callID", c.callID).Error("transport failure sending response")
	}
}

// KeepAlive sends an EXTEND_WAIT envelope carrying the new deadline.
func (c *ResponseContext) KeepAlive(until time.Time) bool {
	if c.IsClosed() {
		return false
	}
	env := &Envelope{
		Version: c.version,
		Type:    MessageExtendWait,
		CallID:  c.callID,
	}
	env.WithProp(PropReqTimeout, formatMillis(until))
	if err := c.sender.sendTo(context.Background(), c.replyTo, env); err != nil {
		c.fail(err)
		return false
	}
	c.touchSent()
	return true
}

// EndOfStream sends STREAM_CLOSED and marks the context closed. A second
// call is a no-op.
func (c *ResponseContext) EndOfStream() {
	if !c.markClosed() {
		return
	}
	env := &Envelope{Version: c.version, Type: MessageStreamClosed, CallID: c.callID}
	if err := c.sender.sendTo(context.Background(), c.replyTo, env); err != nil {
		logrus.WithError(err).Warn("failed to send stream-closed")
	}
}

// NotifyError sends an EXCEPTION envelope and marks the context closed. A
// second call, or a call after EndOfStream, is a no-op, since the two are
// terminal and mutually exclusive.
func (c *ResponseContext) NotifyError(err error) {
	if !c.markClosed() {
		return
	}
	wrapped := wrapSinkError(err)
	payload, encErr := c.codec.Encode(wrapped.Error())
	if encErr != nil {
		logrus.WithError(encErr).Error("failed to encode exception payload")
		return
	}
	env := &Envelope{Version: c.version, Type: MessageException, CallID: c.callID, Payload: payload}
	if sendErr := c.sender.sendTo(context.Background(), c.replyTo, env); sendErr != nil {
		logrus.WithError(sendErr).Warn("failed to send exception")
	}
}

// NotifyClose satisfies RequestContext; server-side there is no registered
// listener set on ResponseContext itself (the ServerProxy tracks
// completion via IsClosed), so this is a no-op kept for interface
// conformance with the client-side RequestHandler.
func (c *ResponseContext) NotifyClose() {}

func formatMillis(t time.Time) string {
	return timeToMillisString(t)
}
