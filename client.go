package reqsink

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client is the top-level request-issuing handle a caller constructs once
// per logical destination. It owns a Session (connection lifecycle,
// reconnect/failback) and a ClientDispatcher
// (per-call correlation), and exposes Signal as the only call-issuing
// entrypoint.
type Client struct {
	session    *Session
	dispatcher *ClientDispatcher
	codec      PayloadCodec
	clock      Clock

	maxMessageSize int
	maxReconnect   time.Duration
	defaultMaxWait time.Duration
	allowKeepAlive bool

	mu        sync.Mutex
	started   bool
	replyDest Destination
	receiver  Receiver
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

func WithClientCodec(c PayloadCodec) ClientOption {
	return func(cl *Client) { cl.codec = c }
}

func WithClientClock(c Clock) ClientOption {
	return func(cl *Client) { cl.clock = c }
}

func WithClientMaxMessageSize(n int) ClientOption {
	return func(cl *Client) { cl.maxMessageSize = n }
}

func WithReconnectTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.maxReconnect = d }
}

func WithDefaultMaxWait(d time.Duration) ClientOption {
	return func(cl *Client) { cl.defaultMaxWait = d }
}

func WithAllowKeepAlive(allow bool) ClientOption {
	return func(cl *Client) { cl.allowKeepAlive = allow }
}

// NewClient builds a Client bound to destinationName over connections,
// following the same primary/fallback ordering Session uses. sessOpts
// are passed straight through to NewSession, so callers configure failback,
// transacted sessions, and send options the same way they would for a bare
// Session.
func NewClient(name string, connections []Connection, destinationName string, sessOpts []SessionOption, opts ...ClientOption) *Client {
	cl := &Client{
		codec:          DefaultCodec,
		clock:          SystemClock,
		maxMessageSize: 64 * 1024,
		maxReconnect:   30 * time.Second,
		defaultMaxWait: 30 * time.Second,
		allowKeepAlive: true,
	}
	for _, opt := range opts {
		opt(cl)
	}
	sessOpts = append([]SessionOption{WithClock(cl.clock)}, sessOpts...)
	cl.session = NewSession(name, destinationName, connections, sessOpts...)
	cl.dispatcher = NewClientDispatcher(cl.codec, cl.clock, 5*time.Second)
	return cl
}

// Start opens the underlying connection, creates a temporary reply
// destination, and wires its receiver to the dispatcher. It must be
// called once before Signal. A Connection exception triggers
// invalidate-then-reconnect on the session.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	ts, err := c.session.GetTransportSession(ctx)
	if err != nil {
		return err
	}
	replyDest, err := ts.CreateTemporaryDestination()
	if err != nil {
		return newTransportError("createTemporaryDestination", err)
	}
	c.mu.Lock()
	c.replyDest = replyDest
	c.mu.Unlock()

	receiver, err := ts.CreateReceiver(replyDest)
	if err != nil {
		return newTransportError("createReceiver", err)
	}
	receiver.SetListener(c.dispatcher.OnEnvelope)
	c.mu.Lock()
	c.receiver = receiver
	c.mu.Unlock()

	conn, err := c.session.getConnection()
	if err != nil {
		return err
	}
	conn.AddExceptionListener(func(err error) {
		logrus.WithError(err).WithField("client", conn.Name()).Warn("connection exception, reconnecting")
		c.session.InvalidateInBackground()
		go c.session.Reconnect(context.Background(), c.maxReconnect, c.dispatcher.OnEnvelope, func(error) {})
	})
	return nil
}

// Signal issues a call and returns a handler the caller polls/blocks on for
// responses. maxWait bounds the handler's initial deadline; pass zero to
// use the client's configured default.
func (c *Client) Signal(ctx context.Context, msg any, maxWait time.Duration) (*RequestHandler, error) {
	if maxWait <= 0 {
		maxWait = c.defaultMaxWait
	}
	callID := uuid.NewString()
	handler := NewRequestHandler(c.allowKeepAlive, callID, maxWait, c.clock)
	c.dispatcher.Register(handler)

	if err := c.send(ctx, callID, msg, maxWait); err != nil {
		c.dispatcher.Unregister(callID)
		return nil, err
	}
	return handler, nil
}

func (c *Client) send(ctx context.Context, callID string, msg any, maxWait time.Duration) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	replyName := ""
	if c.replyDest != nil {
		replyName = c.replyDest.Name()
	}
	c.mu.Unlock()

	base := &Envelope{CallID: callID, ReplyTo: replyName, Version: ProtocolV2}
	if len(payload) <= c.maxMessageSize || c.maxMessageSize <= 0 {
		env := &Envelope{
			Version: ProtocolV2,
			Type:    MessageSignal,
			CallID:  callID,
			ReplyTo: replyName,
			Payload: payload,
		}
		env.WithProp(PropReqTimeout, timeToMillisString(c.clock.Now().Add(maxWait)))
		return c.session.Send(ctx, env)
	}

	for _, frag := range buildFragments(callID, base, payload, c.maxMessageSize) {
		frag.WithProp(PropReqTimeout, timeToMillisString(c.clock.Now().Add(maxWait)))
		if err := c.session.Send(ctx, frag); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the dispatcher (ending every outstanding call normally) and
// closes the underlying session.
func (c *Client) Close() {
	c.dispatcher.Stop()
	c.mu.Lock()
	receiver := c.receiver
	c.mu.Unlock()
	if receiver != nil {
		if err := receiver.Close(); err != nil {
			logrus.WithError(err).Warn("error closing client receiver")
		}
	}
	c.session.Close()
}
