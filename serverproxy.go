package reqsink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// RequestSink is the user-supplied server-side signal processor. It must
// return promptly; work may continue asynchronously using rctx, which
// remains usable until EndOfStream/NotifyError is called on it. ctx is
// cancelled when Signal returns or maxWait elapses.
type RequestSink interface {
	Signal(ctx context.Context, msg any, rctx RequestContext, maxWait time.Duration) RequestContext
}

// RequestSinkFunc adapts a plain function to RequestSink.
type RequestSinkFunc func(ctx context.Context, msg any, rctx RequestContext, maxWait time.Duration) RequestContext

func (f RequestSinkFunc) Signal(ctx context.Context, msg any, rctx RequestContext, maxWait time.Duration) RequestContext {
	return f(ctx, msg, rctx, maxWait)
}

// ServerProxy dispatches inbound SIGNAL envelopes to a RequestSink and
// streams the sink's responses back over the transport. It owns no
// Session directly; callers wire its OnEnvelope method to a Receiver's
// listener, and resolve replies through the dial function passed to
// NewServerProxy.
type ServerProxy struct {
	sink              RequestSink
	codec             PayloadCodec
	newRequest        func() any
	maxMessageSize    int
	keepAliveInterval time.Duration
	channelTimeout    time.Duration
	clock             Clock
	dial              func(destinationName string) (Sender, error)
	invalidateSession func(error)

	sem *semaphore.Weighted
	eg  errgroup.Group

	mu       sync.Mutex
	channels map[string]*channelUpload
}

// ServerProxyOption configures a ServerProxy at construction time.
type ServerProxyOption func(*ServerProxy)

func WithKeepAliveInterval(d time.Duration) ServerProxyOption {
	return func(p *ServerProxy) { p.keepAliveInterval = d }
}

func WithMaxMessageSize(n int) ServerProxyOption {
	return func(p *ServerProxy) { p.maxMessageSize = n }
}

func WithChannelInactivityTimeout(d time.Duration) ServerProxyOption {
	return func(p *ServerProxy) { p.channelTimeout = d }
}

func WithMaxConcurrentSignals(n int64) ServerProxyOption {
	return func(p *ServerProxy) { p.sem = semaphore.NewWeighted(n) }
}

func WithServerCodec(c PayloadCodec) ServerProxyOption {
	return func(p *ServerProxy) { p.codec = c }
}

func WithServerClock(c Clock) ServerProxyOption {
	return func(p *ServerProxy) { p.clock = c }
}

// WithSessionInvalidator supplies the callback ServerProxy invokes when a
// reply dial or send fails, so a transport failure on the reply path can trigger
// session invalidation. Callers whose dial function is backed by a Session
// pass something like session.InvalidateInBackground; the proxy itself
// owns no Session to invalidate directly.
func WithSessionInvalidator(fn func(error)) ServerProxyOption {
	return func(p *ServerProxy) { p.invalidateSession = fn }
}

// NewServerProxy builds a proxy that decodes inbound payloads with
// newRequest (which must return a pointer to a fresh zero value of the
// sink's expected message type) and forwards them to sink. dial resolves a
// reply-to destination name to a Sender the proxy can use for responses;
// in practice this is backed by the same Session/Connection pool as the
// server's inbound receiver.
func NewServerProxy(sink RequestSink, newRequest func() any, dial func(string) (Sender, error), opts ...ServerProxyOption) *ServerProxy {
	p := &ServerProxy{
		sink:              sink,
		codec:             DefaultCodec,
		newRequest:        newRequest,
		maxMessageSize:    64 * 1024,
		keepAliveInterval: 10 * time.Second,
		channelTimeout:    30 * time.Second,
		clock:             SystemClock,
		dial:              dial,
		sem:               semaphore.NewWeighted(256),
		channels:          make(map[string]*channelUpload),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sendTo implements envelopeSender for ResponseContext: it dials a fresh
// (or cached, at the dial function's discretion) Sender for the given
// destination and sends one envelope. A dial or send failure invalidates
// the caller-supplied session via invalidateSession, if one was configured.
func (p *ServerProxy) sendTo(ctx context.Context, dest Destination, env *Envelope) error {
	sender, err := p.dial(dest.Name())
	if err != nil {
		wrapped := newTransportError("dial reply-to", err)
		if p.invalidateSession != nil {
			p.invalidateSession(wrapped)
		}
		return wrapped
	}
	if err := sender.Send(ctx, env, SendOptions{}); err != nil {
		wrapped := newTransportError("send", err)
		if p.invalidateSession != nil {
			p.invalidateSession(wrapped)
		}
		return wrapped
	}
	return nil
}

// channelUpload tracks an in-progress large upload: a client that
// cannot fit its request in one envelope sends CHANNEL_REQUEST first, then
// streams SIGNAL_FRAGMENT envelopes under the same callID, terminated by an
// END_OF_FRAGMENTED_MESSAGE or by a STREAM_CLOSED carrying the fragment
// total and digest. A fragment arriving without a prior CHANNEL_REQUEST lazily
// creates an entry too, so a client that just fragments a single oversized
// SIGNAL (without the handshake) is handled the same way.
type channelUpload struct {
	callID  string
	origEnv *Envelope
	buf     *fragmentBuffer
	timer   *time.Timer
}

// arm (re)starts the inactivity timer; must be called with p.mu held. On
// expiry the upload is dropped and its buffered fragments discarded.
func (cu *channelUpload) arm(p *ServerProxy) {
	if cu.timer != nil {
		cu.timer.Stop()
	}
	cu.timer = time.AfterFunc(p.channelTimeout, func() {
		p.mu.Lock()
		delete(p.channels, cu.callID)
		p.mu.Unlock()
		logrus.WithField("callID", cu.callID).Warn("channel upload abandoned: inactivity timeout")
	})
}

func (cu *channelUpload) stop() {
	if cu.timer != nil {
		cu.timer.Stop()
	}
}

// OnEnvelope is the receiver listener a ServerProxy is bound to. It handles
// inbound SIGNAL and CHANNEL_REQUEST/SIGNAL_FRAGMENT/END_OF_FRAGMENTED_MESSAGE/
// STREAM_CLOSED envelopes for the channel-upload path. A STREAM_CLOSED with
// a fragment total completes the upload; one without aborts it.
func (p *ServerProxy) OnEnvelope(replyDest func(name string) Destination, env *Envelope) {
	if env.Version == "" || !validForVersion(env.Version, env.Type) {
		logrus.WithFields(logrus.Fields{"version": env.Version, "type": env.Type}).Debug("dropping envelope with missing or unrecognized-for-version protocol version")
		return
	}
	switch env.Type {
	case MessageSignal:
		p.handleSignal(replyDest, env, env.Payload)
	case MessageChannelRequest:
		p.handleChannelRequest(replyDest, env)
	case MessageSignalFragment:
		p.handleChannelFragment(env)
	case MessageEndOfFragmentedMessage:
		p.handleChannelTerminate(replyDest, env)
	case MessageStreamClosed:
		if env.Prop(PropFragmentsTotal) != "" {
			p.handleChannelTerminate(replyDest, env)
		} else {
			p.handleChannelAbort(env)
		}
	default:
		logrus.WithField("type", env.Type).Debug("server proxy dropping unrecognized message type")
	}
}

// handleChannelRequest acknowledges an upload handshake with
// CHANNEL_SETUP and arms the inactivity timer.
func (p *ServerProxy) handleChannelRequest(replyDest func(string) Destination, env *Envelope) {
	p.mu.Lock()
	cu, ok := p.channels[env.CallID]
	if !ok {
		cu = &channelUpload{callID: env.CallID, buf: newFragmentBuffer()}
		p.channels[env.CallID] = cu
	}
	cu.origEnv = env
	cu.arm(p)
	p.mu.Unlock()

	setup := &Envelope{
		Version: protocolOrDefault(env.Version),
		Type:    MessageChannelSetup,
		CallID:  env.CallID,
	}
	if err := p.sendTo(context.Background(), replyDest(env.ReplyTo), setup); err != nil {
		logrus.WithError(err).Warn("failed to send channel setup")
	}
}

// handleChannelFragment buffers one fragment of an upload, lazily creating
// the channelUpload entry if CHANNEL_REQUEST was skipped.
func (p *ServerProxy) handleChannelFragment(env *Envelope) {
	p.mu.Lock()
	cu, ok := p.channels[env.CallID]
	if !ok {
		cu = &channelUpload{callID: env.CallID, buf: newFragmentBuffer()}
		p.channels[env.CallID] = cu
	}
	cu.arm(p)
	buf := cu.buf
	p.mu.Unlock()

	if err := buf.AddFragment(env); err != nil {
		logrus.WithError(err).Warn("channel fragment rejected")
	}
}

// handleChannelTerminate reassembles a completed upload and feeds it into
// the normal signal path, using the original CHANNEL_REQUEST envelope (if
// any) for reply-to and version metadata.
func (p *ServerProxy) handleChannelTerminate(replyDest func(string) Destination, env *Envelope) {
	p.mu.Lock()
	cu, ok := p.channels[env.CallID]
	if ok {
		delete(p.channels, env.CallID)
		cu.stop()
	}
	p.mu.Unlock()
	if !ok {
		logrus.WithField("callID", env.CallID).Debug("end-of-fragment for unknown upload")
		return
	}

	payload, err := cu.buf.Terminate(env)
	if err != nil {
		logrus.WithError(err).Warn("channel upload reassembly rejected")
		return
	}
	source := env
	if cu.origEnv != nil {
		source = cu.origEnv
	}
	p.handleSignal(replyDest, source, payload)
}

// handleChannelAbort discards a partially uploaded channel when the client
// gives up early.
func (p *ServerProxy) handleChannelAbort(env *Envelope) {
	p.mu.Lock()
	if cu, ok := p.channels[env.CallID]; ok {
		delete(p.channels, env.CallID)
		cu.stop()
	}
	p.mu.Unlock()
}

func (p *ServerProxy) handleSignal(replyDest func(string) Destination, env *Envelope, payload []byte) {
	req := p.newRequest()
	if err := p.codec.Decode(payload, req); err != nil {
		logrus.WithError(err).Warn("dropping undecodable signal")
		return
	}
	deadline := time.Now().Add(30 * time.Second)
	if millis := env.Prop(PropReqTimeout); millis != "" {
		if t, err := millisStringToTime(millis); err == nil {
			deadline = t
		}
	}
	dest := replyDest(env.ReplyTo)
	rctx := newResponseContext(env.CallID, dest, protocolOrDefault(env.Version), p.codec, p, p.maxMessageSize, p.clock)

	if !p.sem.TryAcquire(1) {
		logrus.WithField("callID", env.CallID).Warn("server proxy at max concurrency, blocking for a slot")
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
	}
	p.eg.Go(func() error {
		defer p.sem.Release(1)
		p.runSink(req, rctx, time.Until(deadline))
		return nil
	})
}

func (p *ServerProxy) runSink(req any, rctx *ResponseContext, maxWait time.Duration) {
	stopWatchdog := p.startWatchdog(rctx, maxWait)
	defer stopWatchdog()

	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("request sink panicked")
			rctx.NotifyError(errString("reqsink: sink panicked"))
		}
	}()
	p.sink.Signal(ctx, req, rctx, maxWait)
}

// startWatchdog emits EXTEND_WAIT at least every keepAliveInterval while
// the context is open, unless the sink itself sent something more
// recently. It returns a stop function.
func (p *ServerProxy) startWatchdog(rctx *ResponseContext, maxWait time.Duration) func() {
	if p.keepAliveInterval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.keepAliveInterval)
		defer ticker.Stop()
		deadline := p.clock.Now().Add(maxWait)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if rctx.IsClosed() {
					return
				}
				if p.clock.Now().Sub(rctx.LastSent()) < p.keepAliveInterval {
					continue
				}
				deadline = deadline.Add(p.keepAliveInterval)
				rctx.KeepAlive(deadline)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Shutdown waits (up to timeout) for in-flight sink invocations to finish.
// It does not itself close ResponseContexts; a sink observing ctx.Done()
// is expected to give up on further AddResponse calls.
func (p *ServerProxy) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() { p.eg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
		logrus.Warn("server proxy shutdown timed out waiting for in-flight sinks")
	}
}

func protocolOrDefault(v ProtocolVersion) ProtocolVersion {
	if v == "" {
		return ProtocolV2
	}
	return v
}
