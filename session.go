package reqsink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Session's lifecycle follows the state machine:
// FRESH -> ACTIVE -> {INVALIDATING -> FRESH} | RECONNECTING -> ACTIVE | CLOSED.
// INVALIDATING/RECONNECTING are tracked with the invalidating/reconnecting
// fields below rather than a single enum, using two atomic flags instead of
// introducing a redundant state field.

// Session owns one logical binding to a transport connection, resolving a
// destination lazily and rebuilding sender/receiver handles across
// disconnects: a round-robin connection pool, invalidate/reconnect mutual
// exclusion, and a failback timer.
type Session struct {
	name             string
	destinationName  string
	transacted       bool
	failbackInterval time.Duration
	sendOpts         SendOptions
	temporary        bool
	clock            Clock

	connections []Connection

	mu               sync.Mutex
	connPointer      int
	activeConnection Connection
	lastFailback     time.Time
	transportSession TransportSession
	destination      Destination
	sender           Sender
	receiver         Receiver

	invalidating atomic.Bool
	reconnecting atomic.Pointer[struct{}] // non-nil identity while a reconnect owns this Session
	closed       atomic.Bool
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

func WithFailbackInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.failbackInterval = d }
}

func WithTransacted(transacted bool) SessionOption {
	return func(s *Session) { s.transacted = transacted }
}

func WithSendOptions(opts SendOptions) SessionOption {
	return func(s *Session) { s.sendOpts = opts }
}

func WithTemporarySession(temporary bool) SessionOption {
	return func(s *Session) { s.temporary = temporary }
}

func WithClock(c Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// NewSession builds a Session over an ordered list of candidate
// connections; index 0 is primary, the rest are fallbacks tried in order.
func NewSession(name, destinationName string, connections []Connection, opts ...SessionOption) *Session {
	s := &Session{
		name:            name,
		destinationName: destinationName,
		connections:     connections,
		clock:           SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) IsClosed() bool { return s.closed.Load() }

func (s *Session) IsInvalidating() bool { return s.invalidating.Load() }

func (s *Session) IsReconnecting() bool { return s.reconnecting.Load() != nil }

// getConnection returns the active connection, selecting the next
// candidate round-robin if none is active yet. Selecting a connection
// always stamps lastFailback: the failback gate resets on every
// selection, not only on a restored primary.
func (s *Session) getConnection() (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConnection != nil {
		return s.activeConnection, nil
	}
	if len(s.connections) == 0 {
		return nil, newTransportError("getConnection", errNoConnections)
	}
	conn := s.connections[s.connPointer]
	s.connPointer = (s.connPointer + 1) % len(s.connections)
	s.activeConnection = conn
	s.lastFailback = s.clock.Now()
	logrus.WithFields(logrus.Fields{"session": s.name, "connection": conn.Name()}).Info("using connection")
	return conn, nil
}

// GetDestination lazily resolves and caches the session's destination
// against the active connection.
func (s *Session) GetDestination(ctx context.Context) (Destination, error) {
	if s.IsClosed() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	if s.destination != nil {
		d := s.destination
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	ts, err := s.GetTransportSession(ctx)
	if err != nil {
		return nil, err
	}
	dest, err := ts.LookupDestination(s.destinationName)
	if err != nil {
		return nil, newTransportError("lookupDestination", err)
	}
	s.mu.Lock()
	if s.destination == nil {
		s.destination = dest
	}
	d := s.destination
	s.mu.Unlock()
	return d, nil
}

// GetTransportSession lazily creates a broker-native session against the
// active connection.
func (s *Session) GetTransportSession(ctx context.Context) (TransportSession, error) {
	if s.IsClosed() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	if s.transportSession != nil {
		ts := s.transportSession
		s.mu.Unlock()
		return ts, nil
	}
	s.mu.Unlock()

	conn, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	if err := conn.Open(ctx); err != nil {
		return nil, newTransportError("open", err)
	}
	ts, err := conn.CreateSession(s.transacted)
	if err != nil {
		return nil, newTransportError("createSession", err)
	}
	s.mu.Lock()
	if s.transportSession == nil {
		s.transportSession = ts
	}
	result := s.transportSession
	s.mu.Unlock()
	return result, nil
}

// GetSender lazily creates a sender bound to the session's destination.
func (s *Session) GetSender(ctx context.Context) (Sender, error) {
	if s.IsClosed() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	if s.sender != nil {
		sender := s.sender
		s.mu.Unlock()
		return sender, nil
	}
	s.mu.Unlock()

	ts, err := s.GetTransportSession(ctx)
	if err != nil {
		return nil, err
	}
	dest, err := s.GetDestination(ctx)
	if err != nil {
		return nil, err
	}
	sender, err := ts.CreateSender(dest)
	if err != nil {
		return nil, newTransportError("createSender", err)
	}
	s.mu.Lock()
	if s.sender == nil {
		s.sender = sender
	}
	result := s.sender
	s.mu.Unlock()
	return result, nil
}

// GetReceiver lazily creates a receiver bound to the session's destination.
func (s *Session) GetReceiver(ctx context.Context) (Receiver, error) {
	if s.IsClosed() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	if s.receiver != nil {
		r := s.receiver
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	ts, err := s.GetTransportSession(ctx)
	if err != nil {
		return nil, err
	}
	dest, err := s.GetDestination(ctx)
	if err != nil {
		return nil, err
	}
	receiver, err := ts.CreateReceiver(dest)
	if err != nil {
		return nil, newTransportError("createReceiver", err)
	}
	s.mu.Lock()
	if s.receiver == nil {
		s.receiver = receiver
	}
	result := s.receiver
	s.mu.Unlock()
	return result, nil
}

// Send sends an envelope on this session's sender and, unless the session
// is temporary, invalidates the session on failure.
func (s *Session) Send(ctx context.Context, env *Envelope) error {
	sender, err := s.GetSender(ctx)
	if err != nil {
		return err
	}
	if err := sender.Send(ctx, env, s.sendOpts); err != nil {
		if !s.temporary {
			s.InvalidateInBackground()
		}
		return newTransportError("send", err)
	}
	return nil
}

// Invalidate tears down sender, receiver, transport session, and
// deregisters from the connection. It is idempotent and yields to an
// in-progress reconnect on another goroutine: invalidation and reconnection
// never run concurrently on the same Session.
func (s *Session) Invalidate() {
	if s.IsReconnecting() {
		return
	}
	if !s.invalidating.CompareAndSwap(false, true) {
		return
	}
	defer s.invalidating.Store(false)
	if s.IsReconnecting() {
		return
	}
	logrus.WithField("session", s.name).Info("invalidating session")
	s.closeAllResources()
}

// InvalidateInBackground runs Invalidate on a separate goroutine: the
// calling goroutine (often a receiver's dispatch loop) must never block on
// teardown.
func (s *Session) InvalidateInBackground() {
	if s.IsInvalidating() {
		return
	}
	go s.Invalidate()
}

func (s *Session) closeAllResources() {
	s.mu.Lock()
	sender, receiver, ts, conn := s.sender, s.receiver, s.transportSession, s.activeConnection
	s.sender, s.receiver, s.transportSession, s.destination, s.activeConnection = nil, nil, nil, nil, nil
	s.mu.Unlock()

	if conn != nil {
		conn.Deregister(s)
	}
	if sender != nil {
		if err := sender.Close(); err != nil {
			logrus.WithError(err).Warn("error closing sender")
		}
	}
	if receiver != nil {
		if err := receiver.Close(); err != nil {
			logrus.WithError(err).Warn("error closing receiver")
		}
	}
	if ts != nil {
		if err := ts.Close(); err != nil {
			logrus.WithError(err).Warn("error closing transport session")
		}
	}
}

// Reconnect retries GetReceiver construction until it succeeds or
// maxReconnect elapses, sleeping 1s between attempts. On timeout it closes
// the Session permanently. Only one goroutine may run a reconnect at a
// time; a second caller returns immediately. An invalidation already in
// progress is allowed to finish before the first attempt.
func (s *Session) Reconnect(ctx context.Context, maxReconnect time.Duration, onMessage EnvelopeListener, onException ExceptionListener) {
	owner := &struct{}{}
	if !s.reconnecting.CompareAndSwap(nil, owner) {
		return
	}
	defer s.reconnecting.Store(nil)
	for s.IsInvalidating() {
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return
		}
	}

	deadline := s.clock.Now().Add(maxReconnect)
	for !s.IsClosed() && s.clock.Now().Before(deadline) {
		receiver, err := s.GetReceiver(ctx)
		if err == nil {
			receiver.SetListener(onMessage)
			conn, connErr := s.getConnection()
			if connErr == nil {
				conn.AddExceptionListener(onException)
				logrus.WithField("session", s.name).Info("reconnected")
				return
			}
			err = connErr
		}
		logrus.WithError(err).WithField("session", s.name).Error("error in reconnect")
		s.closeAllResources()
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
	if !s.IsClosed() {
		logrus.WithField("session", s.name).Warn("timeout in reconnect, closing")
		s.Close()
	}
}

// CheckFailback reverts to the primary connection once the failback
// interval has elapsed since the last connection selection. It is a no-op
// with a single candidate connection or a zero interval.
func (s *Session) CheckFailback() {
	if s.failbackInterval == 0 || len(s.connections) <= 1 {
		return
	}
	s.mu.Lock()
	if s.activeConnection == s.connections[0] {
		s.mu.Unlock()
		return
	}
	if s.clock.Now().Before(s.lastFailback.Add(s.failbackInterval)) {
		s.mu.Unlock()
		return
	}
	logrus.WithField("session", s.name).Warn("attempting failback to primary connection")
	s.connPointer = 0
	s.lastFailback = s.clock.Now()
	s.mu.Unlock()
	s.closeAllResources()
}

// Close permanently shuts down the Session; further operations return
// ErrClosed.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.closeAllResources()
}

var errNoConnections = errClosedSentinel("no connections configured")

type errClosedSentinel string

func (e errClosedSentinel) Error() string { return string(e) }
