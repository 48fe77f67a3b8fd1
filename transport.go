package reqsink

import "context"

// This file defines the only surface the session layer requires of a broker
// client. Concrete bindings — a real broker, ZeroMQ, or an in-memory fake
// for tests — live outside this package and satisfy these interfaces.

// DeliveryMode mirrors the persistent/non-persistent choice a JMS-style
// broker exposes on send.
type DeliveryMode int

const (
	NonPersistent DeliveryMode = iota
	Persistent
)

// SendOptions controls a single transport send.
type SendOptions struct {
	Delivery DeliveryMode
	Priority int
	// TTL is the time-to-live for the message on the broker; zero means no
	// expiry.
	TTL int
}

// EnvelopeListener receives envelopes pushed by a Receiver.
type EnvelopeListener func(*Envelope)

// ExceptionListener is notified when a Connection's underlying transport
// fails asynchronously (e.g. a broker-initiated disconnect).
type ExceptionListener func(error)

// Destination is an opaque, connection-scoped handle to a named or
// temporary broker destination (queue/topic/router-identity).
type Destination interface {
	Name() string
}

// Sender sends encoded envelopes to the Destination it was created for.
type Sender interface {
	Send(ctx context.Context, env *Envelope, opts SendOptions) error
	Close() error
}

// Receiver delivers envelopes arriving at the Destination it was created
// for to a registered listener.
type Receiver interface {
	SetListener(EnvelopeListener)
	Close() error
}

// TransportSession is a broker-native session scope (e.g. a JMS Session),
// used to create Destinations, Senders, Receivers and temporary
// destinations. It is distinct from this package's Session type (session.go),
// which is a higher-level binding that owns and rebuilds a TransportSession
// on invalidation.
type TransportSession interface {
	LookupDestination(name string) (Destination, error)
	CreateTemporaryDestination() (Destination, error)
	CreateSender(Destination) (Sender, error)
	CreateReceiver(Destination) (Receiver, error)
	Close() error
}

// Connection is a logical binding to one broker endpoint. Implementations
// are expected to be safe for concurrent use, since a Session may retry
// operations against the same Connection object from more than one
// goroutine during reconnect.
type Connection interface {
	// Name identifies this connection for logging (typically the endpoint).
	Name() string
	// Open establishes the physical connection, if not already open.
	Open(ctx context.Context) error
	// CreateSession opens a new TransportSession on this connection.
	CreateSession(transacted bool) (TransportSession, error)
	// AddExceptionListener registers a callback invoked on asynchronous
	// connection failure.
	AddExceptionListener(ExceptionListener)
	// Deregister releases any session-scoped resources this Connection is
	// tracking on behalf of a caller (mirrors JMSConnection.deregister).
	Deregister(owner any)
	Close() error
}
