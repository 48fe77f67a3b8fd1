// Package memconn provides a dependency-free, channel-backed implementation
// of the reqsink transport interfaces, used by reqsink's own tests and
// available to callers who want request/response semantics without a
// broker for local composition or testing.
package memconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/argus-msg/reqsink"
)

// Broker is the shared routing table a set of Connections publish to and
// subscribe from. One Broker stands in for one logical cluster of brokers.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	tempID atomic.Int64
}

// NewBroker creates an empty routing table.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

func (b *Broker) queueFor(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

func (b *Broker) deliver(name string, env *reqsink.Envelope) error {
	q := b.queueFor(name)
	select {
	case q.ch <- env:
		return nil
	default:
		return fmt.Errorf("memconn: destination %q queue full, dropping %s", name, env.Type)
	}
}

type queue struct {
	ch chan *reqsink.Envelope
}

func newQueue() *queue {
	return &queue{ch: make(chan *reqsink.Envelope, 256)}
}

// destination is the opaque handle returned by LookupDestination and
// CreateTemporaryDestination.
type destination struct{ name string }

func (d destination) Name() string { return d.name }

// Connection is a logical binding to a Broker, satisfying reqsink.Connection.
type Connection struct {
	name   string
	broker *Broker

	mu        sync.Mutex
	opened    bool
	listeners []reqsink.ExceptionListener
}

// NewConnection names a Connection against broker; name is used only for
// logging and round-robin bookkeeping in reqsink.Session.
func NewConnection(name string, broker *Broker) *Connection {
	return &Connection{name: name, broker: broker}
}

func (c *Connection) Name() string { return c.name }

func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) CreateSession(transacted bool) (reqsink.TransportSession, error) {
	return &Session{broker: c.broker}, nil
}

func (c *Connection) AddExceptionListener(l reqsink.ExceptionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Connection) Deregister(owner any) {}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.opened = false
	c.mu.Unlock()
	return nil
}

// Fail simulates a broker-initiated disconnect, notifying every registered
// exception listener. Tests use this to drive reqsink.Session's
// invalidate/reconnect path.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	listeners := append([]reqsink.ExceptionListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(err)
	}
}

// Session is a broker-native session scope, satisfying reqsink.TransportSession.
type Session struct {
	broker *Broker
}

func (s *Session) LookupDestination(name string) (reqsink.Destination, error) {
	return destination{name: name}, nil
}

func (s *Session) CreateTemporaryDestination() (reqsink.Destination, error) {
	id := s.broker.tempID.Add(1)
	return destination{name: fmt.Sprintf("temp-%d", id)}, nil
}

func (s *Session) CreateSender(dest reqsink.Destination) (reqsink.Sender, error) {
	return &sender{broker: s.broker, destName: dest.Name()}, nil
}

func (s *Session) CreateReceiver(dest reqsink.Destination) (reqsink.Receiver, error) {
	return newReceiver(s.broker.queueFor(dest.Name())), nil
}

func (s *Session) Close() error { return nil }

type sender struct {
	broker   *Broker
	destName string
}

func (s *sender) Send(ctx context.Context, env *reqsink.Envelope, opts reqsink.SendOptions) error {
	return s.broker.deliver(s.destName, env)
}

func (s *sender) Close() error { return nil }

type receiver struct {
	q    *queue
	stop chan struct{}
	once sync.Once
}

func newReceiver(q *queue) *receiver {
	return &receiver{q: q, stop: make(chan struct{})}
}

func (r *receiver) SetListener(l reqsink.EnvelopeListener) {
	go func() {
		for {
			select {
			case env := <-r.q.ch:
				l(env)
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *receiver) Close() error {
	r.once.Do(func() { close(r.stop) })
	return nil
}
