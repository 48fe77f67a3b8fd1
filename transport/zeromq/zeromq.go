// Package zeromq binds the reqsink transport interfaces to a ZeroMQ
// ROUTER/DEALER pair: the server side binds a ROUTER socket as its
// destination, and a connecting DEALER's peer identity (learned by the
// ROUTER on first receive) stands in for the temporary reply destination
// the session layer expects. This is one concrete binding, not a
// dependency of the core package.
package zeromq

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/zeromq/goczmq.v4"

	"github.com/argus-msg/reqsink"
)

// encodeEnvelope and decodeEnvelope go through Envelope's own wire
// projection rather than gobbing the Go struct directly, since a real
// broker frame carries protocol-version/message-type as properties, not
// as bare struct tags.
func encodeEnvelope(env *reqsink.Envelope) ([]byte, error) {
	return env.MarshalWire()
}

func decodeEnvelope(data []byte) (*reqsink.Envelope, error) {
	env, err := reqsink.UnmarshalWireEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("zeromq: frame missing protocol version or message type")
	}
	return env, nil
}

type socketRole int

const (
	roleRouter socketRole = iota
	roleDealer
)

func (r socketRole) String() string {
	if r == roleRouter {
		return "ROUTER"
	}
	return "DEALER"
}

// Connection binds either a ROUTER (server role) or DEALER (client role)
// socket via goczmq's Channeler, satisfying reqsink.Connection.
type Connection struct {
	name     string
	role     socketRole
	endpoint string

	mu        sync.Mutex
	channeler *goczmq.Channeler
	session   *Session
	listeners []reqsink.ExceptionListener
}

// NewRouterConnection binds a ROUTER socket at bindAddr (e.g.
// "tcp://*:5570"); use this for the server side of a destination.
func NewRouterConnection(name, bindAddr string) *Connection {
	return &Connection{name: name, role: roleRouter, endpoint: bindAddr}
}

// NewDealerConnection connects a DEALER socket to connectAddr; use this for
// the client side issuing signals against a ROUTER destination.
func NewDealerConnection(name, connectAddr string) *Connection {
	return &Connection{name: name, role: roleDealer, endpoint: connectAddr}
}

func (c *Connection) Name() string { return c.name }

func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channeler != nil {
		return nil
	}
	var ch *goczmq.Channeler
	switch c.role {
	case roleRouter:
		ch = goczmq.NewRouterChanneler(c.endpoint)
	case roleDealer:
		ch = goczmq.NewDealerChanneler(c.endpoint)
	}
	if ch == nil {
		return fmt.Errorf("zeromq: failed to open %s socket at %s", c.role, c.endpoint)
	}
	c.channeler = ch
	return nil
}

func (c *Connection) CreateSession(transacted bool) (reqsink.TransportSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channeler == nil {
		return nil, fmt.Errorf("zeromq: connection %q is not open", c.name)
	}
	if c.session == nil {
		c.session = &Session{conn: c}
	}
	return c.session, nil
}

func (c *Connection) AddExceptionListener(l reqsink.ExceptionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Connection) Deregister(owner any) {}

// notifyException is invoked by a receiver goroutine when the channeler's
// RecvChan closes unexpectedly, since goczmq surfaces socket failure that
// way rather than a dedicated error channel.
func (c *Connection) notifyException(err error) {
	c.mu.Lock()
	listeners := append([]reqsink.ExceptionListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(err)
	}
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channeler != nil {
		c.channeler.Destroy()
		c.channeler = nil
	}
	return nil
}

// Session is the TransportSession bound to one Connection's channeler.
type Session struct {
	conn *Connection
}

// peerDestination names either a well-known destination (the server's
// ROUTER binding, looked up by a fixed name) or a specific DEALER peer
// identity learned from an inbound frame.
type peerDestination struct{ identity []byte }

func (d peerDestination) Name() string { return string(d.identity) }

func (s *Session) LookupDestination(name string) (reqsink.Destination, error) {
	return peerDestination{identity: []byte(name)}, nil
}

// CreateTemporaryDestination has no wire cost on this binding: a ROUTER
// server learns the DEALER's identity from the first received frame and
// keys replies off it, so there is nothing to allocate up front.
func (s *Session) CreateTemporaryDestination() (reqsink.Destination, error) {
	return peerDestination{}, nil
}

func (s *Session) CreateSender(dest reqsink.Destination) (reqsink.Sender, error) {
	pd, _ := dest.(peerDestination)
	return &sender{conn: s.conn, identity: pd.identity}, nil
}

func (s *Session) CreateReceiver(dest reqsink.Destination) (reqsink.Receiver, error) {
	return newReceiver(s.conn), nil
}

func (s *Session) Close() error { return nil }

type sender struct {
	conn     *Connection
	identity []byte
}

func (sd *sender) Send(ctx context.Context, env *reqsink.Envelope, opts reqsink.SendOptions) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	sd.conn.mu.Lock()
	ch := sd.conn.channeler
	role := sd.conn.role
	sd.conn.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("zeromq: connection %q is closed", sd.conn.name)
	}

	frames := [][]byte{data}
	if role == roleRouter {
		if len(sd.identity) == 0 {
			return fmt.Errorf("zeromq: router send requires a peer identity")
		}
		frames = [][]byte{sd.identity, data}
	}
	select {
	case ch.SendChan <- frames:
		return nil
	default:
		return fmt.Errorf("zeromq: send channel full for %q", sd.conn.name)
	}
}

func (sd *sender) Close() error { return nil }

type receiver struct {
	conn *Connection
	stop chan struct{}
	once sync.Once
}

func newReceiver(conn *Connection) *receiver {
	return &receiver{conn: conn, stop: make(chan struct{})}
}

// SetListener starts the pump goroutine translating raw ZMQ frames into
// Envelopes. For a ROUTER connection, the leading identity frame becomes
// the inbound envelope's ReplyTo, so a server never needs a separate
// destination-resolution step to answer a signal.
func (r *receiver) SetListener(l reqsink.EnvelopeListener) {
	r.conn.mu.Lock()
	ch := r.conn.channeler
	role := r.conn.role
	r.conn.mu.Unlock()
	if ch == nil {
		logrus.WithField("connection", r.conn.name).Warn("zeromq: SetListener called before Open")
		return
	}
	go func() {
		for {
			select {
			case <-r.stop:
				return
			case frames, ok := <-ch.RecvChan:
				if !ok {
					r.conn.notifyException(fmt.Errorf("zeromq: recv channel closed for %q", r.conn.name))
					return
				}
				var identity, data []byte
				switch {
				case role == roleRouter && len(frames) >= 2:
					identity, data = frames[0], frames[1]
				case len(frames) >= 1:
					data = frames[len(frames)-1]
				default:
					continue
				}
				env, err := decodeEnvelope(data)
				if err != nil {
					logrus.WithError(err).Warn("zeromq: dropping undecodable frame")
					continue
				}
				if len(identity) > 0 {
					env.ReplyTo = string(identity)
				}
				l(env)
			}
		}
	}()
}

func (r *receiver) Close() error {
	r.once.Do(func() { close(r.stop) })
	return nil
}
