package reqsink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/argus-msg/reqsink"
	"github.com/argus-msg/reqsink/transport/memconn"
)

// testFakeClock is a controllable reqsink.Clock for this package's
// black-box tests, mirroring the internal fakeClock used by the
// white-box tests in clock_test.go.
type testFakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestFakeClock(t *testing.T) *testFakeClock {
	t.Helper()
	return &testFakeClock{now: time.Now()}
}

func (c *testFakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testFakeClock) Millis() int64 { return c.Now().UnixMilli() }

func (c *testFakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionRoundRobinsConnections(t *testing.T) {
	broker := memconn.NewBroker()
	primary := memconn.NewConnection("primary", broker)
	fallback := memconn.NewConnection("fallback", broker)

	s1 := reqsink.NewSession("s1", "dest", []reqsink.Connection{primary, fallback})
	ctx := context.Background()
	_, err := s1.GetSender(ctx)
	require.NoError(t, err)

	s1.Invalidate()
	_, err = s1.GetSender(ctx)
	require.NoError(t, err)
}

func TestSessionInvalidateRebuildsResourcesLazily(t *testing.T) {
	broker := memconn.NewBroker()
	conn := memconn.NewConnection("only", broker)
	clock := newTestFakeClock(t)

	s := reqsink.NewSession("s2", "dest", []reqsink.Connection{conn}, reqsink.WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, &reqsink.Envelope{Type: reqsink.MessageSignal, CallID: "c1"}))

	// Close the underlying connection's session out from under the Session
	// by invalidating directly, then confirm resources are rebuilt lazily.
	s.Invalidate()
	require.False(t, s.IsClosed())
	require.NoError(t, s.Send(ctx, &reqsink.Envelope{Type: reqsink.MessageSignal, CallID: "c2"}))
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	broker := memconn.NewBroker()
	conn := memconn.NewConnection("c", broker)
	s := reqsink.NewSession("s3", "dest", []reqsink.Connection{conn})
	s.Close()
	s.Close() // must not panic
	require.True(t, s.IsClosed())

	_, err := s.GetSender(context.Background())
	require.ErrorIs(t, err, reqsink.ErrClosed)
}

func TestSessionCheckFailbackRestoresPrimaryAfterInterval(t *testing.T) {
	broker := memconn.NewBroker()
	primary := memconn.NewConnection("primary", broker)
	fallback := memconn.NewConnection("fallback", broker)
	clock := newTestFakeClock(t)

	s := reqsink.NewSession("s4", "dest", []reqsink.Connection{primary, fallback},
		reqsink.WithClock(clock), reqsink.WithFailbackInterval(time.Minute))

	ctx := context.Background()
	_, err := s.GetSender(ctx) // selects primary
	require.NoError(t, err)

	s.Invalidate()
	_, err = s.GetSender(ctx) // selects fallback
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	s.CheckFailback()

	_, err = s.GetSender(ctx) // should have reverted to primary
	require.NoError(t, err)
}

// TestSessionInvalidateYieldsToReconnect checks that a concurrent
// Invalidate call while Reconnect owns the Session is a no-op: at most one
// goroutine runs invalidate, at most one runs reconnect, never interleaved.
func TestSessionInvalidateYieldsToReconnect(t *testing.T) {
	broker := memconn.NewBroker()
	conn := memconn.NewConnection("only", broker)
	s := reqsink.NewSession("s5", "dest", []reqsink.Connection{conn})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Reconnect(ctx, time.Second, func(*reqsink.Envelope) {}, func(error) {})
		close(done)
	}()

	// Give the reconnect goroutine a chance to claim ownership before the
	// concurrent Invalidate races it.
	time.Sleep(5 * time.Millisecond)
	s.Invalidate()
	<-done
}
