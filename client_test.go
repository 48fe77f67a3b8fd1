package reqsink_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/argus-msg/reqsink"
	"github.com/argus-msg/reqsink/transport/memconn"
)

type testPayload struct {
	ID string
}

// serverHarness wires a ServerProxy to a broker-side ROUTER-equivalent
// destination and dials replies back through the same broker.
type serverHarness struct {
	broker *memconn.Broker
	conn   *memconn.Connection
}

func newServerHarness(t *testing.T, destinationName string, sink reqsink.RequestSink) *serverHarness {
	t.Helper()
	broker := memconn.NewBroker()
	conn := memconn.NewConnection("server", broker)
	require.NoError(t, conn.Open(context.Background()))
	ts, err := conn.CreateSession(false)
	require.NoError(t, err)
	dest, err := ts.LookupDestination(destinationName)
	require.NoError(t, err)
	receiver, err := ts.CreateReceiver(dest)
	require.NoError(t, err)

	// serverSession owns reconnect/invalidate for the connection backing the
	// reply path; the proxy itself only dials senders against it.
	serverSession := reqsink.NewSession("server-session", destinationName, []reqsink.Connection{conn})

	proxy := reqsink.NewServerProxy(sink, func() any { return &testPayload{} }, func(name string) (reqsink.Sender, error) {
		replyDest, lookupErr := ts.LookupDestination(name)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return ts.CreateSender(replyDest)
	}, reqsink.WithKeepAliveInterval(0), reqsink.WithSessionInvalidator(func(error) {
		serverSession.InvalidateInBackground()
	}))

	receiver.SetListener(func(env *reqsink.Envelope) {
		proxy.OnEnvelope(func(name string) reqsink.Destination {
			d, _ := ts.LookupDestination(name)
			return d
		}, env)
	})

	return &serverHarness{broker: broker, conn: conn}
}

// TestClientServerSingleResponse drives a single signal/response exchange
// end to end.
func TestClientServerSingleResponse(t *testing.T) {
	sink := reqsink.RequestSinkFunc(func(ctx context.Context, msg any, rctx reqsink.RequestContext, maxWait time.Duration) reqsink.RequestContext {
		req := msg.(*testPayload)
		require.Equal(t, "t1", req.ID)
		rctx.AddResponse(&testPayload{ID: "r0"})
		rctx.EndOfStream()
		return rctx
	})
	harness := newServerHarness(t, "svc", sink)

	client := reqsink.NewClient("client", []reqsink.Connection{harness.conn}, "svc", nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	handler, err := client.Signal(context.Background(), &testPayload{ID: "t1"}, time.Second)
	require.NoError(t, err)

	got, err := handler.GetResponses(time.Second, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	var resp testPayload
	require.NoError(t, reqsink.DefaultCodec.Decode(got[0].Payload, &resp))
	require.Equal(t, "r0", resp.ID)
	require.True(t, handler.WaitForEndOfStream(time.Second))
}

// TestClientServerErrorCarriage drives a sink error back to the client end
// to end.
func TestClientServerErrorCarriage(t *testing.T) {
	sink := reqsink.RequestSinkFunc(func(ctx context.Context, msg any, rctx reqsink.RequestContext, maxWait time.Duration) reqsink.RequestContext {
		rctx.NotifyError(context.DeadlineExceeded)
		return rctx
	})
	harness := newServerHarness(t, "svc-err", sink)

	client := reqsink.NewClient("client", []reqsink.Connection{harness.conn}, "svc-err", nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	handler, err := client.Signal(context.Background(), &testPayload{ID: "t2"}, time.Second)
	require.NoError(t, err)

	_, getErr := handler.GetNextResponse(time.Second)
	require.Error(t, getErr)
}
