package reqsink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type stubSender struct {
	sent []*Envelope
	fail error
}

func (s *stubSender) sendTo(ctx context.Context, dest Destination, env *Envelope) error {
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, env)
	return nil
}

func TestResponseContextAddResponseSendsSignalResponse(t *testing.T) {
	sender := &stubSender{}
	rc := newResponseContext("call-1", memconnDestination("client-1"), ProtocolV2, DefaultCodec, sender, 1024, SystemClock)

	require.True(t, rc.AddResponse("hello"))
	require.Len(t, sender.sent, 1)
	require.Equal(t, MessageSignalResponse, sender.sent[0].Type)
}

func TestResponseContextFragmentsOversizedPayload(t *testing.T) {
	sender := &stubSender{}
	rc := newResponseContext("call-2", memconnDestination("client-2"), ProtocolV2, DefaultCodec, sender, 4, SystemClock)

	big := make([]byte, 40)
	require.True(t, rc.AddResponse(big))
	require.True(t, len(sender.sent) > 1)
	last := sender.sent[len(sender.sent)-1]
	require.Equal(t, MessageEndOfFragmentedMessage, last.Type)
}

func TestResponseContextEndOfStreamAndNotifyErrorAreTerminalOnce(t *testing.T) {
	sender := &stubSender{}
	rc := newResponseContext("call-3", memconnDestination("client-3"), ProtocolV2, DefaultCodec, sender, 1024, SystemClock)

	rc.EndOfStream()
	rc.NotifyError(errBoom) // must be a no-op: already closed
	require.True(t, rc.IsClosed())
	require.Len(t, sender.sent, 1)
	require.Equal(t, MessageStreamClosed, sender.sent[0].Type)
}

func TestResponseContextAddResponseRejectedAfterClose(t *testing.T) {
	sender := &stubSender{}
	rc := newResponseContext("call-4", memconnDestination("client-4"), ProtocolV2, DefaultCodec, sender, 1024, SystemClock)
	rc.EndOfStream()
	require.False(t, rc.AddResponse("too late"))
}

func TestResponseContextKeepAliveUpdatesLastSent(t *testing.T) {
	sender := &stubSender{}
	clock := newFakeClock(time.Now())
	rc := newResponseContext("call-5", memconnDestination("client-5"), ProtocolV2, DefaultCodec, sender, 1024, clock)

	before := rc.LastSent()
	clock.Advance(time.Second)
	require.True(t, rc.KeepAlive(clock.Now().Add(time.Minute)))
	require.True(t, rc.LastSent().After(before))
	require.Equal(t, MessageExtendWait, sender.sent[0].Type)
}

func TestResponseContextTransportFailureClosesContext(t *testing.T) {
	sender := &stubSender{fail: errBoom}
	rc := newResponseContext("call-6", memconnDestination("client-6"), ProtocolV2, DefaultCodec, sender, 1024, SystemClock)

	require.False(t, rc.AddResponse("x"))
	require.True(t, rc.IsClosed())
}
