package reqsink

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientDispatcherRoutesSignalResponse(t *testing.T) {
	d := NewClientDispatcher(DefaultCodec, SystemClock, 0)
	h := NewRequestHandler(true, "call-1", time.Second, SystemClock)
	d.Register(h)

	d.OnEnvelope(&Envelope{Version: ProtocolV2, Type: MessageSignalResponse, CallID: "call-1", ResponseID: "r0"})
	d.OnEnvelope(&Envelope{Version: ProtocolV2, Type: MessageStreamClosed, CallID: "call-1"})

	got, err := h.GetResponses(time.Second, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "r0", got[0].ResponseID)
}

func TestClientDispatcherDropsUnknownCallID(t *testing.T) {
	d := NewClientDispatcher(DefaultCodec, SystemClock, 0)
	// Must not panic or block; there is no handler registered for "ghost".
	d.OnEnvelope(&Envelope{Version: ProtocolV2, Type: MessageSignalResponse, CallID: "ghost"})
}

func TestClientDispatcherReassemblesFragmentedResponse(t *testing.T) {
	d := NewClientDispatcher(DefaultCodec, SystemClock, 0)
	h := NewRequestHandler(true, "call-2", time.Second, SystemClock)
	d.Register(h)

	payload := []byte("0123456789abcdefghij")
	base := &Envelope{}
	envs := buildFragments("call-2", base, payload, 10)
	for _, e := range envs {
		d.OnEnvelope(e)
	}

	got, err := h.GetResponses(time.Second, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, payload, got[0].Payload)
}

func TestClientDispatcherExtendWaitKeepsAlive(t *testing.T) {
	clock := newFakeClock(time.Now())
	d := NewClientDispatcher(DefaultCodec, clock, 0)
	h := NewRequestHandler(true, "call-3", 50*time.Millisecond, clock)
	d.Register(h)

	until := clock.Now().Add(time.Hour)
	env := &Envelope{Version: ProtocolV2, Type: MessageExtendWait, CallID: "call-3"}
	env.WithProp(PropReqTimeout, strconv.FormatInt(until.UnixMilli(), 10))
	d.OnEnvelope(env)

	clock.Advance(time.Minute)
	require.False(t, h.IsClosed())
}

func TestClientDispatcherExceptionNotifiesError(t *testing.T) {
	d := NewClientDispatcher(DefaultCodec, SystemClock, 0)
	h := NewRequestHandler(true, "call-4", time.Second, SystemClock)
	d.Register(h)

	payload, err := DefaultCodec.Encode("sink blew up")
	require.NoError(t, err)
	d.OnEnvelope(&Envelope{Version: ProtocolV2, Type: MessageException, CallID: "call-4", Payload: payload})

	_, getErr := h.GetNextResponse(time.Second)
	require.Error(t, getErr)
	require.Contains(t, getErr.Error(), "sink blew up")
}

func TestClientDispatcherStopEndsAllHandlersWithoutError(t *testing.T) {
	d := NewClientDispatcher(DefaultCodec, SystemClock, 0)
	h := NewRequestHandler(true, "call-5", time.Minute, SystemClock)
	d.Register(h)

	d.Stop()
	require.True(t, h.IsClosed())
	require.False(t, h.HasReceivedError())
}

func TestClientDispatcherReapEvictsClosedHandlers(t *testing.T) {
	clock := newFakeClock(time.Now())
	d := NewClientDispatcher(DefaultCodec, clock, 0)
	h := NewRequestHandler(true, "call-6", 10*time.Millisecond, clock)
	d.Register(h)

	clock.Advance(20 * time.Millisecond)
	require.True(t, h.IsClosed())
	d.reapOnce()

	_, _, ok := d.lookup("call-6")
	require.False(t, ok)
}
