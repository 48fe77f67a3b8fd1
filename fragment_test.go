package reqsink

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitEvenAndRemainder(t *testing.T) {
	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}
	parts := split(data, 10)
	require.Len(t, parts, 3)
	require.Len(t, parts[0], 10)
	require.Len(t, parts[1], 10)
	require.Len(t, parts[2], 5)
}

func TestSplitEmptyPayload(t *testing.T) {
	parts := split(nil, 10)
	require.Len(t, parts, 1)
	require.Empty(t, parts[0])
}

// TestBuildFragmentsRoundTrip checks that reassemble(split(X)) == X.
func TestBuildFragmentsRoundTrip(t *testing.T) {
	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	base := &Envelope{ReplyTo: "reply-1"}
	envs := buildFragments("call-1", base, payload, 10)
	require.Len(t, envs, 5) // 4 fragments + terminator

	buf := newFragmentBuffer()
	for _, e := range envs[:4] {
		require.NoError(t, buf.AddFragment(e))
	}
	got, err := buf.Terminate(envs[4])
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestFragmentBufferMissingFragment covers a terminator arriving with a gap
// in the fragment sequence, which the buffer must reject.
func TestFragmentBufferMissingFragment(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	base := &Envelope{}
	envs := buildFragments("call-2", base, payload, 10)
	require.Len(t, envs, 3)

	buf := newFragmentBuffer()
	require.NoError(t, buf.AddFragment(envs[0])) // skip envs[1]
	_, err := buf.Terminate(envs[2])
	require.Error(t, err)
	var fragErr *FragmentationError
	require.ErrorAs(t, err, &fragErr)
}

func TestFragmentBufferDigestMismatch(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	base := &Envelope{}
	envs := buildFragments("call-3", base, payload, 10)
	require.Len(t, envs, 3)

	// Corrupt one fragment after it was built so the terminator's declared
	// digest no longer matches what gets reassembled.
	envs[0].Payload = append([]byte{}, envs[0].Payload...)
	envs[0].Payload[0] ^= 0xFF

	buf := newFragmentBuffer()
	require.NoError(t, buf.AddFragment(envs[0]))
	require.NoError(t, buf.AddFragment(envs[1]))
	_, err := buf.Terminate(envs[2])
	require.Error(t, err)
	var fragErr *FragmentationError
	require.ErrorAs(t, err, &fragErr)
}

func TestFragmentBufferTerminateDropsSetRegardlessOfOutcome(t *testing.T) {
	base := &Envelope{}
	envs := buildFragments("call-4", base, []byte("short"), 100) // single fragment
	buf := newFragmentBuffer()
	require.NoError(t, buf.AddFragment(envs[0]))
	_, err := buf.Terminate(envs[1])
	require.NoError(t, err)

	// A duplicate terminator (or a fragment arriving after termination)
	// starts a fresh, orphaned set rather than reusing the consumed one.
	_, err = buf.Terminate(envs[1])
	require.Error(t, err)
}

func TestFragmentBufferGC(t *testing.T) {
	buf := newFragmentBuffer()
	env := &Envelope{CallID: "c5", ResponseID: "r5"}
	env.WithProp(PropFragmentIndex, "0")
	require.NoError(t, buf.AddFragment(env))
	buf.GC()
	require.Empty(t, buf.sets)
}
