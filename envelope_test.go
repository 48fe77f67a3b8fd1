package reqsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWithPropLazyInit(t *testing.T) {
	env := &Envelope{}
	require.Nil(t, env.Properties)
	env.WithProp(PropResponseID, "r0").WithProp(PropFragmentIndex, "3")
	assert.Equal(t, "r0", env.Prop(PropResponseID))
	assert.Equal(t, "3", env.Prop(PropFragmentIndex))
}

func TestEnvelopePropOnNilEnvelope(t *testing.T) {
	var env *Envelope
	assert.Equal(t, "", env.Prop(PropResponseID))
}

func TestValidForVersion(t *testing.T) {
	assert.True(t, validForVersion(ProtocolV1, MessageSignal))
	assert.True(t, validForVersion(ProtocolV1, MessageSignalResponse))
	assert.False(t, validForVersion(ProtocolV1, MessageSignalFragment))
	assert.False(t, validForVersion(ProtocolV1, MessageChannelRequest))
	assert.True(t, validForVersion(ProtocolV2, MessageSignalFragment))
	assert.True(t, validForVersion(ProtocolV2, MessageException))
}

func TestEnvelopeString(t *testing.T) {
	env := &Envelope{Type: MessageSignal, CallID: "c1", ResponseID: "r1", Version: ProtocolV2, Payload: []byte("hi")}
	s := env.String()
	assert.Contains(t, s, "c1")
	assert.Contains(t, s, "r1")
	assert.Contains(t, s, "payloadLen=2")
}

func TestMarshalWireRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: MessageSignalFragment, CallID: "c2", ResponseID: "r2",
		ReplyTo: "reply-dest", Version: ProtocolV2, Payload: []byte("chunk"),
	}
	env.WithProp(PropFragmentIndex, "2")

	data, err := env.MarshalWire()
	require.NoError(t, err)

	got, err := UnmarshalWireEnvelope(data)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Version, got.Version)
	assert.Equal(t, env.CallID, got.CallID)
	assert.Equal(t, env.ResponseID, got.ResponseID)
	assert.Equal(t, env.ReplyTo, got.ReplyTo)
	assert.Equal(t, env.Payload, got.Payload)
	assert.Equal(t, "2", got.Prop(PropFragmentIndex))
}

func TestUnmarshalWireEnvelopeRejectsMissingProtocolVersion(t *testing.T) {
	// An envelope with no Version set marshals its protocol-version property
	// as empty, simulating foreign traffic on a shared queue; decode must
	// reject it silently (nil, nil), not as an error.
	env := &Envelope{Type: MessageSignal, CallID: "c3"}
	data, err := env.MarshalWire()
	require.NoError(t, err)

	got, err := UnmarshalWireEnvelope(data)
	require.NoError(t, err)
	assert.Nil(t, got)
}
