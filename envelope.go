package reqsink

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// ProtocolVersion identifies the wire framing revision used by an Envelope.
type ProtocolVersion string

const (
	// ProtocolV1 is the legacy framing: no fragmentation, no exception
	// carriage. A V2 sender talking to a V1 receiver must stay inside this
	// subset.
	ProtocolV1 ProtocolVersion = "13.10.1"
	// ProtocolV2 adds fragmentation and typed exception carriage.
	ProtocolV2 ProtocolVersion = "16"
)

// MessageType is the wire-stable token identifying the kind of Envelope.
type MessageType string

const (
	MessageSignal                 MessageType = "Signal"
	MessageSignalFragment         MessageType = "SignalFragment"
	MessageEndOfFragmentedMessage MessageType = "EndOfFragmentedMessage"
	MessageSignalResponse         MessageType = "SignalResponse"
	MessageStreamClosed           MessageType = "StreamClosed"
	MessageExtendWait             MessageType = "ExtendWait"
	MessageException              MessageType = "Exception"
	MessageChannelRequest         MessageType = "ChannelRequest"
	MessageChannelSetup           MessageType = "ChannelSetup"
)

// Wire property names. These are protocol-stable and must never change
// spelling, since a V1 peer may still be exchanging them.
const (
	PropProtocolVersion = "ArgusMessagingProtocol"
	PropMessageType     = "MessageType"
	PropResponseID      = "ResponseID"
	PropFragmentIndex   = "FragmentIndex"
	PropFragmentsTotal  = "FragmentsTotal"
	PropDataChecksumMD5 = "DataChecksumMD5"
	PropReqTimeout      = "ReqTimeout"
)

// Envelope is the framed unit exchanged over the transport. It carries
// either a binary Payload (signals, responses, fragments) or a text-only
// control body (rarely used; most control envelopes carry their state in
// Properties instead, matching how the reference protocol keeps control
// frames property-only and payload-free).
type Envelope struct {
	Version    ProtocolVersion
	Type       MessageType
	CallID     string
	ResponseID string
	ReplyTo    string
	Properties map[string]string
	Payload    []byte
}

// Prop reads a property, returning "" if absent.
func (e *Envelope) Prop(key string) string {
	if e == nil || e.Properties == nil {
		return ""
	}
	return e.Properties[key]
}

// WithProp returns e with key set to value; e.Properties is created lazily.
func (e *Envelope) WithProp(key, value string) *Envelope {
	if e.Properties == nil {
		e.Properties = make(map[string]string, 4)
	}
	e.Properties[key] = value
	return e
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{type=%s callID=%s responseID=%s version=%s payloadLen=%d}",
		e.Type, e.CallID, e.ResponseID, e.Version, len(e.Payload))
}

// validForVersion reports whether this message type is legal to send or
// accept under the given protocol version. V1 is the legacy subset; V2
// adds fragmentation and typed exception carriage.
func validForVersion(version ProtocolVersion, t MessageType) bool {
	switch t {
	case MessageSignalFragment, MessageEndOfFragmentedMessage, MessageException,
		MessageChannelRequest, MessageChannelSetup:
		return version == ProtocolV2
	default:
		return true
	}
}

// wireEnvelope is the on-the-wire shape a broker message actually carries:
// protocol version and message type travel as named properties alongside
// the caller's own properties, not as bare struct tags.
type wireEnvelope struct {
	Properties map[string]string
	CallID     string
	ResponseID string
	ReplyTo    string
	Payload    []byte
}

// MarshalWire serializes e into the property-bag form a broker transports:
// protocol-version and message-type properties are set from e.Version/
// e.Type, and the correlation id rides alongside.
func (e *Envelope) MarshalWire() ([]byte, error) {
	props := make(map[string]string, len(e.Properties)+2)
	for k, v := range e.Properties {
		props[k] = v
	}
	props[PropProtocolVersion] = string(e.Version)
	props[PropMessageType] = string(e.Type)

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(&wireEnvelope{
		Properties: props,
		CallID:     e.CallID,
		ResponseID: e.ResponseID,
		ReplyTo:    e.ReplyTo,
		Payload:    e.Payload,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalWireEnvelope reverses MarshalWire, reading the protocol-version
// and message-type properties back into struct fields. If either is
// absent, it returns (nil, nil) rather than an error — foreign traffic on
// a shared queue is rejected silently, not treated as malformed.
func UnmarshalWireEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	version := ProtocolVersion(w.Properties[PropProtocolVersion])
	if version == "" {
		return nil, nil
	}
	msgType := MessageType(w.Properties[PropMessageType])
	if msgType == "" {
		return nil, nil
	}
	props := make(map[string]string, len(w.Properties))
	for k, v := range w.Properties {
		props[k] = v
	}
	delete(props, PropProtocolVersion)
	delete(props, PropMessageType)

	return &Envelope{
		Version:    version,
		Type:       msgType,
		CallID:     w.CallID,
		ResponseID: w.ResponseID,
		ReplyTo:    w.ReplyTo,
		Properties: props,
		Payload:    w.Payload,
	}, nil
}
