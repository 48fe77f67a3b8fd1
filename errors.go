package reqsink

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Callers distinguish them with errors.As, not by string
// matching.

// TransportError wraps a failure from the underlying broker connection:
// connection lost, send refused, destination lookup failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("reqsink: transport error during %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: errors.WithStack(err)}
}

// FragmentationError signals a rejected fragment set: missing indices at
// terminator time, or a digest mismatch.
type FragmentationError struct {
	CallID     string
	ResponseID string
	Reason     string
}

func (e *FragmentationError) Error() string {
	return fmt.Sprintf("reqsink: fragmentation error [callID=%s responseID=%s]: %s", e.CallID, e.ResponseID, e.Reason)
}

// RemoteError is reconstructed on the client from an EXCEPTION envelope. It
// preserves the remote error's message and, when the sink error implements
// error and was wrapped with pkg/errors on the server, the type token is
// still recoverable via errors.As on RemoteError itself; the original
// concrete type cannot cross process boundaries, but the message and a
// causal marker do.
type RemoteError struct {
	CallID  string
	Message string
	cause   error
}

func (e *RemoteError) Error() string { return fmt.Sprintf("reqsink: remote error [callID=%s]: %s", e.CallID, e.Message) }
func (e *RemoteError) Unwrap() error { return e.cause }

// Cause returns the deepest wrapped error, mirroring pkg/errors.Cause so
// callers already using that idiom keep working across this boundary.
func (e *RemoteError) Cause() error {
	if e.cause == nil {
		return e
	}
	return errors.Cause(e.cause)
}

func newRemoteError(callID string, err error) *RemoteError {
	return &RemoteError{CallID: callID, Message: err.Error(), cause: err}
}

// ErrClosed is returned by operations attempted on an already-closed
// component.
var ErrClosed = errors.New("reqsink: closed")

// ErrHandlerTimeout is not exposed to GetNextResponse/GetResponses callers
// — a timeout returns normally there, never as an error — it exists so
// internal reaper/logging code can name the condition without allocating a
// new sentinel per site.
var ErrHandlerTimeout = errors.New("reqsink: handler deadline exceeded")

// wrapSinkError converts an arbitrary user sink error into one suitable for
// EXCEPTION carriage, attaching a stack via pkg/errors; only its message
// (Error()) is encoded into the EXCEPTION payload.
func wrapSinkError(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}
