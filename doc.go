// Package reqsink implements a request/response and streaming-response
// session layer on top of a message-oriented transport. Clients issue a
// typed signal; one or more servers receive it, process it, and stream back
// zero or more typed responses terminated by an end-of-stream marker or an
// error.
//
// The package is transport-agnostic: it depends only on the narrow
// Connection/Sender/Receiver interfaces in transport.go. Concrete bindings
// live in the transport/memconn (in-memory, dependency-free) and
// transport/zeromq (ZeroMQ ROUTER/DEALER) subpackages.
//
// See DESIGN.md for design rationale and library choices.
package reqsink
