package core

import "errors"

// Reference-integrity errors are recoverable: they abort the triggering
// operation and are reported on the reply channel, never crash the process.
var (
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrUnknownRoom       = errors.New("unknown room")
	ErrUnknownRouter     = errors.New("room has no router")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
)

// ErrDuplicateConnection signals a violated channel guarantee upstream and
// is surfaced as a hard error.
var ErrDuplicateConnection = errors.New("duplicate connection id")

// ErrIncompatibleCapabilities is returned by consume when the router
// reports no codec overlap between the producer and the requesting peer.
var ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")

// ErrBackpressure is returned by SignalConn.TrySend when the peer's send
// buffer is full. Notifications are best-effort and may drop on it.
var ErrBackpressure = errors.New("backpressure")
