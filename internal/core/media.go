package core

import (
	"context"
	"encoding/json"

	"github.com/avoss/huddle/internal/domain"
)

// MediaEngine is the external engine that performs route negotiation and
// wire-level forwarding. The orchestrator only drives its control plane;
// all negotiation payloads (rtpParameters, rtpCapabilities,
// dtlsParameters) are opaque and passed through verbatim.
type MediaEngine interface {
	CreateRouter(ctx context.Context) (Router, error)
}

// Router is a per-room routing context.
type Router interface {
	// Capabilities is the codec negotiation descriptor clients load their
	// device from. Opaque to this core.
	Capabilities() json.RawMessage
	CreateTransport(ctx context.Context) (Transport, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Close()
}

// TransportInfo carries the connection parameters (ICE/DTLS descriptors)
// the client relays to its engine side.
type TransportInfo struct {
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Transport is one negotiated engine transport, owned by exactly one peer.
type Transport interface {
	ID() string
	Info() TransportInfo
	// Connect forwards the client's DTLS parameters. Callers check
	// Connected first; Connect on a connected transport is an engine error.
	Connect(dtlsParameters json.RawMessage) error
	Connected() bool
	Produce(kind domain.MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error)
	// OnClose registers a handler fired when the engine reports the
	// transport closed. Invoked from the engine's execution context.
	OnClose(func())
	Close()
}

// Producer is a stream a peer sends into a room.
type Producer interface {
	ID() string
	Kind() domain.MediaKind
	// OnClose fires when the producer ends, whether by our Close or by the
	// engine tearing down the owning transport.
	OnClose(func())
	Close()
}

// Consumer is a stream a peer receives, bound to one remote producer.
// Created paused; Resume starts forwarding.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	// Params is the negotiation payload the client finishes its
	// engine-side handshake with.
	Params() json.RawMessage
	Resume() error
	Close()
}
