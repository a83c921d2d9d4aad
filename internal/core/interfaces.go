package core

import "github.com/avoss/huddle/internal/domain"

// Frame is a raw signaling payload.
type Frame []byte

// SignalConn abstracts a peer's messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// PeerNotifier delivers a fire-and-forget event to one peer, resolving the
// id to a live connection at send time. Rooms store peer ids only and fan
// out through this, which keeps the room/peer reference graph acyclic.
type PeerNotifier interface {
	Notify(id domain.PeerID, event any)
}
