package app

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

// Peer is one connected participant's session state. The registry owns
// peer lifetime exclusively; rooms hold only the peer id.
type Peer struct {
	ID   domain.PeerID
	Name string

	mu         sync.RWMutex
	roomID     domain.RoomID
	conn       core.SignalConn
	transports map[domain.TransportRole]core.Transport
}

func (p *Peer) Room() domain.RoomID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roomID
}

func (p *Peer) setRoom(id domain.RoomID) {
	p.mu.Lock()
	p.roomID = id
	p.mu.Unlock()
}

// Transports snapshots the peer's owned transports for teardown.
func (p *Peer) Transports() []core.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		out = append(out, t)
	}
	return out
}

// PeerRegistry owns the set of connected peers and their transports.
// Contention is limited to each peer's own operations plus the disconnect
// path.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*Peer
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[domain.PeerID]*Peer)}
}

// Register creates and stores a new peer. A duplicate id means the
// signaling channel broke its uniqueness guarantee.
func (r *PeerRegistry) Register(id domain.PeerID, displayName string, conn core.SignalConn) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		return nil, fmt.Errorf("register %s: %w", id, core.ErrDuplicateConnection)
	}
	p := &Peer{
		ID:         id,
		Name:       domain.DisplayName(displayName),
		conn:       conn,
		transports: make(map[domain.TransportRole]core.Transport),
	}
	r.peers[id] = p
	log.Info().Str("module", "app.peers").Str("peer", string(id)).Str("name", p.Name).Msg("peer registered")
	return p, nil
}

// Unregister removes the peer record. Idempotent: disconnect notifications
// can race other cleanup, so an unknown id is a no-op.
func (r *PeerRegistry) Unregister(id domain.PeerID) {
	r.mu.Lock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if ok {
		log.Info().Str("module", "app.peers").Str("peer", string(id)).Msg("peer unregistered")
	}
}

func (r *PeerRegistry) Get(id domain.PeerID) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", id, core.ErrUnknownPeer)
	}
	return p, nil
}

// AttachTransport records a transport under the given role. ErrUnknownPeer
// here means the peer disconnected while creation was in flight; callers
// treat it as a benign abort.
func (r *PeerRegistry) AttachTransport(id domain.PeerID, role domain.TransportRole, t core.Transport) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.transports[role] = t
	p.mu.Unlock()
	log.Debug().Str("module", "app.peers").Str("peer", string(id)).Str("role", string(role)).Str("transport", t.ID()).Msg("transport attached")
	return nil
}

// FindTransport returns the peer's transport for a role, if any.
func (r *PeerRegistry) FindTransport(id domain.PeerID, role domain.TransportRole) (core.Transport, bool) {
	p, err := r.Get(id)
	if err != nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.transports[role]
	return t, ok
}

// Notify implements core.PeerNotifier. Best-effort: marshal or send
// failures are logged and dropped, notifications have no failure channel.
func (r *PeerRegistry) Notify(id domain.PeerID, event any) {
	p, err := r.Get(id)
	if err != nil {
		return
	}
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return
	}
	b, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("module", "app.peers").Msg("notify marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "app.peers").Str("peer", string(id)).Msg("notify dropped")
	}
}
