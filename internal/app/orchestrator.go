package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

// Orchestrator drives the signaling protocol: it validates each operation
// against the registries, calls the media engine, mutates state and
// triggers fan-out. Constructed, not ambient, so tests build isolated
// instances.
type Orchestrator struct {
	Peers *PeerRegistry
	Rooms *RoomRegistry

	// transport creation is single-flight per (peer, role): a duplicate
	// request arriving while the first is in flight shares its result
	// instead of creating a second engine transport.
	tf singleflight.Group
}

func NewOrchestrator(engine core.MediaEngine) *Orchestrator {
	peers := NewPeerRegistry()
	return &Orchestrator{
		Peers: peers,
		Rooms: NewRoomRegistry(engine, peers),
	}
}

// CreatePeer registers the connection. A blank display name gets the
// placeholder; a duplicate id is a hard upstream contract breach.
func (o *Orchestrator) CreatePeer(id domain.PeerID, displayName string, conn core.SignalConn) error {
	_, err := o.Peers.Register(id, displayName, conn)
	return err
}

// JoinRoom ensures the room, adds the peer and returns the router's
// capability descriptor verbatim. Joining while already in another room
// leaves that room first.
func (o *Orchestrator) JoinRoom(ctx context.Context, peerID domain.PeerID, roomID domain.RoomID) (json.RawMessage, error) {
	p, err := o.Peers.Get(peerID)
	if err != nil {
		return nil, err
	}
	if prev := p.Room(); prev != "" && prev != roomID {
		o.leaveRoom(p, prev)
	}
	if _, err := o.Rooms.Join(ctx, roomID, peerID); err != nil {
		return nil, err
	}
	p.setRoom(roomID)
	return o.Rooms.RouterCapabilities(roomID)
}

// CreateTransport returns the peer's existing transport for the role
// unchanged, or creates one through the room's router. Creation is
// single-flight: N concurrent calls make one engine call and every caller
// sees the same transport.
func (o *Orchestrator) CreateTransport(ctx context.Context, peerID domain.PeerID, roomID domain.RoomID, role domain.TransportRole) (core.TransportInfo, error) {
	if !role.Valid() {
		return core.TransportInfo{}, fmt.Errorf("role %q: %w", role, core.ErrTransportNotFound)
	}
	if t, ok := o.Peers.FindTransport(peerID, role); ok {
		return t.Info(), nil
	}

	key := string(peerID) + "/" + string(role)
	v, err, _ := o.tf.Do(key, func() (any, error) {
		if t, ok := o.Peers.FindTransport(peerID, role); ok {
			return t, nil
		}
		router, err := o.Rooms.Router(roomID)
		if err != nil {
			return nil, err
		}
		t, err := router.CreateTransport(ctx)
		if err != nil {
			return nil, fmt.Errorf("create %s transport: %w", role, err)
		}
		if err := o.Peers.AttachTransport(peerID, role, t); err != nil {
			// Peer disconnected while creation was in flight: benign
			// abort, release the engine resource.
			t.Close()
			return nil, err
		}
		log.Info().Str("module", "app.orch").Str("peer", string(peerID)).Str("role", string(role)).Str("transport", t.ID()).Msg("transport created")
		return t, nil
	})
	if err != nil {
		return core.TransportInfo{}, err
	}
	return v.(core.Transport).Info(), nil
}

// ConnectTransport forwards DTLS parameters to the peer's transport for
// the role. A transport the engine already reports connected makes this a
// no-op, so duplicate signaling is harmless.
func (o *Orchestrator) ConnectTransport(peerID domain.PeerID, role domain.TransportRole, dtlsParameters json.RawMessage) error {
	t, ok := o.Peers.FindTransport(peerID, role)
	if !ok {
		return fmt.Errorf("%s %s: %w", peerID, role, core.ErrTransportNotFound)
	}
	if t.Connected() {
		log.Debug().Str("module", "app.orch").Str("peer", string(peerID)).Str("role", string(role)).Msg("transport already connected")
		return nil
	}
	return t.Connect(dtlsParameters)
}

// Produce starts a producer on the peer's sender transport, records it and
// fans out new-producer to the rest of the room. Other peers can only see
// the notification after the record is in the registry. The returned flag
// tells the caller whether other producers already exist to discover.
func (o *Orchestrator) Produce(peerID domain.PeerID, roomID domain.RoomID, kind domain.MediaKind, rtpParameters json.RawMessage) (string, bool, error) {
	t, ok := o.Peers.FindTransport(peerID, domain.RoleSender)
	if !ok {
		return "", false, fmt.Errorf("%s sender: %w", peerID, core.ErrTransportNotFound)
	}
	producer, err := t.Produce(kind, rtpParameters)
	if err != nil {
		return "", false, fmt.Errorf("produce %s: %w", kind, err)
	}
	if err := o.Rooms.AddProducer(roomID, peerID, producer); err != nil {
		producer.Close()
		return "", false, err
	}
	// Engine-side closure (transportclose, producerclose) purges the
	// record and notifies consumers through the same path as disconnects.
	producer.OnClose(func() {
		o.Rooms.RemoveProducer(roomID, producer.ID())
	})

	others, err := o.Rooms.OtherProducers(roomID, peerID)
	if err != nil {
		others = nil
	}
	o.Rooms.Broadcast(roomID, peerID, Event{Type: EventNewProducer, ProducerID: producer.ID()})
	log.Info().Str("module", "app.orch").Str("peer", string(peerID)).Str("room", string(roomID)).Str("producer", producer.ID()).Str("kind", string(kind)).Msg("producing")
	return producer.ID(), len(others) > 0, nil
}

// Producers lists the other peers' live producer ids for discovery.
func (o *Orchestrator) Producers(peerID domain.PeerID, roomID domain.RoomID) ([]string, error) {
	if _, err := o.Peers.Get(peerID); err != nil {
		return nil, err
	}
	return o.Rooms.OtherProducers(roomID, peerID)
}

// ConsumeReply carries what the client needs to finish the engine-side
// handshake. The consumer starts paused until resume-consumer.
type ConsumeReply struct {
	ConsumerID    string           `json:"id"`
	ProducerID    string           `json:"producerId"`
	Kind          domain.MediaKind `json:"kind"`
	RtpParameters json.RawMessage  `json:"rtpParameters"`
}

// Consume creates a paused consumer for a remote producer after the
// router confirms capability compatibility. A producer that vanished in a
// race reports ErrProducerNotFound; no codec overlap reports
// ErrIncompatibleCapabilities. Neither creates a consumer.
func (o *Orchestrator) Consume(peerID domain.PeerID, roomID domain.RoomID, producerID string, rtpCapabilities json.RawMessage) (*ConsumeReply, error) {
	router, err := o.Rooms.Router(roomID)
	if err != nil {
		return nil, err
	}
	if !o.Rooms.HasProducer(roomID, producerID) {
		return nil, fmt.Errorf("consume %s: %w", producerID, core.ErrProducerNotFound)
	}
	if !router.CanConsume(producerID, rtpCapabilities) {
		return nil, fmt.Errorf("consume %s: %w", producerID, core.ErrIncompatibleCapabilities)
	}
	t, ok := o.Peers.FindTransport(peerID, domain.RoleReceiver)
	if !ok {
		return nil, fmt.Errorf("%s receiver: %w", peerID, core.ErrTransportNotFound)
	}
	consumer, err := t.Consume(producerID, rtpCapabilities, true)
	if err != nil {
		// The producer can be torn down between the registry check and the
		// engine call; that race reports the same way a stale id does.
		if !o.Rooms.HasProducer(roomID, producerID) {
			return nil, fmt.Errorf("consume %s: %w", producerID, core.ErrProducerNotFound)
		}
		return nil, fmt.Errorf("consume %s: %w", producerID, err)
	}
	if err := o.Rooms.AddConsumer(roomID, peerID, consumer); err != nil {
		consumer.Close()
		return nil, err
	}
	log.Info().Str("module", "app.orch").Str("peer", string(peerID)).Str("consumer", consumer.ID()).Str("producer", producerID).Msg("consumer created paused")
	return &ConsumeReply{
		ConsumerID:    consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RtpParameters: consumer.Params(),
	}, nil
}

// ResumeConsumer starts forwarding. A stale id is a race with teardown and
// reports ErrConsumerNotFound; callers treat it as benign.
func (o *Orchestrator) ResumeConsumer(peerID domain.PeerID, roomID domain.RoomID, consumerID string) error {
	if _, err := o.Peers.Get(peerID); err != nil {
		return err
	}
	c, err := o.Rooms.FindConsumer(roomID, consumerID)
	if err != nil {
		return err
	}
	return c.Resume()
}

// Disconnect tears the peer down: room leave (cascading producer removal
// and producer-closed fan-out, room teardown when emptied), transport
// release, then unregistration. Runs to completion before returning, so a
// subsequent join of an emptied room sees a fresh one.
func (o *Orchestrator) Disconnect(peerID domain.PeerID) {
	p, err := o.Peers.Get(peerID)
	if err != nil {
		o.Peers.Unregister(peerID)
		return
	}
	if roomID := p.Room(); roomID != "" {
		o.leaveRoom(p, roomID)
	}
	o.Peers.Unregister(peerID)
	log.Info().Str("module", "app.orch").Str("peer", string(peerID)).Msg("peer disconnected")
}

// leaveRoom cascades the room-side purge and releases the peer's
// transports, which were created from that room's router.
func (o *Orchestrator) leaveRoom(p *Peer, roomID domain.RoomID) {
	o.Rooms.Leave(roomID, p.ID)
	for _, t := range p.Transports() {
		t.Close()
	}
	p.mu.Lock()
	p.transports = make(map[domain.TransportRole]core.Transport)
	p.roomID = ""
	p.mu.Unlock()
}
