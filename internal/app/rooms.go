package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

// Event is a room notification fanned out through core.PeerNotifier.
type Event struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId,omitempty"`
}

const (
	EventNewProducer    = "new-producer"
	EventProducerClosed = "producer-closed"
)

type producerEntry struct {
	owner    domain.PeerID
	producer core.Producer
	kind     domain.MediaKind
}

type consumerEntry struct {
	owner    domain.PeerID
	consumer core.Consumer
}

// Room is one named media session: router, membership, and the producers
// and consumers live within it. All list mutations are linearized by mu so
// a discovery read can never observe a half-updated list.
type Room struct {
	ID domain.RoomID

	mu        sync.Mutex
	closed    bool
	router    core.Router
	members   map[domain.PeerID]struct{}
	producers []producerEntry
	consumers []consumerEntry
}

// isClosed reports whether the room entered teardown. A closed room may
// linger in the registry map briefly; readers treat it as absent.
func (room *Room) isClosed() bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.closed
}

// RoomInfo is a read-only view for the HTTP listing.
type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
	Producers   int           `json:"producers"`
}

// RoomRegistry owns the set of active rooms. Router acquisition for an
// unseen room id is a single-flight section keyed by the id: concurrent
// first joins share one engine call.
type RoomRegistry struct {
	engine core.MediaEngine
	notify core.PeerNotifier

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
	sf    singleflight.Group
}

func NewRoomRegistry(engine core.MediaEngine, notify core.PeerNotifier) *RoomRegistry {
	return &RoomRegistry{
		engine: engine,
		notify: notify,
		rooms:  make(map[domain.RoomID]*Room),
	}
}

// Ensure returns the existing room or atomically creates one, lazily
// acquiring its router from the engine.
func (r *RoomRegistry) Ensure(ctx context.Context, id domain.RoomID) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok && !room.isClosed() {
		return room, nil
	}

	v, err, _ := r.sf.Do(string(id), func() (any, error) {
		r.mu.RLock()
		room, ok := r.rooms[id]
		r.mu.RUnlock()
		if ok && !room.isClosed() {
			return room, nil
		}
		router, err := r.engine.CreateRouter(ctx)
		if err != nil {
			return nil, fmt.Errorf("create router for %s: %w", id, err)
		}
		room = &Room{
			ID:      id,
			router:  router,
			members: make(map[domain.PeerID]struct{}),
		}
		r.mu.Lock()
		r.rooms[id] = room
		r.mu.Unlock()
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (r *RoomRegistry) Get(id domain.RoomID) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, core.ErrUnknownRoom)
	}
	return room, nil
}

// Join adds the peer to membership, creating the room if needed. A room
// caught mid-teardown is retried: Ensure replaces the closing entry with a
// fresh room, so the join never lands in one being torn down.
func (r *RoomRegistry) Join(ctx context.Context, id domain.RoomID, peerID domain.PeerID) (*Room, error) {
	for {
		room, err := r.Ensure(ctx, id)
		if err != nil {
			return nil, err
		}
		room.mu.Lock()
		if room.closed {
			room.mu.Unlock()
			continue
		}
		room.members[peerID] = struct{}{}
		room.mu.Unlock()
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("peer", string(peerID)).Msg("peer joined")
		return room, nil
	}
}

// Leave removes the peer and purges its producers and consumers, fanning
// out producer-closed for each removed producer. An empty room releases
// its router and is deleted, so a later join gets a fresh one.
func (r *RoomRegistry) Leave(id domain.RoomID, peerID domain.PeerID) {
	room, err := r.Get(id)
	if err != nil {
		return
	}

	room.mu.Lock()
	delete(room.members, peerID)

	var closing []producerEntry
	kept := room.producers[:0]
	for _, e := range room.producers {
		if e.owner == peerID {
			closing = append(closing, e)
		} else {
			kept = append(kept, e)
		}
	}
	room.producers = kept

	for _, e := range closing {
		room.purgeConsumersOfLocked(r.notify, e.producer.ID())
	}

	keptC := room.consumers[:0]
	for _, c := range room.consumers {
		if c.owner == peerID {
			c.consumer.Close()
		} else {
			keptC = append(keptC, c)
		}
	}
	room.consumers = keptC

	var router core.Router
	empty := len(room.members) == 0
	if empty {
		room.closed = true
		router = room.router
	}
	room.mu.Unlock()

	// Producer close handlers re-enter RemoveProducer, and the router close
	// cascade re-enters it for anything still registered, so both run
	// unlocked. The entries are already purged; the re-entries are no-ops.
	for _, e := range closing {
		e.producer.Close()
	}
	if router != nil {
		router.Close()
	}

	if empty {
		// A join racing the teardown may already have replaced the entry
		// with a fresh room; only remove the one we closed.
		r.mu.Lock()
		if r.rooms[id] == room {
			delete(r.rooms, id)
		}
		r.mu.Unlock()
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room torn down")
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("peer", string(peerID)).Int("producers_closed", len(closing)).Msg("peer left")
}

// RouterCapabilities passes the router's negotiation descriptor through
// verbatim.
func (r *RoomRegistry) RouterCapabilities(id domain.RoomID) (json.RawMessage, error) {
	room, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.router == nil || room.closed {
		return nil, fmt.Errorf("room %s: %w", id, core.ErrUnknownRouter)
	}
	return room.router.Capabilities(), nil
}

// Router exposes the room's router for transport creation and capability
// checks.
func (r *RoomRegistry) Router(id domain.RoomID) (core.Router, error) {
	room, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.router == nil || room.closed {
		return nil, fmt.Errorf("room %s: %w", id, core.ErrUnknownRouter)
	}
	return room.router, nil
}

// AddProducer records a producer under its owner. The record is durable
// before any fan-out referencing the producer id happens.
func (r *RoomRegistry) AddProducer(id domain.RoomID, owner domain.PeerID, p core.Producer) error {
	room, err := r.Get(id)
	if err != nil {
		return err
	}
	room.mu.Lock()
	room.producers = append(room.producers, producerEntry{owner: owner, producer: p, kind: p.Kind()})
	room.mu.Unlock()
	log.Debug().Str("module", "app.rooms").Str("room", string(id)).Str("producer", p.ID()).Str("kind", string(p.Kind())).Msg("producer added")
	return nil
}

// RemoveProducer drops the producer entry, purges its consumers and sends
// producer-closed to each consuming peer. No-op for an unknown id.
func (r *RoomRegistry) RemoveProducer(id domain.RoomID, producerID string) {
	room, err := r.Get(id)
	if err != nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	kept := room.producers[:0]
	for _, e := range room.producers {
		if e.producer.ID() != producerID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(room.producers) {
		return
	}
	room.producers = kept
	room.purgeConsumersOfLocked(r.notify, producerID)
}

// purgeConsumersOfLocked removes every consumer bound to producerID and
// notifies its owner exactly once per consumer. Caller holds room.mu.
func (room *Room) purgeConsumersOfLocked(notify core.PeerNotifier, producerID string) {
	kept := room.consumers[:0]
	for _, c := range room.consumers {
		if c.consumer.ProducerID() != producerID {
			kept = append(kept, c)
			continue
		}
		c.consumer.Close()
		if notify != nil {
			notify.Notify(c.owner, Event{Type: EventProducerClosed, ProducerID: producerID})
		}
	}
	room.consumers = kept
}

func (r *RoomRegistry) AddConsumer(id domain.RoomID, owner domain.PeerID, c core.Consumer) error {
	room, err := r.Get(id)
	if err != nil {
		return err
	}
	room.mu.Lock()
	room.consumers = append(room.consumers, consumerEntry{owner: owner, consumer: c})
	room.mu.Unlock()
	return nil
}

func (r *RoomRegistry) RemoveConsumer(id domain.RoomID, consumerID string) {
	room, err := r.Get(id)
	if err != nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	kept := room.consumers[:0]
	for _, c := range room.consumers {
		if c.consumer.ID() != consumerID {
			kept = append(kept, c)
		}
	}
	room.consumers = kept
}

// FindConsumer resolves a consumer id for resume. Stale ids report
// ErrConsumerNotFound, tolerated by the caller as a benign race.
func (r *RoomRegistry) FindConsumer(id domain.RoomID, consumerID string) (core.Consumer, error) {
	room, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	for _, c := range room.consumers {
		if c.consumer.ID() == consumerID {
			return c.consumer, nil
		}
	}
	return nil, fmt.Errorf("consumer %s: %w", consumerID, core.ErrConsumerNotFound)
}

// HasProducer reports whether the producer is still live, for the
// consume-side race with its removal.
func (r *RoomRegistry) HasProducer(id domain.RoomID, producerID string) bool {
	room, err := r.Get(id)
	if err != nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	for _, e := range room.producers {
		if e.producer.ID() == producerID {
			return true
		}
	}
	return false
}

// OtherProducers lists live producer ids not owned by the excluded peer,
// in insertion order: late joiners discover pre-existing streams from it.
func (r *RoomRegistry) OtherProducers(id domain.RoomID, excluding domain.PeerID) ([]string, error) {
	room, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]string, 0, len(room.producers))
	for _, e := range room.producers {
		if e.owner != excluding {
			out = append(out, e.producer.ID())
		}
	}
	return out, nil
}

// Broadcast sends the event to every member except the excluded peer.
func (r *RoomRegistry) Broadcast(id domain.RoomID, excluding domain.PeerID, ev Event) {
	room, err := r.Get(id)
	if err != nil {
		return
	}
	room.mu.Lock()
	targets := make([]domain.PeerID, 0, len(room.members))
	for m := range room.members {
		if m != excluding {
			targets = append(targets, m)
		}
	}
	room.mu.Unlock()
	for _, t := range targets {
		r.notify.Notify(t, ev)
	}
}

// List snapshots the active rooms for the HTTP surface.
func (r *RoomRegistry) List() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		room.mu.Lock()
		out = append(out, RoomInfo{ID: id, MemberCount: len(room.members), Producers: len(room.producers)})
		room.mu.Unlock()
	}
	return out
}
