package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

var (
	audioCaps = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`)
	videoOnly = json.RawMessage(`{"codecs":[{"mimeType":"video/VP8"}]}`)
)

func newOrchFixture(t *testing.T) (*fakeEngine, *Orchestrator) {
	t.Helper()
	eng := newFakeEngine()
	return eng, NewOrchestrator(eng)
}

// enter registers the peer and joins it into the room.
func enter(t *testing.T, o *Orchestrator, id domain.PeerID, room domain.RoomID) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	if err := o.CreatePeer(id, "", conn); err != nil {
		t.Fatalf("create peer %s: %v", id, err)
	}
	caps, err := o.JoinRoom(context.Background(), id, room)
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	if len(caps) == 0 {
		t.Fatalf("join %s returned empty capabilities", id)
	}
	return conn
}

// sender provisions a connected sender transport for the peer.
func sender(t *testing.T, o *Orchestrator, id domain.PeerID, room domain.RoomID) {
	t.Helper()
	if _, err := o.CreateTransport(context.Background(), id, room, domain.RoleSender); err != nil {
		t.Fatalf("create sender for %s: %v", id, err)
	}
	if err := o.ConnectTransport(id, domain.RoleSender, nil); err != nil {
		t.Fatalf("connect sender for %s: %v", id, err)
	}
}

func receiver(t *testing.T, o *Orchestrator, id domain.PeerID, room domain.RoomID) {
	t.Helper()
	if _, err := o.CreateTransport(context.Background(), id, room, domain.RoleReceiver); err != nil {
		t.Fatalf("create receiver for %s: %v", id, err)
	}
	if err := o.ConnectTransport(id, domain.RoleReceiver, nil); err != nil {
		t.Fatalf("connect receiver for %s: %v", id, err)
	}
}

func TestJoinRoomRequiresPeer(t *testing.T) {
	_, o := newOrchFixture(t)
	_, err := o.JoinRoom(context.Background(), "ghost", "r1")
	if !errors.Is(err, core.ErrUnknownPeer) {
		t.Fatalf("want ErrUnknownPeer, got %v", err)
	}
}

func TestCreateTransportIdempotent(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")

	first, err := o.CreateTransport(context.Background(), "a", "r1", domain.RoleSender)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := o.CreateTransport(context.Background(), "a", "r1", domain.RoleSender)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeat create returned a different transport: %s vs %s", first.ID, second.ID)
	}

	room, _ := o.Rooms.Get("r1")
	if n := room.router.(*fakeRouter).transportsCreated; n != 1 {
		t.Fatalf("want 1 engine transport, got %d", n)
	}
}

func TestCreateTransportRolesAreDistinct(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")

	s, err := o.CreateTransport(context.Background(), "a", "r1", domain.RoleSender)
	if err != nil {
		t.Fatal(err)
	}
	r, err := o.CreateTransport(context.Background(), "a", "r1", domain.RoleReceiver)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID == r.ID {
		t.Fatal("sender and receiver must be separate transports")
	}
}

func TestCreateTransportSingleFlight(t *testing.T) {
	eng, o := newOrchFixture(t)
	enter(t, o, "a", "r1")

	eng.createGate = make(chan struct{})
	eng.createEntered = make(chan struct{}, 1)

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := o.CreateTransport(context.Background(), "a", "r1", domain.RoleSender)
			ids[i], errs[i] = info.ID, err
		}(i)
	}

	// Hold the first creation in flight until the duplicates have queued.
	<-eng.createEntered
	time.Sleep(20 * time.Millisecond)
	close(eng.createGate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got transport %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
	room, _ := o.Rooms.Get("r1")
	if got := room.router.(*fakeRouter).transportsCreated; got != 1 {
		t.Fatalf("want exactly 1 engine transport creation, got %d", got)
	}
}

func TestConnectTransportIdempotent(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	if _, err := o.CreateTransport(context.Background(), "a", "r1", domain.RoleSender); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := o.ConnectTransport("a", domain.RoleSender, nil); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	tr, _ := o.Peers.FindTransport("a", domain.RoleSender)
	if got := tr.(*fakeTransport).connectCalls; got != 1 {
		t.Fatalf("want 1 engine connect, got %d", got)
	}
}

func TestConnectTransportMissing(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	err := o.ConnectTransport("a", domain.RoleReceiver, nil)
	if !errors.Is(err, core.ErrTransportNotFound) {
		t.Fatalf("want ErrTransportNotFound, got %v", err)
	}
}

func TestProduceFansOutAfterRecord(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	connB := enter(t, o, "b", "r1")
	sender(t, o, "a", "r1")

	producerID, othersExist, err := o.Produce("a", "r1", domain.KindAudio, nil)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if othersExist {
		t.Fatal("first producer in the room cannot have others")
	}

	// B, already joined, receives exactly one new-producer.
	if got := connB.countEvents(EventNewProducer, producerID); got != 1 {
		t.Fatalf("want 1 new-producer at b, got %d", got)
	}

	// A late discovery read sees the same producer.
	list, err := o.Producers("b", "r1")
	if err != nil {
		t.Fatalf("producers: %v", err)
	}
	if len(list) != 1 || list[0] != producerID {
		t.Fatalf("discovery should list %s exactly once, got %v", producerID, list)
	}
}

func TestProduceReportsExistingProducers(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	enter(t, o, "b", "r1")
	sender(t, o, "a", "r1")
	sender(t, o, "b", "r1")

	if _, _, err := o.Produce("a", "r1", domain.KindAudio, nil); err != nil {
		t.Fatal(err)
	}
	_, othersExist, err := o.Produce("b", "r1", domain.KindVideo, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !othersExist {
		t.Fatal("b should learn that a's producer already exists")
	}
}

func TestCapabilityGating(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	enter(t, o, "b", "r1")
	sender(t, o, "a", "r1")
	receiver(t, o, "b", "r1")

	producerID, _, err := o.Produce("a", "r1", domain.KindAudio, nil)
	if err != nil {
		t.Fatal(err)
	}

	// B advertises video-only capabilities against an audio producer.
	_, err = o.Consume("b", "r1", producerID, videoOnly)
	if !errors.Is(err, core.ErrIncompatibleCapabilities) {
		t.Fatalf("want ErrIncompatibleCapabilities, got %v", err)
	}
	room, _ := o.Rooms.Get("r1")
	room.mu.Lock()
	nConsumers := len(room.consumers)
	room.mu.Unlock()
	if nConsumers != 0 {
		t.Fatalf("no consumer may be created on incompatibility, got %d", nConsumers)
	}
}

func TestConsumeProducerVanishesMidFlight(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	enter(t, o, "b", "r1")
	sender(t, o, "a", "r1")
	receiver(t, o, "b", "r1")

	producerID, _, err := o.Produce("a", "r1", domain.KindAudio, nil)
	if err != nil {
		t.Fatal(err)
	}
	room, _ := o.Rooms.Get("r1")
	room.mu.Lock()
	prod := room.producers[0].producer
	room.mu.Unlock()

	// Tear the producer down after the registry check but before the
	// engine call.
	tr, _ := o.Peers.FindTransport("b", domain.RoleReceiver)
	tr.(*fakeTransport).consumeHook = func() { prod.Close() }

	_, err = o.Consume("b", "r1", producerID, audioCaps)
	if !errors.Is(err, core.ErrProducerNotFound) {
		t.Fatalf("mid-flight removal must report ErrProducerNotFound, got %v", err)
	}
}

func TestConsumeVanishedProducer(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	enter(t, o, "b", "r1")
	receiver(t, o, "b", "r1")

	_, err := o.Consume("b", "r1", "p-gone", audioCaps)
	if !errors.Is(err, core.ErrProducerNotFound) {
		t.Fatalf("want ErrProducerNotFound, got %v", err)
	}
}

func TestResumeStaleConsumerIsBenign(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	err := o.ResumeConsumer("a", "r1", "stale")
	if !errors.Is(err, core.ErrConsumerNotFound) {
		t.Fatalf("want ErrConsumerNotFound, got %v", err)
	}
}

func TestDisconnectCleanup(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	connB := enter(t, o, "b", "r1")
	sender(t, o, "a", "r1")
	receiver(t, o, "b", "r1")

	producerID, _, err := o.Produce("a", "r1", domain.KindAudio, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := o.Consume("b", "r1", producerID, audioCaps)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	o.Disconnect("a")

	if got := connB.countEvents(EventProducerClosed, producerID); got != 1 {
		t.Fatalf("want exactly 1 producer-closed at b, got %d", got)
	}
	if o.Rooms.HasProducer("r1", producerID) {
		t.Fatal("a's producer must be purged")
	}
	if _, err := o.Rooms.FindConsumer("r1", res.ConsumerID); !errors.Is(err, core.ErrConsumerNotFound) {
		t.Fatal("b's consumer of a's producer must be purged")
	}
	if _, err := o.Peers.Get("a"); !errors.Is(err, core.ErrUnknownPeer) {
		t.Fatal("a must be unregistered")
	}
	// b keeps the room alive.
	if _, err := o.Rooms.Get("r1"); err != nil {
		t.Fatalf("room should survive: %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	o.Disconnect("a")
	o.Disconnect("a")
}

func TestEngineProducerCloseNotifiesConsumers(t *testing.T) {
	_, o := newOrchFixture(t)
	enter(t, o, "a", "r1")
	connB := enter(t, o, "b", "r1")
	sender(t, o, "a", "r1")
	receiver(t, o, "b", "r1")

	producerID, _, err := o.Produce("a", "r1", domain.KindAudio, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Consume("b", "r1", producerID, audioCaps); err != nil {
		t.Fatal(err)
	}

	// The engine reports the producer closed (e.g. transportclose).
	room, _ := o.Rooms.Get("r1")
	room.mu.Lock()
	prod := room.producers[0].producer
	room.mu.Unlock()
	prod.Close()

	if got := connB.countEvents(EventProducerClosed, producerID); got != 1 {
		t.Fatalf("want 1 producer-closed after engine close, got %d", got)
	}
	if o.Rooms.HasProducer("r1", producerID) {
		t.Fatal("record must be purged after engine close")
	}
}

// TestCallScenario walks the full two-party flow end to end.
func TestCallScenario(t *testing.T) {
	eng, o := newOrchFixture(t)

	// A joins r1 and produces audio.
	enter(t, o, "a", "r1")
	sender(t, o, "a", "r1")
	p1, othersExist, err := o.Produce("a", "r1", domain.KindAudio, nil)
	if err != nil {
		t.Fatalf("a produce: %v", err)
	}
	if othersExist {
		t.Fatal("a is alone, no other producers")
	}

	// B joins afterward and discovers p1 exactly once.
	connB := enter(t, o, "b", "r1")
	list, err := o.Producers("b", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0] != p1 {
		t.Fatalf("want [%s], got %v", p1, list)
	}

	// B consumes p1; the consumer starts paused.
	receiver(t, o, "b", "r1")
	res, err := o.Consume("b", "r1", p1, audioCaps)
	if err != nil {
		t.Fatalf("b consume: %v", err)
	}
	cons, err := o.Rooms.FindConsumer("r1", res.ConsumerID)
	if err != nil {
		t.Fatal(err)
	}
	if !cons.(*fakeConsumer).isPaused() {
		t.Fatal("consumer must start paused")
	}

	// B resumes.
	if err := o.ResumeConsumer("b", "r1", res.ConsumerID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if cons.(*fakeConsumer).isPaused() {
		t.Fatal("consumer must be active after resume")
	}

	// A disconnects: B gets producer-closed, the consumer entry is gone.
	o.Disconnect("a")
	if got := connB.countEvents(EventProducerClosed, p1); got != 1 {
		t.Fatalf("want 1 producer-closed{%s} at b, got %d", p1, got)
	}
	if _, err := o.Rooms.FindConsumer("r1", res.ConsumerID); !errors.Is(err, core.ErrConsumerNotFound) {
		t.Fatal("the consumer must be removed from the room")
	}

	// B leaves too: the room is torn down, a rejoin gets a fresh router.
	o.Disconnect("b")
	if _, err := o.Rooms.Get("r1"); !errors.Is(err, core.ErrUnknownRoom) {
		t.Fatal("room must be torn down when empty")
	}
	enter(t, o, "c", "r1")
	if got := eng.routersCreated.Load(); got != 2 {
		t.Fatalf("rejoin must create a fresh router, got %d creations", got)
	}
}
