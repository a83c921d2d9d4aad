package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

// fakeConn implements core.SignalConn and records every frame sent to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// events decodes everything the conn received.
func (c *fakeConn) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.frames))
	for _, f := range c.frames {
		var ev Event
		if err := json.Unmarshal(f, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) countEvents(typ, producerID string) int {
	n := 0
	for _, ev := range c.events() {
		if ev.Type == typ && (producerID == "" || ev.ProducerID == producerID) {
			n++
		}
	}
	return n
}

// fakeEngine implements core.MediaEngine and counts engine calls.
type fakeEngine struct {
	routersCreated atomic.Int32
	// createGate, when set, blocks transport creation until closed, to
	// hold a creation in flight while duplicates arrive.
	createGate    chan struct{}
	createEntered chan struct{}
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) CreateRouter(ctx context.Context) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := e.routersCreated.Add(1)
	return &fakeRouter{
		engine:    e,
		id:        fmt.Sprintf("router-%d", n),
		producers: make(map[string]*fakeProducer),
	}, nil
}

type fakeRouter struct {
	engine *fakeEngine
	id     string

	mu                sync.Mutex
	closed            bool
	transportsCreated int
	producerSeq       int
	producers         map[string]*fakeProducer

	// closeHook, when set, runs after Close marks the router closed, to
	// interleave registry calls with an in-flight teardown.
	closeHook func()
}

func (r *fakeRouter) Capabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus"},{"kind":"video","mimeType":"video/VP8"}]}`)
}

func (r *fakeRouter) CreateTransport(ctx context.Context) (core.Transport, error) {
	if gate := r.engine.createGate; gate != nil {
		if r.engine.createEntered != nil {
			r.engine.createEntered <- struct{}{}
		}
		<-gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router closed")
	}
	r.transportsCreated++
	return &fakeTransport{
		router:    r,
		id:        fmt.Sprintf("%s-t%d", r.id, r.transportsCreated),
		consumers: make(map[string]*fakeConsumer),
	}, nil
}

// CanConsume mirrors the real engine: the advertised mimeTypes must cover
// the producer's kind.
func (r *fakeRouter) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	want := "audio/"
	if p.kind == domain.KindVideo {
		want = "video/"
	}
	var caps struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.HasPrefix(strings.ToLower(c.MimeType), want) {
			return true
		}
	}
	return false
}

func (r *fakeRouter) Close() {
	r.mu.Lock()
	r.closed = true
	hook := r.closeHook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

type fakeTransport struct {
	router *fakeRouter
	id     string

	mu           sync.Mutex
	connected    bool
	connectCalls int
	closed       bool
	producers    []*fakeProducer
	consumers    map[string]*fakeConsumer
	onClose      []func()

	// consumeHook, when set, runs at the start of Consume, to race the
	// producer away between the registry check and the engine call.
	consumeHook func()
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Info() core.TransportInfo {
	return core.TransportInfo{ID: t.id, Params: json.RawMessage(`{}`)}
}

func (t *fakeTransport) Connect(dtls json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectCalls++
	if t.connected {
		return fmt.Errorf("already connected")
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) Produce(kind domain.MediaKind, rtp json.RawMessage) (core.Producer, error) {
	r := t.router
	r.mu.Lock()
	r.producerSeq++
	p := &fakeProducer{
		id:        fmt.Sprintf("p%d", r.producerSeq),
		kind:      kind,
		transport: t,
	}
	r.producers[p.id] = p
	r.mu.Unlock()

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(producerID string, caps json.RawMessage, paused bool) (core.Consumer, error) {
	if t.consumeHook != nil {
		t.consumeHook()
	}
	r := t.router
	r.mu.Lock()
	src, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s gone", producerID)
	}
	c := &fakeConsumer{
		id:         "c-" + producerID + "-" + t.id,
		producerID: producerID,
		kind:       src.kind,
		paused:     paused,
	}
	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	handlers := t.onClose
	t.mu.Unlock()
	for _, p := range producers {
		p.Close()
	}
	for _, fn := range handlers {
		fn()
	}
}

type fakeProducer struct {
	id        string
	kind      domain.MediaKind
	transport *fakeTransport

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *fakeProducer) ID() string             { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind { return p.kind }

func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handlers := p.onClose
	p.mu.Unlock()

	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

type fakeConsumer struct {
	id         string
	producerID string
	kind       domain.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *fakeConsumer) ID() string              { return c.id }
func (c *fakeConsumer) ProducerID() string      { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind  { return c.kind }
func (c *fakeConsumer) Params() json.RawMessage { return json.RawMessage(`{}`) }

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer closed")
	}
	c.paused = false
	return nil
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConsumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
