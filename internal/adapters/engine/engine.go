// Package engine is the in-process media engine adapter: it implements the
// control-plane contract the orchestrator drives (routers, transports,
// producers, consumers, their negotiation parameters and close events).
// Wire-level RTP forwarding is outside this core and not performed here.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

// Codec is one entry of the process-wide codec table. Every router is
// created with the same table.
type Codec struct {
	Kind       domain.MediaKind
	Capability webrtc.RTPCodecCapability
}

// DefaultCodecs matches the stock configuration: opus audio and VP8 video
// with a starting-bitrate hint.
func DefaultCodecs() []Codec {
	return []Codec{
		{
			Kind: domain.KindAudio,
			Capability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
		},
		{
			Kind: domain.KindVideo,
			Capability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeVP8,
				ClockRate:   90000,
				SDPFmtpLine: "x-google-start-bitrate=1000",
			},
		},
	}
}

// Config holds the network-listen parameters handed to every transport.
type Config struct {
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
	Codecs      []Codec
}

// Engine implements core.MediaEngine.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	nextPort uint16
}

func New(cfg Config) *Engine {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = DefaultCodecs()
	}
	if cfg.ListenIP == "" {
		cfg.ListenIP = "127.0.0.1"
	}
	if cfg.MinPort == 0 {
		cfg.MinPort = 20000
	}
	if cfg.MaxPort < cfg.MinPort {
		cfg.MaxPort = cfg.MinPort + 20
	}
	return &Engine{cfg: cfg, nextPort: cfg.MinPort}
}

func (e *Engine) allocPort() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.nextPort
	e.nextPort++
	if e.nextPort > e.cfg.MaxPort {
		e.nextPort = e.cfg.MinPort
	}
	return p
}

type capsCodec struct {
	Kind      domain.MediaKind `json:"kind"`
	MimeType  string           `json:"mimeType"`
	ClockRate uint32           `json:"clockRate"`
	Channels  uint16           `json:"channels,omitempty"`
	SDPFmtp   string           `json:"sdpFmtpLine,omitempty"`
}

func (e *Engine) CreateRouter(ctx context.Context) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps := make([]capsCodec, 0, len(e.cfg.Codecs))
	for _, c := range e.cfg.Codecs {
		caps = append(caps, capsCodec{
			Kind:      c.Kind,
			MimeType:  c.Capability.MimeType,
			ClockRate: c.Capability.ClockRate,
			Channels:  c.Capability.Channels,
			SDPFmtp:   c.Capability.SDPFmtpLine,
		})
	}
	capsJSON, err := json.Marshal(struct {
		Codecs []capsCodec `json:"codecs"`
	}{caps})
	if err != nil {
		return nil, err
	}
	r := &router{
		id:         uuid.NewString(),
		engine:     e,
		caps:       capsJSON,
		producers:  make(map[string]*producer),
		transports: make(map[string]*transport),
	}
	log.Info().Str("module", "engine").Str("router", r.id).Msg("router created")
	return r, nil
}

type router struct {
	id     string
	engine *Engine
	caps   json.RawMessage

	mu         sync.Mutex
	closed     bool
	producers  map[string]*producer
	transports map[string]*transport
}

func (r *router) Capabilities() json.RawMessage { return r.caps }

func (r *router) CreateTransport(ctx context.Context) (core.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	t := &transport{
		id:        uuid.NewString(),
		router:    r,
		dtlsState: "new",
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}
	t.info = r.engine.transportInfo(t.id)
	r.transports[t.id] = t
	log.Debug().Str("module", "engine").Str("router", r.id).Str("transport", t.id).Msg("transport created")
	return t, nil
}

// transportInfo synthesizes the ICE/DTLS descriptor the client side
// finishes negotiation with.
func (e *Engine) transportInfo(id string) core.TransportInfo {
	ip := e.cfg.AnnouncedIP
	if ip == "" {
		ip = e.cfg.ListenIP
	}
	params, _ := json.Marshal(struct {
		ICEParameters struct {
			UsernameFragment string `json:"usernameFragment"`
			Password         string `json:"password"`
		} `json:"iceParameters"`
		ICECandidates []struct {
			IP       string `json:"ip"`
			Port     uint16 `json:"port"`
			Protocol string `json:"protocol"`
		} `json:"iceCandidates"`
		DTLSParameters struct {
			Role string `json:"role"`
		} `json:"dtlsParameters"`
	}{
		ICEParameters: struct {
			UsernameFragment string `json:"usernameFragment"`
			Password         string `json:"password"`
		}{uuid.NewString()[:8], uuid.NewString()},
		ICECandidates: []struct {
			IP       string `json:"ip"`
			Port     uint16 `json:"port"`
			Protocol string `json:"protocol"`
		}{{IP: ip, Port: e.allocPort(), Protocol: "udp"}},
		DTLSParameters: struct {
			Role string `json:"role"`
		}{"auto"},
	})
	return core.TransportInfo{ID: id, Params: params}
}

// rtpCaps is the subset of a client capability descriptor the engine needs
// for the compatibility check.
type rtpCaps struct {
	Codecs []struct {
		MimeType string `json:"mimeType"`
	} `json:"codecs"`
}

// CanConsume reports whether the client capabilities cover the producer's
// codec: some advertised mimeType must match a router codec of the
// producer's kind.
func (r *router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	var caps rtpCaps
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	for _, rc := range r.engine.cfg.Codecs {
		if rc.Kind != p.kind {
			continue
		}
		for _, cc := range caps.Codecs {
			if strings.EqualFold(cc.MimeType, rc.Capability.MimeType) {
				return true
			}
		}
	}
	return false
}

func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()
	for _, t := range transports {
		t.Close()
	}
	log.Info().Str("module", "engine").Str("router", r.id).Msg("router closed")
}

type transport struct {
	id     string
	router *router
	info   core.TransportInfo

	mu        sync.Mutex
	dtlsState string
	dtls      json.RawMessage
	producers map[string]*producer
	consumers map[string]*consumer
	onClose   []func()
}

func (t *transport) ID() string { return t.id }
func (t *transport) Info() core.TransportInfo { return t.info }

func (t *transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtlsState == "connected"
}

func (t *transport) Connect(dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.dtlsState {
	case "closed":
		return fmt.Errorf("transport %s closed", t.id)
	case "connected":
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.dtlsState = "connected"
	t.dtls = dtlsParameters
	log.Debug().Str("module", "engine").Str("transport", t.id).Msg("transport connected")
	return nil
}

func (t *transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *transport) Produce(kind domain.MediaKind, rtpParameters json.RawMessage) (core.Producer, error) {
	t.mu.Lock()
	if t.dtlsState == "closed" {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	p := &producer{
		id:        uuid.NewString(),
		kind:      kind,
		rtp:       rtpParameters,
		transport: t,
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	log.Debug().Str("module", "engine").Str("transport", t.id).Str("producer", p.id).Str("kind", string(kind)).Msg("producer created")
	return p, nil
}

func (t *transport) Consume(producerID string, rtpCapabilities json.RawMessage, paused bool) (core.Consumer, error) {
	t.router.mu.Lock()
	src, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s gone", producerID)
	}

	params, err := t.router.consumerParams(src.kind)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.dtlsState == "closed" {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	c := &consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       src.kind,
		params:     params,
		paused:     paused,
		transport:  t,
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	log.Debug().Str("module", "engine").Str("transport", t.id).Str("consumer", c.id).Str("producer", producerID).Msg("consumer created")
	return c, nil
}

// consumerParams builds the rtpParameters for a consumer from the router's
// codec of the producer's kind.
func (r *router) consumerParams(kind domain.MediaKind) (json.RawMessage, error) {
	for _, rc := range r.engine.cfg.Codecs {
		if rc.Kind != kind {
			continue
		}
		return json.Marshal(struct {
			Codecs []capsCodec `json:"codecs"`
		}{[]capsCodec{{
			Kind:      kind,
			MimeType:  rc.Capability.MimeType,
			ClockRate: rc.Capability.ClockRate,
			Channels:  rc.Capability.Channels,
			SDPFmtp:   rc.Capability.SDPFmtpLine,
		}}})
	}
	return nil, fmt.Errorf("no codec for kind %s", kind)
}

func (t *transport) Close() {
	t.mu.Lock()
	if t.dtlsState == "closed" {
		t.mu.Unlock()
		return
	}
	t.dtlsState = "closed"
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	handlers := t.onClose
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	for _, fn := range handlers {
		fn()
	}
	log.Debug().Str("module", "engine").Str("transport", t.id).Msg("transport closed")
}

type producer struct {
	id        string
	kind      domain.MediaKind
	rtp       json.RawMessage
	transport *transport

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *producer) ID() string { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }

func (p *producer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handlers := p.onClose
	p.mu.Unlock()

	t := p.transport
	t.mu.Lock()
	delete(t.producers, p.id)
	t.mu.Unlock()
	t.router.mu.Lock()
	delete(t.router.producers, p.id)
	t.router.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	log.Debug().Str("module", "engine").Str("producer", p.id).Msg("producer closed")
}

type consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	params     json.RawMessage
	transport  *transport

	mu     sync.Mutex
	closed bool
	paused bool
}

func (c *consumer) ID() string { return c.id }
func (c *consumer) ProducerID() string { return c.producerID }
func (c *consumer) Kind() domain.MediaKind { return c.kind }
func (c *consumer) Params() json.RawMessage { return c.params }

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	c.paused = false
	return nil
}

func (c *consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	t := c.transport
	t.mu.Lock()
	delete(t.consumers, c.id)
	t.mu.Unlock()
}
