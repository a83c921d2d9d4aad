// Package signal exposes the orchestrator's protocol over a websocket
// channel: one request or notification per operation, requests carrying an
// optional id echoed on the reply.
package signal

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avoss/huddle/internal/app"
	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

type Controller struct {
	Orch *app.Orchestrator
}

func NewController(orch *app.Orchestrator) *Controller {
	return &Controller{Orch: orch}
}

// Conn wraps one peer's websocket with a buffered non-blocking sender.
type Conn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	closed bool
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrBackpressure
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the session until the socket
// closes, at which point the peer is fully torn down.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	peerID := domain.PeerID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("peer", string(peerID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &Conn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)

	ctl.sendJSON(conn, reply{Type: "connection-success", Data: map[string]any{"peerId": peerID}})

	ctl.readPump(ctx, peerID, conn, cancel)
}
