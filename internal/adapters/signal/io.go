package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

// reply is the server-to-client envelope. Responses echo the request type
// and id; notifications carry a type only.
type reply struct {
	Type  string `json:"type"`
	ID    int64  `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, peerID domain.PeerID, c *Conn, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "signal").Str("peer", string(peerID)).Msg("readPump closing")
		ctl.Orch.Disconnect(peerID)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("peer", string(peerID)).Msg("readPump read error")
				return
			}
			ctl.handleMessage(ctx, peerID, c, data)
		}
	}
}

func (ctl *Controller) handleMessage(ctx context.Context, peerID domain.PeerID, c *Conn, data []byte) {
	var env struct {
		Type string `json:"type"`
		ID   int64  `json:"id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "create-peer":
		ctl.handleCreatePeer(peerID, c, env.ID, data)
	case "join-room":
		ctl.handleJoinRoom(ctx, peerID, c, env.ID, data)
	case "create-transport":
		ctl.handleCreateTransport(ctx, peerID, c, env.ID, data)
	case "connect-transport":
		ctl.handleConnectTransport(peerID, c, env.ID, data)
	case "produce-transport":
		ctl.handleProduce(peerID, c, env.ID, data)
	case "get-producers":
		ctl.handleGetProducers(peerID, c, env.ID, data)
	case "consume-transport":
		ctl.handleConsume(peerID, c, env.ID, data)
	case "resume-consumer":
		ctl.handleResumeConsumer(peerID, c, env.ID, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c *Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

// errCode maps the error taxonomy to wire codes. Everything here is a
// structured, recoverable response; the session stays up.
func errCode(err error) string {
	switch {
	case errors.Is(err, core.ErrUnknownPeer):
		return "unknown-peer"
	case errors.Is(err, core.ErrUnknownRoom), errors.Is(err, core.ErrUnknownRouter):
		return "unknown-room"
	case errors.Is(err, core.ErrTransportNotFound):
		return "transport-not-found"
	case errors.Is(err, core.ErrProducerNotFound):
		return "producer-not-found"
	case errors.Is(err, core.ErrConsumerNotFound):
		return "consumer-not-found"
	case errors.Is(err, core.ErrIncompatibleCapabilities):
		return "incompatible-capabilities"
	case errors.Is(err, core.ErrDuplicateConnection):
		return "duplicate-connection"
	default:
		return "internal"
	}
}

func (ctl *Controller) sendError(c *Conn, typ string, id int64, err error) {
	ctl.sendJSON(c, reply{Type: typ, ID: id, Error: errCode(err)})
}
