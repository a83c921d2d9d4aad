package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/avoss/huddle/internal/core"
	"github.com/avoss/huddle/internal/domain"
)

func (ctl *Controller) handleCreatePeer(peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(data, &p)

	if err := ctl.Orch.CreatePeer(peerID, p.Name, c); err != nil {
		// A duplicate connection id breaks the channel contract; the
		// session is not salvageable.
		log.Error().Err(err).Str("module", "signal").Str("peer", string(peerID)).Msg("create-peer")
		ctl.sendError(c, "create-peer", id, err)
		if errors.Is(err, core.ErrDuplicateConnection) {
			c.Close()
		}
		return
	}
	ctl.sendJSON(c, reply{Type: "create-peer", ID: id})
}

func (ctl *Controller) handleJoinRoom(ctx context.Context, peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		ctl.sendJSON(c, reply{Type: "join-room", ID: id, Error: "bad_payload"})
		return
	}

	caps, err := ctl.Orch.JoinRoom(ctx, peerID, domain.RoomID(p.RoomID))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(peerID)).Str("room", p.RoomID).Msg("join-room")
		ctl.sendError(c, "join-room", id, err)
		return
	}
	ctl.sendJSON(c, reply{Type: "join-room", ID: id, Data: map[string]any{
		"rtpCapabilities": caps,
	}})
}

func (ctl *Controller) handleCreateTransport(ctx context.Context, peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		RoomID string `json:"roomId"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, reply{Type: "create-transport", ID: id, Error: "bad_payload"})
		return
	}

	info, err := ctl.Orch.CreateTransport(ctx, peerID, domain.RoomID(p.RoomID), domain.TransportRole(p.Role))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(peerID)).Str("role", p.Role).Msg("create-transport")
		ctl.sendError(c, "create-transport", id, err)
		return
	}
	ctl.sendJSON(c, reply{Type: "create-transport", ID: id, Data: info})
}

func (ctl *Controller) handleConnectTransport(peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		Role           string          `json:"role"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, reply{Type: "connect-transport", ID: id, Error: "bad_payload"})
		return
	}

	if err := ctl.Orch.ConnectTransport(peerID, domain.TransportRole(p.Role), p.DtlsParameters); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(peerID)).Str("role", p.Role).Msg("connect-transport")
		ctl.sendError(c, "connect-transport", id, err)
		return
	}
	ctl.sendJSON(c, reply{Type: "connect-transport", ID: id})
}

func (ctl *Controller) handleProduce(peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		RoomID        string          `json:"roomId"`
		Kind          string          `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, reply{Type: "produce-transport", ID: id, Error: "bad_payload"})
		return
	}

	producerID, othersExist, err := ctl.Orch.Produce(peerID, domain.RoomID(p.RoomID), domain.MediaKind(p.Kind), p.RtpParameters)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(peerID)).Msg("produce-transport")
		ctl.sendError(c, "produce-transport", id, err)
		return
	}
	ctl.sendJSON(c, reply{Type: "produce-transport", ID: id, Data: map[string]any{
		"id":             producerID,
		"producersExist": othersExist,
	}})
}

func (ctl *Controller) handleGetProducers(peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, reply{Type: "get-producers", ID: id, Error: "bad_payload"})
		return
	}

	producers, err := ctl.Orch.Producers(peerID, domain.RoomID(p.RoomID))
	if err != nil {
		ctl.sendError(c, "get-producers", id, err)
		return
	}
	ctl.sendJSON(c, reply{Type: "get-producers", ID: id, Data: map[string]any{
		"producerIds": producers,
	}})
}

func (ctl *Controller) handleConsume(peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		RoomID          string          `json:"roomId"`
		ProducerID      string          `json:"producerId"`
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, reply{Type: "consume-transport", ID: id, Error: "bad_payload"})
		return
	}

	res, err := ctl.Orch.Consume(peerID, domain.RoomID(p.RoomID), p.ProducerID, p.RtpCapabilities)
	if err != nil {
		// The producer vanishing mid-flight is an expected race; the
		// client drops the pending consume silently.
		if errors.Is(err, core.ErrProducerNotFound) {
			ctl.sendJSON(c, reply{Type: "consume-transport", ID: id, Data: map[string]any{
				"producerNotFound": true,
			}})
			return
		}
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(peerID)).Str("producer", p.ProducerID).Msg("consume-transport")
		ctl.sendError(c, "consume-transport", id, err)
		return
	}
	ctl.sendJSON(c, reply{Type: "consume-transport", ID: id, Data: res})
}

func (ctl *Controller) handleResumeConsumer(peerID domain.PeerID, c *Conn, id int64, data []byte) {
	var p struct {
		RoomID     string `json:"roomId"`
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, reply{Type: "resume-consumer", ID: id, Error: "bad_payload"})
		return
	}

	if err := ctl.Orch.ResumeConsumer(peerID, domain.RoomID(p.RoomID), p.ConsumerID); err != nil {
		// Stale ids race teardown; the session carries on.
		log.Debug().Err(err).Str("module", "signal").Str("peer", string(peerID)).Str("consumer", p.ConsumerID).Msg("resume-consumer")
		ctl.sendError(c, "resume-consumer", id, err)
		return
	}
	ctl.sendJSON(c, reply{Type: "resume-consumer", ID: id})
}
