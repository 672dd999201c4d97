package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dagledger/node/crypto"
	"github.com/dagledger/node/definition"
	"github.com/dagledger/node/ledger"
	"github.com/dagledger/node/validator"
	"github.com/dagledger/node/wire"
	"github.com/dagledger/node/writer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peerServer accepts inbound joint traffic over the wire protocol (spec
// §6) and runs every received joint through the full validate-then-save
// pipeline: spec §4.5's Validate followed by spec §4.7's SaveJoint,
// which itself drives main chain advancement, stabilization, AA
// triggering, and TPS fee stabilization (writer.Store.saveJointLocked).
type peerServer struct {
	log    *logrus.Logger
	repo   *nodeRepository
	sr     definition.StateReader
	w      *writer.Store
	limits validator.Limits
}

func (p *peerServer) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		p.log.WithError(err).Warn("peer websocket upgrade failed")
		return
	}
	conn := wire.NewConn(ws)
	go p.serveConn(req.Context(), conn)
}

func (p *peerServer) serveConn(ctx context.Context, conn *wire.Conn) {
	defer conn.Close()
	for {
		env, err := conn.Receive()
		if err != nil {
			p.log.WithError(err).Debug("peer connection closed")
			return
		}
		if env.Command != wire.CommandJoint {
			continue
		}
		var jp wire.JointPayload
		if err := json.Unmarshal(env.Payload, &jp); err != nil {
			_ = conn.Send(ctx, wire.CommandJustSaying, env.TagID, wire.Reject{Reason: wire.RejectMalformed, Message: err.Error()})
			continue
		}
		joint := ledger.Joint{Unit: jp.Unit, Ball: jp.Ball, SkiplistUnits: jp.SkiplistUnits}
		p.handleJoint(ctx, conn, env.TagID, joint)
	}
}

func (p *peerServer) handleJoint(ctx context.Context, conn *wire.Conn, tag string, joint ledger.Joint) {
	now := time.Now().UnixMilli()
	state, err := validator.Validate(ctx, p.repo, p.sr, crypto.Ed25519Verifier{}, joint, p.limits, now)
	if err != nil {
		p.rejectJoint(ctx, conn, tag, joint.Unit.UnitID, err)
		return
	}
	if err := p.w.SaveJoint(ctx, joint, *state); err != nil {
		p.log.WithError(err).WithField("unit_id", joint.Unit.UnitID).Error("save_joint failed after successful validation")
		_ = conn.Send(ctx, wire.CommandJustSaying, tag, wire.Reject{Reason: wire.RejectInvalid, Message: "internal error saving joint"})
		return
	}
	_ = conn.Send(ctx, wire.CommandResponse, tag, struct {
		Saved bool `json:"saved"`
	}{true})
}

// rejectJoint maps the three-way validation error taxonomy onto wire
// responses: NeedParentUnits asks the peer to resend, TransientError is
// retryable and not held against the peer, Joint/UnitError are terminal
// and latch known_bad via the cache so re-delivery short-circuits.
func (p *peerServer) rejectJoint(ctx context.Context, conn *wire.Conn, tag, unitID string, err error) {
	switch e := err.(type) {
	case *validator.NeedParentUnitsError:
		_ = conn.Send(ctx, wire.CommandNeedParents, tag, wire.Reject{Reason: wire.RejectNeedParents, UnitIDs: e.UnitIDs})
	case *validator.TransientError:
		_ = conn.Send(ctx, wire.CommandJustSaying, tag, wire.Reject{Reason: wire.RejectInvalid, Message: e.Error()})
	case *validator.JointError:
		p.repo.cache.MarkKnownBad(unitID)
		_ = conn.Send(ctx, wire.CommandJustSaying, tag, wire.Reject{Reason: wire.RejectInvalid, Message: e.Error()})
	case *validator.UnitError:
		p.repo.cache.MarkKnownBad(unitID)
		_ = conn.Send(ctx, wire.CommandJustSaying, tag, wire.Reject{Reason: wire.RejectInvalid, Message: e.Error()})
	default:
		p.log.WithError(err).Error("unexpected validation error type")
	}
}
