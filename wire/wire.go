// Package wire implements the peer wire protocol of spec §6: JSON
// joint framing over a websocket transport, with size caps enforced
// BEFORE any JSON parsing is attempted.
//
// Grounded on the teacher's node/p2p/envelope.go (fixed-prefix framing,
// magic/command/length/checksum validation before payload parsing) and
// node/p2p/version.go / handshake.go (handshake message shapes),
// reframed from the teacher's fixed binary block/tx wire format onto
// the spec's JSON joint format, and carried over
// github.com/gorilla/websocket instead of the teacher's raw TCP framing
// since the spec's peers are browser-reachable light clients as well
// as full nodes.
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dagledger/node/ledger"
)

// NewTag mints a correlation id for a request/response pair (spec §6
// "request"/"response" commands are tagged so a peer can match a
// response back to the request that triggered it). Not
// consensus-relevant, so a random v4 UUID is sufficient.
func NewTag() string {
	return uuid.NewString()
}

// MaxMessageBytes bounds a single peer message, checked against the
// raw frame BEFORE json.Unmarshal ever runs (spec §6 "size caps applied
// before JSON parse") so an oversized frame never reaches the parser.
const MaxMessageBytes = 8 * 1024 * 1024

// Command names a message type, mirroring the teacher's CommandBytes
// dispatch but as a JSON envelope field instead of a fixed-width binary
// command string.
type Command string

const (
	CommandVersion     Command = "version"
	CommandVersion2    Command = "version2"
	CommandHub         Command = "hub"
	CommandJoint       Command = "joint"
	CommandJustSaying  Command = "justsaying"
	CommandRequest     Command = "request"
	CommandResponse    Command = "response"
	CommandNeedParents Command = "need_parents"
)

// Envelope is the outer frame every peer message carries: a command
// name and a raw JSON payload dispatched by the caller based on
// Command (spec §6).
type Envelope struct {
	Command Command         `json:"command"`
	TagID   string          `json:"tag,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RejectReason mirrors the teacher's reject.go taxonomy, generalized
// from transaction/block rejects to joint rejects.
type RejectReason string

const (
	RejectMalformed  RejectReason = "malformed"
	RejectInvalid    RejectReason = "invalid"
	RejectDuplicate  RejectReason = "duplicate"
	RejectNeedParents RejectReason = "need_parents"
)

// Reject is sent back to a peer whose joint failed validation.
type Reject struct {
	Reason  RejectReason `json:"reason"`
	Message string       `json:"message,omitempty"`
	UnitIDs []string      `json:"unit_ids,omitempty"` // populated for need_parents
}

// EncodeEnvelope marshals cmd/payload into a size-checked frame. The
// size check runs on the marshaled bytes themselves — the only
// direction where "before parse" is meaningful for an encoder — so an
// oversized outbound joint is caught here rather than at the peer.
func EncodeEnvelope(cmd Command, tag string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	env := Envelope{Command: cmd, TagID: tag, Payload: raw}
	framed, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if len(framed) > MaxMessageBytes {
		return nil, fmt.Errorf("wire: encoded message of %d bytes exceeds MaxMessageBytes %d", len(framed), MaxMessageBytes)
	}
	return framed, nil
}

// DecodeEnvelope checks raw's length against MaxMessageBytes BEFORE
// attempting to unmarshal it (spec §6): a peer that sends an oversized
// frame gets rejected without the parser ever touching the bytes.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) > MaxMessageBytes {
		return Envelope{}, fmt.Errorf("wire: frame of %d bytes exceeds MaxMessageBytes %d before parse", len(raw), MaxMessageBytes)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: malformed envelope: %w", err)
	}
	return env, nil
}

// JointPayload is the "joint" command's payload: exactly ledger.Joint,
// named separately so the wire layer's JSON shape is documented
// independent of the ledger package's Go field names changing.
type JointPayload struct {
	Unit          ledger.Unit `json:"unit"`
	Ball          string      `json:"ball,omitempty"`
	SkiplistUnits []string    `json:"skiplist_units,omitempty"`
}

// Conn wraps a single peer websocket connection with the envelope
// framing above. Grounded on node/p2p/peer.go's per-connection
// send/receive loop shape.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps an already-established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send encodes and writes one envelope, applying a write deadline so a
// stalled peer cannot block the writer goroutine indefinitely.
func (c *Conn) Send(ctx context.Context, cmd Command, tag string, payload any) error {
	framed, err := EncodeEnvelope(cmd, tag, payload)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, framed)
}

// Receive reads and decodes the next envelope, rejecting oversized
// frames via ReadLimit before gorilla/websocket even finishes
// buffering them, not merely after DecodeEnvelope re-checks length.
func (c *Conn) Receive() (Envelope, error) {
	c.ws.SetReadLimit(int64(MaxMessageBytes))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: read message: %w", err)
	}
	return DecodeEnvelope(raw)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Request sends a tagged request envelope and returns the tag the
// caller should match against the peer's eventual "response" envelope.
func (c *Conn) Request(ctx context.Context, payload any) (string, error) {
	tag := NewTag()
	if err := c.Send(ctx, CommandRequest, tag, payload); err != nil {
		return "", err
	}
	return tag, nil
}
