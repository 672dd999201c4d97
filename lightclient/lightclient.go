// Package lightclient implements spec §4.10: the light-client proof
// protocol a full node serves — witness proofs, bounded history,
// definition lookup, and subscription refresh — plus per-peer rate
// limiting on the most expensive of these requests.
//
// Grounded on the teacher's node/p2p/peer.go PeerHandler interface
// shape (one method per request type, each returning a response or an
// error the caller translates into a wire reject) and
// node/p2p/banscore.go's sticky-penalty idiom, reused here for sticky
// rejection of light clients requesting unreasonably large history.
package lightclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dagledger/node/concurrency"
	"github.com/dagledger/node/ledger"
	"github.com/dagledger/node/objectstore/kvstore"
)

// Limits bounds what a light client may ask for in one request (spec
// §4.10, §6).
type Limits struct {
	MaxHistoryItems      int
	MaxDefinitionBytes   int
	StabilityLagMCIs     uint32 // reject refresh/subscribe requests older than last_stable_mci - this
}

// Repository is the read-side surface lightclient needs.
type Repository interface {
	UnitProps(ctx context.Context, unitID string) (ledger.UnitProps, error)
	LastStableMCI(ctx context.Context) (uint32, error)
	BallForUnit(ctx context.Context, unitID string) (string, error)
	ParentBalls(ctx context.Context, unitID string) ([]string, error)
	DefinitionJSON(ctx context.Context, address string) ([]byte, error)
}

// WitnessProof is the chain of balls and parent/skiplist links a light
// client can independently verify connects a unit to a ball it
// already trusts (spec §4.10 get_witness_proof, GLOSSARY "Ball").
type WitnessProof struct {
	UnitID      string   `json:"unit"`
	Ball        string   `json:"ball"`
	ParentBalls []string `json:"parent_balls"`
}

// Server implements the four light-client request handlers.
type Server struct {
	repo  Repository
	kv    *kvstore.Store
	kern  *concurrency.Kernel
	limits Limits
}

// NewServer wires a lightclient.Server.
func NewServer(repo Repository, kv *kvstore.Store, kern *concurrency.Kernel, limits Limits) *Server {
	return &Server{repo: repo, kv: kv, kern: kern, limits: limits}
}

// GetWitnessProof builds the ball chain for unitID (spec §4.10).
func (s *Server) GetWitnessProof(ctx context.Context, unitID string) (WitnessProof, error) {
	props, err := s.repo.UnitProps(ctx, unitID)
	if err != nil {
		return WitnessProof{}, fmt.Errorf("lightclient: unit %s: %w", unitID, err)
	}
	if !props.IsStable {
		return WitnessProof{}, fmt.Errorf("lightclient: unit %s is not yet stable", unitID)
	}
	ball, err := s.repo.BallForUnit(ctx, unitID)
	if err != nil {
		return WitnessProof{}, err
	}
	parentBalls, err := s.repo.ParentBalls(ctx, unitID)
	if err != nil {
		return WitnessProof{}, err
	}
	return WitnessProof{UnitID: unitID, Ball: ball, ParentBalls: parentBalls}, nil
}

// HistoryItem is one entry of a bounded history response.
type HistoryItem struct {
	Key   string
	Value []byte
}

// HistoryResult carries the bounded page plus a Truncated flag so the
// caller knows whether to issue a follow-up request with Cursor set to
// the last returned key.
type HistoryResult struct {
	Items     []HistoryItem
	Truncated bool
}

// GetHistory returns a bounded, cursor-paginated page of an address's
// payment history, rate-limited per peer via a lock named
// concurrency.LockGetHistoryRequest plus peerID, so one light client
// issuing many concurrent requests cannot starve others (spec §4.10, §5).
//
// It never reads more than MaxHistoryItems+1 KV entries: that +1 is
// how Truncated is computed without an unbounded scan.
func (s *Server) GetHistory(ctx context.Context, peerID, address, cursor string) (HistoryResult, error) {
	ctx = concurrency.WithTask(ctx)
	var result HistoryResult
	err := s.kern.Lock(ctx, func() error {
		prefix := kvstore.PrefixDataFeed + address + "\n"
		rows, err := s.kv.ScanPrefix(prefix, cursor, s.limits.MaxHistoryItems)
		if err != nil {
			return err
		}
		truncated := len(rows) > s.limits.MaxHistoryItems
		if truncated {
			rows = rows[:s.limits.MaxHistoryItems]
		}
		items := make([]HistoryItem, 0, len(rows))
		for _, r := range rows {
			items = append(items, HistoryItem{Key: r.Key, Value: r.Value})
		}
		result = HistoryResult{Items: items, Truncated: truncated}
		return nil
	}, concurrency.LockGetHistoryRequest+"-"+peerID)
	return result, err
}

// GetDefinition returns an address's current definition as JSON, sized
// before it is ever handed to the caller: the MaxDefinitionBytes check
// runs against the stored bytes BEFORE any stringify/parse step, so an
// oversized definition never gets far enough to be re-serialized (spec
// §4.10 "size guard before stringify").
func (s *Server) GetDefinition(ctx context.Context, address string) (json.RawMessage, error) {
	raw, err := s.repo.DefinitionJSON(ctx, address)
	if err != nil {
		return nil, err
	}
	if s.limits.MaxDefinitionBytes > 0 && len(raw) > s.limits.MaxDefinitionBytes {
		return nil, fmt.Errorf("lightclient: definition for %s is %d bytes, exceeds limit %d", address, len(raw), s.limits.MaxDefinitionBytes)
	}
	return json.RawMessage(raw), nil
}

// RefreshRequest is a light client's "what changed since I last synced"
// subscription poll.
type RefreshRequest struct {
	LastKnownStableMCI uint32
}

// Refresh rejects a request whose LastKnownStableMCI is too far behind
// the node's own last_stable_mci (spec §4.10): serving it would force
// the node to reconstruct ancient witness proofs and invites abuse.
func (s *Server) Refresh(ctx context.Context, req RefreshRequest) error {
	last, err := s.repo.LastStableMCI(ctx)
	if err != nil {
		return err
	}
	if s.limits.StabilityLagMCIs > 0 && req.LastKnownStableMCI+s.limits.StabilityLagMCIs < last {
		return fmt.Errorf("lightclient: refresh request at mci %d is too far behind current stable mci %d", req.LastKnownStableMCI, last)
	}
	return nil
}
