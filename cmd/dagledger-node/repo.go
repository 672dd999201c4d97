package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dagledger/node/config"
	"github.com/dagledger/node/definition"
	"github.com/dagledger/node/ledger"
	"github.com/dagledger/node/objectstore/kvstore"
	"github.com/dagledger/node/objectstore/relstore"
	"github.com/dagledger/node/writer"
)

// nodeRepository adapts the process's live Cache (every DAG-shaped read
// validator.Repository needs) and the relational store (the payment and
// definition state the Cache does not carry) into a single
// validator.Repository, so a peer listener can validate inbound joints
// against real node state instead of a test fixture.
type nodeRepository struct {
	cache *writer.Cache
	rel   *relstore.Store
	cfg   config.Config
}

func (r *nodeRepository) ReadUnitProps(ctx context.Context, unitID string) (ledger.UnitProps, error) {
	return r.cache.ReadUnitProps(ctx, unitID)
}

func (r *nodeRepository) AuthorsOf(ctx context.Context, unitID string) ([]string, error) {
	return r.cache.AuthorsOf(ctx, unitID)
}

func (r *nodeRepository) IsKnownBad(ctx context.Context, unitID string) (bool, error) {
	return r.cache.IsKnownBad(ctx, unitID)
}

func (r *nodeRepository) FreeTips(ctx context.Context) ([]string, error) {
	return r.cache.FreeTips(ctx)
}

// OperatorSetAt resolves this node's single configured operator set
// (spec §3), valid only for its own genesis unit: historical
// witness-list-unit versioning beyond genesis is not modeled yet.
func (r *nodeRepository) OperatorSetAt(ctx context.Context, witnessListUnit string) (ledger.OperatorSet, error) {
	if witnessListUnit != r.cfg.GenesisUnitID {
		return ledger.OperatorSet{}, fmt.Errorf("nodeRepository: witness_list_unit %s is not this node's genesis %s", witnessListUnit, r.cfg.GenesisUnitID)
	}
	return ledger.OperatorSet{Addresses: r.cfg.OperatorSet}, nil
}

// DefinitionFor returns the inline definition carried by the unit on an
// address's first use, or its on-file definition (persisted by
// insertUnitRows the first time the address was used) otherwise.
func (r *nodeRepository) DefinitionFor(ctx context.Context, address string, lastBallMci uint32, inline any) (definition.Def, error) {
	if inline != nil {
		def, ok := inline.(definition.Def)
		if !ok {
			return definition.Def{}, fmt.Errorf("nodeRepository: inline definition for %s has unexpected type %T", address, inline)
		}
		return def, nil
	}
	var raw []byte
	err := r.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT definition FROM definitions
			WHERE address = $1 AND last_ball_mci <= $2
			ORDER BY last_ball_mci DESC LIMIT 1`, address, lastBallMci)
		return row.Scan(&raw)
	})
	if err != nil {
		return definition.Def{}, fmt.Errorf("nodeRepository: no definition on file for %s as of mci %d: %w", address, lastBallMci, err)
	}
	var def definition.Def
	if err := json.Unmarshal(raw, &def); err != nil {
		return definition.Def{}, fmt.Errorf("nodeRepository: decode definition for %s: %w", address, err)
	}
	return def, nil
}

func (r *nodeRepository) LastBallProps(ctx context.Context, lastBallUnit string) (ledger.UnitProps, error) {
	return r.cache.ReadUnitProps(ctx, lastBallUnit)
}

// ConflictingInputs queries the inputs table directly: it is the only
// durable record of which units have already claimed a given output.
func (r *nodeRepository) ConflictingInputs(ctx context.Context, src ledger.OutPoint) ([]string, error) {
	var out []string
	err := r.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT unit_id FROM inputs
			WHERE src_unit = $1 AND src_message_index = $2 AND src_output_index = $3`,
			src.Unit, src.MessageIndex, src.OutputIndex)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("nodeRepository: conflicting inputs for %+v: %w", src, err)
	}
	return out, nil
}

func (r *nodeRepository) OutputAmount(ctx context.Context, src ledger.OutPoint) (string, any, bool, error) {
	var addr, amountStr string
	var isSpent bool
	err := r.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT address, amount, is_spent FROM outputs
			WHERE unit_id = $1 AND message_index = $2 AND output_index = $3`,
			src.Unit, src.MessageIndex, src.OutputIndex)
		return row.Scan(&addr, &amountStr, &isSpent)
	})
	if err != nil {
		return "", nil, false, fmt.Errorf("nodeRepository: output %+v: %w", src, err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return "", nil, false, fmt.Errorf("nodeRepository: parse amount %q: %w", amountStr, err)
	}
	return addr, amount, isSpent, nil
}

// CurrentTPSFeeRate stands in for the full congestion-interval curve
// (spec §4.9, driven by recent unit arrival density) with the node's
// configured base rate; the interval-scaled computation is not yet
// implemented (see DESIGN.md).
func (r *nodeRepository) CurrentTPSFeeRate(ctx context.Context) (uint64, error) {
	return r.cfg.TPSFee.BaseTPSFee, nil
}

func (r *nodeRepository) MaxMCI(ctx context.Context) (uint32, error) {
	var max *uint32
	err := r.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		row := tx.QueryRow(ctx, `SELECT MAX(main_chain_index) FROM units`)
		return row.Scan(&max)
	})
	if err != nil {
		return 0, fmt.Errorf("nodeRepository: max mci: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// nodeStateReader implements definition.StateReader (spec §4.4's
// address/in_data_feed/in_merkle operators) against the live KV store's
// data-feed-latest-value namespace.
//
// Has/StatefulPredicate back "has"/"has one of"/"seen"/"sum"/"attested"/
// "age"/"formula"; none of these is wired to node state here (see
// DESIGN.md), so they always report "not satisfied" rather than
// fabricate an answer.
type nodeStateReader struct {
	rel *relstore.Store
	kv  *kvstore.Store
}

func (r *nodeStateReader) DefinitionAt(ctx context.Context, addr string, lastBallMci uint32) (definition.Def, error) {
	nr := nodeRepository{rel: r.rel}
	return nr.DefinitionFor(ctx, addr, lastBallMci, nil)
}

func (r *nodeStateReader) DataFeedValue(ctx context.Context, addrs []string, feed string, lastBallMci uint32) (string, bool, error) {
	for _, addr := range addrs {
		raw, ok, err := r.kv.Get(kvstore.DataFeedLastKey(addr, feed))
		if err != nil {
			return "", false, fmt.Errorf("nodeStateReader: data feed %s/%s: %w", addr, feed, err)
		}
		if ok {
			return string(raw), true, nil
		}
	}
	return "", false, nil
}

func (r *nodeStateReader) MerkleRoot(ctx context.Context, addrs []string, feed string, lastBallMci uint32) (string, bool, error) {
	return r.DataFeedValue(ctx, addrs, feed, lastBallMci)
}

func (r *nodeStateReader) Has(ctx context.Context, what map[string]any) (bool, error) {
	return false, nil
}

func (r *nodeStateReader) StatefulPredicate(ctx context.Context, op definition.Op, args map[string]any) (bool, error) {
	return false, nil
}
