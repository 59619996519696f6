// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Governance operations are carried in provably unspendable outputs whose
// script is OP_RETURN followed by a single data push of the marker "EMBRGOV",
// a tag byte, and a tag-specific body.  Unknown tags are no-ops so old nodes
// remain consensus-compatible when new operations are introduced.

// governanceMarker is the payload prefix identifying a governance operation.
var governanceMarker = []byte("EMBRGOV")

// GovernanceOp is a decoded governance operation.
type GovernanceOp interface {
	// governanceOp is an unexported marker method restricting the set of
	// implementations to this package.
	governanceOp()
}

// ParamChangeOp updates a named runtime-tunable consensus parameter.
type ParamChangeOp struct {
	Key   string
	Value uint64
}

// TreasuryPayoutOp records a treasury payout announcement.  It carries no
// state transition beyond being surfaced to subscribers.
type TreasuryPayoutOp struct {
	Amount int64
}

func (ParamChangeOp) governanceOp()    {}
func (TreasuryPayoutOp) governanceOp() {}

// Governance tag bytes.
const (
	govTagParamChange    = 0x01
	govTagTreasuryPayout = 0x02
)

// decodeGovernanceOp decodes the governance operation carried by the
// provided output script, if any.  Scripts that do not carry the marker,
// payloads with an unknown tag, and truncated bodies return nil.
func decodeGovernanceOp(pkScript []byte) GovernanceOp {
	if len(pkScript) == 0 || pkScript[0] != txscript.OP_RETURN {
		return nil
	}
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript[1:])
	if !tokenizer.Next() || tokenizer.Data() == nil {
		return nil
	}
	payload := tokenizer.Data()
	if !bytes.HasPrefix(payload, governanceMarker) {
		return nil
	}
	body := payload[len(governanceMarker):]
	if len(body) == 0 {
		return nil
	}

	switch body[0] {
	case govTagParamChange:
		// tag ‖ keyLen ‖ key ‖ value(8 LE)
		body = body[1:]
		if len(body) < 1 {
			return nil
		}
		keyLen := int(body[0])
		if len(body) < 1+keyLen+8 {
			return nil
		}
		return &ParamChangeOp{
			Key:   string(body[1 : 1+keyLen]),
			Value: binary.LittleEndian.Uint64(body[1+keyLen : 1+keyLen+8]),
		}

	case govTagTreasuryPayout:
		body = body[1:]
		if len(body) < 8 {
			return nil
		}
		return &TreasuryPayoutOp{
			Amount: int64(binary.LittleEndian.Uint64(body[:8])),
		}
	}

	// Unknown tags are deliberately ignored.
	return nil
}

// governanceUndo records the prior value of a governance parameter so a
// disconnect can restore it.
type governanceUndo struct {
	key      string
	hadValue bool
	prev     uint64
}

// governanceState tracks the current values of runtime-tunable consensus
// parameters set through governance operations.
type governanceState struct {
	mtx    sync.RWMutex
	params map[string]uint64
}

// newGovernanceState returns an empty governance state.
func newGovernanceState() *governanceState {
	return &governanceState{params: make(map[string]uint64)}
}

// Param returns the current value of the named parameter.
func (g *governanceState) Param(key string) (uint64, bool) {
	g.mtx.RLock()
	value, ok := g.params[key]
	g.mtx.RUnlock()
	return value, ok
}

// connectBlock applies every governance operation in the block, recording
// undo entries in application order.
func (g *governanceState) connectBlock(block *btcutil.Block) []governanceUndo {
	var undos []governanceUndo
	g.mtx.Lock()
	for _, tx := range block.Transactions() {
		for _, txOut := range tx.MsgTx().TxOut {
			op := decodeGovernanceOp(txOut.PkScript)
			change, ok := op.(*ParamChangeOp)
			if !ok {
				continue
			}
			prev, had := g.params[change.Key]
			undos = append(undos, governanceUndo{
				key:      change.Key,
				hadValue: had,
				prev:     prev,
			})
			g.params[change.Key] = change.Value
		}
	}
	g.mtx.Unlock()
	return undos
}

// disconnectBlock restores the recorded prior parameter values in reverse
// order.
func (g *governanceState) disconnectBlock(undos []governanceUndo) {
	g.mtx.Lock()
	for i := len(undos) - 1; i >= 0; i-- {
		undo := &undos[i]
		if undo.hadValue {
			g.params[undo.key] = undo.prev
		} else {
			delete(g.params, undo.key)
		}
	}
	g.mtx.Unlock()
}

// serializeGovernanceUndo encodes governance undo entries for storage in the
// block undo record.
func serializeGovernanceUndo(undos []governanceUndo) []byte {
	var buf bytes.Buffer
	wire.WriteVarInt(&buf, 0, uint64(len(undos)))
	for i := range undos {
		undo := &undos[i]
		wire.WriteVarString(&buf, 0, undo.key)
		if undo.hadValue {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		var value [8]byte
		binary.LittleEndian.PutUint64(value[:], undo.prev)
		buf.Write(value[:])
	}
	return buf.Bytes()
}

// deserializeGovernanceUndo decodes entries produced by
// serializeGovernanceUndo.
func deserializeGovernanceUndo(serialized []byte) ([]governanceUndo, error) {
	if len(serialized) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(serialized)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	undos := make([]governanceUndo, 0, count)
	for i := uint64(0); i < count; i++ {
		var undo governanceUndo
		undo.key, err = wire.ReadVarString(r, 0)
		if err != nil {
			return nil, err
		}
		hadValue, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		undo.hadValue = hadValue != 0
		var value [8]byte
		if _, err := io.ReadFull(r, value[:]); err != nil {
			return nil, err
		}
		undo.prev = binary.LittleEndian.Uint64(value[:])
		undos = append(undos, undo)
	}
	return undos, nil
}
