// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tokens

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptKey identifies the script an output pays to for the purposes of token
// balances, qualifier tags, and freezes.  It is the RIPEMD160(SHA256) hash of
// the base script.
type ScriptKey [20]byte

// MakeScriptKey returns the script key for the provided base script.
func MakeScriptKey(baseScript []byte) ScriptKey {
	var key ScriptKey
	copy(key[:], btcutil.Hash160(baseScript))
	return key
}

// SplitScript splits a transaction output script into its executable base
// script and the raw token payload bytes, if any.  The payload envelope
// starts at the payload marker opcode and runs to the end of the script.  A
// script without an envelope is returned unchanged with a nil payload.
func SplitScript(pkScript []byte) (baseScript, rawPayload []byte) {
	idx := bytes.IndexByte(pkScript, payloadMarker)
	for idx != -1 {
		// The marker byte can legitimately appear inside data pushes of the
		// base script, so only honor it when it sits on an opcode boundary.
		if isOpcodeBoundary(pkScript, idx) {
			return pkScript[:idx], pkScript[idx:]
		}
		next := bytes.IndexByte(pkScript[idx+1:], payloadMarker)
		if next == -1 {
			break
		}
		idx += 1 + next
	}
	return pkScript, nil
}

// isOpcodeBoundary returns whether the provided offset into the script falls
// on an opcode boundary by tokenizing the script from the start.
func isOpcodeBoundary(script []byte, offset int) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, script[:offset])
	for tokenizer.Next() {
	}
	return tokenizer.Err() == nil && int(tokenizer.ByteIndex()) == offset
}

// ExtractPayload decodes the token payload carried by the provided output
// script.  It returns nil with no error when the script carries no payload.
func ExtractPayload(pkScript []byte) (*Payload, error) {
	_, raw := SplitScript(pkScript)
	if raw == nil {
		return nil, nil
	}

	// The envelope is the marker opcode followed by a single data push of
	// the serialized payload.
	tokenizer := txscript.MakeScriptTokenizer(0, raw[1:])
	if !tokenizer.Next() || tokenizer.Data() == nil {
		return nil, ruleError(ErrBadPayload, "malformed token payload envelope")
	}
	return DecodePayload(tokenizer.Data())
}

// AppendPayload returns the provided base script with a token payload
// envelope appended.
func AppendPayload(baseScript []byte, p *Payload) []byte {
	serialized := p.Serialize()
	builder := txscript.NewScriptBuilder()
	builder.AddData(serialized)
	push, err := builder.Script()
	if err != nil {
		// The only way AddData can fail is by exceeding the script size
		// limits, which the payload size caps prevent.
		panic(err)
	}

	script := make([]byte, 0, len(baseScript)+1+len(push))
	script = append(script, baseScript...)
	script = append(script, payloadMarker)
	script = append(script, push...)
	return script
}
