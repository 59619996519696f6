// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tokens

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// TestCheckName exercises the token name grammar across the name classes.
func TestCheckName(t *testing.T) {
	valid := []string{
		"EMBER", "TOK.EN", "A_B_C", "ROOT/SUB", "ROOT/SUB/DEEP",
		"$RESTRICTED", "#KYC", "EMBER!", "ABC123",
	}
	for _, name := range valid {
		require.NoErrorf(t, CheckName(name), "name %q", name)
	}

	invalid := []string{
		"", "ab", "lower", "SP ACE", "WAY.TOO.LONG.TOKEN.NAME.PAST.LIMIT",
		"TK", "BAD-DASH",
	}
	for _, name := range invalid {
		require.Errorf(t, CheckName(name), "name %q", name)
	}
}

// TestNameHelpers exercises the derived-name helpers.
func TestNameHelpers(t *testing.T) {
	require.Equal(t, "TOKEN", RootName("$TOKEN"))
	require.Equal(t, "TAG", RootName("#TAG"))
	require.Equal(t, "ROOT", RootName("ROOT/SUB"))
	require.Equal(t, "TOKEN", RootName("TOKEN!"))
	require.Equal(t, "TOKEN!", OwnershipName("$TOKEN"))
	require.Equal(t, "ROOT!", OwnershipName("ROOT/SUB"))
	require.True(t, IsRestrictedName("$TOKEN"))
	require.True(t, IsQualifierName("#TAG"))
	require.True(t, IsOwnershipName("TOKEN!"))
	require.False(t, IsOwnershipName("TOKEN"))
}

// TestPayloadRoundTrip ensures every payload type survives encode/decode.
func TestPayloadRoundTrip(t *testing.T) {
	payloads := []*Payload{
		{Type: TypeIssue, Name: "EMBER", Amount: 1000 * 1e8,
			Divisibility: 8, Reissuable: true, IPFS: []byte{0x12, 0x20}},
		{Type: TypeReissue, Name: "EMBER", Amount: 10 * 1e8,
			Divisibility: 8},
		{Type: TypeTransfer, Name: "EMBER", Amount: 25},
		{Type: TypeOwnership, Name: "EMBER!"},
		{Type: TypeQualifier, Name: "#KYC", Flag: true},
		{Type: TypeFreeze, Name: "$GOLD", Flag: true},
		{Type: TypeGlobalFreeze, Name: "$GOLD", Flag: false},
		{Type: TypeVerifier, Name: "$GOLD", Verifier: "#KYC&#AML"},
	}
	for _, payload := range payloads {
		decoded, err := DecodePayload(payload.Serialize())
		require.NoErrorf(t, err, "payload %v/%s", payload.Type, payload.Name)
		require.Equal(t, payload, decoded)
	}
}

// TestDecodePayloadRejects ensures malformed payloads are rejected.
func TestDecodePayloadRejects(t *testing.T) {
	// Wrong magic.
	_, err := DecodePayload([]byte("xxx\x01"))
	require.ErrorIs(t, err, ErrBadPayload)

	// Unknown type byte.
	bad := (&Payload{Type: TypeTransfer, Name: "EMBER", Amount: 1}).Serialize()
	bad[3] = 0x7f
	_, err = DecodePayload(bad)
	require.ErrorIs(t, err, ErrBadPayload)

	// Truncated amount.
	good := (&Payload{Type: TypeTransfer, Name: "EMBER", Amount: 1}).Serialize()
	_, err = DecodePayload(good[:len(good)-3])
	require.ErrorIs(t, err, ErrBadPayload)
}

// TestScriptEnvelope ensures splitting and extracting payloads embedded in
// output scripts works, including the degenerate no-envelope case.
func TestScriptEnvelope(t *testing.T) {
	base := []byte{txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_1,
		0x42, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG}

	payload := &Payload{Type: TypeTransfer, Name: "EMBER", Amount: 7}
	script := AppendPayload(base, payload)

	gotBase, rawPayload := SplitScript(script)
	require.Equal(t, base, gotBase)
	require.NotNil(t, rawPayload)

	decoded, err := ExtractPayload(script)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)

	// A bare script has no payload.
	gotBase, rawPayload = SplitScript(base)
	require.Equal(t, base, gotBase)
	require.Nil(t, rawPayload)
	decoded, err = ExtractPayload(base)
	require.NoError(t, err)
	require.Nil(t, decoded)
}
