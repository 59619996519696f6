// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// mapBacking is an in-memory raw-table backing for tests.
type mapBacking map[string][]byte

func (m mapBacking) fetch(key string) ([]byte, error) {
	return m[key], nil
}

var (
	holderA = ScriptKey{0x0a}
	holderB = ScriptKey{0x0b}
)

// TestIssueTransferUndo walks a token through issuance, a transfer, and a
// full undo, checking the state at every step.
func TestIssueTransferUndo(t *testing.T) {
	view := NewView(make(mapBacking))
	undo := &UndoRecord{}

	// Issue 1000 units of EMBER to holder A along with its ownership
	// token.
	issue := &Payload{Type: TypeIssue, Name: "EMBER", Amount: 1000,
		Divisibility: 2, Reissuable: true}
	require.NoError(t, view.ConnectOutput(issue, holderA, 10, false, undo))
	owner := &Payload{Type: TypeOwnership, Name: "EMBER!"}
	require.NoError(t, view.ConnectOutput(owner, holderA, 10, false, undo))

	record, err := view.FetchIssuance("EMBER")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, int64(1000), record.Units)
	require.True(t, record.Reissuable)

	balance, err := view.FetchBalance("EMBER", holderA)
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)

	// Duplicate issuance must be rejected.
	err = view.ConnectOutput(issue, holderB, 11, false, undo)
	require.ErrorIs(t, err, ErrDuplicateIssuance)

	// Transfer 400 units to holder B: debit the spent output, credit the
	// new one.
	spent := &Payload{Type: TypeTransfer, Name: "EMBER", Amount: 1000}
	require.NoError(t, view.SpendOutput(spent, holderA, undo))
	toB := &Payload{Type: TypeTransfer, Name: "EMBER", Amount: 400}
	toA := &Payload{Type: TypeTransfer, Name: "EMBER", Amount: 600}
	require.NoError(t, view.ConnectOutput(toB, holderB, 11, false, undo))
	require.NoError(t, view.ConnectOutput(toA, holderA, 11, false, undo))

	balance, err = view.FetchBalance("EMBER", holderB)
	require.NoError(t, err)
	require.Equal(t, int64(400), balance)
	balance, err = view.FetchBalance("EMBER", holderA)
	require.NoError(t, err)
	require.Equal(t, int64(600), balance)

	// Moving more than a holder owns must fail.
	tooMuch := &Payload{Type: TypeTransfer, Name: "EMBER", Amount: 401}
	require.ErrorIs(t, view.SpendOutput(tooMuch, holderB, nil),
		ErrInsufficientBalance)

	// The undo record must survive serialization and reverse everything.
	decoded, err := DeserializeUndo(SerializeUndo(undo))
	require.NoError(t, err)
	require.NoError(t, view.ApplyUndo(decoded))

	record, err = view.FetchIssuance("EMBER")
	require.NoError(t, err)
	require.Nil(t, record)
	balance, err = view.FetchBalance("EMBER", holderA)
	require.NoError(t, err)
	require.Zero(t, balance)
	_, exists, err := view.FetchOwner("EMBER!")
	require.NoError(t, err)
	require.False(t, exists)
}

// TestReissueAuthorization ensures reissuance requires both the reissuable
// flag and spending the ownership token.
func TestReissueAuthorization(t *testing.T) {
	view := NewView(make(mapBacking))
	undo := &UndoRecord{}

	issue := &Payload{Type: TypeIssue, Name: "GOLD", Amount: 100,
		Reissuable: false}
	require.NoError(t, view.ConnectOutput(issue, holderA, 5, false, undo))

	reissue := &Payload{Type: TypeReissue, Name: "GOLD", Amount: 50}
	require.ErrorIs(t, view.ConnectOutput(reissue, holderA, 6, false, undo),
		ErrNotOwner)
	require.ErrorIs(t, view.ConnectOutput(reissue, holderA, 6, true, undo),
		ErrNotReissuable)

	// A reissuable token accepts an authorized reissue and grows its
	// supply.
	issue2 := &Payload{Type: TypeIssue, Name: "SILVER", Amount: 100,
		Reissuable: true}
	require.NoError(t, view.ConnectOutput(issue2, holderA, 5, false, undo))
	reissue2 := &Payload{Type: TypeReissue, Name: "SILVER", Amount: 25}
	require.NoError(t, view.ConnectOutput(reissue2, holderA, 6, true, undo))
	record, err := view.FetchIssuance("SILVER")
	require.NoError(t, err)
	require.Equal(t, int64(125), record.Units)
}

// TestRestrictedEnforcement ensures freezes and verifier strings gate
// restricted token transfers.
func TestRestrictedEnforcement(t *testing.T) {
	view := NewView(make(mapBacking))
	undo := &UndoRecord{}

	issue := &Payload{Type: TypeIssue, Name: "$SEC", Amount: 1000,
		Reissuable: true}
	require.NoError(t, view.ConnectOutput(issue, holderA, 5, false, undo))

	// Install a verifier requiring the #KYC tag.
	verifier := &Payload{Type: TypeVerifier, Name: "$SEC",
		Verifier: "#KYC"}
	require.NoError(t, view.ConnectOutput(verifier, holderA, 5, true, undo))

	// A transfer to an untagged holder must be rejected.
	transfer := &Payload{Type: TypeTransfer, Name: "$SEC", Amount: 10}
	require.ErrorIs(t, view.ConnectOutput(transfer, holderB, 6, false, undo),
		ErrMissingQualifier)

	// Tag the holder and the transfer goes through.
	tag := &Payload{Type: TypeQualifier, Name: "#KYC", Flag: true}
	require.NoError(t, view.ConnectOutput(tag, holderB, 6, true, undo))
	require.NoError(t, view.ConnectOutput(transfer, holderB, 6, false, undo))

	// Freezing the holder blocks further transfers to them.
	freeze := &Payload{Type: TypeFreeze, Name: "$SEC", Flag: true}
	require.NoError(t, view.ConnectOutput(freeze, holderB, 7, true, undo))
	require.ErrorIs(t, view.ConnectOutput(transfer, holderB, 7, false, undo),
		ErrFrozenAddress)

	// A global freeze blocks everyone, even tagged and unfrozen holders.
	gfreeze := &Payload{Type: TypeGlobalFreeze, Name: "$SEC", Flag: true}
	require.NoError(t, view.ConnectOutput(gfreeze, holderA, 8, true, undo))
	tagA := &Payload{Type: TypeQualifier, Name: "#KYC", Flag: true}
	require.NoError(t, view.ConnectOutput(tagA, holderA, 8, true, undo))
	require.ErrorIs(t, view.ConnectOutput(transfer, holderA, 8, false, undo),
		ErrGloballyFrozen)
}
