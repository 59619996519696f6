// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tokens

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// The token state is a set of small tables that all live in the chainstate
// database next to the utxo set and are flushed in the same batch so the two
// can never diverge on disk:
//
//	ki<name>        -> issuance record
//	ko<name>        -> owner script key
//	kb<name>|<skey> -> balance (int64)
//	kq<tag>|<skey>  -> qualifier tag presence
//	kf<name>|<skey> -> address freeze presence
//	kg<name>        -> global freeze presence
//	kv<name>        -> verifier string
//
// All three layers of the stack (database, tip cache, per-block view) operate
// on the serialized forms keyed by the strings above, which keeps undo
// handling uniform: an undo entry is simply the prior raw value of a key.
const (
	keyPrefixIssuance  = "ki"
	keyPrefixOwner     = "ko"
	keyPrefixBalance   = "kb"
	keyPrefixQualifier = "kq"
	keyPrefixFreeze    = "kf"
	keyPrefixGlobal    = "kg"
	keyPrefixVerifier  = "kv"
)

// Issuance is the record describing an issued token.
type Issuance struct {
	Units        int64
	Divisibility uint8
	Reissuable   bool
	IPFS         []byte
	BlockHeight  int32
}

// serializeIssuance returns the serialized form of the issuance record.
func serializeIssuance(record *Issuance) []byte {
	var buf bytes.Buffer
	writeInt64(&buf, record.Units)
	buf.WriteByte(record.Divisibility)
	buf.WriteByte(boolByte(record.Reissuable))
	wire.WriteVarBytes(&buf, 0, record.IPFS)
	writeInt64(&buf, int64(record.BlockHeight))
	return buf.Bytes()
}

// deserializeIssuance decodes a serialized issuance record.
func deserializeIssuance(serialized []byte) (*Issuance, error) {
	r := bytes.NewReader(serialized)
	var record Issuance
	var err error
	record.Units, err = readInt64(r)
	if err != nil {
		return nil, err
	}
	div, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	reissuable, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Divisibility = div
	record.Reissuable = reissuable != 0
	record.IPFS, err = wire.ReadVarBytes(r, 0, MaxIPFSLen, "ipfs")
	if err != nil {
		return nil, err
	}
	height, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	record.BlockHeight = int32(height)
	return &record, nil
}

func serializeInt64(v int64) []byte {
	var buf bytes.Buffer
	writeInt64(&buf, v)
	return buf.Bytes()
}

func deserializeInt64(serialized []byte) (int64, error) {
	return readInt64(bytes.NewReader(serialized))
}

func issuanceKey(name string) string {
	return keyPrefixIssuance + name
}

func ownerKey(name string) string {
	return keyPrefixOwner + name
}

func balanceKey(name string, key ScriptKey) string {
	return keyPrefixBalance + name + "|" + string(key[:])
}

func qualifierKey(tag string, key ScriptKey) string {
	return keyPrefixQualifier + tag + "|" + string(key[:])
}

func freezeKey(name string, key ScriptKey) string {
	return keyPrefixFreeze + name + "|" + string(key[:])
}

func globalFreezeKey(name string) string {
	return keyPrefixGlobal + name
}

func verifierKey(name string) string {
	return keyPrefixVerifier + name
}

// backing provides read access to the raw token tables for a lower layer of
// the stack.
type backing interface {
	fetch(key string) ([]byte, error)
}

// Database is the bottom layer of the token state stack, backed by the
// chainstate database.
type Database struct {
	db *leveldb.DB
}

// NewDatabase returns a token database reading from the provided chainstate
// database.
func NewDatabase(db *leveldb.DB) *Database {
	return &Database{db: db}
}

func (d *Database) fetch(key string) ([]byte, error) {
	value, err := d.db.Get([]byte(key), nil)
	if err == ldberrors.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// cacheEntry tracks a raw value along with whether it differs from the
// database.  A nil value with modified set is a pending deletion.
type cacheEntry struct {
	value    []byte
	modified bool
}

// Cache is the tip layer of the token state stack.  It mirrors the utxo tip
// cache: entries accumulate in memory and are appended to the same database
// batch the utxo cache flushes with, so both states commit atomically.
type Cache struct {
	mtx     sync.Mutex
	db      *Database
	entries map[string]*cacheEntry
}

// NewCache returns a token cache on top of the provided database layer.
func NewCache(db *Database) *Cache {
	return &Cache{
		db:      db,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *Cache) fetch(key string) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.fetchLocked(key)
}

func (c *Cache) fetchLocked(key string) ([]byte, error) {
	if entry, ok := c.entries[key]; ok {
		return entry.value, nil
	}
	value, err := c.db.fetch(key)
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cacheEntry{value: value}
	return value, nil
}

// Commit applies all modified entries of the provided view to the cache and
// resets the view.  The cache absorbs deletions as tombstones until the next
// flush.
func (c *Cache) Commit(view *View) {
	c.mtx.Lock()
	for key, entry := range view.entries {
		if !entry.modified {
			continue
		}
		c.entries[key] = &cacheEntry{value: entry.value, modified: true}
	}
	c.mtx.Unlock()
	view.entries = make(map[string]*viewEntry)
}

// AppendToBatch adds every modified entry to the provided database batch and
// marks them clean.  The caller is responsible for writing the batch; it must
// be the same batch that carries the utxo flush so the two states land
// atomically.
func (c *Cache) AppendToBatch(batch *leveldb.Batch) {
	c.mtx.Lock()
	for key, entry := range c.entries {
		if !entry.modified {
			continue
		}
		if entry.value == nil {
			batch.Delete([]byte(key))
		} else {
			batch.Put([]byte(key), entry.value)
		}
		entry.modified = false
	}
	c.mtx.Unlock()
}

// Clear drops all cached entries.  The flush path does not call it: the token
// cache keeps its entries when the utxo cache is cleared after an over-budget
// flush.
func (c *Cache) Clear() {
	c.mtx.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mtx.Unlock()
}

// viewEntry is an overlay value in a per-block view.
type viewEntry struct {
	value    []byte
	modified bool
}

// UndoEntry records the prior raw value of a single token table key so a
// block's token mutations can be reversed exactly.
type UndoEntry struct {
	Key      string
	HadValue bool
	Value    []byte
}

// UndoRecord accumulates the undo entries for one connected block, in
// application order.
type UndoRecord struct {
	Entries []UndoEntry
}

// View is a short-lived overlay over the token state used while connecting or
// disconnecting a single block.  Nothing is visible to other layers until the
// view is committed to the cache.
type View struct {
	back    backing
	entries map[string]*viewEntry
}

// NewView returns an empty view on top of the provided backing layer.
func NewView(back backing) *View {
	return &View{
		back:    back,
		entries: make(map[string]*viewEntry),
	}
}

func (v *View) fetch(key string) ([]byte, error) {
	if entry, ok := v.entries[key]; ok {
		return entry.value, nil
	}
	value, err := v.back.fetch(key)
	if err != nil {
		return nil, err
	}
	v.entries[key] = &viewEntry{value: value}
	return value, nil
}

// put sets the raw value for a key in the overlay, recording the prior value
// in the undo record.  A nil value deletes the key.
func (v *View) put(key string, value []byte, undo *UndoRecord) error {
	prev, err := v.fetch(key)
	if err != nil {
		return err
	}
	if undo != nil {
		undo.Entries = append(undo.Entries, UndoEntry{
			Key:      key,
			HadValue: prev != nil,
			Value:    prev,
		})
	}
	v.entries[key] = &viewEntry{value: value, modified: true}
	return nil
}

// FetchIssuance returns the issuance record for a token name, or nil when the
// name has not been issued.
func (v *View) FetchIssuance(name string) (*Issuance, error) {
	value, err := v.fetch(issuanceKey(name))
	if err != nil || value == nil {
		return nil, err
	}
	return deserializeIssuance(value)
}

// FetchBalance returns the number of units of the named token held by the
// provided script key.
func (v *View) FetchBalance(name string, key ScriptKey) (int64, error) {
	value, err := v.fetch(balanceKey(name, key))
	if err != nil || value == nil {
		return 0, err
	}
	return deserializeInt64(value)
}

// FetchOwner returns the script key holding the ownership record for a name
// and whether one exists.
func (v *View) FetchOwner(name string) (ScriptKey, bool, error) {
	var key ScriptKey
	value, err := v.fetch(ownerKey(name))
	if err != nil || value == nil {
		return key, false, err
	}
	copy(key[:], value)
	return key, true, nil
}

// HasQualifier returns whether the provided script key holds the qualifier
// tag.
func (v *View) HasQualifier(tag string, key ScriptKey) (bool, error) {
	value, err := v.fetch(qualifierKey(tag, key))
	return value != nil, err
}

// IsFrozen returns whether the provided script key is frozen for the named
// restricted token.
func (v *View) IsFrozen(name string, key ScriptKey) (bool, error) {
	value, err := v.fetch(freezeKey(name, key))
	return value != nil, err
}

// IsGloballyFrozen returns whether the named restricted token is frozen for
// all addresses.
func (v *View) IsGloballyFrozen(name string) (bool, error) {
	value, err := v.fetch(globalFreezeKey(name))
	return value != nil, err
}

// FetchVerifier returns the verifier string for a restricted token.  An empty
// string means no verifier has been installed and all addresses qualify.
func (v *View) FetchVerifier(name string) (string, error) {
	value, err := v.fetch(verifierKey(name))
	if err != nil || value == nil {
		return "", err
	}
	return string(value), nil
}

// creditBalance adds units to a holder's balance.
func (v *View) creditBalance(name string, key ScriptKey, amount int64, undo *UndoRecord) error {
	balance, err := v.FetchBalance(name, key)
	if err != nil {
		return err
	}
	if balance+amount < balance || balance+amount > MaxUnits {
		return ruleError(ErrBalanceOverflow, fmt.Sprintf("crediting %d "+
			"units of %s to holder overflows balance %d", amount, name,
			balance))
	}
	return v.put(balanceKey(name, key), serializeInt64(balance+amount), undo)
}

// debitBalance removes units from a holder's balance, deleting the entry when
// it reaches zero.
func (v *View) debitBalance(name string, key ScriptKey, amount int64, undo *UndoRecord) error {
	balance, err := v.FetchBalance(name, key)
	if err != nil {
		return err
	}
	if balance < amount {
		return ruleError(ErrInsufficientBalance, fmt.Sprintf("holder has "+
			"%d units of %s, tried to move %d", balance, name, amount))
	}
	if balance == amount {
		return v.put(balanceKey(name, key), nil, undo)
	}
	return v.put(balanceKey(name, key), serializeInt64(balance-amount), undo)
}

// checkRestrictedRecipient enforces freezes and the verifier string for a
// restricted token credit.
func (v *View) checkRestrictedRecipient(name string, key ScriptKey) error {
	frozen, err := v.IsGloballyFrozen(name)
	if err != nil {
		return err
	}
	if frozen {
		return ruleError(ErrGloballyFrozen, fmt.Sprintf("restricted token "+
			"%s is globally frozen", name))
	}
	frozen, err = v.IsFrozen(name, key)
	if err != nil {
		return err
	}
	if frozen {
		return ruleError(ErrFrozenAddress, fmt.Sprintf("recipient is "+
			"frozen for restricted token %s", name))
	}

	// The verifier string is a conjunction of required qualifier tags.  The
	// literal "true" (or an absent verifier) admits every address.
	verifier, err := v.FetchVerifier(name)
	if err != nil {
		return err
	}
	if verifier == "" || verifier == "true" {
		return nil
	}
	for _, tag := range strings.Split(verifier, "&") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		has, err := v.HasQualifier(tag, key)
		if err != nil {
			return err
		}
		if !has {
			return ruleError(ErrMissingQualifier, fmt.Sprintf("recipient "+
				"lacks qualifier %s required by restricted token %s", tag,
				name))
		}
	}
	return nil
}

// ConnectOutput applies the token mutation carried by a newly created output
// paying to the provided script key.  The authorized flag reports whether the
// transaction spends the ownership token for privileged operations; it is
// ignored for plain transfers.  All prior values are recorded in the undo
// record in application order.
func (v *View) ConnectOutput(p *Payload, key ScriptKey, height int32, authorized bool, undo *UndoRecord) error {
	switch p.Type {
	case TypeIssue:
		existing, err := v.FetchIssuance(p.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return ruleError(ErrDuplicateIssuance, fmt.Sprintf("token %s "+
				"already issued", p.Name))
		}
		record := &Issuance{
			Units:        p.Amount,
			Divisibility: p.Divisibility,
			Reissuable:   p.Reissuable,
			IPFS:         p.IPFS,
			BlockHeight:  height,
		}
		err = v.put(issuanceKey(p.Name), serializeIssuance(record), undo)
		if err != nil {
			return err
		}
		return v.creditBalance(p.Name, key, p.Amount, undo)

	case TypeReissue:
		if !authorized {
			return ruleError(ErrNotOwner, fmt.Sprintf("reissuance of %s "+
				"does not spend its ownership token", p.Name))
		}
		record, err := v.FetchIssuance(p.Name)
		if err != nil {
			return err
		}
		if record == nil {
			return ruleError(ErrUnknownToken, fmt.Sprintf("reissuance of "+
				"unissued token %s", p.Name))
		}
		if !record.Reissuable {
			return ruleError(ErrNotReissuable, fmt.Sprintf("token %s is "+
				"not reissuable", p.Name))
		}
		if record.Units+p.Amount < record.Units ||
			record.Units+p.Amount > MaxUnits {

			return ruleError(ErrBalanceOverflow, fmt.Sprintf("reissuing "+
				"%d units of %s exceeds the maximum supply", p.Amount,
				p.Name))
		}
		updated := *record
		updated.Units += p.Amount
		if p.Divisibility > updated.Divisibility {
			updated.Divisibility = p.Divisibility
		}
		if len(p.IPFS) > 0 {
			updated.IPFS = p.IPFS
		}
		err = v.put(issuanceKey(p.Name), serializeIssuance(&updated), undo)
		if err != nil {
			return err
		}
		return v.creditBalance(p.Name, key, p.Amount, undo)

	case TypeTransfer:
		if IsRestrictedName(p.Name) {
			if err := v.checkRestrictedRecipient(p.Name, key); err != nil {
				return err
			}
		}
		return v.creditBalance(p.Name, key, p.Amount, undo)

	case TypeOwnership:
		return v.put(ownerKey(p.Name), key[:], undo)

	case TypeQualifier:
		if !authorized {
			return ruleError(ErrNotOwner, fmt.Sprintf("qualifier change "+
				"for %s does not spend its ownership token", p.Name))
		}
		if !p.Flag {
			return v.put(qualifierKey(p.Name, key), nil, undo)
		}
		return v.put(qualifierKey(p.Name, key), []byte{1}, undo)

	case TypeFreeze:
		if !authorized {
			return ruleError(ErrNotOwner, fmt.Sprintf("freeze change for "+
				"%s does not spend its ownership token", p.Name))
		}
		if !p.Flag {
			return v.put(freezeKey(p.Name, key), nil, undo)
		}
		return v.put(freezeKey(p.Name, key), []byte{1}, undo)

	case TypeGlobalFreeze:
		if !authorized {
			return ruleError(ErrNotOwner, fmt.Sprintf("global freeze "+
				"change for %s does not spend its ownership token", p.Name))
		}
		if !p.Flag {
			return v.put(globalFreezeKey(p.Name), nil, undo)
		}
		return v.put(globalFreezeKey(p.Name), []byte{1}, undo)

	case TypeVerifier:
		if !authorized {
			return ruleError(ErrNotOwner, fmt.Sprintf("verifier change "+
				"for %s does not spend its ownership token", p.Name))
		}
		return v.put(verifierKey(p.Name), []byte(p.Verifier), undo)
	}

	return ruleError(ErrBadPayload, fmt.Sprintf("unknown token payload "+
		"type %d", p.Type))
}

// SpendOutput applies the token effects of consuming an output that carries a
// token payload.  Transfers and issuances debit the holder's balance;
// spending an ownership token clears the owner record until the
// corresponding output of the spending transaction reinstates it.
func (v *View) SpendOutput(p *Payload, key ScriptKey, undo *UndoRecord) error {
	switch p.Type {
	case TypeTransfer, TypeIssue, TypeReissue:
		return v.debitBalance(p.Name, key, p.Amount, undo)

	case TypeOwnership:
		return v.put(ownerKey(p.Name), nil, undo)
	}

	// Qualifier, freeze, and verifier payloads carry no balance.
	return nil
}

// ApplyUndo reverses a block's token mutations by restoring the recorded
// prior values in reverse order.
func (v *View) ApplyUndo(undo *UndoRecord) error {
	for i := len(undo.Entries) - 1; i >= 0; i-- {
		entry := &undo.Entries[i]
		value := entry.Value
		if !entry.HadValue {
			value = nil
		}
		v.entries[entry.Key] = &viewEntry{value: value, modified: true}
	}
	return nil
}

// SerializeUndo encodes the undo record for storage next to the block's spend
// journal.
func SerializeUndo(undo *UndoRecord) []byte {
	var buf bytes.Buffer
	wire.WriteVarInt(&buf, 0, uint64(len(undo.Entries)))
	for i := range undo.Entries {
		entry := &undo.Entries[i]
		wire.WriteVarString(&buf, 0, entry.Key)
		buf.WriteByte(boolByte(entry.HadValue))
		wire.WriteVarBytes(&buf, 0, entry.Value)
	}
	return buf.Bytes()
}

// DeserializeUndo decodes an undo record produced by SerializeUndo.
func DeserializeUndo(serialized []byte) (*UndoRecord, error) {
	r := bytes.NewReader(serialized)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	undo := &UndoRecord{Entries: make([]UndoEntry, 0, count)}
	for i := uint64(0); i < count; i++ {
		var entry UndoEntry
		entry.Key, err = wire.ReadVarString(r, 0)
		if err != nil {
			return nil, err
		}
		hadValue, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		entry.HadValue = hadValue != 0
		entry.Value, err = wire.ReadVarBytes(r, 0, 1<<20, "token undo value")
		if err != nil {
			return nil, err
		}
		undo.Entries = append(undo.Entries, entry)
	}
	return undo, nil
}
