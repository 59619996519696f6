// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tokens

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// PayloadType describes the token operation a script payload encodes.
type PayloadType uint8

// The available payload types.  The values are serialized in scripts and must
// not change.
const (
	// TypeTransfer moves units of an existing token between scripts.
	TypeTransfer PayloadType = 1

	// TypeIssue creates a new token along with its ownership token.
	TypeIssue PayloadType = 2

	// TypeReissue adds units to an existing reissuable token and may
	// update its metadata.
	TypeReissue PayloadType = 3

	// TypeOwnership carries the ownership token for a name.  Holding the
	// coin bearing this payload is what authorizes reissuance and
	// restricted-token administration.
	TypeOwnership PayloadType = 4

	// TypeQualifier grants or revokes a qualifier tag for the address the
	// carrying output pays to.
	TypeQualifier PayloadType = 5

	// TypeFreeze freezes or unfreezes a single address for a restricted
	// token.
	TypeFreeze PayloadType = 6

	// TypeGlobalFreeze freezes or unfreezes a restricted token for all
	// addresses.
	TypeGlobalFreeze PayloadType = 7

	// TypeVerifier installs the verifier string for a restricted token.
	TypeVerifier PayloadType = 8
)

const (
	// payloadMarker is the script opcode that introduces a token payload.
	// Everything from the marker to the end of the script is the payload
	// envelope and is not part of the executable script.
	payloadMarker = 0xc0

	// payloadTag is the magic prefix inside the payload push.
	payloadTag = "emb"

	// MaxUnits is the maximum number of token units that may ever exist
	// for a single name.
	MaxUnits = int64(21_000_000_000) * 1e8

	// MaxNameLen is the longest permitted token name, including any type
	// prefix and ownership suffix.
	MaxNameLen = 32

	// MaxVerifierLen is the longest permitted verifier string.
	MaxVerifierLen = 80

	// MaxIPFSLen is the longest permitted metadata hash attached to an
	// issuance or reissuance.
	MaxIPFSLen = 40
)

// Payload is the decoded token operation carried by a transaction output
// script.
type Payload struct {
	Type         PayloadType
	Name         string
	Amount       int64
	Divisibility uint8
	Reissuable   bool
	IPFS         []byte
	Flag         bool   // set/clear for qualifier and freeze types
	Verifier     string // only for TypeVerifier
}

// rootNameRE matches the grammar for root token names.  Sub-token segments
// after a '/' follow the same grammar.
var rootNameRE = regexp.MustCompile(`^[A-Z0-9._]{3,}$`)

// CheckName returns an error when the provided token name does not conform to
// the name grammar.  Restricted names carry a '$' prefix, qualifier names a
// '#' prefix, and ownership names a '!' suffix.
func CheckName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return ruleError(ErrBadTokenName, fmt.Sprintf("token name %q has "+
			"invalid length %d", name, len(name)))
	}

	base := name
	switch base[0] {
	case '$', '#':
		base = base[1:]
	}
	base = strings.TrimSuffix(base, "!")
	for _, segment := range strings.Split(base, "/") {
		if !rootNameRE.MatchString(segment) {
			return ruleError(ErrBadTokenName, fmt.Sprintf("token name %q "+
				"contains invalid segment %q", name, segment))
		}
	}
	return nil
}

// IsRestrictedName returns whether the token name identifies a restricted
// token.
func IsRestrictedName(name string) bool {
	return len(name) > 0 && name[0] == '$'
}

// IsQualifierName returns whether the token name identifies a qualifier tag.
func IsQualifierName(name string) bool {
	return len(name) > 0 && name[0] == '#'
}

// IsOwnershipName returns whether the token name identifies an ownership
// token.
func IsOwnershipName(name string) bool {
	return strings.HasSuffix(name, "!")
}

// OwnershipName returns the ownership token name for the provided token name.
func OwnershipName(name string) string {
	name = RootName(name)
	if !strings.HasSuffix(name, "!") {
		name += "!"
	}
	return name
}

// RootName returns the root token name the provided name derives from:
// sub-token names drop their '/' suffix and restricted and qualifier names
// their type prefix.  Root names are returned unchanged.
func RootName(name string) string {
	switch {
	case len(name) > 0 && (name[0] == '$' || name[0] == '#'):
		name = name[1:]
	}
	if idx := strings.IndexByte(name, '/'); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSuffix(name, "!")
}

// Serialize encodes the payload into the canonical byte form stored inside
// the script envelope.
func (p *Payload) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString(payloadTag)
	buf.WriteByte(byte(p.Type))
	wire.WriteVarString(&buf, 0, p.Name)
	switch p.Type {
	case TypeTransfer, TypeOwnership:
		writeInt64(&buf, p.Amount)

	case TypeIssue, TypeReissue:
		writeInt64(&buf, p.Amount)
		buf.WriteByte(p.Divisibility)
		buf.WriteByte(boolByte(p.Reissuable))
		wire.WriteVarBytes(&buf, 0, p.IPFS)

	case TypeQualifier, TypeFreeze, TypeGlobalFreeze:
		buf.WriteByte(boolByte(p.Flag))

	case TypeVerifier:
		wire.WriteVarString(&buf, 0, p.Verifier)
	}
	return buf.Bytes()
}

// DecodePayload decodes the canonical byte form of a token payload.
func DecodePayload(serialized []byte) (*Payload, error) {
	if len(serialized) < len(payloadTag)+1 ||
		string(serialized[:len(payloadTag)]) != payloadTag {

		return nil, ruleError(ErrBadPayload, "token payload missing magic tag")
	}

	r := bytes.NewReader(serialized[len(payloadTag):])
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, ruleError(ErrBadPayload, "token payload truncated")
	}

	p := &Payload{Type: PayloadType(typeByte)}
	p.Name, err = wire.ReadVarString(r, 0)
	if err != nil {
		return nil, ruleError(ErrBadPayload, "token payload name truncated")
	}
	if err := CheckName(p.Name); err != nil {
		return nil, err
	}

	switch p.Type {
	case TypeTransfer, TypeOwnership:
		p.Amount, err = readInt64(r)

	case TypeIssue, TypeReissue:
		p.Amount, err = readInt64(r)
		if err == nil {
			var div, reissue byte
			div, err = r.ReadByte()
			if err == nil {
				reissue, err = r.ReadByte()
				p.Divisibility = div
				p.Reissuable = reissue != 0
			}
			if err == nil {
				p.IPFS, err = wire.ReadVarBytes(r, 0, MaxIPFSLen, "ipfs")
				if len(p.IPFS) == 0 {
					p.IPFS = nil
				}
			}
		}

	case TypeQualifier, TypeFreeze, TypeGlobalFreeze:
		var flag byte
		flag, err = r.ReadByte()
		p.Flag = flag != 0

	case TypeVerifier:
		p.Verifier, err = wire.ReadVarString(r, 0)
		if err == nil && len(p.Verifier) > MaxVerifierLen {
			return nil, ruleError(ErrBadPayload, "verifier string too long")
		}

	default:
		return nil, ruleError(ErrBadPayload, fmt.Sprintf("unknown token "+
			"payload type %d", typeByte))
	}
	if err != nil {
		return nil, ruleError(ErrBadPayload, "token payload truncated")
	}

	if p.Amount < 0 || p.Amount > MaxUnits {
		return nil, ruleError(ErrBadPayload, fmt.Sprintf("token amount %d "+
			"out of range", p.Amount))
	}
	if p.Divisibility > 8 {
		return nil, ruleError(ErrBadPayload, fmt.Sprintf("token "+
			"divisibility %d out of range", p.Divisibility))
	}

	return p, nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	for i := uint(0); i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	var v int64
	for i := uint(0); i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
