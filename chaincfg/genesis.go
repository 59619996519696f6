// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// genesisCoinbaseTx is the coinbase transaction for the genesis blocks for the
// main network and regression test network.  The signature script encodes the
// launch announcement headline in the usual fashion.
var genesisCoinbaseTx = wire.MsgTx{
	Version: 1,
	TxIn: []*wire.TxIn{{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: 0xffffffff,
		},
		SignatureScript: []byte{
			0x04, 0xff, 0xff, 0x00, 0x1d, 0x01, 0x04, 0x29, /* |...)| */
			0x45, 0x6d, 0x62, 0x65, 0x72, 0x20, 0x69, 0x67, /* |Ember ig| */
			0x6e, 0x69, 0x74, 0x65, 0x73, 0x20, 0x32, 0x30, /* |nites 20| */
			0x31, 0x39, 0x2d, 0x30, 0x31, 0x2d, 0x30, 0x33, /* |19-01-03| */
			0x20, 0x74, 0x6f, 0x6b, 0x65, 0x6e, 0x73, 0x20, /* | tokens | */
			0x66, 0x6f, 0x72, 0x20, 0x65, 0x76, 0x65, 0x72, /* |for ever| */
			0x79, 0x6f, 0x6e, 0x65, /* |yone| */
		},
		Sequence: 0xffffffff,
	}},
	TxOut: []*wire.TxOut{{
		Value: 0,
		PkScript: []byte{
			0x41, 0x04, 0x67, 0x8a, 0xfd, 0xb0, 0xfe, 0x55,
			0x48, 0x27, 0x19, 0x67, 0xf1, 0xa6, 0x71, 0x30,
			0xb7, 0x10, 0x5c, 0xd6, 0xa8, 0x28, 0xe0, 0x39,
			0x09, 0xa6, 0x79, 0x62, 0xe0, 0xea, 0x1f, 0x61,
			0xde, 0xb6, 0x49, 0xf6, 0xbc, 0x3f, 0x4c, 0xef,
			0x38, 0xc4, 0xf3, 0x55, 0x04, 0xe5, 0x1e, 0xc1,
			0x12, 0xde, 0x5c, 0x38, 0x4d, 0xf7, 0xba, 0x0b,
			0x8d, 0x57, 0x8a, 0x4c, 0x70, 0x2b, 0x6b, 0xf1,
			0x1d, 0x5f, 0xac, /* |_.| */
		},
	}},
	LockTime: 0,
}

// genesisMerkleRoot is the hash of the first transaction in the genesis block
// for the main network.
var genesisMerkleRoot = genesisCoinbaseTx.TxHash()

// genesisBlock defines the genesis block of the block chain which serves as
// the public transaction ledger for the main network.
var genesisBlock = wire.MsgBlock{
	Header: wire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{},
		MerkleRoot: genesisMerkleRoot,
		Timestamp:  time.Unix(1546473600, 0), // 2019-01-03 00:00:00 +0000 UTC
		Bits:       0x1e0fffff,
		Nonce:      0x18aea41a,
	},
	Transactions: []*wire.MsgTx{&genesisCoinbaseTx},
}

// regNetGenesisBlock defines the genesis block of the block chain which serves
// as the public transaction ledger for the regression test network.
var regNetGenesisBlock = wire.MsgBlock{
	Header: wire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{},
		MerkleRoot: genesisMerkleRoot,
		Timestamp:  time.Unix(1546473600, 0),
		Bits:       0x207fffff,
		Nonce:      0,
	},
	Transactions: []*wire.MsgTx{&genesisCoinbaseTx},
}
