// Copyright 2024 The gocoreeth Authors
// This file is part of the gocoreeth library.
//
// The gocoreeth library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gocoreeth library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gocoreeth library. If not, see <http://www.gnu.org/licenses/>.

// Package eth implements the ETH wire protocol: the STATUS handshake,
// block/header/body/receipt request-response pairs, and transaction
// announcement/retrieval (§4.5).
package eth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocoreeth/gocoreeth/core/types"
)

// Protocol versions supported locally (§4.5: reqId-tagged framing
// from eth/66 on).
const (
	ETH66 = 66
	ETH67 = 67
	ETH68 = 68
)

var ProtocolVersions = []uint{ETH68, ETH67, ETH66}

// ProtocolName is the HELLO capability name advertised for this
// sub-protocol.
const ProtocolName = "eth"

// protocolLengths maps each version to the number of message codes it
// reserves starting at its negotiated offset (§4.3, §4.5).
var protocolLengths = map[uint]uint64{ETH66: 17, ETH67: 17, ETH68: 17}

const protocolMaxMsgSize = 10 * 1024 * 1024

// Message codes (§4.5 STATUS is code 0x00 within the eth range).
const (
	StatusMsg                     = 0x00
	NewBlockHashesMsg              = 0x01
	TransactionsMsg                 = 0x02
	GetBlockHeadersMsg              = 0x03
	BlockHeadersMsg                  = 0x04
	GetBlockBodiesMsg                 = 0x05
	BlockBodiesMsg                    = 0x06
	NewBlockMsg                        = 0x07
	NewPooledTransactionHashesMsg        = 0x08
	GetPooledTransactionsMsg              = 0x09
	PooledTransactionsMsg                   = 0x0a
	GetReceiptsMsg                          = 0x0f
	ReceiptsMsg                              = 0x10
)

// Limits (§4.5 bit-exact).
const (
	maxHeadersServe      = 100  // maxPerRequest
	maxBodiesServe       = 100
	maxReceiptsServe     = 2 * 1024 * 1024 // bytes
	maxTxHashesAnnounce  = 4096
)

// StatusPacket is the STATUS handshake payload (§4.5).
type StatusPacket struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *big.Int
	Head            common.Hash
	Genesis         common.Hash
	ForkID          ForkID
}

// ForkID identifies the local chain's hardfork history (EIP-2124),
// keeping a hash-based identifier for early rejection of incompatible
// peers (§4.5, glossary "Fork id").
type ForkID struct {
	Hash [4]byte
	Next uint64
}

// HashOrNumber selects a GetBlockHeaders starting point by either hash
// or number, matching the upstream RLP encoding where exactly one of
// the two is populated.
type HashOrNumber struct {
	Hash   common.Hash
	Number uint64
}

// GetBlockHeadersPacket requests a header chain (§4.5 message table).
type GetBlockHeadersPacket struct {
	Origin  HashOrNumber
	Amount  uint64
	Skip    uint64
	Reverse bool
}

type GetBlockHeadersRequest struct {
	RequestId uint64
	*GetBlockHeadersPacket
}

type BlockHeadersPacket struct {
	RequestId uint64
	Headers   []*types.Header
}

type GetBlockBodiesRequest struct {
	RequestId uint64
	Hashes    []common.Hash
}

type BlockBodiesPacket struct {
	RequestId uint64
	Bodies    []*types.Body
}

type GetPooledTransactionsRequest struct {
	RequestId uint64
	Hashes    []common.Hash
}

type PooledTransactionsPacket struct {
	RequestId uint64
	Txs       []*types.Transaction
}

type GetReceiptsRequest struct {
	RequestId uint64
	Hashes    []common.Hash
}

type ReceiptsPacket struct {
	RequestId uint64
	Receipts  [][]*types.Receipt
}

// NewBlockHashesPacket announces new block hashes without their
// bodies (§4.5 message table).
type NewBlockHashesPacket []struct {
	Hash   common.Hash
	Number uint64
}

// NewBlockPacket gossips a full block with its claimed total
// difficulty (§4.5).
type NewBlockPacket struct {
	Block *types.Block
	TD    *big.Int
}

// TransactionsPacket gossips full transactions (§4.5).
type TransactionsPacket []*types.Transaction

// NewPooledTransactionHashesPacket announces hash-only transactions,
// capped at maxTxHashesAnnounce entries (§4.5 Limits).
type NewPooledTransactionHashesPacket struct {
	Types  []byte
	Sizes  []uint32
	Hashes []common.Hash
}
