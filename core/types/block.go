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

package types

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// Header is the pre-Merge Ethash block header. The Executor port fills
// Root/ReceiptHash/Bloom/GasUsed after running the block; the core
// never computes them.
type Header struct {
	ParentHash  common.Hash    `json:"parentHash"`
	UncleHash   common.Hash    `json:"sha3Uncles"`
	Coinbase    common.Address `json:"miner"`
	Root        common.Hash    `json:"stateRoot"`
	TxHash      common.Hash    `json:"transactionsRoot"`
	ReceiptHash common.Hash    `json:"receiptsRoot"`
	Bloom       [256]byte      `json:"logsBloom"`
	Difficulty  *big.Int       `json:"difficulty"`
	Number      *big.Int       `json:"number"`
	GasLimit    uint64         `json:"gasLimit"`
	GasUsed     uint64         `json:"gasUsed"`
	Time        uint64         `json:"timestamp"`
	Extra       []byte         `json:"extraData"`
	MixDigest   common.Hash    `json:"mixHash"`
	Nonce       BlockNonce     `json:"nonce"`
}

// BlockNonce is the 64-bit Ethash solution nonce.
type BlockNonce [8]byte

func EncodeNonce(i uint64) (n BlockNonce) {
	for x := 0; x < 8; x++ {
		n[x] = byte(i >> (56 - 8*x))
	}
	return n
}

func (n BlockNonce) Uint64() uint64 {
	var v uint64
	for x := 0; x < 8; x++ {
		v = v<<8 | uint64(n[x])
	}
	return v
}

func (h *Header) Hash() common.Hash { return rlpHash(h) }

func CopyHeader(h *Header) *Header {
	cp := *h
	if h.Difficulty != nil {
		cp.Difficulty = new(big.Int).Set(h.Difficulty)
	}
	if h.Number != nil {
		cp.Number = new(big.Int).Set(h.Number)
	}
	if len(h.Extra) > 0 {
		cp.Extra = common.CopyBytes(h.Extra)
	}
	return &cp
}

// Body is the network-level payload transported alongside a header:
// transactions and uncles. Receipts travel in a separate message.
type Body struct {
	Transactions []*Transaction
	Uncles       []*Header
}

// Block bundles a header with its body. TD is carried alongside blocks
// announced over NewBlock but is not part of the RLP-encoded block
// itself.
type Block struct {
	header       *Header
	transactions Transactions
	uncles       []*Header

	hash atomic.Pointer[common.Hash]
	size atomic.Uint64
}

func NewBlock(header *Header, txs []*Transaction, uncles []*Header) *Block {
	b := &Block{header: CopyHeader(header)}
	if len(txs) == 0 {
		b.header.TxHash = EmptyTxHash
	} else {
		b.transactions = make(Transactions, len(txs))
		copy(b.transactions, txs)
	}
	b.uncles = make([]*Header, len(uncles))
	for i, u := range uncles {
		b.uncles[i] = CopyHeader(u)
	}
	return b
}

// EmptyTxHash is the root hash of an RLP list with zero items, the
// TxHash/UncleHash value of a block with no transactions or uncles.
var EmptyTxHash = rlpHash([]interface{}{})

func NewBlockWithHeader(header *Header) *Block { return &Block{header: CopyHeader(header)} }

func (b *Block) Header() *Header             { return CopyHeader(b.header) }
func (b *Block) Number() *big.Int            { return new(big.Int).Set(b.header.Number) }
func (b *Block) NumberU64() uint64           { return b.header.Number.Uint64() }
func (b *Block) Difficulty() *big.Int        { return new(big.Int).Set(b.header.Difficulty) }
func (b *Block) Time() uint64                { return b.header.Time }
func (b *Block) ParentHash() common.Hash     { return b.header.ParentHash }
func (b *Block) Transactions() Transactions  { return b.transactions }
func (b *Block) Uncles() []*Header           { return b.uncles }
func (b *Block) Body() *Body                 { return &Body{Transactions: b.transactions, Uncles: b.uncles} }
func (b *Block) GasLimit() uint64            { return b.header.GasLimit }
func (b *Block) GasUsed() uint64             { return b.header.GasUsed }

func (b *Block) Hash() common.Hash {
	if h := b.hash.Load(); h != nil {
		return *h
	}
	h := b.header.Hash()
	b.hash.Store(&h)
	return h
}

// WithBody returns a copy of the block with the given body attached,
// used when assembling a block from a separately fetched header and
// body (§4.9 Synchronizer step 5).
func (b *Block) WithBody(body *Body) *Block {
	cp := &Block{header: CopyHeader(b.header)}
	cp.transactions = make(Transactions, len(body.Transactions))
	copy(cp.transactions, body.Transactions)
	cp.uncles = make([]*Header, len(body.Uncles))
	for i, u := range body.Uncles {
		cp.uncles[i] = CopyHeader(u)
	}
	return cp
}

// WithSeal replaces the header's nonce and mix digest, used by the
// miner once Ethash has produced a solution (§4.10 step 5).
func (b *Block) WithSeal(nonce BlockNonce, mixDigest common.Hash) *Block {
	cp := CopyHeader(b.header)
	cp.Nonce = nonce
	cp.MixDigest = mixDigest
	return &Block{header: cp, transactions: b.transactions, uncles: b.uncles}
}

// Receipt is the minimal transaction receipt shape needed by the
// GetReceipts/Receipts wire messages; the Executor port produces real
// receipts with logs and status during execution.
type Receipt struct {
	Status            uint64
	CumulativeGasUsed uint64
	Bloom             [256]byte
	TxHash            common.Hash
	GasUsed           uint64
}

type Receipts []*Receipt
