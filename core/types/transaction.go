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

// Package types defines the wire-level block, header and transaction
// shapes shared by the p2p, eth and txpool layers. Execution semantics
// (state transition, trie roots, receipts) live behind the chain ports
// and are not implemented here.
package types

import (
	"io"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gocoreeth/gocoreeth/internal/rlputil"
)

// Transaction is a Frontier-style legacy transaction: the core only
// needs to gossip, pool and include transactions, never to execute
// them, so EIP-1559 and typed envelopes are left for a future
// extension of this port.
type Transaction struct {
	inner txdata
	time  int64 // unix nanos; copied by SignTx, otherwise never set, and not read by the pool

	// caches
	hash atomic.Pointer[common.Hash]
	size atomic.Uint64
	from atomic.Pointer[sigCache]
}

type sigCache struct {
	signer Signer
	from   common.Address
}

type txdata struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	Data     []byte
	V, R, S  *big.Int
}

// NewTx wraps the legacy fields into a Transaction. The caller supplies
// the signature directly; use SignTx to produce a signed transaction
// from a signer and private key.
func NewTx(nonce uint64, to *common.Address, value, gasPrice *big.Int, gas uint64, data []byte) *Transaction {
	return &Transaction{inner: txdata{
		Nonce:    nonce,
		To:       to,
		Value:    new(big.Int).Set(value),
		GasPrice: new(big.Int).Set(gasPrice),
		Gas:      gas,
		Data:     common.CopyBytes(data),
		V:        new(big.Int),
		R:        new(big.Int),
		S:        new(big.Int),
	}}
}

func (tx *Transaction) Nonce() uint64         { return tx.inner.Nonce }
func (tx *Transaction) Gas() uint64           { return tx.inner.Gas }
func (tx *Transaction) GasPrice() *big.Int    { return new(big.Int).Set(tx.inner.GasPrice) }
func (tx *Transaction) Value() *big.Int       { return new(big.Int).Set(tx.inner.Value) }
func (tx *Transaction) Data() []byte          { return tx.inner.Data }
func (tx *Transaction) To() *common.Address   { return copyAddr(tx.inner.To) }
func (tx *Transaction) RawSignatureValues() (v, r, s *big.Int) {
	return tx.inner.V, tx.inner.R, tx.inner.S
}

// GasTipCap and GasFeeCap let the pool treat legacy transactions
// uniformly with the effective-tip math described by the spec, even
// though legacy txs carry a single gas price rather than separate
// tip/fee caps.
func (tx *Transaction) GasTipCap() *big.Int { return tx.GasPrice() }
func (tx *Transaction) GasFeeCap() *big.Int { return tx.GasPrice() }

// EffectiveGasTip returns the tip a transaction pays given a base fee;
// legacy transactions pay their full gas price as tip once the base
// fee is subtracted, floored at zero.
func (tx *Transaction) EffectiveGasTip(baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return tx.GasPrice()
	}
	tip := new(big.Int).Sub(tx.GasPrice(), baseFee)
	if tip.Sign() < 0 {
		tip.SetInt64(0)
	}
	return tip
}

// Cost returns value + gasPrice*gasLimit, the upper bound on balance a
// sender must have for the transaction to be admissible.
func (tx *Transaction) Cost() *big.Int {
	total := new(big.Int).Mul(tx.inner.GasPrice, new(big.Int).SetUint64(tx.inner.Gas))
	total.Add(total, tx.inner.Value)
	return total
}

func copyAddr(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// Hash returns the keccak256 hash of the RLP encoding of the
// transaction, cached after first computation.
func (tx *Transaction) Hash() common.Hash {
	if h := tx.hash.Load(); h != nil {
		return *h
	}
	h := rlpHash(&tx.inner)
	tx.hash.Store(&h)
	return h
}

// Size returns the RLP-encoded storage size of the transaction,
// cached after first computation. It backs the pool's per-tx slot
// accounting (§4.7 validation rule 2).
func (tx *Transaction) Size() uint64 {
	if s := tx.size.Load(); s != 0 {
		return s
	}
	enc, _ := rlp.EncodeToBytes(&tx.inner)
	tx.size.Store(uint64(len(enc)))
	return uint64(len(enc))
}

func (tx *Transaction) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &tx.inner)
}

func (tx *Transaction) DecodeRLP(s *rlp.Stream) error {
	return s.Decode(&tx.inner)
}

func rlpHash(x interface{}) common.Hash { return rlputil.Hash(x) }

// Transactions is a list of transactions, satisfying the rlp.Encoder
// shape the body/message types need.
type Transactions []*Transaction

func (s Transactions) Len() int { return len(s) }

// Less and Swap order transactions by nonce ascending (core/txpool's
// per-sender sortedMap.Flatten relies on this).
func (s Transactions) Less(i, j int) bool { return s[i].Nonce() < s[j].Nonce() }
func (s Transactions) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// TxDifference returns the transactions present in a but absent from
// b, used by the pool's reorg-drop path (§4.7 Reorg handling).
func TxDifference(a, b Transactions) Transactions {
	keep := make(Transactions, 0, len(a))
	remove := make(map[common.Hash]struct{}, len(b))
	for _, tx := range b {
		remove[tx.Hash()] = struct{}{}
	}
	for _, tx := range a {
		if _, ok := remove[tx.Hash()]; !ok {
			keep = append(keep, tx)
		}
	}
	return keep
}
