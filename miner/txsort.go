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

package miner

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/prque"
	"github.com/gocoreeth/gocoreeth/core/types"
)

// TxsByPriceAndNonce iterates over the pending transactions of every
// account in nonce order, always yielding the globally highest-priced
// head transaction next. It realizes TxPool.txsByPriceAndNonce (§4.10
// step 3): the pool hands it one nonce-sorted list per sender, and it
// is the miner's single source of transactions to try adding to a
// block.
type TxsByPriceAndNonce struct {
	txs   map[common.Address]types.Transactions
	heads *prque.Prque[int64, *txsByPriceHead]
}

type txsByPriceHead struct {
	tx     *types.Transaction
	sender common.Address
}

// NewTxsByPriceAndNonce copies the head of each sender's nonce-ordered
// list into a price-max-heap and retains the remainder to refill the
// heap as each sender's head is consumed.
func NewTxsByPriceAndNonce(pending map[common.Address]types.Transactions) *TxsByPriceAndNonce {
	txs := make(map[common.Address]types.Transactions, len(pending))
	heads := prque.New[int64, *txsByPriceHead](nil)
	for from, list := range pending {
		if len(list) == 0 {
			continue
		}
		heads.Push(&txsByPriceHead{tx: list[0], sender: from}, list[0].GasPrice().Int64())
		txs[from] = list[1:]
	}
	return &TxsByPriceAndNonce{txs: txs, heads: heads}
}

// Peek returns the transaction that would be returned by the next call
// to Pop, without consuming it.
func (t *TxsByPriceAndNonce) Peek() *types.Transaction {
	if t.heads.Empty() {
		return nil
	}
	head, _ := t.heads.Peek()
	return head.tx
}

// Shift replaces the just-consumed head of the highest-priced sender
// with that sender's next queued transaction, if any.
func (t *TxsByPriceAndNonce) Shift() {
	head, _ := t.heads.Pop()
	if rest, ok := t.txs[head.sender]; ok && len(rest) > 0 {
		t.heads.Push(&txsByPriceHead{tx: rest[0], sender: head.sender}, rest[0].GasPrice().Int64())
		t.txs[head.sender] = rest[1:]
	}
}

// Pop discards the entire remaining list for the highest-priced
// sender, used when that sender's head transaction turns out to be
// inadmissible (e.g. ErrGasLimitReached would not apply to other
// senders, but a nonce gap would).
func (t *TxsByPriceAndNonce) Pop() {
	head, _ := t.heads.Pop()
	delete(t.txs, head.sender)
}
