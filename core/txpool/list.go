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

package txpool

import (
	"container/heap"
	"math"
	"math/big"
	"sort"

	"github.com/gocoreeth/gocoreeth/core/types"
)

// nonceHeap is a min-heap of transaction nonces, backing the ready
// sweep of a sorted nonce map.
type nonceHeap []uint64

func (h nonceHeap) Len() int            { return len(h) }
func (h nonceHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h nonceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nonceHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *nonceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// sortedMap holds one sender's transactions indexed by nonce, kept
// mergeable with the nonce heap so Ready()/Forward() stay O(n log n)
// instead of a full re-sort per call.
type sortedMap struct {
	items map[uint64]*types.Transaction
	index *nonceHeap
	cache types.Transactions
}

func newSortedMap() *sortedMap {
	return &sortedMap{
		items: make(map[uint64]*types.Transaction),
		index: new(nonceHeap),
	}
}

func (m *sortedMap) Get(nonce uint64) *types.Transaction { return m.items[nonce] }

func (m *sortedMap) Put(tx *types.Transaction) {
	nonce := tx.Nonce()
	if m.items[nonce] == nil {
		heap.Push(m.index, nonce)
	}
	m.items[nonce] = tx
	m.cache = nil
}

// Forward removes every transaction with nonce < threshold, returning
// them (used when a sender's on-chain nonce advances).
func (m *sortedMap) Forward(threshold uint64) types.Transactions {
	var removed types.Transactions
	for m.index.Len() > 0 && (*m.index)[0] < threshold {
		nonce := heap.Pop(m.index).(uint64)
		removed = append(removed, m.items[nonce])
		delete(m.items, nonce)
	}
	if removed != nil {
		m.cache = nil
	}
	return removed
}

// Filter removes and returns every transaction for which fn returns
// true (used to drop now-invalid transactions, e.g. insufficient
// balance, on promotion/demotion sweeps).
func (m *sortedMap) Filter(fn func(*types.Transaction) bool) types.Transactions {
	var removed types.Transactions
	for nonce, tx := range m.items {
		if fn(tx) {
			removed = append(removed, tx)
			delete(m.items, nonce)
		}
	}
	if removed != nil {
		*m.index = (*m.index)[:0]
		for nonce := range m.items {
			*m.index = append(*m.index, nonce)
		}
		heap.Init(m.index)
		m.cache = nil
	}
	return removed
}

// Cap drops transactions with the highest nonces until the list holds
// at most n entries (per-account pending slot cap).
func (m *sortedMap) Cap(n int) types.Transactions {
	if len(m.items) <= n {
		return nil
	}
	nonces := make([]uint64, 0, len(m.items))
	for nonce := range m.items {
		nonces = append(nonces, nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })

	var drop types.Transactions
	for _, nonce := range nonces[n:] {
		drop = append(drop, m.items[nonce])
		delete(m.items, nonce)
	}
	*m.index = (*m.index)[:0]
	for nonce := range m.items {
		*m.index = append(*m.index, nonce)
	}
	heap.Init(m.index)
	m.cache = nil
	return drop
}

// Ready returns, and removes, the longest sequence of transactions
// starting at start with strictly consecutive nonces (the pending-
// promotion sweep).
func (m *sortedMap) Ready(start uint64) types.Transactions {
	if m.index.Len() == 0 || (*m.index)[0] != start {
		return nil
	}
	var ready types.Transactions
	next := (*m.index)[0]
	for m.index.Len() > 0 && (*m.index)[0] == next {
		ready = append(ready, m.items[next])
		delete(m.items, next)
		heap.Pop(m.index)
		next++
	}
	m.cache = nil
	return ready
}

func (m *sortedMap) Len() int { return len(m.items) }

func (m *sortedMap) Remove(nonce uint64) bool {
	if _, ok := m.items[nonce]; !ok {
		return false
	}
	for i, n := range *m.index {
		if n == nonce {
			heap.Remove(m.index, i)
			break
		}
	}
	delete(m.items, nonce)
	m.cache = nil
	return true
}

// Flatten returns all transactions sorted by nonce ascending.
func (m *sortedMap) Flatten() types.Transactions {
	if m.cache == nil {
		m.cache = make(types.Transactions, 0, len(m.items))
		for _, tx := range m.items {
			m.cache = append(m.cache, tx)
		}
		sort.Sort(m.cache)
	}
	out := make(types.Transactions, len(m.cache))
	copy(out, m.cache)
	return out
}

func (m *sortedMap) LastElement() *types.Transaction {
	flat := m.Flatten()
	if len(flat) == 0 {
		return nil
	}
	return flat[len(flat)-1]
}

// list is the per-sender queue: a sortedMap plus the running
// gas/cost totals used for the O(1) overdraft pre-check.
type list struct {
	strict bool
	txs    *sortedMap

	costcap *big.Int
	gascap  uint64
}

func newList(strict bool) *list {
	return &list{
		strict:  strict,
		txs:     newSortedMap(),
		costcap: new(big.Int),
	}
}

func (l *list) Overlaps(tx *types.Transaction) bool { return l.txs.Get(tx.Nonce()) != nil }

// Add inserts tx, applying the price-bump replacement rule (§4.7):
// a transaction at an occupied nonce must beat the incumbent's gas
// price by at least priceBump percent to replace it.
func (l *list) Add(tx *types.Transaction, priceBump uint64) (bool, *types.Transaction) {
	old := l.txs.Get(tx.Nonce())
	if old != nil {
		oldPrice := old.GasPrice()
		threshold := new(big.Int).Div(new(big.Int).Mul(oldPrice, big.NewInt(int64(100+priceBump))), big.NewInt(100))
		if tx.GasPrice().Cmp(threshold) < 0 {
			return false, nil
		}
	}
	l.txs.Put(tx)
	if cost := tx.Cost(); l.costcap.Cmp(cost) < 0 {
		l.costcap = cost
	}
	if gas := tx.Gas(); l.gascap < gas {
		l.gascap = gas
	}
	return true, old
}

func (l *list) Forward(threshold uint64) types.Transactions { return l.txs.Forward(threshold) }

// Filter removes transactions whose cost exceeds costLimit or whose
// gas exceeds gasLimit, and, in strict mode, everything above the
// first gap this creates (pending lists cannot have gaps).
func (l *list) Filter(costLimit *big.Int, gasLimit uint64) (types.Transactions, types.Transactions) {
	if l.costcap.Cmp(costLimit) <= 0 && l.gascap <= gasLimit {
		return nil, nil
	}
	l.costcap = new(big.Int).Set(costLimit)
	l.gascap = gasLimit

	removed := l.txs.Filter(func(tx *types.Transaction) bool {
		return tx.Cost().Cmp(costLimit) > 0 || tx.Gas() > gasLimit
	})
	if !l.strict || len(removed) == 0 {
		return removed, nil
	}
	lowest := uint64(math.MaxUint64)
	for _, tx := range removed {
		if tx.Nonce() < lowest {
			lowest = tx.Nonce()
		}
	}
	invalids := l.txs.Filter(func(tx *types.Transaction) bool { return tx.Nonce() > lowest })
	return removed, invalids
}

func (l *list) Cap(n int) types.Transactions { return l.txs.Cap(n) }

func (l *list) Remove(tx *types.Transaction) (bool, types.Transactions) {
	nonce := tx.Nonce()
	if removed := l.txs.Remove(nonce); !removed {
		return false, nil
	}
	if l.strict {
		return true, l.txs.Filter(func(t *types.Transaction) bool { return t.Nonce() > nonce })
	}
	return true, nil
}

func (l *list) Ready(start uint64) types.Transactions { return l.txs.Ready(start) }
func (l *list) Len() int                              { return l.txs.Len() }
func (l *list) Empty() bool                            { return l.Len() == 0 }
func (l *list) Flatten() types.Transactions           { return l.txs.Flatten() }
func (l *list) LastElement() *types.Transaction       { return l.txs.LastElement() }
