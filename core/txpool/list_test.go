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
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainTx(nonce uint64, gasPrice int64) *types.Transaction {
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	return types.NewTx(nonce, &to, big.NewInt(0), big.NewInt(gasPrice), 21000, nil)
}

func TestSortedMapReadyRequiresContiguity(t *testing.T) {
	m := newSortedMap()
	m.Put(plainTx(0, 1))
	m.Put(plainTx(2, 1)) // gap at nonce 1

	ready := m.Ready(0)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(0), ready[0].Nonce())

	// nonce 2 is still stuck behind the gap.
	assert.Equal(t, 1, m.Len())
}

func TestSortedMapForwardDropsBelowThreshold(t *testing.T) {
	m := newSortedMap()
	m.Put(plainTx(0, 1))
	m.Put(plainTx(1, 1))
	m.Put(plainTx(2, 1))

	dropped := m.Forward(2)
	assert.Len(t, dropped, 2)
	assert.Equal(t, 1, m.Len())
}

func TestListStrictRemoveInvalidatesTail(t *testing.T) {
	l := newList(true)
	tx0, tx1, tx2 := plainTx(0, 1), plainTx(1, 1), plainTx(2, 1)
	l.Add(tx0, 10)
	l.Add(tx1, 10)
	l.Add(tx2, 10)

	ok, invalidated := l.Remove(tx0)
	require.True(t, ok)
	assert.Len(t, invalidated, 2)
}

func TestListNonStrictRemoveKeepsTail(t *testing.T) {
	l := newList(false)
	tx0, tx1 := plainTx(0, 1), plainTx(1, 1)
	l.Add(tx0, 10)
	l.Add(tx1, 10)

	ok, invalidated := l.Remove(tx0)
	require.True(t, ok)
	assert.Empty(t, invalidated)
	assert.Equal(t, 1, l.Len())
}

func TestListCapDropsHighestNonces(t *testing.T) {
	l := newList(false)
	for i := uint64(0); i < 5; i++ {
		l.Add(plainTx(i, 1), 10)
	}
	dropped := l.Cap(3)
	assert.Len(t, dropped, 2)
	assert.Equal(t, 3, l.Len())
	for _, tx := range dropped {
		assert.GreaterOrEqual(t, tx.Nonce(), uint64(3))
	}
}

func TestListAddPriceBumpReplacement(t *testing.T) {
	l := newList(false)
	low := plainTx(0, 100)
	inserted, old := l.Add(low, 10)
	require.True(t, inserted)
	assert.Nil(t, old)

	tooClose := plainTx(0, 105)
	inserted, _ = l.Add(tooClose, 10)
	assert.False(t, inserted)

	high := plainTx(0, 111)
	inserted, old = l.Add(high, 10)
	require.True(t, inserted)
	assert.Equal(t, low.Hash(), old.Hash())
}
