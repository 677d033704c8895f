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
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTx(nonce uint64, gasPrice int64) *types.Transaction {
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")
	return types.NewTx(nonce, &to, big.NewInt(0), big.NewInt(gasPrice), 21000, nil)
}

func TestTxsByPriceAndNonceOrdersByPriceAcrossSenders(t *testing.T) {
	alice := common.HexToAddress("0xaaaa000000000000000000000000000000000000")
	bob := common.HexToAddress("0xbbbb000000000000000000000000000000000000")

	pending := map[common.Address]types.Transactions{
		alice: {mkTx(0, 5), mkTx(1, 9)},
		bob:   {mkTx(0, 7)},
	}

	it := NewTxsByPriceAndNonce(pending)

	// Alice's head (price 5) loses to Bob's only tx (price 7).
	first := it.Peek()
	require.NotNil(t, first)
	assert.Equal(t, int64(7), first.GasPrice().Int64())
	it.Shift()

	// Bob has nothing left; Alice's head (price 5, nonce 0) comes next.
	second := it.Peek()
	require.NotNil(t, second)
	assert.Equal(t, int64(5), second.GasPrice().Int64())
	assert.Equal(t, uint64(0), second.Nonce())
	it.Shift()

	// Alice's nonce-1 tx (price 9) refills her head slot.
	third := it.Peek()
	require.NotNil(t, third)
	assert.Equal(t, int64(9), third.GasPrice().Int64())
	it.Shift()

	assert.Nil(t, it.Peek())
}

func TestTxsByPriceAndNoncePopDropsWholeSender(t *testing.T) {
	alice := common.HexToAddress("0xaaaa000000000000000000000000000000000000")
	bob := common.HexToAddress("0xbbbb000000000000000000000000000000000000")

	pending := map[common.Address]types.Transactions{
		alice: {mkTx(0, 10), mkTx(1, 20)},
		bob:   {mkTx(0, 1)},
	}
	it := NewTxsByPriceAndNonce(pending)

	// Alice's head (price 10) is highest; Pop discards her whole queue,
	// including the not-yet-seen nonce-1 transaction.
	require.Equal(t, int64(10), it.Peek().GasPrice().Int64())
	it.Pop()

	remaining := it.Peek()
	require.NotNil(t, remaining)
	assert.Equal(t, int64(1), remaining.GasPrice().Int64())
	it.Shift()
	assert.Nil(t, it.Peek())
}
