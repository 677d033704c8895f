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

package downloader

import (
	"math/big"
	"testing"

	"github.com/gocoreeth/gocoreeth/consensus/ethash"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealedHeader(t *testing.T, engine *ethash.Ethash, parent *types.Header) *types.Header {
	t.Helper()
	h := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
		Difficulty: big.NewInt(1), // trivially satisfiable target
		Time:       parent.Time + 13,
		GasLimit:   8_000_000,
	}
	sealed, err := engine.Seal(h, make(chan struct{}))
	require.NoError(t, err)
	return sealed
}

func TestVerifyHeadersAcceptsLinkedChain(t *testing.T) {
	engine := ethash.New(ethash.Config{Threads: 1})
	s := &Synchronizer{engine: engine}

	genesis := &types.Header{Number: big.NewInt(0), Difficulty: big.NewInt(1), Time: 1000}
	h1 := sealedHeader(t, engine, genesis)
	h2 := sealedHeader(t, engine, h1)

	assert.NoError(t, s.verifyHeaders(genesis, []*types.Header{h1, h2}))
}

func TestVerifyHeadersRejectsBrokenAncestry(t *testing.T) {
	engine := ethash.New(ethash.Config{Threads: 1})
	s := &Synchronizer{engine: engine}

	genesis := &types.Header{Number: big.NewInt(0), Difficulty: big.NewInt(1), Time: 1000}
	unrelated := &types.Header{Number: big.NewInt(5), Difficulty: big.NewInt(1), Time: 2000}
	h1 := sealedHeader(t, engine, unrelated) // parent hash doesn't match genesis

	assert.ErrorIs(t, s.verifyHeaders(genesis, []*types.Header{h1}), ErrInvalidAncestry)
}

func TestVerifyHeadersRejectsBadPoW(t *testing.T) {
	engine := ethash.New(ethash.Config{Threads: 1})
	s := &Synchronizer{engine: engine}

	genesis := &types.Header{Number: big.NewInt(0), Difficulty: big.NewInt(1), Time: 1000}
	h1 := sealedHeader(t, engine, genesis)
	h1.MixDigest[0] ^= 0xff // tamper after sealing

	assert.ErrorIs(t, s.verifyHeaders(genesis, []*types.Header{h1}), ErrBadPoW)
}
