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

package ethash

import (
	"math/big"
	"testing"
	"time"

	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() *types.Header {
	return &types.Header{
		Number:     big.NewInt(1),
		Difficulty: big.NewInt(1), // trivial target: the first nonce tried always satisfies it
		Time:       1000,
		GasLimit:   8_000_000,
	}
}

func TestSealThenVerifyRoundTrips(t *testing.T) {
	e := New(Config{Threads: 1})
	header := testHeader()

	sealed, err := e.Seal(header, make(chan struct{}))
	require.NoError(t, err)
	require.NotNil(t, sealed)

	assert.NoError(t, e.Verify(sealed))
}

func TestSealAbortsOnStop(t *testing.T) {
	e := New(Config{Threads: 1})
	header := testHeader()
	header.Difficulty = new(big.Int).Lsh(big.NewInt(1), 255) // unreachable target

	stop := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(stop)
	}()

	result, err := e.Seal(header, stop)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestVerifyRejectsNonPositiveDifficulty(t *testing.T) {
	e := New(Config{})
	header := testHeader()
	header.Difficulty = big.NewInt(0)
	assert.ErrorIs(t, e.Verify(header), ErrInvalidDifficulty)
}

func TestVerifyRejectsTamperedMixDigest(t *testing.T) {
	e := New(Config{Threads: 1})
	header := testHeader()

	sealed, err := e.Seal(header, make(chan struct{}))
	require.NoError(t, err)

	sealed.MixDigest[0] ^= 0xff
	assert.ErrorIs(t, e.Verify(sealed), ErrInvalidMixDigest)
}

func TestCalcDifficultyIncreasesWhenBlocksArriveFast(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(10), Time: 1000, Difficulty: big.NewInt(1_000_000)}
	fast := CalcDifficulty(parent, parent.Time+5) // well under the 10s threshold
	slow := CalcDifficulty(parent, parent.Time+100)

	assert.True(t, fast.Cmp(parent.Difficulty) > 0)
	assert.True(t, slow.Cmp(parent.Difficulty) < 0)
}

func TestCalcDifficultyNeverBelowMinimum(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(10), Time: 1000, Difficulty: big.NewInt(131072)}
	diff := CalcDifficulty(parent, parent.Time+1000)
	assert.True(t, diff.Cmp(big.NewInt(131072)) >= 0)
}

func TestSealHashIgnoresNonceAndMixDigest(t *testing.T) {
	h1 := testHeader()
	h2 := types.CopyHeader(h1)
	h2.Nonce = types.EncodeNonce(12345)
	h2.MixDigest[0] = 0xaa

	assert.Equal(t, SealHash(h1), SealHash(h2))
}
