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
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/gocoreeth/gocoreeth/internal/rlputil"
)

const epochLength = 30000 // blocks per epoch, fixes the seed/cache rotation

var (
	ErrInvalidDifficulty = errors.New("non-positive difficulty")
	ErrInvalidMixDigest  = errors.New("invalid mix digest")
	ErrInvalidPoW        = errors.New("invalid proof-of-work")
)

// Config carries the sealing parameters an operator can tune.
type Config struct {
	Threads int // number of concurrent search goroutines, 0 = runtime.NumCPU
}

// Ethash is the consensus.Engine implementation for this module:
// light cache-based Ethash PoW generation and verification (§4.10).
type Ethash struct {
	config Config

	hashrate metrics.Meter
}

func New(config Config) *Ethash {
	return &Ethash{
		config:   config,
		hashrate: metrics.NewRegisteredMeter("ethash/hashrate", nil),
	}
}

// SealHash returns the block hash used as the PoW seed: the header
// hash with the Nonce and MixDigest fields zeroed, so sealing doesn't
// chase its own output.
func SealHash(header *types.Header) common.Hash {
	cp := types.CopyHeader(header)
	cp.Nonce = types.BlockNonce{}
	cp.MixDigest = common.Hash{}
	return rlputil.Hash(cp)
}

func epoch(number uint64) uint64 { return number / epochLength }

// Verify checks that header's nonce/mix digest satisfy its declared
// difficulty against the light cache for its epoch (§4.10, §7
// InvalidPoW).
func (e *Ethash) Verify(header *types.Header) error {
	if header.Difficulty.Sign() <= 0 {
		return ErrInvalidDifficulty
	}
	c := caches.get(epoch(header.Number.Uint64()))
	digest, result := hashimotoLight(c, SealHash(header).Bytes(), header.Nonce.Uint64())
	if common.BytesToHash(digest) != header.MixDigest {
		return ErrInvalidMixDigest
	}
	target := new(big.Int).Div(two256, header.Difficulty)
	if new(big.Int).SetBytes(result).Cmp(target) > 0 {
		return ErrInvalidPoW
	}
	return nil
}

// CalcDifficulty implements a simplified homestead-style retarget: the
// parent difficulty rises by parent/2048 when the new block comes less
// than 10s after its parent and falls by the same step otherwise,
// never below 131072, plus a difficulty bomb approximation
// (§4.10 step 1).
func CalcDifficulty(parent *types.Header, timestamp uint64) *big.Int {
	bigTime := new(big.Int).SetUint64(timestamp)
	bigParentTime := new(big.Int).SetUint64(parent.Time)

	diff := new(big.Int).Set(parent.Difficulty)
	adjust := new(big.Int).Div(parent.Difficulty, big.NewInt(2048))

	if bigTime.Sub(bigTime, bigParentTime).Cmp(big.NewInt(10)) < 0 {
		diff.Add(diff, adjust)
	} else {
		diff.Sub(diff, adjust)
	}

	minDifficulty := big.NewInt(131072)
	if diff.Cmp(minDifficulty) < 0 {
		diff = minDifficulty
	}

	periodCount := new(big.Int).Add(parent.Number, big.NewInt(1))
	periodCount.Div(periodCount, big.NewInt(100000))
	if periodCount.Cmp(big.NewInt(2)) > 0 {
		bomb := new(big.Int).Lsh(big.NewInt(1), uint(periodCount.Uint64()-2))
		diff.Add(diff, bomb)
	}
	return diff
}

// logHashrate reports the aggregate search rate at trace level;
// nothing in this package calls it.
func (e *Ethash) logHashrate() {
	log.Trace("ethash hashrate", "rate", e.hashrate.Rate1())
}
