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
	crand "crypto/rand"
	"math"
	"math/big"
	"math/rand"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/core/types"
)

// Seal searches for a nonce satisfying header.Difficulty, fanning the
// search out over Config.Threads goroutines and returning the first
// solution found, or nil if stop fires first (§4.10 step 3, cancellable
// PoW search idiom).
func (e *Ethash) Seal(header *types.Header, stop <-chan struct{}) (*types.Header, error) {
	threads := e.config.Threads
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	if threads < 0 {
		threads = 0
	}

	abort := make(chan struct{})
	found := make(chan *types.Header)

	seed, err := crand.Int(crand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return nil, err
	}
	src := rand.New(rand.NewSource(seed.Int64()))

	var pend sync.WaitGroup
	for i := 0; i < threads; i++ {
		pend.Add(1)
		go func(id int, nonce uint64) {
			defer pend.Done()
			e.mine(header, id, nonce, abort, found)
		}(i, uint64(src.Int63()))
	}

	var result *types.Header
	select {
	case <-stop:
		close(abort)
	case result = <-found:
		close(abort)
	}
	pend.Wait()
	return result, nil
}

// mine is one search thread: it hashes consecutive nonces starting at
// seed until one satisfies the target, or abort fires.
func (e *Ethash) mine(header *types.Header, id int, seed uint64, abort chan struct{}, found chan *types.Header) {
	var (
		hash   = SealHash(header).Bytes()
		target = new(big.Int).Div(two256, header.Difficulty)
		c      = caches.get(epoch(header.Number.Uint64()))

		attempts int64
		nonce    = seed
	)
	logger := log.New("miner", id)
	logger.Trace("started ethash search", "seed", seed)

search:
	for {
		select {
		case <-abort:
			logger.Trace("ethash search aborted", "attempts", nonce-seed)
			e.hashrate.Mark(attempts)
			break search
		default:
			attempts++
			if attempts%(1<<15) == 0 {
				e.hashrate.Mark(attempts)
				attempts = 0
			}
			digest, result := hashimotoLight(c, hash, nonce)
			if new(big.Int).SetBytes(result).Cmp(target) <= 0 {
				sealed := types.CopyHeader(header)
				sealed.Nonce = types.EncodeNonce(nonce)
				sealed.MixDigest = common.BytesToHash(digest)
				select {
				case found <- sealed:
					logger.Trace("ethash nonce found", "attempts", nonce-seed, "nonce", nonce)
				case <-abort:
				}
				break search
			}
			nonce++
		}
	}
}
