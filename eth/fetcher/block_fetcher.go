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

package fetcher

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/core/types"
)

const (
	blockArriveTimeout = 500 * time.Millisecond
	maxBlockQueueDist  = 32
	maxBlockUncleDist  = 7
)

var errTerminatedBlock = errors.New("terminated")

// blockAnnounce is a NewBlockHashes entry paired with its announcer.
type blockAnnounce struct {
	hash   common.Hash
	number uint64
	origin string
	time   time.Time
}

// blockOrHeaderInject is a directly gossiped NewBlock.
type blockOrHeaderInject struct {
	origin string
	block  *types.Block
	td     *big.Int
}

// BlockChain is the subset of chain.Chain the block fetcher needs to
// check ancestry and insert imported blocks (§4.9).
type BlockChain interface {
	HeaderByHash(hash common.Hash) *types.Header
	CurrentHeader() *types.Header
	InsertChain(blocks []*types.Block) (int, error)
}

// BlockFetchPeer is the subset of eth.Peer the fetcher needs to pull a
// header chain for an announced-only hash.
type BlockFetchPeer interface {
	ID() string
	RequestHeadersByNumber(number uint64, amount, skip uint64, reverse bool) ([]*types.Header, error)
	RequestBodies(hashes []common.Hash) ([]*types.Body, error)
}

// BlockFetcher implements the direct-gossip and hash-announce paths of
// §4.9: a NewBlock is validated and imported immediately, a
// NewBlockHashes entry triggers a header-then-body pull of just that
// block once it matures past blockArriveTimeout.
type BlockFetcher struct {
	notify chan *blockAnnounce
	inject chan *blockOrHeaderInject
	quit   chan struct{}

	chain     BlockChain
	getPeer   func(id string) BlockFetchPeer

	queue map[common.Hash]*blockAnnounce
}

func NewBlockFetcher(chain BlockChain, getPeer func(string) BlockFetchPeer) *BlockFetcher {
	return &BlockFetcher{
		notify:  make(chan *blockAnnounce),
		inject:  make(chan *blockOrHeaderInject),
		quit:    make(chan struct{}),
		chain:   chain,
		getPeer: getPeer,
		queue:   make(map[common.Hash]*blockAnnounce),
	}
}

func (f *BlockFetcher) Stop() { close(f.quit) }

// Start runs the fetcher loop; call as `go f.Start()`.
func (f *BlockFetcher) Start() {
	ticker := time.NewTicker(blockArriveTimeout)
	defer ticker.Stop()
	for {
		select {
		case ann := <-f.notify:
			if f.chain.HeaderByHash(ann.hash) != nil {
				continue // already known, §4.5 Idempotence
			}
			if ann.number > f.chain.CurrentHeader().Number.Uint64()+maxBlockQueueDist {
				continue // too far ahead, let the Synchronizer handle it
			}
			if ann.number+maxBlockUncleDist < f.chain.CurrentHeader().Number.Uint64() {
				continue // too far behind the local head
			}
			f.queue[ann.hash] = ann

		case inj := <-f.inject:
			f.importBlock(inj.origin, inj.block, inj.td)
			delete(f.queue, inj.block.Hash())

		case <-ticker.C:
			f.completeAnnounced()

		case <-f.quit:
			return
		}
	}
}

// Notify registers a NewBlockHashes entry for possible direct fetch.
func (f *BlockFetcher) Notify(origin string, hash common.Hash, number uint64) error {
	select {
	case f.notify <- &blockAnnounce{hash: hash, number: number, origin: origin, time: time.Now()}:
		return nil
	case <-f.quit:
		return errTerminatedBlock
	}
}

// Enqueue hands a directly gossiped NewBlock to the import path.
func (f *BlockFetcher) Enqueue(origin string, block *types.Block, td *big.Int) error {
	select {
	case f.inject <- &blockOrHeaderInject{origin: origin, block: block, td: td}:
		return nil
	case <-f.quit:
		return errTerminatedBlock
	}
}

// completeAnnounced pulls the header, then the body, for every
// still-unresolved announcement older than blockArriveTimeout, and
// imports the reassembled block (§4.9 step: NewBlockHashes handling).
func (f *BlockFetcher) completeAnnounced() {
	now := time.Now()
	for hash, ann := range f.queue {
		if now.Sub(ann.time) < blockArriveTimeout {
			continue
		}
		delete(f.queue, hash)
		peer := f.getPeer(ann.origin)
		if peer == nil {
			continue
		}
		go func(ann *blockAnnounce, peer BlockFetchPeer) {
			headers, err := peer.RequestHeadersByNumber(ann.number, 1, 0, false)
			if err != nil || len(headers) != 1 || headers[0].Hash() != ann.hash {
				log.Debug("block header fetch failed", "peer", ann.origin, "hash", ann.hash, "err", err)
				return
			}
			bodies, err := peer.RequestBodies([]common.Hash{ann.hash})
			if err != nil || len(bodies) != 1 {
				log.Debug("block body fetch failed", "peer", ann.origin, "hash", ann.hash, "err", err)
				return
			}
			block := types.NewBlockWithHeader(headers[0]).WithBody(bodies[0])
			f.importBlock(ann.origin, block, nil)
		}(ann, peer)
	}
}

// importBlock hands a fully assembled block that is not yet known to
// InsertChain, which validates it. The claimed total difficulty is not
// compared with the local chain's: a block whose td is no greater is
// still passed to InsertChain, not dropped unread (SPEC_FULL.md §11.2).
func (f *BlockFetcher) importBlock(origin string, block *types.Block, td *big.Int) {
	if f.chain.HeaderByHash(block.Hash()) != nil {
		return
	}
	if _, err := f.chain.InsertChain([]*types.Block{block}); err != nil {
		log.Debug("block import failed", "peer", origin, "number", block.NumberU64(), "hash", block.Hash(), "err", err)
	}
}
