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

// Package miner assembles and seals new blocks when mining is enabled
// (§4.10): pull an ordered transaction set from the pool, execute it
// against the chain's Executor, then search for an Ethash nonce
// satisfying the block's difficulty.
package miner

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/chain"
	"github.com/gocoreeth/gocoreeth/consensus/ethash"
	"github.com/gocoreeth/gocoreeth/core/types"
)

// defaultPeriod is the target spacing between mined blocks (§4.10
// step 1).
const defaultPeriod = 13 * time.Second

// Config carries the operator-tunable mining parameters.
type Config struct {
	Coinbase     common.Address // configured minerCoinbase; used as given, a zero address is not replaced
	ExtraData    []byte
	Period       time.Duration // target block spacing, defaults to 13s
	SaveReceipts bool
}

func (c *Config) sanitize() {
	if c.Period == 0 {
		c.Period = defaultPeriod
	}
}

// Broadcaster hands a freshly sealed block to the rest of the node;
// the eth handler's BroadcastBlock satisfies it.
type Broadcaster interface {
	BroadcastBlock(block *types.Block, td *big.Int)
}

// Remover drops transactions the miner has now included in a sealed
// block, so the pool doesn't offer them again.
type Remover interface {
	RemoveTxs(hashes []common.Hash)
}

// Miner drives the assemble-then-seal loop described by §4.10: it
// reschedules itself on every chain head update, and a running
// assembly or PoW search is cancelled the moment a new head arrives.
//
// Grounded on 5dc8d572_ironbeer-oasys-op-geth__miner-miner.go.go for
// the Config/constructor/recommit shape (simplified to this module's
// single legacy-PoW chain, dropping payload-building/rollup concerns
// that have no home here) and on
// ef663141_SipengXie-modifiedGeth__miner-executor.go.go for the
// assemble loop realized in worker.go.
type Miner struct {
	config Config
	chain  chain.Chain
	exec   chain.Executor
	engine *ethash.Ethash
	pool   interface {
		TxPool
		Remover
	}
	bcast Broadcaster

	headCh  chan chain.ChainHeadEvent
	quit    chan struct{}
	running bool
}

// New constructs a Miner. Call Start to begin the head-driven
// assembly loop; the miner is idle (no loop running) until then.
func New(config Config, chn chain.Chain, exec chain.Executor, engine *ethash.Ethash, pool interface {
	TxPool
	Remover
}, bcast Broadcaster) *Miner {
	config.sanitize()
	return &Miner{
		config: config,
		chain:  chn,
		exec:   exec,
		engine: engine,
		pool:   pool,
		bcast:  bcast,
		headCh: make(chan chain.ChainHeadEvent, 8),
		quit:   make(chan struct{}),
	}
}

// Start subscribes to chain head updates and begins scheduling
// assembly attempts (§4.10 step 1).
func (m *Miner) Start() {
	if m.running {
		return
	}
	m.running = true
	sub := m.chain.SubscribeChainHeadEvent(m.headCh)
	go m.loop(sub)
}

// Stop cancels any in-flight assembly/seal and ends the loop.
func (m *Miner) Stop() {
	if !m.running {
		return
	}
	m.running = false
	close(m.quit)
}

func (m *Miner) loop(sub event.Subscription) {
	defer sub.Unsubscribe()

	var (
		timer  = time.NewTimer(0)
		abort  chan struct{}
		result chan struct{}
	)
	defer timer.Stop()

	startCycle := func() {
		if abort != nil {
			close(abort)
		}
		abort = make(chan struct{})
		result = make(chan struct{})
		go func(abort, done chan struct{}) {
			defer close(done)
			m.mineOnce(abort)
		}(abort, result)
	}

	for {
		select {
		case <-m.quit:
			if abort != nil {
				close(abort)
			}
			return

		case <-m.headCh:
			parent := m.chain.CurrentHeader()
			next := time.Unix(int64(parent.Time), 0).Add(m.config.Period)
			delay := time.Until(next)
			if delay < 0 {
				delay = 0
			}
			if abort != nil {
				close(abort)
				abort = nil
			}
			timer.Reset(delay)

		case <-timer.C:
			startCycle()

		case <-result:
			result = nil
		}
	}
}

// mineOnce runs one assemble-and-seal cycle: build a block on top of
// the current head, search for a satisfying nonce, import the sealed
// block into the local chain and hand it to the broadcaster.
// Cancelling abort interrupts both
// the assembly loop and the PoW search within one hash iteration
// (§5 Cancellation and timeouts).
func (m *Miner) mineOnce(abort chan struct{}) {
	parent := m.chain.CurrentHeader()
	coinbase := m.config.Coinbase

	timestamp := uint64(time.Now().Unix())
	if timestamp <= parent.Time {
		timestamp = parent.Time + 1
	}

	builder, err := m.exec.BuildBlock(parent, coinbase, timestamp, m.config.ExtraData)
	if err != nil {
		log.Error("failed to start block build", "err", err)
		return
	}

	result, err := m.assemble(builder, m.pool.Pending(), abort)
	if err != nil {
		log.Debug("block assembly aborted", "err", err)
		return
	}

	header := result.block.Header()
	sealed, err := m.engine.Seal(header, abort)
	if err != nil {
		log.Error("ethash seal failed", "err", err)
		return
	}
	if sealed == nil {
		log.Debug("block assembly cancelled during seal")
		return
	}

	block := result.block.WithSeal(sealed.Nonce, sealed.MixDigest)
	td := new(big.Int).Add(m.chain.GetTd(parent.Hash(), parent.Number.Uint64()), block.Difficulty())

	hashes := make([]common.Hash, len(result.included))
	for i, tx := range result.included {
		hashes[i] = tx.Hash()
	}
	m.pool.RemoveTxs(hashes)

	if _, err := m.chain.InsertChain([]*types.Block{block}); err != nil {
		log.Error("failed to import sealed block", "err", err)
		return
	}
	log.Info("sealed new block", "number", block.NumberU64(), "hash", block.Hash(), "txs", len(result.included))
	m.bcast.BroadcastBlock(block, td)
}
