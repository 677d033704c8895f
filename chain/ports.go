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

// Package chain declares the ports the core consumes from the parts of
// a full node deliberately left out of scope: the EVM executor, state
// trie and receipt/tx index storage (§1, §6). Everything in p2p, eth,
// txpool, miner and consensus/ethash is written against these
// interfaces rather than a concrete chain/database implementation.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gocoreeth/gocoreeth/core/types"
)

// Account is the minimal account view the pool needs to validate
// nonces and balances.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// StateView exposes read-only account state at a particular block,
// consumed by TxPool validation and Miner.TxsByPriceAndNonce ordering.
type StateView interface {
	GetAccount(addr common.Address) (Account, error)
}

// Chain is the canonical chain store: header/body/receipt lookup,
// total-difficulty tracking and the atomic append/reset primitives the
// Synchronizer and Miner use to extend or roll back the head.
type Chain interface {
	GenesisHash() common.Hash
	CurrentHeader() *types.Header
	CurrentBlock() *types.Block
	GetTd(hash common.Hash, number uint64) *big.Int
	HeaderByNumber(number uint64) *types.Header
	HeaderByHash(hash common.Hash) *types.Header
	BlockByHash(hash common.Hash) *types.Block
	GetReceipts(hash common.Hash) types.Receipts
	StateAt(root common.Hash) (StateView, error)

	// InsertChain appends a batch of validated blocks atomically,
	// returning the number of blocks accepted before any failure.
	InsertChain(blocks []*types.Block) (int, error)

	// Rollback resets the canonical head to the given height,
	// discarding everything above it (§4.9 step 6).
	Rollback(height uint64) error

	// SubscribeChainHeadEvent and SubscribeChainReorgEvent back the
	// chain-updated / chain-reorg entries of the event bus (§6).
	SubscribeChainHeadEvent(ch chan<- ChainHeadEvent) event.Subscription
	SubscribeChainReorgEvent(ch chan<- ChainReorgEvent) event.Subscription
}

// ChainHeadEvent is published whenever InsertChain extends the
// canonical head, realizing the CHAIN_UPDATED bus entry.
type ChainHeadEvent struct {
	Block *types.Block
}

// ChainReorgEvent realizes CHAIN_REORG(oldBlocks, newBlocks) (§4.7
// Reorg handling, §8 round-trip property).
type ChainReorgEvent struct {
	OldChain []*types.Block
	NewChain []*types.Block
}

// BlockBuilder is the handle the Miner uses to assemble a block: add
// transactions one at a time and finalize once gas runs low or the
// assembly is interrupted.
type BlockBuilder interface {
	// AddTx attempts to include tx, executing it against the builder's
	// working state. ErrGasLimitReached signals the builder should
	// stop without consuming the transaction.
	AddTx(tx *types.Transaction) error

	// GasPool returns the gas remaining for inclusion in the block
	// being assembled.
	GasPool() uint64

	// Finalize completes state-root/receipt-root computation and
	// returns the sealed-pending block together with its receipts.
	Finalize() (*types.Block, types.Receipts, error)
}

// ErrGasLimitReached is returned by BlockBuilder.AddTx when the
// remaining gas pool cannot fit another transaction.
var ErrGasLimitReached = errGasLimitReached{}

type errGasLimitReached struct{}

func (errGasLimitReached) Error() string { return "gas limit reached" }

// Executor builds new blocks on top of a parent header, choosing the
// active hardfork rules by block number (§4.10 step 2).
type Executor interface {
	BuildBlock(parent *types.Header, coinbase common.Address, timestamp uint64, extra []byte) (BlockBuilder, error)
}
