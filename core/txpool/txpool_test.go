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
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gocoreeth/gocoreeth/chain"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeState is an in-memory chain.StateView used to drive validateTx
// and the promotion/demotion sweeps without a real executor.
type fakeState struct {
	accounts map[common.Address]chain.Account
}

func (s *fakeState) GetAccount(addr common.Address) (chain.Account, error) {
	acc, ok := s.accounts[addr]
	if !ok {
		return chain.Account{Balance: new(big.Int)}, nil
	}
	return acc, nil
}

// fakeChain is the minimal chain.Chain the pool needs: one mutable
// head header/state and an event.Feed per subscription kind, mirroring
// the teacher's test fixtures for core/txpool.
type fakeChain struct {
	head    *types.Header
	state   *fakeState
	headFeed  event.Feed
	reorgFeed event.Feed
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		head: &types.Header{
			Number:     big.NewInt(0),
			GasLimit:   8_000_000,
			Difficulty: big.NewInt(1),
		},
		state: &fakeState{accounts: make(map[common.Address]chain.Account)},
	}
}

func (c *fakeChain) GenesisHash() common.Hash                 { return common.Hash{} }
func (c *fakeChain) CurrentHeader() *types.Header             { return c.head }
func (c *fakeChain) CurrentBlock() *types.Block               { return types.NewBlockWithHeader(c.head) }
func (c *fakeChain) GetTd(common.Hash, uint64) *big.Int       { return new(big.Int) }
func (c *fakeChain) HeaderByNumber(uint64) *types.Header      { return c.head }
func (c *fakeChain) HeaderByHash(common.Hash) *types.Header   { return c.head }
func (c *fakeChain) BlockByHash(common.Hash) *types.Block     { return nil }
func (c *fakeChain) GetReceipts(common.Hash) types.Receipts   { return nil }
func (c *fakeChain) StateAt(common.Hash) (chain.StateView, error) { return c.state, nil }
func (c *fakeChain) InsertChain([]*types.Block) (int, error)  { return 0, nil }
func (c *fakeChain) Rollback(uint64) error                    { return nil }
func (c *fakeChain) SubscribeChainHeadEvent(ch chan<- chain.ChainHeadEvent) event.Subscription {
	return c.headFeed.Subscribe(ch)
}
func (c *fakeChain) SubscribeChainReorgEvent(ch chan<- chain.ChainReorgEvent) event.Subscription {
	return c.reorgFeed.Subscribe(ch)
}

func newSignedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, gasPrice int64) *types.Transaction {
	t.Helper()
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := types.NewTx(nonce, &to, big.NewInt(0), big.NewInt(gasPrice), 21000, nil)
	signed, err := types.SignTx(tx, types.FrontierSigner{}, key)
	require.NoError(t, err)
	return signed
}

func newTestPool(t *testing.T) (*LegacyPool, *fakeChain, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	chn := newFakeChain()
	chn.state.accounts[addr] = chain.Account{Nonce: 0, Balance: big.NewInt(1_000_000_000_000_000)}

	pool := New(Config{PriceBump: 10, PriceLimit: 1, AccountSlots: 16, GlobalSlots: 64, AccountQueue: 8, GlobalQueue: 64, Lifetime: time.Hour}, chn, types.FrontierSigner{})
	t.Cleanup(pool.Stop)
	return pool, chn, key
}

func TestAddRemoteAdmitsAndPromotes(t *testing.T) {
	pool, _, key := newTestPool(t)

	tx := newSignedTx(t, key, 0, 200_000_000)
	errs := pool.AddRemotes([]*types.Transaction{tx})
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	pending, queued := pool.Stats()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, queued)
	assert.True(t, pool.Has(tx.Hash()))
}

func TestQueuedTxWithGapStaysQueued(t *testing.T) {
	pool, _, key := newTestPool(t)

	tx := newSignedTx(t, key, 3, 200_000_000) // account nonce is 0, so nonce 3 leaves a gap
	errs := pool.AddRemotes([]*types.Transaction{tx})
	require.NoError(t, errs[0])

	pending, queued := pool.Stats()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, queued)
}

func TestNonceTooLowRejected(t *testing.T) {
	pool, chn, key := newTestPool(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	chn.state.accounts[addr] = chain.Account{Nonce: 5, Balance: big.NewInt(1_000_000_000_000)}

	tx := newSignedTx(t, key, 2, 200_000_000)
	errs := pool.AddRemotes([]*types.Transaction{tx})
	assert.ErrorIs(t, errs[0], ErrNonceTooLow)
}

func TestUnderpricedRejected(t *testing.T) {
	pool, _, key := newTestPool(t)
	tx := newSignedTx(t, key, 0, 0)
	errs := pool.AddRemotes([]*types.Transaction{tx})
	assert.ErrorIs(t, errs[0], ErrUnderpriced)
}

func TestPriceBumpReplacement(t *testing.T) {
	pool, _, key := newTestPool(t)

	low := newSignedTx(t, key, 0, 200_000_000)
	errs := pool.AddRemotes([]*types.Transaction{low})
	require.NoError(t, errs[0])

	// A replacement below the 10% bump threshold is rejected.
	tooClose := newSignedTx(t, key, 0, 210_000_000)
	errs = pool.AddRemotes([]*types.Transaction{tooClose})
	assert.ErrorIs(t, errs[0], ErrReplaceUnderpriced)
	assert.True(t, pool.Has(low.Hash()))

	// A replacement clearing the bump threshold succeeds and evicts the original.
	high := newSignedTx(t, key, 0, 300_000_000)
	errs = pool.AddRemotes([]*types.Transaction{high})
	require.NoError(t, errs[0])
	assert.False(t, pool.Has(low.Hash()))
	assert.True(t, pool.Has(high.Hash()))
}

func TestInsufficientFundsRejected(t *testing.T) {
	pool, chn, key := newTestPool(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	chn.state.accounts[addr] = chain.Account{Nonce: 0, Balance: big.NewInt(1)}

	tx := newSignedTx(t, key, 0, 200_000_000)
	errs := pool.AddRemotes([]*types.Transaction{tx})
	assert.ErrorIs(t, errs[0], ErrInsufficientFunds)
}

func TestRemoveTxsInvalidatesHigherNonceGap(t *testing.T) {
	pool, _, key := newTestPool(t)

	tx0 := newSignedTx(t, key, 0, 200_000_000)
	tx1 := newSignedTx(t, key, 1, 200_000_000)
	errs := pool.AddRemotes([]*types.Transaction{tx0, tx1})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	pending, _ := pool.Stats()
	require.Equal(t, 2, pending)

	// Removing the base nonce (as the miner would after sealing it)
	// opens a gap; tx1 must fall back to queued, not stay pending.
	pool.RemoveTxs([]common.Hash{tx0.Hash()})

	pending, queued := pool.Stats()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, queued)
	assert.False(t, pool.Has(tx0.Hash()))
	assert.True(t, pool.Has(tx1.Hash()))
}

func TestAccountLimitExceededRejected(t *testing.T) {
	// A generous Config (well above maxAccountSlots) so the operator-
	// tunable AccountQueue/AccountSlots eviction never kicks in before
	// the spec-exact per-sender admission cap does.
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	chn := newFakeChain()
	chn.state.accounts[addr] = chain.Account{Nonce: 0, Balance: big.NewInt(1_000_000_000_000_000)}
	pool := New(Config{PriceBump: 10, PriceLimit: 1, AccountSlots: 200, GlobalSlots: 200, AccountQueue: 200, GlobalQueue: 200, Lifetime: time.Hour}, chn, types.FrontierSigner{})
	t.Cleanup(pool.Stop)

	txs := make([]*types.Transaction, maxAccountSlots+1)
	for i := range txs {
		txs[i] = newSignedTx(t, key, uint64(i), 200_000_000)
	}
	errs := pool.AddRemotes(txs)
	for i := 0; i < maxAccountSlots; i++ {
		require.NoError(t, errs[i])
	}
	assert.ErrorIs(t, errs[maxAccountSlots], ErrAccountLimitExceeded)
}

func TestChainReorgReinjectsDroppedTx(t *testing.T) {
	pool, chn, key := newTestPool(t)

	// tx was mined into the discarded fork and never seen by the pool
	// directly; handleChainReorgEvent must re-validate and admit it.
	tx := newSignedTx(t, key, 0, 200_000_000)
	oldBlock := types.NewBlock(&types.Header{Number: big.NewInt(1), GasLimit: 8_000_000, Difficulty: big.NewInt(1)}, []*types.Transaction{tx}, nil)
	newHeader := &types.Header{Number: big.NewInt(1), GasLimit: 8_000_000, Difficulty: big.NewInt(1)}
	newBlock := types.NewBlock(newHeader, nil, nil)
	chn.head = newHeader

	pool.handleChainReorgEvent(chain.ChainReorgEvent{
		OldChain: []*types.Block{oldBlock},
		NewChain: []*types.Block{newBlock},
	})

	assert.True(t, pool.Has(tx.Hash()))
	pending, _ := pool.Stats()
	assert.Equal(t, 1, pending)
}

func TestAlreadyKnownRejectsDuplicate(t *testing.T) {
	pool, _, key := newTestPool(t)
	tx := newSignedTx(t, key, 0, 200_000_000)

	errs := pool.AddRemotes([]*types.Transaction{tx})
	require.NoError(t, errs[0])

	errs = pool.AddRemotes([]*types.Transaction{tx})
	assert.ErrorIs(t, errs[0], ErrAlreadyKnown)
}
