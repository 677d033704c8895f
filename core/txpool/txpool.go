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

// Package txpool implements the pending/queued transaction pool
// (§4.7): admission validation, per-sender nonce ordering, price-bump
// replacement, promotion/demotion on every new head and reorg-aware
// re-insertion of dropped transactions.
package txpool

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gocoreeth/gocoreeth/chain"
	"github.com/gocoreeth/gocoreeth/core/types"
)

const (
	txSlotSize = 32 * 1024
	txMaxSize  = 4 * txSlotSize

	// maxPoolSlots and maxAccountSlots are the §4.7 step-3 admission
	// caps on non-local transactions: bit-exact invariants, not
	// operator-tunable like Config.GlobalSlots/AccountQueue below.
	maxPoolSlots    = 5000
	maxAccountSlots = 100

	// minEffectiveTip is the §4.7 step-4 admission floor on non-local
	// transactions: 0.1 Gwei in wei.
	minEffectiveTip = 100_000_000

	// rejournal is not read anywhere: the pool keeps no journal of its
	// local transactions.
	rejournal = time.Hour

	// evictionInterval is how often queued, non-local transactions are
	// swept for staleness.
	evictionInterval = 12 * time.Second
	// statsReportInterval is how often the pool reports stats to log.
	statsReportInterval = 8 * time.Second
)

var (
	ErrAlreadyKnown    = errors.New("already known")
	ErrInvalidSender   = errors.New("invalid sender")
	ErrUnderpriced     = errors.New("transaction underpriced")
	ErrReplaceUnderpriced = errors.New("replacement transaction underpriced")
	ErrNonceTooLow     = errors.New("nonce too low")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrGasLimit        = errors.New("exceeds block gas limit")
	ErrOversizedData   = errors.New("oversized data")
	ErrNegativeValue   = errors.New("negative value")
	ErrTxPoolOverflow  = errors.New("txpool is full")
	ErrAccountLimitExceeded = errors.New("sender exceeds per-account transaction limit")
)

var (
	pendingGauge = metrics.NewRegisteredGauge("txpool/pending", nil)
	queuedGauge  = metrics.NewRegisteredGauge("txpool/queued", nil)
	localGauge   = metrics.NewRegisteredGauge("txpool/local", nil)

	invalidTxMeter     = metrics.NewRegisteredMeter("txpool/invalid", nil)
	underpricedTxMeter = metrics.NewRegisteredMeter("txpool/underpriced", nil)
	knownTxMeter       = metrics.NewRegisteredMeter("txpool/known", nil)
)

// Config bundles the operator-tunable pool parameters (§4.7 Config).
type Config struct {
	PriceBump  uint64 // minimum % price increase to replace an existing tx
	PriceLimit uint64 // minimum gas price to be accepted at all

	AccountSlots uint64 // guaranteed pending slots per account
	GlobalSlots  uint64 // total pending slots across all accounts
	AccountQueue uint64 // guaranteed queued slots per account
	GlobalQueue  uint64 // total queued slots across all accounts; not enforced by the pool

	Lifetime time.Duration // max time a non-executable transaction may sit queued
}

// DefaultConfig mirrors go-ethereum's LegacyPool defaults.
var DefaultConfig = Config{
	PriceBump:  10,
	PriceLimit: 1,

	AccountSlots: 16,
	GlobalSlots:  4096 + 1024,
	AccountQueue: 64,
	GlobalQueue:  1024,

	Lifetime: 3 * time.Hour,
}

func (c *Config) sanitize() {
	if c.PriceLimit < 1 {
		c.PriceLimit = DefaultConfig.PriceLimit
	}
	if c.PriceBump < 1 {
		c.PriceBump = DefaultConfig.PriceBump
	}
	if c.AccountSlots < 1 {
		c.AccountSlots = DefaultConfig.AccountSlots
	}
	if c.GlobalSlots < 1 {
		c.GlobalSlots = DefaultConfig.GlobalSlots
	}
	if c.AccountQueue < 1 {
		c.AccountQueue = DefaultConfig.AccountQueue
	}
	if c.GlobalQueue < 1 {
		c.GlobalQueue = DefaultConfig.GlobalQueue
	}
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultConfig.Lifetime
	}
}

// NewTxsEvent is fired whenever the pool admits transactions that
// weren't seen before.
type NewTxsEvent struct{ Txs types.Transactions }

// LegacyPool is the classic all-in-memory transaction pool (§4.7).
type LegacyPool struct {
	config  Config
	chain   chain.Chain
	signer  types.Signer
	mu      sync.RWMutex

	currentHead   *types.Header
	currentState  chain.StateView
	pendingNonces map[common.Address]uint64

	locals  map[common.Address]struct{}

	pending map[common.Address]*list
	queue   map[common.Address]*list
	all     map[common.Hash]*types.Transaction
	beats   map[common.Address]time.Time // last activity, for Lifetime eviction

	txFeed event.Feed

	headSub  chan chain.ChainHeadEvent
	subHead  event.Subscription
	reorgSub chan chain.ChainReorgEvent
	subReorg event.Subscription

	wg   sync.WaitGroup
	quit chan struct{}
}

func New(config Config, chn chain.Chain, signer types.Signer) *LegacyPool {
	config.sanitize()
	pool := &LegacyPool{
		config:        config,
		chain:         chn,
		signer:        signer,
		locals:        make(map[common.Address]struct{}),
		pending:       make(map[common.Address]*list),
		queue:         make(map[common.Address]*list),
		all:           make(map[common.Hash]*types.Transaction),
		beats:         make(map[common.Address]time.Time),
		pendingNonces: make(map[common.Address]uint64),
		headSub:       make(chan chain.ChainHeadEvent, 16),
		reorgSub:      make(chan chain.ChainReorgEvent, 16),
		quit:          make(chan struct{}),
	}
	head := chn.CurrentHeader()
	pool.currentHead = head
	if sv, err := chn.StateAt(head.Root); err == nil {
		pool.currentState = sv
	}
	pool.subHead = chn.SubscribeChainHeadEvent(pool.headSub)
	pool.subReorg = chn.SubscribeChainReorgEvent(pool.reorgSub)

	pool.wg.Add(1)
	go pool.loop()
	return pool
}

func (p *LegacyPool) Stop() {
	close(p.quit)
	p.subHead.Unsubscribe()
	p.subReorg.Unsubscribe()
	p.wg.Wait()
}

// SubscribeNewTxsEvent lets downstream components (broadcaster, miner)
// observe admitted transactions (§6 Event bus).
func (p *LegacyPool) SubscribeNewTxsEvent(ch chan<- NewTxsEvent) event.Subscription {
	return p.txFeed.Subscribe(ch)
}

// loop drives promotion/demotion on every new head and periodic
// maintenance, mirroring the teacher's scheduler shape (§4.7).
func (p *LegacyPool) loop() {
	defer p.wg.Done()

	evict := time.NewTicker(evictionInterval)
	defer evict.Stop()
	report := time.NewTicker(statsReportInterval)
	defer report.Stop()

	for {
		select {
		case ev := <-p.headSub:
			p.handleChainHeadEvent(ev, nil)

		case ev := <-p.reorgSub:
			p.handleChainReorgEvent(ev)

		case <-evict.C:
			p.mu.Lock()
			p.evictStale()
			p.mu.Unlock()

		case <-report.C:
			pending, queued := p.Stats()
			pendingGauge.Update(int64(pending))
			queuedGauge.Update(int64(queued))
			log.Debug("txpool status", "pending", pending, "queued", queued)

		case <-p.quit:
			return
		}
	}
}

// handleChainHeadEvent advances the pool's notion of head on a normal
// (non-reorg) chain extension, then re-promotes/demotes against the
// new state (§4.7).
func (p *LegacyPool) handleChainHeadEvent(ev chain.ChainHeadEvent, reinject types.Transactions) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentHead = ev.Block.Header()
	if sv, err := p.chain.StateAt(p.currentHead.Root); err == nil {
		p.currentState = sv
	}
	if len(reinject) > 0 {
		p.addTxsLocked(reinject, false)
	}
	p.demoteUnexecutables()
	p.promoteExecutables(nil)
}

// handleChainReorgEvent realizes §4.7 Reorg handling: transactions
// present in the discarded chain but absent from the new one are
// re-injected as if freshly received (§8 round-trip property).
func (p *LegacyPool) handleChainReorgEvent(ev chain.ChainReorgEvent) {
	var oldTxs, newTxs types.Transactions
	for _, b := range ev.OldChain {
		oldTxs = append(oldTxs, b.Transactions()...)
	}
	for _, b := range ev.NewChain {
		newTxs = append(newTxs, b.Transactions()...)
	}
	reinject := types.TxDifference(oldTxs, newTxs)
	if len(ev.NewChain) == 0 {
		return
	}
	p.handleChainHeadEvent(chain.ChainHeadEvent{Block: ev.NewChain[len(ev.NewChain)-1]}, reinject)
}

func (p *LegacyPool) Stats() (pending, queued int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, l := range p.pending {
		pending += l.Len()
	}
	for _, l := range p.queue {
		queued += l.Len()
	}
	return pending, queued
}

func (p *LegacyPool) Get(hash common.Hash) *types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.all[hash]
}

func (p *LegacyPool) Has(hash common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.all[hash]
	return ok
}

// AddLocal submits a locally-originated transaction (e.g. from an RPC
// client); local transactions are exempt from price-limit rejection
// and eviction-by-lifetime (§4.7 Local exemptions).
func (p *LegacyPool) AddLocal(tx *types.Transaction) error {
	errs := p.addTxs([]*types.Transaction{tx}, true)
	return errs[0]
}

// AddRemotes validates and admits gossiped transactions (§4.5/§4.7).
func (p *LegacyPool) AddRemotes(txs []*types.Transaction) []error {
	return p.addTxs(txs, false)
}

func (p *LegacyPool) addTxs(txs []*types.Transaction, local bool) []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := p.addTxsLocked(txs, local)
	p.promoteExecutables(nil)
	return errs
}

func (p *LegacyPool) addTxsLocked(txs []*types.Transaction, local bool) []error {
	errs := make([]error, len(txs))
	var added types.Transactions
	for i, tx := range txs {
		if err := p.validateTx(tx, local); err != nil {
			errs[i] = err
			if errors.Is(err, ErrUnderpriced) {
				underpricedTxMeter.Mark(1)
			} else {
				invalidTxMeter.Mark(1)
			}
			continue
		}
		if _, ok := p.all[tx.Hash()]; ok {
			errs[i] = ErrAlreadyKnown
			knownTxMeter.Mark(1)
			continue
		}
		replaced, err := p.enqueueTx(tx, local)
		if err != nil {
			errs[i] = err
			continue
		}
		if replaced {
			added = append(added, tx)
		}
	}
	if len(added) > 0 {
		p.txFeed.Send(NewTxsEvent{Txs: added})
	}
	return errs
}

// validateTx enforces §4.7's admission pipeline in order: signature,
// size, (non-local) pool/account occupancy, (non-local) tip floor, gas
// limit, nonce, balance. The first failing step rejects the tx.
func (p *LegacyPool) validateTx(tx *types.Transaction, local bool) error {
	from, err := p.signer.Sender(tx)
	if err != nil {
		return ErrInvalidSender
	}
	if tx.Value().Sign() < 0 {
		return ErrNegativeValue
	}
	if tx.Size() > txMaxSize {
		return ErrOversizedData
	}
	if !local {
		if len(p.all) >= maxPoolSlots {
			return ErrTxPoolOverflow
		}
		if p.senderCount(from) >= maxAccountSlots {
			return ErrAccountLimitExceeded
		}
		floor := new(big.Int).SetUint64(p.config.PriceLimit)
		if floor.Cmp(big.NewInt(minEffectiveTip)) < 0 {
			floor = big.NewInt(minEffectiveTip)
		}
		if tx.GasPrice().Cmp(floor) < 0 {
			return ErrUnderpriced
		}
	}
	if p.currentHead.GasLimit < tx.Gas() {
		return ErrGasLimit
	}
	if acc, ok := p.stateAccount(from); ok {
		if acc.Nonce > tx.Nonce() {
			return ErrNonceTooLow
		}
		if acc.Balance.Cmp(tx.Cost()) < 0 {
			return ErrInsufficientFunds
		}
	}
	return nil
}

// senderCount returns how many transactions from addr the pool is
// currently holding across both the pending and queued lists, the
// basis for the §4.7 step-3 per-account admission cap.
func (p *LegacyPool) senderCount(addr common.Address) int {
	n := 0
	if l, ok := p.pending[addr]; ok {
		n += l.Len()
	}
	if l, ok := p.queue[addr]; ok {
		n += l.Len()
	}
	return n
}

// stateAccount reads the sender's account from the pool's cached
// state view, reporting ok=false when no state is available yet
// (e.g. before the first head is processed).
func (p *LegacyPool) stateAccount(addr common.Address) (chain.Account, bool) {
	if p.currentState == nil {
		return chain.Account{}, false
	}
	acc, err := p.currentState.GetAccount(addr)
	if err != nil {
		return chain.Account{}, false
	}
	return acc, true
}

// enqueueTx places tx into the sender's queued list, applying the
// price-bump replacement rule and the per-account AccountQueue cap; a
// tx carrying the nonce of a pending entry replaces that entry in
// place under the same rule. GlobalQueue is not enforced here (§4.7
// Replacement rule).
func (p *LegacyPool) enqueueTx(tx *types.Transaction, local bool) (bool, error) {
	from, _ := p.signer.Sender(tx)
	if local {
		p.locals[from] = struct{}{}
	}
	if pl, ok := p.pending[from]; ok && pl.Overlaps(tx) {
		inserted, old := pl.Add(tx, p.config.PriceBump)
		if !inserted {
			return false, ErrReplaceUnderpriced
		}
		if old != nil {
			delete(p.all, old.Hash())
		}
		p.all[tx.Hash()] = tx
		p.beats[from] = time.Now()
		return true, nil
	}

	l, ok := p.queue[from]
	if !ok {
		l = newList(false)
		p.queue[from] = l
	}
	inserted, old := l.Add(tx, p.config.PriceBump)
	if !inserted {
		return false, ErrReplaceUnderpriced
	}
	if old != nil {
		delete(p.all, old.Hash())
	}
	p.all[tx.Hash()] = tx
	p.beats[from] = time.Now()

	for _, dropped := range l.Cap(int(p.config.AccountQueue)) {
		delete(p.all, dropped.Hash())
	}
	return true, nil
}

// promoteExecutables moves every queued transaction that is now
// contiguous with the sender's pending nonce into the pending list,
// then enforces the global pending cap through truncatePending, which
// trims the largest non-local pending lists (§4.7 Promotion/Demotion).
func (p *LegacyPool) promoteExecutables(accounts []common.Address) {
	if accounts == nil {
		for addr := range p.queue {
			accounts = append(accounts, addr)
		}
	}
	for _, addr := range accounts {
		l, ok := p.queue[addr]
		if !ok {
			continue
		}
		nonce := p.stateNonce(addr)
		l.Forward(nonce)

		readies := l.Ready(p.pendingStart(addr, nonce))
		for _, tx := range readies {
			p.promoteTx(addr, tx)
		}
		if l.Empty() {
			delete(p.queue, addr)
		}
	}
	p.truncatePending()
}

func (p *LegacyPool) pendingStart(addr common.Address, stateNonce uint64) uint64 {
	if n, ok := p.pendingNonces[addr]; ok && n > stateNonce {
		return n
	}
	return stateNonce
}

func (p *LegacyPool) promoteTx(addr common.Address, tx *types.Transaction) {
	l, ok := p.pending[addr]
	if !ok {
		l = newList(true)
		p.pending[addr] = l
	}
	inserted, old := l.Add(tx, p.config.PriceBump)
	if !inserted {
		delete(p.all, tx.Hash())
		return
	}
	if old != nil {
		delete(p.all, old.Hash())
	}
	p.pendingNonces[addr] = tx.Nonce() + 1
}

// demoteUnexecutables removes transactions that became invalid
// against the new head (nonce already used, insufficient funds) and
// pushes the remaining tail back to queued (§4.7 Demotion).
func (p *LegacyPool) demoteUnexecutables() {
	for addr, l := range p.pending {
		nonce := p.stateNonce(addr)
		olds := l.Forward(nonce)
		for _, tx := range olds {
			delete(p.all, tx.Hash())
		}

		costLimit := new(big.Int)
		if acc, ok := p.stateAccount(addr); ok {
			costLimit = acc.Balance
		}
		drops, invalids := l.Filter(costLimit, p.currentHead.GasLimit)
		for _, tx := range drops {
			delete(p.all, tx.Hash())
		}
		for _, tx := range invalids {
			p.enqueueBack(addr, tx)
		}
		if l.Empty() {
			delete(p.pending, addr)
			delete(p.pendingNonces, addr)
		} else {
			p.pendingNonces[addr] = l.LastElement().Nonce() + 1
		}
	}
}

func (p *LegacyPool) enqueueBack(addr common.Address, tx *types.Transaction) {
	l, ok := p.queue[addr]
	if !ok {
		l = newList(false)
		p.queue[addr] = l
	}
	l.Add(tx, p.config.PriceBump)
}

func (p *LegacyPool) stateNonce(addr common.Address) uint64 {
	acc, ok := p.stateAccount(addr)
	if !ok {
		return 0
	}
	return acc.Nonce
}

// truncatePending evicts transactions from the largest pending queues
// until the pool is back under GlobalSlots (§4.7 global cap). Each
// non-local sender is only trimmed down to AccountSlots, so the pool
// can stay above GlobalSlots once every such sender is at that size;
// local senders are never trimmed.
func (p *LegacyPool) truncatePending() {
	pending := uint64(0)
	for _, l := range p.pending {
		pending += uint64(l.Len())
	}
	if pending <= p.config.GlobalSlots {
		return
	}
	type spill struct {
		addr common.Address
		n    int
	}
	var spills []spill
	for addr, l := range p.pending {
		if _, local := p.locals[addr]; local {
			continue
		}
		if l.Len() > int(p.config.AccountSlots) {
			spills = append(spills, spill{addr, l.Len()})
		}
	}
	sort.Slice(spills, func(i, j int) bool { return spills[i].n > spills[j].n })
	for _, s := range spills {
		if pending <= p.config.GlobalSlots {
			break
		}
		l := p.pending[s.addr]
		dropped := l.Cap(int(p.config.AccountSlots))
		for _, tx := range dropped {
			delete(p.all, tx.Hash())
		}
		pending -= uint64(len(dropped))
	}
}

// evictStale drops queued transactions (excluding locals) that have
// sat idle longer than Config.Lifetime (§4.7 Lifetime eviction).
func (p *LegacyPool) evictStale() {
	now := time.Now()
	for addr, l := range p.queue {
		if _, local := p.locals[addr]; local {
			continue
		}
		if now.Sub(p.beats[addr]) < p.config.Lifetime {
			continue
		}
		for _, tx := range l.Flatten() {
			delete(p.all, tx.Hash())
		}
		delete(p.queue, addr)
		delete(p.beats, addr)
	}
}

// Pending returns every sender's ready-to-mine transactions, used to
// seed TxsByPriceAndNonce for block assembly (§4.10).
func (p *LegacyPool) Pending() map[common.Address]types.Transactions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[common.Address]types.Transactions, len(p.pending))
	for addr, l := range p.pending {
		out[addr] = l.Flatten()
	}
	return out
}

// RemoveTxs drops the given hashes from the pool outright, used by the
// miner once they're sealed into a block (§4.10 step 5). The next
// ChainHeadEvent-driven demote/promote pass reconciles the rest of
// each sender's list against the new state nonce.
func (p *LegacyPool) RemoveTxs(hashes []common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hash := range hashes {
		tx, ok := p.all[hash]
		if !ok {
			continue
		}
		from, err := p.signer.Sender(tx)
		if err != nil {
			continue
		}
		if l, ok := p.pending[from]; ok {
			if _, invalidated := l.Remove(tx); len(invalidated) > 0 {
				// Removing this nonce opened a gap; everything above it
				// is no longer contiguous and goes back to queued.
				for _, t := range invalidated {
					p.enqueueBack(from, t)
				}
			}
			if l.Empty() {
				delete(p.pending, from)
				delete(p.pendingNonces, from)
			} else {
				p.pendingNonces[from] = l.LastElement().Nonce() + 1
			}
		}
		delete(p.all, hash)
	}
}
