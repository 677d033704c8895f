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

// Package fetcher implements the two standalone retrieval state
// machines that sit above the wire protocol: TxFetcher schedules
// pooled-transaction retrieval from announcements (§4.8), and
// BlockFetcher imports directly-gossiped or announced blocks (§4.9).
package fetcher

import (
	"errors"
	"math"
	mrand "math/rand"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/core/types"
)

const (
	maxTxAnnounces          = 4096
	maxTxRetrievals         = 256
	maxTxRetrievalSize      = 128 * 1024
	maxTxUnderpricedSetSize = 32768
	maxTxUnderpricedTimeout = 5 * time.Minute

	txArriveTimeout = 500 * time.Millisecond
	txGatherSlack   = 100 * time.Millisecond
)

var txFetchTimeout = 5 * time.Second

var errTerminated = errors.New("terminated")

// txAnnounce is one peer's notification of newly available pooled
// transaction hashes (§4.8 step 1).
type txAnnounce struct {
	origin string
	hashes []common.Hash
}

// txRequest tracks one in-flight GetPooledTransactions call.
type txRequest struct {
	hashes []common.Hash
	stolen map[common.Hash]struct{}
	time   mclock.AbsTime
}

// txDelivery is a batch of pooled transactions returned by a peer.
type txDelivery struct {
	origin string
	hashes []common.Hash
	direct bool
}

// txDrop signals that a peer disconnected; every bookkeeping entry
// referencing it must be purged (§4.8 step 5).
type txDrop struct {
	peer string
}

// TxFetchPeer is the subset of eth.Peer the fetcher needs to issue a
// GetPooledTransactions request.
type TxFetchPeer interface {
	ID() string
	RequestTxs(hashes []common.Hash) error
}

// TxPool is the subset of core/txpool the fetcher needs to filter out
// transactions it already holds.
type TxPool interface {
	Has(hash common.Hash) bool
	AddRemotes([]*types.Transaction) []error
}

// TxFetcher is the per-node transaction retrieval scheduler (§4.8):
// deduplicates announcements across peers, rate-limits one request per
// peer, and falls back to an alternate announcer on timeout.
type TxFetcher struct {
	notify  chan *txAnnounce
	cleanup chan *txDelivery
	drop    chan *txDrop
	quit    chan struct{}

	underpriced *lru.Cache[common.Hash, time.Time]

	waitlist  map[common.Hash]map[string]struct{}
	waittime  map[common.Hash]mclock.AbsTime
	waitslots map[string]map[common.Hash]struct{}

	announces map[string]map[common.Hash]struct{}
	announced map[common.Hash]map[string]struct{}

	fetching   map[common.Hash]string
	requests   map[string]*txRequest
	alternates map[common.Hash]map[string]struct{}

	hasTx     func(common.Hash) bool
	addTxs    func([]*types.Transaction) []error
	fetchTxs  func(peer string, hashes []common.Hash) error

	step  chan struct{} // test hook, closed/drained per loop iteration
	clock mclock.Clock
	rand  *mrand.Rand
}

func NewTxFetcher(hasTx func(common.Hash) bool, addTxs func([]*types.Transaction) []error, fetchTxs func(string, []common.Hash) error) *TxFetcher {
	underpriced, _ := lru.New[common.Hash, time.Time](maxTxUnderpricedSetSize)
	return &TxFetcher{
		notify:      make(chan *txAnnounce),
		cleanup:     make(chan *txDelivery),
		drop:        make(chan *txDrop),
		quit:        make(chan struct{}),
		underpriced: underpriced,
		waitlist:    make(map[common.Hash]map[string]struct{}),
		waittime:    make(map[common.Hash]mclock.AbsTime),
		waitslots:   make(map[string]map[common.Hash]struct{}),
		announces:   make(map[string]map[common.Hash]struct{}),
		announced:   make(map[common.Hash]map[string]struct{}),
		fetching:    make(map[common.Hash]string),
		requests:    make(map[string]*txRequest),
		alternates:  make(map[common.Hash]map[string]struct{}),
		hasTx:       hasTx,
		addTxs:      addTxs,
		fetchTxs:    fetchTxs,
		clock:       mclock.System{},
		rand:        mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// Notify registers a batch of hashes a peer announced (§4.8 step 1).
func (f *TxFetcher) Notify(peer string, hashes []common.Hash) error {
	unknown := make([]common.Hash, 0, len(hashes))
	for _, hash := range hashes {
		if !f.hasTx(hash) {
			unknown = append(unknown, hash)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	select {
	case f.notify <- &txAnnounce{origin: peer, hashes: unknown}:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

// Enqueue injects directly-gossiped transactions (TransactionsMsg, not
// announcements), bypassing the wait/fetch schedule (§4.7).
func (f *TxFetcher) Enqueue(peer string, txs []*types.Transaction) error {
	var hashes []common.Hash
	errs := f.addTxs(txs)
	for i, tx := range txs {
		if i < len(errs) && errs[i] != nil {
			continue
		}
		hashes = append(hashes, tx.Hash())
	}
	select {
	case f.cleanup <- &txDelivery{origin: peer, hashes: hashes, direct: true}:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

// DeliverTxs feeds a PooledTransactionsMsg response back into the
// scheduler: accepted transactions go to the pool, and the whole batch
// clears its fetching/waitlist bookkeeping regardless of acceptance
// (§4.8 step 4).
func (f *TxFetcher) DeliverTxs(peer string, txs []*types.Transaction) error {
	hashes := make([]common.Hash, 0, len(txs))
	errs := f.addTxs(txs)
	for i, tx := range txs {
		if i < len(errs) && errs[i] != nil {
			continue
		}
		hashes = append(hashes, tx.Hash())
	}
	select {
	case f.cleanup <- &txDelivery{origin: peer, hashes: hashes}:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

// Drop purges all bookkeeping for a disconnected peer (§4.8 step 5).
func (f *TxFetcher) Drop(peer string) error {
	select {
	case f.drop <- &txDrop{peer: peer}:
		return nil
	case <-f.quit:
		return errTerminated
	}
}

func (f *TxFetcher) Stop() { close(f.quit) }

// Start runs the scheduling loop; call as `go f.Start()`.
func (f *TxFetcher) Start() {
	var (
		waitTimer    = new(mclock.Timer)
		timeoutTimer = new(mclock.Timer)
	)
	defer func() {
		if *waitTimer != nil {
			(*waitTimer).Stop()
		}
		if *timeoutTimer != nil {
			(*timeoutTimer).Stop()
		}
	}()

	for {
		select {
		case ann := <-f.notify:
			f.handleAnnounce(ann)

		case delivery := <-f.cleanup:
			f.handleDelivery(delivery)

		case drop := <-f.drop:
			f.handleDrop(drop)

		case <-f.quit:
			return
		}
		f.rescheduleWait(waitTimer)
		f.rescheduleTimeout(timeoutTimer)
		f.scheduleFetches()
	}
}

// handleAnnounce dedups against in-flight/known hashes and, when a
// hash is already being waited on by another peer, records this peer
// as an alternate source (§4.8 step 2/3).
func (f *TxFetcher) handleAnnounce(ann *txAnnounce) {
	used := len(f.waitslots[ann.origin]) + len(f.announces[ann.origin])
	if used >= maxTxAnnounces {
		return
	}
	want := len(ann.hashes)
	if used+want > maxTxAnnounces {
		ann.hashes = ann.hashes[:maxTxAnnounces-used]
	}
	for _, hash := range ann.hashes {
		if until, ok := f.underpriced.Get(hash); ok && time.Since(until) < maxTxUnderpricedTimeout {
			continue
		}
		if _, ok := f.waitlist[hash]; ok {
			f.waitlist[hash][ann.origin] = struct{}{}
			if f.waitslots[ann.origin] == nil {
				f.waitslots[ann.origin] = make(map[common.Hash]struct{})
			}
			f.waitslots[ann.origin][hash] = struct{}{}
			continue
		}
		if _, ok := f.fetching[hash]; ok {
			if f.alternates[hash] == nil {
				f.alternates[hash] = make(map[string]struct{})
			}
			f.alternates[hash][ann.origin] = struct{}{}
			continue
		}
		f.waitlist[hash] = map[string]struct{}{ann.origin: {}}
		f.waittime[hash] = f.clock.Now()
		if f.waitslots[ann.origin] == nil {
			f.waitslots[ann.origin] = make(map[common.Hash]struct{})
		}
		f.waitslots[ann.origin][hash] = struct{}{}
	}
}

// handleDelivery reconciles a request's response (or a direct push)
// against the tracking state: every requested hash leaves the fetching
// table, and a requested hash missing from the delivery is recorded in
// the underpriced set so it is not requested again, while its other
// announcers go back on the waitlist (§4.8 step 4). A delivery with no
// origin is the timeout wake-up: every request older than
// txFetchTimeout is then handled as an empty delivery.
func (f *TxFetcher) handleDelivery(delivery *txDelivery) {
	if delivery.direct {
		for _, hash := range delivery.hashes {
			delete(f.waitlist, hash)
			delete(f.fetching, hash)
			delete(f.alternates, hash)
		}
		return
	}
	if delivery.origin == "" {
		now := f.clock.Now()
		for peer, req := range f.requests {
			if time.Duration(now-req.time) >= txFetchTimeout {
				f.handleDelivery(&txDelivery{origin: peer})
			}
		}
		return
	}
	req, ok := f.requests[delivery.origin]
	if !ok {
		return
	}
	delete(f.requests, delivery.origin)

	delivered := make(map[common.Hash]struct{}, len(delivery.hashes))
	for _, hash := range delivery.hashes {
		delivered[hash] = struct{}{}
	}
	for _, hash := range req.hashes {
		if _, ok := delivered[hash]; !ok {
			f.underpriced.Add(hash, time.Now())
		}
		delete(f.fetching, hash)
		if alts, ok := f.alternates[hash]; ok {
			for alt := range alts {
				if _, ok := delivered[hash]; !ok {
					if f.waitslots[alt] == nil {
						f.waitslots[alt] = make(map[common.Hash]struct{})
					}
					f.waitlist[hash] = map[string]struct{}{alt: {}}
					f.waittime[hash] = f.clock.Now()
				}
			}
			delete(f.alternates, hash)
		}
	}
}

// handleDrop purges the waitlist, fetching table and in-flight request
// of a disconnected peer. The hashes of that in-flight request are not
// handed to an alternate announcer.
func (f *TxFetcher) handleDrop(drop *txDrop) {
	for hash := range f.waitslots[drop.peer] {
		delete(f.waitlist[hash], drop.peer)
		if len(f.waitlist[hash]) == 0 {
			delete(f.waitlist, hash)
			delete(f.waittime, hash)
		}
	}
	delete(f.waitslots, drop.peer)
	delete(f.announces, drop.peer)

	if req, ok := f.requests[drop.peer]; ok {
		for _, hash := range req.hashes {
			delete(f.fetching, hash)
		}
		delete(f.requests, drop.peer)
	}
}

// rescheduleWait arms waitTimer for the earliest hash still maturing
// past txArriveTimeout (§4.8 step 2).
func (f *TxFetcher) rescheduleWait(timer *mclock.Timer) {
	if *timer != nil {
		(*timer).Stop()
	}
	if len(f.waittime) == 0 {
		return
	}
	earliest := f.clock.Now()
	for _, instance := range f.waittime {
		if earliest > instance {
			earliest = instance
		}
	}
	*timer = f.clock.AfterFunc(txArriveTimeout-time.Duration(f.clock.Now()-earliest), func() {
		f.notify <- &txAnnounce{} // wake the loop; no-op announce
	})
}

// rescheduleTimeout arms timeoutTimer for the earliest in-flight
// request's deadline, dropping it (and blacklisting the peer's
// outstanding batch) on expiry (§4.8 step 3, §7 RequestTimeout).
func (f *TxFetcher) rescheduleTimeout(timer *mclock.Timer) {
	if *timer != nil {
		(*timer).Stop()
	}
	if len(f.requests) == 0 {
		return
	}
	earliest := f.clock.Now()
	for _, req := range f.requests {
		if earliest > req.time {
			earliest = req.time
		}
	}
	*timer = f.clock.AfterFunc(txFetchTimeout-time.Duration(f.clock.Now()-earliest), func() {
		f.cleanup <- &txDelivery{} // no origin: handleDelivery expires overdue requests
	})
}

// scheduleFetches picks, for every peer with no in-flight request, the
// largest batch of matured waitlist hashes it can serve and issues a
// GetPooledTransactions (§4.8 step 2, bounded by maxTxRetrievals
// hashes; maxTxRetrievalSize is not applied here).
func (f *TxFetcher) scheduleFetches() {
	idle := make(map[string]struct{})
	for peer := range f.waitslots {
		if _, busy := f.requests[peer]; !busy {
			idle[peer] = struct{}{}
		}
	}
	if len(idle) == 0 {
		return
	}

	now := f.clock.Now()
	actives := make(map[string][]common.Hash)
	for hash, when := range f.waittime {
		if time.Duration(now-when) < txArriveTimeout-txGatherSlack {
			continue
		}
		for peer := range f.waitlist[hash] {
			if _, ok := idle[peer]; ok {
				actives[peer] = append(actives[peer], hash)
			}
		}
	}
	if len(actives) == 0 {
		return
	}

	peers := make([]string, 0, len(actives))
	for peer := range actives {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	f.rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	for _, peer := range peers {
		hashes := actives[peer]
		if len(hashes) > maxTxRetrievals {
			hashes = hashes[:maxTxRetrievals]
		}
		for _, hash := range hashes {
			delete(f.waitlist[hash], peer)
			if len(f.waitlist[hash]) == 0 {
				delete(f.waitlist, hash)
				delete(f.waittime, hash)
			}
			delete(f.waitslots[peer], hash)
			f.fetching[hash] = peer
		}
		if len(f.waitslots[peer]) == 0 {
			delete(f.waitslots, peer)
		}
		f.requests[peer] = &txRequest{hashes: hashes, time: now}
		go func(peer string, hashes []common.Hash) {
			if err := f.fetchTxs(peer, hashes); err != nil {
				log.Debug("transaction retrieval failed", "peer", peer, "err", err)
			}
		}(peer, hashes)
	}
}

// fetchBudget returns how many hashes fit under maxTxRetrievalSize
// assuming an average-sized legacy transaction; used by callers that
// want to pre-trim an announcement before calling Notify.
func fetchBudget(avgTxSize int) int {
	if avgTxSize <= 0 {
		return maxTxRetrievals
	}
	n := maxTxRetrievalSize / avgTxSize
	if n > maxTxRetrievals {
		return maxTxRetrievals
	}
	if n < 1 {
		return 1
	}
	return int(math.Min(float64(n), maxTxRetrievals))
}
