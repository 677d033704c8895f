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

package eth

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/gocoreeth/gocoreeth/p2p"
)

const (
	maxKnownTxs    = 32768 // KnownByPeer capacity per peer (§3)
	maxQueuedTxs   = 4096
	protocolTimeout = 6 * time.Second // §4.5 request timeout default
	maxConsecutiveTimeouts = 3        // §4.5, §7 RequestTimeout ban threshold
)

// Peer wraps a p2p.Peer with ETH protocol state: remote STATUS, best
// header known, idle flag, reqId counter and pending request map
// (§3 Peer).
type Peer struct {
	*p2p.Peer
	rw      p2p.MsgReadWriter
	version uint

	id string

	head    common.Hash
	td      *big.Int
	headMu  sync.RWMutex

	reqID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest

	idle atomic.Bool

	knownTxs *lru.Cache[common.Hash, int64] // KnownByPeer (§3)

	timeouts atomic.Int32
}

type pendingRequest struct {
	code    uint64
	created time.Time
	deliver chan interface{}
}

func NewPeer(version uint, p *p2p.Peer, rw p2p.MsgReadWriter) *Peer {
	known, _ := lru.New[common.Hash, int64](maxKnownTxs)
	peer := &Peer{
		Peer:    p,
		rw:      rw,
		version: version,
		id:      p.ID().String(),
		pending: make(map[uint64]*pendingRequest),
		knownTxs: known,
	}
	peer.idle.Store(true)
	return peer
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Head() (common.Hash, *big.Int) {
	p.headMu.RLock()
	defer p.headMu.RUnlock()
	return p.head, new(big.Int).Set(p.td)
}

func (p *Peer) SetHead(hash common.Hash, td *big.Int) {
	p.headMu.Lock()
	defer p.headMu.Unlock()
	p.head = hash
	p.td = new(big.Int).Set(td)
}

func (p *Peer) Idle() bool     { return p.idle.Load() }
func (p *Peer) SetIdle(v bool) { p.idle.Store(v) }

// MarkTransaction records that the peer is known to be aware of hash,
// suppressing re-announcement (§3 KnownByPeer).
func (p *Peer) MarkTransaction(hash common.Hash) {
	p.knownTxs.Add(hash, time.Now().Unix())
}

func (p *Peer) KnowsTransaction(hash common.Hash) bool {
	return p.knownTxs.Contains(hash)
}

func (p *Peer) nextReqID() uint64 { return p.reqID.Add(1) }

// request sends a framed request and waits up to protocolTimeout for
// the matching response; the third consecutive timeout returns
// ErrTooManyTimeouts, on which the Synchronizer bans the peer (§4.5,
// §7 RequestTimeout).
func (p *Peer) request(code uint64, reqID uint64, data interface{}) (interface{}, error) {
	ch := make(chan interface{}, 1)
	p.pendingMu.Lock()
	p.pending[reqID] = &pendingRequest{code: code, created: time.Now(), deliver: ch}
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, reqID)
		p.pendingMu.Unlock()
	}()

	if err := p2p.Send(p.rw, code, data); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		p.timeouts.Store(0)
		return resp, nil
	case <-time.After(protocolTimeout):
		if p.timeouts.Add(1) >= maxConsecutiveTimeouts {
			return nil, ErrTooManyTimeouts
		}
		return nil, ErrRequestTimeout
	}
}

// deliver routes a response to the pending request with the matching
// reqID, or drops it silently if none is waiting (late/duplicate
// reply, §4.5 Idempotence).
func (p *Peer) deliver(reqID uint64, payload interface{}) bool {
	p.pendingMu.Lock()
	req, ok := p.pending[reqID]
	p.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case req.deliver <- payload:
		return true
	default:
		return false
	}
}

// RequestTxs asks the peer for the full bodies of the given pooled
// transaction hashes (§4.8 step 2, fetcher.TxFetchPeer). Unlike
// RequestHeadersByNumber/RequestBodies this does not block for the
// reply: PooledTransactionsMsg answers are routed asynchronously from
// Handler.handleMessage into the TxFetcher.
func (p *Peer) RequestTxs(hashes []common.Hash) error {
	reqID := p.nextReqID()
	return p2p.Send(p.rw, GetPooledTransactionsMsg, &GetPooledTransactionsRequest{RequestId: reqID, Hashes: hashes})
}

// RequestHeadersByNumber asks for a header chain starting at number
// (§4.9 Synchronizer step 2).
func (p *Peer) RequestHeadersByNumber(number uint64, amount, skip uint64, reverse bool) ([]*types.Header, error) {
	reqID := p.nextReqID()
	resp, err := p.request(GetBlockHeadersMsg, reqID, &GetBlockHeadersRequest{
		RequestId: reqID,
		GetBlockHeadersPacket: &GetBlockHeadersPacket{
			Origin:  HashOrNumber{Number: number},
			Amount:  amount,
			Skip:    skip,
			Reverse: reverse,
		},
	})
	if err != nil {
		return nil, err
	}
	headers, _ := resp.([]*types.Header)
	return headers, nil
}

// RequestBodies asks for the bodies of the given block hashes (§4.9
// Synchronizer step 3).
func (p *Peer) RequestBodies(hashes []common.Hash) ([]*types.Body, error) {
	reqID := p.nextReqID()
	resp, err := p.request(GetBlockBodiesMsg, reqID, &GetBlockBodiesRequest{RequestId: reqID, Hashes: hashes})
	if err != nil {
		return nil, err
	}
	bodies, _ := resp.([]*types.Body)
	return bodies, nil
}
