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
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/gocoreeth/gocoreeth/eth/fetcher"
	"github.com/gocoreeth/gocoreeth/p2p"
)

// BlockChain is the subset of the chain port (chain.Chain) the wire
// protocol needs to answer requests and import announced blocks.
type BlockChain interface {
	GenesisHash() common.Hash
	CurrentHeader() *types.Header
	GetTd(hash common.Hash, number uint64) *big.Int
	HeaderByNumber(number uint64) *types.Header
	HeaderByHash(hash common.Hash) *types.Header
	BlockByHash(hash common.Hash) *types.Block
	GetReceipts(hash common.Hash) types.Receipts
	InsertChain(blocks []*types.Block) (int, error)
}

// TxPool is the subset of core/txpool the protocol needs to answer
// GetPooledTransactions and to inject gossiped transactions.
type TxPool interface {
	Get(hash common.Hash) *types.Transaction
	Has(hash common.Hash) bool
	AddRemotes(txs []*types.Transaction) []error
}

// Handler realizes NetworkCore (§4.6): converts raw p2p.Peer
// connections into eth Peers, drives STATUS, owns the peer set,
// enforces the ban policy and answers idle-peer selection.
type Handler struct {
	networkID  uint64
	chain      BlockChain
	txpool     TxPool
	forkFilter func(ForkID) error

	peers *peerSet

	seenMu       sync.Mutex
	seenAnnounce *lru.Cache[common.Hash, struct{}] // §4.5 Idempotence

	txFetcher    *fetcher.TxFetcher
	blockFetcher *fetcher.BlockFetcher

	log log.Logger
}

func NewHandler(networkID uint64, chain BlockChain, txpool TxPool, forkFilter func(ForkID) error) *Handler {
	seen, _ := lru.New[common.Hash, struct{}](8192)
	h := &Handler{
		networkID:    networkID,
		chain:        chain,
		txpool:       txpool,
		forkFilter:   forkFilter,
		peers:        newPeerSet(),
		seenAnnounce: seen,
		log:          log.New("module", "eth/handler"),
	}
	h.txFetcher = fetcher.NewTxFetcher(txpool.Has, txpool.AddRemotes, func(peer string, hashes []common.Hash) error {
		p := h.peers.peer(peer)
		if p == nil {
			return errPeerNotRegistered
		}
		return p.RequestTxs(hashes)
	})
	go h.txFetcher.Start()

	h.blockFetcher = fetcher.NewBlockFetcher(chain, func(id string) fetcher.BlockFetchPeer {
		p := h.peers.peer(id)
		if p == nil {
			return nil
		}
		return p
	})
	go h.blockFetcher.Start()
	return h
}

// MakeProtocols returns the p2p.Protocol set (one per supported
// version) that runs this handler over a negotiated RLPx session
// (§4.4 handle(), §4.5).
func (h *Handler) MakeProtocols() []p2p.Protocol {
	protos := make([]p2p.Protocol, 0, len(ProtocolVersions))
	for _, version := range ProtocolVersions {
		version := version
		protos = append(protos, p2p.Protocol{
			Name:    ProtocolName,
			Version: version,
			Length:  protocolLengths[version],
			Run: func(p *p2p.Peer, rw p2p.MsgReadWriter) error {
				peer := NewPeer(version, p, rw)
				return h.runPeer(peer)
			},
		})
	}
	return protos
}

// runPeer drives the NetworkCore state machine for one Connection:
// accepted -> STATUS exchange -> ready (registered) -> message loop
// until close, then removed (§4.6 state machine).
func (h *Handler) runPeer(p *Peer) error {
	head := h.chain.CurrentHeader()
	td := h.chain.GetTd(head.Hash(), head.Number.Uint64())
	if err := p.Handshake(h.networkID, td, head.Hash(), h.chain.GenesisHash(), ForkID{}, h.forkFilter); err != nil {
		h.log.Debug("ETH handshake failed", "id", p.ID(), "err", err)
		return err
	}
	if err := h.peers.register(p); err != nil {
		return err
	}
	defer func() {
		h.peers.unregister(p.ID(), nil)
		h.txFetcher.Drop(p.ID())
	}()

	for {
		if err := h.handleMessage(p); err != nil {
			h.peers.PeerFeed.Send(PeerEvent{Type: "error", Peer: p, Err: err})
			return err
		}
	}
}

// handleMessage dispatches one incoming message per §4.5's message
// table, enforcing the bit-exact limits and reqId echo requirement.
func (h *Handler) handleMessage(p *Peer) error {
	msg, err := p.rw.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Size > protocolMaxMsgSize {
		return fmt.Errorf("%w: size %d", errMsgTooLarge, msg.Size)
	}
	defer p2p.Discard(msg)

	switch msg.Code {
	case StatusMsg:
		return fmt.Errorf("%w: unexpected STATUS", errUnexpectedMsg)

	case GetBlockHeadersMsg:
		var req GetBlockHeadersRequest
		if err := p2p.Decode(msg, &req); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		headers := h.answerGetBlockHeaders(req.GetBlockHeadersPacket)
		return p2p.Send(p.rw, BlockHeadersMsg, &BlockHeadersPacket{RequestId: req.RequestId, Headers: headers})

	case BlockHeadersMsg:
		var res BlockHeadersPacket
		if err := p2p.Decode(msg, &res); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		p.deliver(res.RequestId, res.Headers)
		return nil

	case GetBlockBodiesMsg:
		var req GetBlockBodiesRequest
		if err := p2p.Decode(msg, &req); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		bodies := h.answerGetBlockBodies(req.Hashes)
		return p2p.Send(p.rw, BlockBodiesMsg, &BlockBodiesPacket{RequestId: req.RequestId, Bodies: bodies})

	case BlockBodiesMsg:
		var res BlockBodiesPacket
		if err := p2p.Decode(msg, &res); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		p.deliver(res.RequestId, res.Bodies)
		return nil

	case GetReceiptsMsg:
		var req GetReceiptsRequest
		if err := p2p.Decode(msg, &req); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		receipts := h.answerGetReceipts(req.Hashes)
		return p2p.Send(p.rw, ReceiptsMsg, &ReceiptsPacket{RequestId: req.RequestId, Receipts: receipts})

	case ReceiptsMsg:
		var res ReceiptsPacket
		if err := p2p.Decode(msg, &res); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		p.deliver(res.RequestId, res.Receipts)
		return nil

	case GetPooledTransactionsMsg:
		var req GetPooledTransactionsRequest
		if err := p2p.Decode(msg, &req); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		txs := h.answerGetPooledTransactions(req.Hashes)
		return p2p.Send(p.rw, PooledTransactionsMsg, &PooledTransactionsPacket{RequestId: req.RequestId, Txs: txs})

	case PooledTransactionsMsg:
		var res PooledTransactionsPacket
		if err := p2p.Decode(msg, &res); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		if !p.deliver(res.RequestId, res.Txs) {
			return h.txFetcher.DeliverTxs(p.ID(), res.Txs)
		}
		return nil

	case NewBlockHashesMsg:
		var ann NewBlockHashesPacket
		if err := p2p.Decode(msg, &ann); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		h.handleNewBlockHashes(p, ann)
		return nil

	case NewBlockMsg:
		var ann NewBlockPacket
		if err := p2p.Decode(msg, &ann); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		h.handleNewBlock(p, &ann)
		return nil

	case TransactionsMsg:
		var txs TransactionsPacket
		if err := p2p.Decode(msg, &txs); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		h.handleTransactions(p, txs)
		return nil

	case NewPooledTransactionHashesMsg:
		var ann NewPooledTransactionHashesPacket
		if err := p2p.Decode(msg, &ann); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		if len(ann.Hashes) > maxTxHashesAnnounce {
			return fmt.Errorf("%w: %d hashes", errMsgTooLarge, len(ann.Hashes))
		}
		h.handleTxHashes(p, ann)
		return nil

	default:
		return fmt.Errorf("%w: %d", errInvalidMsgCode, msg.Code)
	}
}

func (h *Handler) answerGetBlockHeaders(req *GetBlockHeadersPacket) []*types.Header {
	amount := req.Amount
	if amount > maxHeadersServe {
		amount = maxHeadersServe
	}
	var headers []*types.Header
	var origin *types.Header
	if req.Origin.Hash != (common.Hash{}) {
		origin = h.chain.HeaderByHash(req.Origin.Hash)
	} else {
		origin = h.chain.HeaderByNumber(req.Origin.Number)
	}
	if origin == nil {
		return nil
	}
	num := origin.Number.Uint64()
	for i := uint64(0); i < amount; i++ {
		var next uint64
		if req.Reverse {
			if num < (req.Skip+1)*i {
				break
			}
			next = num - (req.Skip+1)*i
		} else {
			next = num + (req.Skip+1)*i
		}
		hdr := h.chain.HeaderByNumber(next)
		if hdr == nil {
			break
		}
		headers = append(headers, hdr)
	}
	return headers
}

func (h *Handler) answerGetBlockBodies(hashes []common.Hash) []*types.Body {
	var bodies []*types.Body
	for i, hash := range hashes {
		if i >= maxBodiesServe {
			break
		}
		block := h.chain.BlockByHash(hash)
		if block == nil {
			continue
		}
		bodies = append(bodies, block.Body())
	}
	return bodies
}

// answerGetReceipts stops at the first chunk exceeding 2 MiB total
// (§4.5 Limits).
func (h *Handler) answerGetReceipts(hashes []common.Hash) [][]*types.Receipt {
	var (
		receipts []([]*types.Receipt)
		size     int
	)
	for _, hash := range hashes {
		if size > maxReceiptsServe {
			break
		}
		rs := h.chain.GetReceipts(hash)
		receipts = append(receipts, rs)
		size += len(rs) * 256
	}
	return receipts
}

func (h *Handler) answerGetPooledTransactions(hashes []common.Hash) []*types.Transaction {
	var txs []*types.Transaction
	for _, hash := range hashes {
		if tx := h.txpool.Get(hash); tx != nil {
			txs = append(txs, tx)
		}
	}
	return txs
}

// handleNewBlockHashes enforces §4.5 Idempotence: a repeated identical
// announcement from the same peer is a silent no-op, and hands fresh
// ones to the BlockFetcher for a header-then-body pull (§4.9).
func (h *Handler) handleNewBlockHashes(p *Peer, ann NewBlockHashesPacket) {
	for _, a := range ann {
		h.seenMu.Lock()
		_, known := h.seenAnnounce.Get(a.Hash)
		if !known {
			h.seenAnnounce.Add(a.Hash, struct{}{})
		}
		h.seenMu.Unlock()
		if known {
			continue
		}
		if err := h.blockFetcher.Notify(p.ID(), a.Hash, a.Number); err != nil {
			h.log.Debug("notify block fetcher failed", "peer", p.ID(), "err", err)
		}
	}
}

func (h *Handler) handleNewBlock(p *Peer, ann *NewBlockPacket) {
	p.SetHead(ann.Block.Hash(), ann.TD)
	if err := h.blockFetcher.Enqueue(p.ID(), ann.Block, ann.TD); err != nil {
		h.log.Debug("enqueue gossiped block failed", "peer", p.ID(), "err", err)
	}
}

// handleTransactions realizes the open-question decision recorded in
// SPEC_FULL.md §11.1: KnownByPeer is updated only for accepted hashes.
// Acceptance is determined by the pool itself (txFetcher.Enqueue calls
// AddRemotes); we mark every hash the pool didn't reject.
func (h *Handler) handleTransactions(p *Peer, txs TransactionsPacket) {
	before := make(map[common.Hash]bool, len(txs))
	for _, tx := range txs {
		before[tx.Hash()] = h.txpool.Has(tx.Hash())
	}
	if err := h.txFetcher.Enqueue(p.ID(), txs); err != nil {
		h.log.Debug("enqueue gossiped transactions failed", "peer", p.ID(), "err", err)
		return
	}
	for _, tx := range txs {
		hash := tx.Hash()
		if before[hash] || h.txpool.Has(hash) {
			p.MarkTransaction(hash)
		}
	}
}

func (h *Handler) handleTxHashes(p *Peer, ann NewPooledTransactionHashesPacket) {
	for _, hash := range ann.Hashes {
		p.MarkTransaction(hash)
	}
	if err := h.txFetcher.Notify(p.ID(), ann.Hashes); err != nil {
		h.log.Debug("notify tx fetcher failed", "peer", p.ID(), "err", err)
	}
}

// Peers exposes the peer set to Synchronizer/Miner/TxPool (§4.6
// idlePeer, bestPeer).
func (h *Handler) Peers() *peerSet { return h.peers }

// Ban implements §4.6 Ban policy: remove the peer and forbid
// reconnection for banMaxAge.
func (h *Handler) Ban(id string) { h.peers.ban(id) }

// BestPeer returns the idle peer with the highest claimed total
// difficulty, the Synchronizer's peer-selection step (§4.9 step 1).
func (h *Handler) BestPeer() *Peer { return h.peers.bestPeer() }

// IdlePeer returns a uniformly random idle peer matching filter; no
// component in this module calls it.
func (h *Handler) IdlePeer(filter func(*Peer) bool) *Peer { return h.peers.idlePeer(filter) }

// PeerCount reports how many eth peers are currently registered.
func (h *Handler) PeerCount() int { return h.peers.len() }
