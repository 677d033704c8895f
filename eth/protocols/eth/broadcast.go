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
	"math"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/gocoreeth/gocoreeth/p2p"
)

// BroadcastTransactions gossips txs to the network: a random
// sqrt(peerCount)-sized subset gets the full transaction body, every
// other peer that hasn't already seen the hash gets a
// NewPooledTransactionHashes announcement instead (§4.7 Gossip,
// §4.5 Peer-map invariant via KnownByPeer dedup).
func (h *Handler) BroadcastTransactions(txs types.Transactions) {
	var (
		directCount int
		annCount    int
	)
	peers := h.peers.snapshot()
	if len(peers) == 0 {
		return
	}

	direct := make(map[*Peer]types.Transactions)
	announce := make(map[*Peer][]common.Hash)

	for _, tx := range txs {
		hash := tx.Hash()
		candidates := make([]*Peer, 0, len(peers))
		for _, p := range peers {
			if !p.KnowsTransaction(hash) {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		numDirect := int(math.Sqrt(float64(len(candidates))))
		if numDirect < 1 {
			numDirect = 1
		}
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		for i, p := range candidates {
			if i < numDirect {
				direct[p] = append(direct[p], tx)
				directCount++
			} else {
				announce[p] = append(announce[p], hash)
				annCount++
			}
			p.MarkTransaction(hash)
		}
	}

	for p, list := range direct {
		p := p
		list := list
		go func() {
			if err := p2p.Send(p.rw, TransactionsMsg, TransactionsPacket(list)); err != nil {
				log.Debug("broadcast transactions failed", "peer", p.ID(), "err", err)
			}
		}()
	}
	for p, hashes := range announce {
		p := p
		hashes := hashes
		go func() {
			pkt := NewPooledTransactionHashesPacket{Hashes: hashes}
			if err := p2p.Send(p.rw, NewPooledTransactionHashesMsg, &pkt); err != nil {
				log.Debug("announce transactions failed", "peer", p.ID(), "err", err)
			}
		}()
	}
	log.Trace("broadcast transactions", "direct", directCount, "announced", annCount)
}

// BroadcastBlock relays a newly mined or imported block: a
// sqrt(peerCount) subset gets the full NewBlock, the rest get a
// NewBlockHashes announcement (§4.7 Gossip).
func (h *Handler) BroadcastBlock(block *types.Block, td *big.Int) {
	peers := h.peers.snapshot()
	var transfer []*Peer
	for _, p := range peers {
		if known, _ := p.Head(); known != block.Hash() {
			transfer = append(transfer, p)
		}
	}
	if len(transfer) == 0 {
		return
	}
	numDirect := int(math.Sqrt(float64(len(transfer))))
	if numDirect < 1 {
		numDirect = 1
	}
	rand.Shuffle(len(transfer), func(i, j int) { transfer[i], transfer[j] = transfer[j], transfer[i] })
	for i, p := range transfer {
		p := p
		if i < numDirect {
			go func() {
				if err := p2p.Send(p.rw, NewBlockMsg, &NewBlockPacket{Block: block, TD: td}); err != nil {
					log.Debug("broadcast block failed", "peer", p.ID(), "err", err)
				}
			}()
		} else {
			go func() {
				ann := NewBlockHashesPacket{{Hash: block.Hash(), Number: block.NumberU64()}}
				if err := p2p.Send(p.rw, NewBlockHashesMsg, ann); err != nil {
					log.Debug("announce block failed", "peer", p.ID(), "err", err)
				}
			}()
		}
		p.SetHead(block.Hash(), td)
	}
}
