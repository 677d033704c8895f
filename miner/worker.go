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

package miner

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/chain"
	"github.com/gocoreeth/gocoreeth/core/types"
)

// minTxGas is the cheapest a transaction's intrinsic cost can be; the
// assembly loop stops pulling once the remaining gas pool drops below
// it (§4.10 step 3).
const minTxGas = 21000

// TxPool is the subset of core/txpool.LegacyPool the worker needs to
// pull an ordered transaction set and drop included ones.
type TxPool interface {
	Pending() map[common.Address]types.Transactions
}

// buildResult is the product of one assembly attempt: the unsealed
// block returned by the executor's BlockBuilder and the transactions
// it actually included, which the caller must remove from the pool.
type buildResult struct {
	block    *types.Block
	receipts types.Receipts
	included types.Transactions
}

// assemble runs one block assembly: pull transactions in price/nonce
// order from the pool and add them to builder until gas runs low, a
// transaction is individually inadmissible, or interrupt fires.
//
// Grounded on the build loop in
// ef663141_SipengXie-modifiedGeth__miner-executor.go.go, adapted from
// its grpc/consensus-layer feed to pulling straight from TxPool.
func (m *Miner) assemble(builder chain.BlockBuilder, pending map[common.Address]types.Transactions, interrupt <-chan struct{}) (*buildResult, error) {
	txs := NewTxsByPriceAndNonce(pending)
	included := make(types.Transactions, 0)

	for {
		select {
		case <-interrupt:
			return nil, errInterrupted
		default:
		}

		if builder.GasPool() < minTxGas {
			break
		}
		tx := txs.Peek()
		if tx == nil {
			break
		}

		err := builder.AddTx(tx)
		switch {
		case errors.Is(err, chain.ErrGasLimitReached):
			// This transaction alone doesn't fit; others from the same
			// sender are no smaller, so drop the whole account and try
			// the next best sender.
			txs.Pop()
		case err != nil:
			log.Debug("skipping transaction during assembly", "hash", tx.Hash(), "err", err)
			txs.Pop()
		default:
			included = append(included, tx)
			txs.Shift()
		}
	}

	block, receipts, err := builder.Finalize()
	if err != nil {
		return nil, err
	}
	return &buildResult{block: block, receipts: receipts, included: included}, nil
}

var errInterrupted = errors.New("assembly interrupted by new head")
