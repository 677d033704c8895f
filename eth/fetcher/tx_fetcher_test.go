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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTxFetcher() *TxFetcher {
	f := NewTxFetcher(
		func(common.Hash) bool { return false },
		func([]*types.Transaction) []error { return nil },
		func(string, []common.Hash) error { return nil },
	)
	f.clock = new(mclock.Simulated)
	return f
}

func TestHandleAnnounceNewHashGoesToWaitlist(t *testing.T) {
	f := newTestTxFetcher()
	hash := common.HexToHash("0x01")

	f.handleAnnounce(&txAnnounce{origin: "peerA", hashes: []common.Hash{hash}})

	require.Contains(t, f.waitlist, hash)
	assert.Contains(t, f.waitlist[hash], "peerA")
	assert.Contains(t, f.waitslots["peerA"], hash)
}

func TestHandleAnnounceSecondPeerJoinsWaitlist(t *testing.T) {
	f := newTestTxFetcher()
	hash := common.HexToHash("0x01")

	f.handleAnnounce(&txAnnounce{origin: "peerA", hashes: []common.Hash{hash}})
	f.handleAnnounce(&txAnnounce{origin: "peerB", hashes: []common.Hash{hash}})

	assert.Len(t, f.waitlist[hash], 2)
	assert.Contains(t, f.waitlist[hash], "peerB")
}

func TestHandleAnnounceAlreadyFetchingBecomesAlternate(t *testing.T) {
	f := newTestTxFetcher()
	hash := common.HexToHash("0x01")
	f.fetching[hash] = "peerA"

	f.handleAnnounce(&txAnnounce{origin: "peerB", hashes: []common.Hash{hash}})

	require.Contains(t, f.alternates, hash)
	assert.Contains(t, f.alternates[hash], "peerB")
	assert.NotContains(t, f.waitlist, hash)
}

func TestHandleDropPurgesWaitlistAndRequests(t *testing.T) {
	f := newTestTxFetcher()
	hash := common.HexToHash("0x01")
	f.handleAnnounce(&txAnnounce{origin: "peerA", hashes: []common.Hash{hash}})

	reqHash := common.HexToHash("0x02")
	f.fetching[reqHash] = "peerA"
	f.requests["peerA"] = &txRequest{hashes: []common.Hash{reqHash}}

	f.handleDrop(&txDrop{peer: "peerA"})

	assert.NotContains(t, f.waitlist, hash)
	assert.NotContains(t, f.waitslots, "peerA")
	assert.NotContains(t, f.requests, "peerA")
	assert.NotContains(t, f.fetching, reqHash)
}

func TestHandleDeliveryUnansweredHashesGoUnderpriced(t *testing.T) {
	f := newTestTxFetcher()
	wanted, missing := common.HexToHash("0x01"), common.HexToHash("0x02")
	f.fetching[wanted] = "peerA"
	f.fetching[missing] = "peerA"
	f.requests["peerA"] = &txRequest{hashes: []common.Hash{wanted, missing}}

	f.handleDelivery(&txDelivery{origin: "peerA", hashes: []common.Hash{wanted}})

	assert.NotContains(t, f.fetching, wanted)
	assert.NotContains(t, f.fetching, missing)
	_, underpriced := f.underpriced.Get(missing)
	assert.True(t, underpriced)
	_, wasUnderpriced := f.underpriced.Get(wanted)
	assert.False(t, wasUnderpriced)
}

func TestHandleDeliveryDirectClearsTrackingWithoutUnderpricing(t *testing.T) {
	f := newTestTxFetcher()
	hash := common.HexToHash("0x01")
	f.waitlist[hash] = map[string]struct{}{"peerA": {}}
	f.fetching[hash] = "peerA"

	f.handleDelivery(&txDelivery{origin: "peerA", hashes: []common.Hash{hash}, direct: true})

	assert.NotContains(t, f.waitlist, hash)
	assert.NotContains(t, f.fetching, hash)
	_, underpriced := f.underpriced.Get(hash)
	assert.False(t, underpriced)
}

func TestScheduleFetchesIssuesRequestOnceMatured(t *testing.T) {
	f := newTestTxFetcher()
	hash := common.HexToHash("0x01")
	f.handleAnnounce(&txAnnounce{origin: "peerA", hashes: []common.Hash{hash}})

	// Not yet matured: txArriveTimeout hasn't elapsed.
	f.scheduleFetches()
	assert.NotContains(t, f.requests, "peerA")

	f.clock.(*mclock.Simulated).Run(txArriveTimeout)
	f.scheduleFetches()

	require.Contains(t, f.requests, "peerA")
	assert.Equal(t, []common.Hash{hash}, f.requests["peerA"].hashes)
	assert.Contains(t, f.fetching, hash)
}

func TestFetchBudgetClampsToRetrievalCap(t *testing.T) {
	assert.Equal(t, maxTxRetrievals, fetchBudget(0))
	assert.Equal(t, 1, fetchBudget(maxTxRetrievalSize*2))
	assert.Equal(t, maxTxRetrievals, fetchBudget(1))
}
