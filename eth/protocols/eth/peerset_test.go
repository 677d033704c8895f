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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocoreeth/gocoreeth/p2p"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idlePeer(id byte, td int64) *Peer {
	rw, _ := p2p.MsgPipe()
	p := wirePeer(id, rw)
	p.SetHead(common.Hash{}, big.NewInt(td))
	return p
}

func TestPeerSetRegisterRejectsDuplicate(t *testing.T) {
	ps := newPeerSet()
	p := idlePeer(1, 1)
	require.NoError(t, ps.register(p))
	assert.ErrorIs(t, ps.register(p), errPeerAlreadyRegistered)
}

func TestPeerSetUnregisterThenRegisterAgainSucceeds(t *testing.T) {
	ps := newPeerSet()
	p := idlePeer(1, 1)
	require.NoError(t, ps.register(p))
	require.NoError(t, ps.unregister(p.ID(), nil))
	assert.NoError(t, ps.register(p))
}

func TestPeerSetBanRejectsReconnectUntilExpiry(t *testing.T) {
	ps := newPeerSet()
	p := idlePeer(1, 1)
	require.NoError(t, ps.register(p))
	ps.ban(p.ID())

	assert.Nil(t, ps.peer(p.ID()))
	err := ps.register(idlePeer(1, 1))
	assert.Error(t, err)
}

func TestPeerSetBestPeerPicksHighestTD(t *testing.T) {
	ps := newPeerSet()
	low, high := idlePeer(1, 10), idlePeer(2, 20)
	require.NoError(t, ps.register(low))
	require.NoError(t, ps.register(high))

	best := ps.bestPeer()
	require.NotNil(t, best)
	assert.Equal(t, high.ID(), best.ID())
}

func TestPeerSetBestPeerSkipsBusyPeers(t *testing.T) {
	ps := newPeerSet()
	low, high := idlePeer(1, 10), idlePeer(2, 20)
	high.SetIdle(false)
	require.NoError(t, ps.register(low))
	require.NoError(t, ps.register(high))

	best := ps.bestPeer()
	require.NotNil(t, best)
	assert.Equal(t, low.ID(), best.ID())
}

func TestPeerSetIdlePeerFiltersByPredicate(t *testing.T) {
	ps := newPeerSet()
	a, b := idlePeer(1, 1), idlePeer(2, 1)
	require.NoError(t, ps.register(a))
	require.NoError(t, ps.register(b))

	got := ps.idlePeer(func(p *Peer) bool { return p.ID() == b.ID() })
	require.NotNil(t, got)
	assert.Equal(t, b.ID(), got.ID())
}

func TestPeerSetSnapshotLength(t *testing.T) {
	ps := newPeerSet()
	require.NoError(t, ps.register(idlePeer(1, 1)))
	require.NoError(t, ps.register(idlePeer(2, 1)))
	assert.Len(t, ps.snapshot(), 2)
	assert.Equal(t, 2, ps.len())
}
