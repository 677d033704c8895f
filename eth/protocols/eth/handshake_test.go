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
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocoreeth/gocoreeth/p2p"
	"github.com/gocoreeth/gocoreeth/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wirePeer builds a fully wired Peer over one end of a p2p.MsgPipe, the
// same in-memory harness the teacher's protocol tests dial against
// instead of a live RLPx connection.
func wirePeer(id byte, rw p2p.MsgReadWriter) *Peer {
	node := &enode.Node{ID: enode.ID{id}}
	return NewPeer(ETH68, p2p.NewPeer(node, nil), rw)
}

func TestHandshakeAcceptsMatchingStatus(t *testing.T) {
	rwA, rwB := p2p.MsgPipe()
	a, b := wirePeer(1, rwA), wirePeer(2, rwB)

	genesis := common.HexToHash("0xaa")
	forkID := ForkID{Hash: [4]byte{1, 2, 3, 4}}

	errc := make(chan error, 2)
	go func() { errc <- a.Handshake(1, big.NewInt(100), common.HexToHash("0x01"), genesis, forkID, nil) }()
	go func() { errc <- b.Handshake(1, big.NewInt(200), common.HexToHash("0x02"), genesis, forkID, nil) }()

	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	head, td := a.Head()
	assert.Equal(t, common.HexToHash("0x02"), head)
	assert.Equal(t, int64(200), td.Int64())
}

func TestHandshakeRejectsNetworkIDMismatch(t *testing.T) {
	rwA, rwB := p2p.MsgPipe()
	a, b := wirePeer(1, rwA), wirePeer(2, rwB)

	genesis := common.HexToHash("0xaa")

	errc := make(chan error, 2)
	go func() { errc <- a.Handshake(1, big.NewInt(1), common.Hash{}, genesis, ForkID{}, nil) }()
	go func() { errc <- b.Handshake(2, big.NewInt(1), common.Hash{}, genesis, ForkID{}, nil) }()

	err1, err2 := <-errc, <-errc
	assert.True(t, errIsOneOf(err1, err2, errNetworkIDMismatch))
}

func TestHandshakeRejectsGenesisMismatch(t *testing.T) {
	rwA, rwB := p2p.MsgPipe()
	a, b := wirePeer(1, rwA), wirePeer(2, rwB)

	errc := make(chan error, 2)
	go func() { errc <- a.Handshake(1, big.NewInt(1), common.Hash{}, common.HexToHash("0x01"), ForkID{}, nil) }()
	go func() { errc <- b.Handshake(1, big.NewInt(1), common.Hash{}, common.HexToHash("0x02"), ForkID{}, nil) }()

	err1, err2 := <-errc, <-errc
	assert.True(t, errIsOneOf(err1, err2, errGenesisMismatch))
}

func TestHandshakeRejectsForkFilter(t *testing.T) {
	rwA, rwB := p2p.MsgPipe()
	a, b := wirePeer(1, rwA), wirePeer(2, rwB)

	genesis := common.HexToHash("0xaa")
	reject := func(ForkID) error { return errForkIDRejected }

	errc := make(chan error, 2)
	go func() { errc <- a.Handshake(1, big.NewInt(1), common.Hash{}, genesis, ForkID{}, nil) }()
	go func() { errc <- b.Handshake(1, big.NewInt(1), common.Hash{}, genesis, ForkID{}, reject) }()

	err1, err2 := <-errc, <-errc
	assert.True(t, errIsOneOf(err1, err2, errForkIDRejected))
}

// errIsOneOf reports whether either handshake result wraps target; the
// side that read the mismatched STATUS is the one that fails, and
// which side reads first is not deterministic over a MsgPipe.
func errIsOneOf(err1, err2, target error) bool {
	return errors.Is(err1, target) || errors.Is(err2, target)
}
