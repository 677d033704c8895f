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

package discover

import (
	"net"
	"testing"

	"github.com/gocoreeth/gocoreeth/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nullTransport answers every PING/FINDNODE with success and no
// results; tests that only exercise bucket bookkeeping never need a
// real socket (§9 Design Notes: Transport exists for exactly this).
type nullTransport struct{}

func (nullTransport) ping(enode.ID, *net.UDPAddr) error                       { return nil }
func (nullTransport) findnode(enode.ID, *net.UDPAddr, enode.ID) ([]*enode.Node, error) {
	return nil, nil
}
func (nullTransport) close() {}

func nodeWithID(id byte, ip string) *enode.Node {
	n := &enode.Node{ID: enode.ID{id}}
	if ip != "" {
		n.IP = net.ParseIP(ip)
	}
	return n
}

func newTestTable() *Table {
	self := &enode.Node{ID: enode.ID{}}
	return NewTable(self, nullTransport{}, nil)
}

func TestPushReplacementDedupsAndCaps(t *testing.T) {
	var list []*enode.Node
	n1, n2 := nodeWithID(1, ""), nodeWithID(2, "")
	list = pushReplacement(list, n1, 2)
	list = pushReplacement(list, n1, 2) // duplicate, no-op
	list = pushReplacement(list, n2, 2)
	require.Len(t, list, 2)

	n3 := nodeWithID(3, "")
	list = pushReplacement(list, n3, 2)
	assert.Len(t, list, 2) // capped: oldest (n1) dropped
	assert.Equal(t, n2.ID, list[0].ID)
	assert.Equal(t, n3.ID, list[1].ID)
}

func TestAddIPEnforcesPerBucketAndPerTableLimits(t *testing.T) {
	tab := newTestTable()
	defer tab.Close()

	b := &bucket{ips: make(map[string]int)}
	for i := 0; i < bucketIPLimit; i++ {
		ok := tab.addIP(b, nodeWithID(byte(i+1), "10.0.0.1"))
		require.True(t, ok)
	}
	// The bucket's per-/24 limit is now exhausted.
	assert.False(t, tab.addIP(b, nodeWithID(99, "10.0.0.1")))
}

func TestBumpToTailMovesEntryToEnd(t *testing.T) {
	tab := newTestTable()
	defer tab.Close()

	b := &bucket{ips: make(map[string]int)}
	n1, n2, n3 := nodeWithID(1, ""), nodeWithID(2, ""), nodeWithID(3, "")
	b.entries = []*enode.Node{n1, n2, n3}

	tab.bumpToTail(b, n1.ID)
	require.Len(t, b.entries, 3)
	assert.Equal(t, n1.ID, b.entries[2].ID)
	assert.Equal(t, n2.ID, b.entries[0].ID)
}

func TestDeleteInBucketRemovesAndFreesIPSlot(t *testing.T) {
	tab := newTestTable()
	defer tab.Close()

	b := &bucket{ips: make(map[string]int)}
	n := nodeWithID(1, "10.0.0.1")
	require.True(t, tab.addIP(b, n))
	b.entries = []*enode.Node{n}

	tab.deleteInBucket(b, n.ID)
	assert.Empty(t, b.entries)
	assert.Equal(t, 0, tab.ips[subnetKey(n.IP, bucketSubnet)])
}

func TestClosestOrdersByXORDistance(t *testing.T) {
	tab := newTestTable()
	defer tab.Close()

	target := enode.ID{0x00}
	near := nodeWithID(0x01, "")  // distance 1 bit from target
	far := nodeWithID(0xff, "")   // distance far from target

	d := enode.LogDist(tab.self.ID, near.ID)
	tab.buckets[d].entries = append(tab.buckets[d].entries, near)
	d2 := enode.LogDist(tab.self.ID, far.ID)
	tab.buckets[d2].entries = append(tab.buckets[d2].entries, far)

	closest := tab.Closest(target, 2)
	require.Len(t, closest, 2)
	assert.Equal(t, near.ID, closest[0].ID)
	assert.Equal(t, far.ID, closest[1].ID)
}

func TestBanPreventsBondUntilExpiry(t *testing.T) {
	tab := newTestTable()
	defer tab.Close()

	n := nodeWithID(1, "")
	tab.Ban(n.ID)
	assert.True(t, tab.isBanned(n.ID))
	assert.Error(t, tab.bond(n))
}
