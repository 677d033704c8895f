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

// Package enode identifies nodes on the network: the 64-byte public
// key derived NodeID (§3 Data model), the (ip, udpPort, tcpPort)
// endpoint, and the enode:// URL used for bootnodes (§6).
package enode

import (
	"crypto/ecdsa"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/crypto"
)

// ID is the keccak256 hash of the 64-byte uncompressed public key,
// used to index the Kademlia routing table. The raw public key itself
// is kept on Node for handshake authentication.
type ID [32]byte

func (id ID) Bytes() []byte  { return id[:] }
func (id ID) String() string { return fmt.Sprintf("%x", id[:]) }

// PubkeyToIDV4 derives the legacy v4 NodeID from a secp256k1 public
// key: the keccak256 hash of the 64-byte X||Y encoding (no 0x04
// prefix), matching go-ethereum's discv4 identity scheme.
func PubkeyToIDV4(pub *ecdsa.PublicKey) ID {
	var id ID
	pbytes := elliptic64(pub)
	copy(id[:], crypto.Keccak256(pbytes))
	return id
}

func elliptic64(pub *ecdsa.PublicKey) []byte {
	buf := make([]byte, 64)
	xb := pub.X.Bytes()
	yb := pub.Y.Bytes()
	copy(buf[32-len(xb):32], xb)
	copy(buf[64-len(yb):64], yb)
	return buf
}

// PubkeyBytes returns the raw 64-byte uncompressed public key (no 0x04
// prefix), the form carried in RLPx auth messages and HELLO.
func PubkeyBytes(pub *ecdsa.PublicKey) []byte { return elliptic64(pub) }

// DistCmp compares the XOR distance of a and b to target, returning
// -1, 0 or 1 as a Table bucket lookup needs (§4.1 Routing table).
func DistCmp(target, a, b ID) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// LogDist returns the logarithmic XOR distance between a and b, used
// to select a node's KBucket index (§3 KBucket).
func LogDist(a, b ID) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		lz += leadingZeros8(x)
		break
	}
	return len(a)*8 - lz
}

func leadingZeros8(x byte) int {
	n := 0
	for i := 7; i >= 0; i-- {
		if x&(1<<i) != 0 {
			break
		}
		n++
	}
	return n
}

// Endpoint is the (address, udpPort, tcpPort) tuple carried in PING,
// PONG and NEIGHBOURS messages (§3 Endpoint).
type Endpoint struct {
	IP  net.IP
	UDP uint16
	TCP uint16
}

// Node is a PeerRecord as seen by discovery: identity, endpoint and
// the bookkeeping the Table needs (§3 PeerRecord).
type Node struct {
	ID       ID
	Pubkey   *ecdsa.PublicKey
	IP       net.IP
	UDP, TCP uint16
	Seq      uint64 // vectorClock: bumped by Table.bond on every confirmed pong
}

func NewV4(pub *ecdsa.PublicKey, ip net.IP, tcpPort, udpPort int) *Node {
	return &Node{
		ID:     PubkeyToIDV4(pub),
		Pubkey: pub,
		IP:     ip,
		TCP:    uint16(tcpPort),
		UDP:    uint16(udpPort),
	}
}

func (n *Node) Endpoint() Endpoint {
	return Endpoint{IP: n.IP, UDP: n.UDP, TCP: n.TCP}
}

func (n *Node) String() string { return n.URLv4() }

func (n *Node) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.UDP)}
}

func (n *Node) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: n.IP, Port: int(n.TCP)}
}
