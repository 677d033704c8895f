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

// Package discover implements the Kademlia-style UDP discovery
// protocol ("DPT", §4.1): a routing table of live peers answering
// "who are the K closest peers to this NodeID?".
package discover

import (
	"crypto/rand"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gocoreeth/gocoreeth/p2p/enode"
)

const (
	bucketSize      = 16 // K, §3 KBucket default size
	nBuckets        = 256 + 1
	maxReplacements = 10 // per-bucket replacement list, supplements §4.1 eviction with a backlog

	bucketIPLimit, bucketSubnet = 2, 24 // at most 2 addresses from the same /24 per bucket
	tableIPLimit, tableSubnet   = 10, 24

	refreshInterval = 60 * time.Second // §4.1 Refresh
	pingTimeout     = 10 * time.Second // §4.1 Failure semantics
	banMaxAge       = 60 * time.Second // §4.1 Failure semantics
)

var (
	tableNewPeerMeter   = metrics.NewRegisteredMeter("discover/table/new", nil)
	tableEvictMeter     = metrics.NewRegisteredMeter("discover/table/evict", nil)
	tableBadSigMeter    = metrics.NewRegisteredMeter("discover/table/badsig", nil)
)

// bucket is a KBucket: an ordered list of live nodes sharing an
// XOR-distance prefix to the local NodeID. Head is least-recently
// seen, tail is most-recently seen (§3 KBucket invariant).
type bucket struct {
	entries      []*enode.Node
	replacements []*enode.Node
	ips          map[string]int // /24 prefix -> count, for bucketIPLimit
}

// Transport is implemented by the UDP layer; kept as an interface so
// the table can be unit tested without opening real sockets.
type Transport interface {
	ping(toid enode.ID, addr *net.UDPAddr) error
	findnode(toid enode.ID, addr *net.UDPAddr, target enode.ID) ([]*enode.Node, error)
	close()
}

// Table owns the routing table and the refresh/bonding goroutines
// (§4.1 Routing table, Bootstrap, Refresh).
type Table struct {
	mu      sync.Mutex
	buckets [nBuckets]*bucket
	ips     map[string]int

	self *enode.Node
	net  Transport

	bonding   sync.Map // enode.ID -> *bondproc, dedups concurrent bonds to the same node
	banned    map[enode.ID]time.Time
	bannedMu  sync.Mutex

	refreshReq chan chan struct{}
	closeOnce  sync.Once
	closeReq   chan struct{}
	closed     chan struct{}

	// onlyConfirmed restricts refresh's round-robin target selection to
	// buckets that already hold at least one bonded node (§4.1 Refresh).
	onlyConfirmed bool

	nodeAddedHook func(*enode.Node) // test hook
}

type bondproc struct {
	wg  sync.WaitGroup
	n   *enode.Node
	err error
}

func NewTable(self *enode.Node, t Transport, bootnodes []*enode.Node) *Table {
	tab := &Table{
		self:       self,
		net:        t,
		ips:        make(map[string]int),
		banned:     make(map[enode.ID]time.Time),
		refreshReq: make(chan chan struct{}),
		closeReq:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{ips: make(map[string]int)}
	}
	go tab.loop(bootnodes)
	return tab
}

func (tab *Table) Close() {
	tab.closeOnce.Do(func() {
		close(tab.closeReq)
		<-tab.closed
		tab.net.close()
	})
}

// Refresh requests an immediate round of bucket probing and blocks
// until it completes.
func (tab *Table) Refresh() {
	done := make(chan struct{})
	select {
	case tab.refreshReq <- done:
		<-done
	case <-tab.closeReq:
	}
}

func (tab *Table) loop(bootnodes []*enode.Node) {
	defer close(tab.closed)

	tab.bootstrap(bootnodes)

	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	var waiting []chan struct{}
	for {
		select {
		case <-refresh.C:
			go tab.doRefresh()
		case req := <-tab.refreshReq:
			go func() {
				tab.doRefresh()
				close(req)
			}()
		case <-tab.closeReq:
			for _, w := range waiting {
				close(w)
			}
			return
		}
		_ = waiting
	}
}

// bootstrap implements §4.1 Bootstrap: PING every configured bootnode,
// await PONG, then FINDNODE(localID) and insert what comes back.
func (tab *Table) bootstrap(bootnodes []*enode.Node) {
	for _, n := range bootnodes {
		if n.ID == tab.self.ID {
			continue
		}
		go func(n *enode.Node) {
			if err := tab.bond(n); err != nil {
				log.Debug("Bootstrap bonding failed", "id", n.ID, "err", err)
				return
			}
			found, err := tab.net.findnode(n.ID, n.Addr(), tab.self.ID)
			if err != nil {
				return
			}
			for _, f := range found {
				tab.bond(f)
			}
		}(n)
	}
}

// bond performs the PING/PONG endpoint proof and inserts the node on
// success ("confirmed insert", emits peer:added).
func (tab *Table) bond(n *enode.Node) error {
	if n.ID == tab.self.ID {
		return fmt.Errorf("is self")
	}
	if tab.isBanned(n.ID) {
		return fmt.Errorf("banned")
	}
	if v, loaded := tab.bonding.LoadOrStore(n.ID, &bondproc{n: n}); loaded {
		bp := v.(*bondproc)
		bp.wg.Wait()
		return bp.err
	}
	v, _ := tab.bonding.Load(n.ID)
	bp := v.(*bondproc)
	bp.wg.Add(1)
	defer func() {
		tab.bonding.Delete(n.ID)
		bp.wg.Done()
	}()

	tableNewPeerMeter.Mark(1)
	err := tab.net.ping(n.ID, n.Addr())
	bp.err = err
	if err != nil {
		return err
	}
	n.Seq++
	tab.addVerified(n)
	return nil
}

// addVerified inserts n following §4.1 Routing table steps 1-4: move
// to tail if present; append if the bucket has room; else ping the
// head and either keep it (on PONG) or evict it (on timeout).
func (tab *Table) addVerified(n *enode.Node) {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	b := tab.bucketFor(n.ID)
	if tab.bucketContains(b, n.ID) {
		tab.bumpToTail(b, n.ID)
		return
	}
	if !tab.addIP(b, n) {
		return // over the per-/24 limit
	}
	if len(b.entries) < bucketSize {
		b.entries = append(b.entries, n)
		if tab.nodeAddedHook != nil {
			tab.nodeAddedHook(n)
		}
		return
	}
	// Bucket full: queue as a replacement and probe the head.
	b.replacements = pushReplacement(b.replacements, n, maxReplacements)
	head := b.entries[0]
	go tab.revalidate(b, head)
}

// revalidate implements the "ping the head, evict on timeout" branch
// of §4.1 step 4.
func (tab *Table) revalidate(b *bucket, head *enode.Node) {
	err := tab.net.ping(head.ID, head.Addr())
	tab.mu.Lock()
	defer tab.mu.Unlock()
	if err == nil {
		tab.bumpToTail(b, head.ID)
		return
	}
	tableEvictMeter.Mark(1)
	tab.deleteInBucket(b, head.ID)
	if len(b.replacements) > 0 {
		repl := b.replacements[len(b.replacements)-1]
		b.replacements = b.replacements[:len(b.replacements)-1]
		b.entries = append(b.entries, repl)
	}
}

func pushReplacement(list []*enode.Node, n *enode.Node, max int) []*enode.Node {
	for _, e := range list {
		if e.ID == n.ID {
			return list
		}
	}
	list = append(list, n)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func (tab *Table) bucketFor(id enode.ID) *bucket {
	d := enode.LogDist(tab.self.ID, id)
	return tab.buckets[d]
}

func (tab *Table) bucketContains(b *bucket, id enode.ID) bool {
	for _, e := range b.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (tab *Table) bumpToTail(b *bucket, id enode.ID) {
	for i, e := range b.entries {
		if e.ID == id {
			copy(b.entries[i:], b.entries[i+1:])
			b.entries[len(b.entries)-1] = e
			return
		}
	}
}

func (tab *Table) deleteInBucket(b *bucket, id enode.ID) {
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			tab.removeIP(b, e)
			return
		}
	}
}

func (tab *Table) addIP(b *bucket, n *enode.Node) bool {
	key := subnetKey(n.IP, bucketSubnet)
	if key == "" {
		return true
	}
	if b.ips[key] >= bucketIPLimit {
		return false
	}
	if tab.ips[key] >= tableIPLimit {
		return false
	}
	b.ips[key]++
	tab.ips[key]++
	return true
}

func (tab *Table) removeIP(b *bucket, n *enode.Node) {
	key := subnetKey(n.IP, bucketSubnet)
	if key == "" {
		return
	}
	if b.ips[key] > 0 {
		b.ips[key]--
	}
	if tab.ips[key] > 0 {
		tab.ips[key]--
	}
}

func subnetKey(ip net.IP, bits int) string {
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	mask := net.CIDRMask(bits, 32)
	return ip4.Mask(mask).String()
}

// Ban forbids id from being re-added for banMaxAge (§4.1 Failure
// semantics, §4.6 Ban policy's routing-table eviction).
func (tab *Table) Ban(id enode.ID) {
	tab.bannedMu.Lock()
	tab.banned[id] = time.Now().Add(banMaxAge)
	tab.bannedMu.Unlock()

	tab.mu.Lock()
	defer tab.mu.Unlock()
	b := tab.bucketFor(id)
	tab.deleteInBucket(b, id)
}

func (tab *Table) isBanned(id enode.ID) bool {
	tab.bannedMu.Lock()
	defer tab.bannedMu.Unlock()
	until, ok := tab.banned[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(tab.banned, id)
		return false
	}
	return true
}

// Closest returns the n nodes closest to target across the whole
// table, sorted by distance.
func (tab *Table) Closest(target enode.ID, n int) []*enode.Node {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	var all []*enode.Node
	for _, b := range tab.buckets {
		all = append(all, b.entries...)
	}
	sort.Slice(all, func(i, j int) bool {
		return enode.DistCmp(target, all[i].ID, all[j].ID) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// doRefresh implements §4.1 Refresh: pick a bucket (round-robin,
// filtered to confirmed peers when onlyConfirmed is set), pick a live
// node to ask, and FINDNODE a random target within the bucket's
// distance range.
func (tab *Table) doRefresh() {
	target := tab.pickRefreshBucket()
	n := tab.pickLiveNode()
	if n == nil {
		return
	}
	found, err := tab.net.findnode(n.ID, n.Addr(), target)
	if err != nil {
		return
	}
	for _, f := range found {
		tab.bond(f)
	}
}

// pickLiveNode returns a random bonded node already in the table to
// query, or nil if the table holds none yet (a FINDNODE needs a real
// peer address to dial, not the local node's own ID).
func (tab *Table) pickLiveNode() *enode.Node {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	var all []*enode.Node
	for _, b := range tab.buckets {
		all = append(all, b.entries...)
	}
	if len(all) == 0 {
		return nil
	}
	return all[int(randomByte())%len(all)]
}

func (tab *Table) pickRefreshBucket() enode.ID {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	candidates := make([]int, 0, nBuckets)
	for i, b := range tab.buckets {
		if tab.onlyConfirmed && len(b.entries) == 0 {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return randomID()
	}
	idx := candidates[int(randomByte())%len(candidates)]
	return randomIDAtDistance(tab.self.ID, idx)
}

func randomID() enode.ID {
	var id enode.ID
	rand.Read(id[:])
	return id
}

func randomByte() byte {
	var b [1]byte
	rand.Read(b[:])
	return b[0]
}

// randomIDAtDistance returns a random id such that LogDist(self, id) == dist.
func randomIDAtDistance(self enode.ID, dist int) enode.ID {
	if dist == 0 {
		return self
	}
	id := self
	b := (256 - dist) / 8
	bit := byte(1) << uint(7-(256-dist)%8)
	id[b] ^= bit
	for i := b + 1; i < len(id); i++ {
		var r [1]byte
		rand.Read(r[:])
		id[i] = r[0]
	}
	return id
}
