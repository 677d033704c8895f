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

package p2p

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/p2p/discover"
	"github.com/gocoreeth/gocoreeth/p2p/enode"
	"github.com/gocoreeth/gocoreeth/p2p/rlpx"
)

var (
	errServerStopped    = errors.New("server stopped")
	errAlreadyConnected = errors.New("already connected")
	errSelfConnect      = errors.New("refusing self dial")
	errTooManyPeers     = errors.New("too many peers")
)

// Config carries every construction-time value the Server needs; the
// core never reads the environment once running (§9 Design Notes).
type Config struct {
	PrivateKey      *ecdsa.PrivateKey
	MaxPeers        int
	MinPeers        int
	StaticPeerRatio float64 // not read by Server; no slots are reserved for static dials
	ListenAddr      string  // TCP
	DiscoveryAddr   string  // UDP, usually same port
	BootstrapNodes  []*enode.Node
	StaticNodes     []*enode.Node
	Name            string
	Protocols       []Protocol
}

// Server is the P2P node (§4.4): owns the TCP listener, outbound
// dialer, connection registry by NodeID, and the discovery glue that
// feeds dial candidates.
type Server struct {
	cfg  Config
	self *enode.Node

	listener net.Listener
	table    *discover.Table
	udpConn  *net.UDPConn

	mu      sync.Mutex
	peers   map[enode.ID]*Peer
	dialing map[enode.ID]bool

	candidates chan *enode.Node

	quit     chan struct{}
	loopWG   sync.WaitGroup
	newPeerHook func(*Peer)

	log log.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		cfg:        cfg,
		peers:      make(map[enode.ID]*Peer),
		dialing:    make(map[enode.ID]bool),
		candidates: make(chan *enode.Node, 256),
		quit:       make(chan struct{}),
		log:        log.New("module", "p2p"),
	}
}

// Start binds UDP and TCP, launches discovery and begins accepting
// inbound connections (§4.4 start()).
func (srv *Server) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}
	srv.listener = ln

	udpAddr, err := net.ResolveUDPAddr("udp", srv.cfg.DiscoveryAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	pub := &srv.cfg.PrivateKey.PublicKey
	srv.self = enode.NewV4(pub, tcpAddr.IP, tcpAddr.Port, udpAddr.Port)

	_, tab := discover.ListenUDP(conn, discover.UDPConfig{PrivateKey: srv.cfg.PrivateKey, Self: srv.self}, srv.cfg.BootstrapNodes)
	srv.table = tab
	srv.udpConn = conn

	srv.loopWG.Add(2)
	go srv.listenLoop()
	go srv.dialLoop()
	return nil
}

// Self returns the local enode identity.
func (srv *Server) Self() *enode.Node { return srv.self }

// Stop propagates a single cancel to the accept/dial loops, closes all
// peer connections with client-quitting, and waits up to 5s for
// outstanding DISCONNECT frames to flush (§5 Cancellation and timeouts).
func (srv *Server) Stop() {
	close(srv.quit)
	if srv.listener != nil {
		srv.listener.Close()
	}
	if srv.table != nil {
		srv.table.Close()
	}
	srv.mu.Lock()
	peers := make([]*Peer, 0, len(srv.peers))
	for _, p := range srv.peers {
		peers = append(peers, p)
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, p := range peers {
			p.Disconnect(DiscQuitting)
		}
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	srv.loopWG.Wait()
}

func (srv *Server) listenLoop() {
	defer srv.loopWG.Done()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return
		}
		go srv.setupConn(conn, Inbound, nil)
	}
}

// dialLoop implements §4.4 Dial policy: while below minPeers, drain
// discovery candidates and dial up to maxPeers concurrently,
// deduplicated by NodeID, refusing self-dials.
func (srv *Server) dialLoop() {
	defer srv.loopWG.Done()

	go srv.feedCandidates()

	for {
		select {
		case n := <-srv.candidates:
			if srv.PeerCount() >= srv.cfg.MaxPeers {
				continue
			}
			if n.ID == srv.self.ID {
				continue
			}
			srv.mu.Lock()
			_, connected := srv.peers[n.ID]
			dialing := srv.dialing[n.ID]
			if !connected && !dialing {
				srv.dialing[n.ID] = true
			}
			srv.mu.Unlock()
			if connected || dialing {
				continue
			}
			go srv.dialNode(n)
		case <-srv.quit:
			return
		}
	}
}

// feedCandidates pulls closest-known nodes from the routing table
// periodically while below minPeers (FIFO with TTL realized simply as
// a re-poll interval here).
func (srv *Server) feedCandidates() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if srv.PeerCount() >= srv.cfg.MinPeers {
				continue
			}
			for _, n := range srv.table.Closest(srv.self.ID, 16) {
				select {
				case srv.candidates <- n:
				default:
				}
			}
		case <-srv.quit:
			return
		}
	}
}

func (srv *Server) dialNode(n *enode.Node) {
	defer func() {
		srv.mu.Lock()
		delete(srv.dialing, n.ID)
		srv.mu.Unlock()
	}()
	conn, err := net.DialTimeout("tcp", n.TCPAddr().String(), rlpx.HandshakeTimeout)
	if err != nil {
		srv.log.Debug("Dial failed", "id", n.ID, "err", err)
		return
	}
	srv.setupConn(conn, Outbound, n)
}

// Dial implements the synchronous dial primitive used directly by
// tests and tools (§4.4 dial()).
func (srv *Server) Dial(n *enode.Node) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", n.TCPAddr().String(), rlpx.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	return srv.setupConnSync(conn, Outbound, n)
}

func (srv *Server) setupConn(fd net.Conn, dir Direction, dialDest *enode.Node) {
	if _, err := srv.setupConnSync(fd, dir, dialDest); err != nil {
		srv.log.Debug("Connection setup failed", "err", err)
	}
}

func (srv *Server) setupConnSync(fd net.Conn, dir Direction, dialDest *enode.Node) (*Peer, error) {
	c := rlpx.NewConn(fd)
	var expected *ecdsa.PublicKey
	if dialDest != nil {
		expected = dialDest.Pubkey
	}
	remotePub, err := c.Handshake(srv.cfg.PrivateKey, dir == Outbound, expected)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	id := enode.PubkeyToIDV4(remotePub)
	if id == srv.self.ID {
		c.Close()
		return nil, errSelfConnect
	}

	ourHello := &hello{
		Version:    5,
		Name:       srv.cfg.Name,
		Caps:       protoCaps(srv.cfg.Protocols),
		ListenPort: uint64(srv.self.TCP),
		ID:         enode.PubkeyBytes(&srv.cfg.PrivateKey.PublicKey),
	}
	if err := Send(c, handshakeMsg, ourHello); err != nil {
		c.Close()
		return nil, err
	}
	msg, err := c.ReadMsg()
	if err != nil {
		c.Close()
		return nil, err
	}
	if msg.Code != handshakeMsg {
		c.Close()
		return nil, fmt.Errorf("%w: expected HELLO, got code %d", ErrProtocolError, msg.Code)
	}
	var theirHello hello
	if err := Decode(msg, &theirHello); err != nil {
		c.Close()
		return nil, err
	}
	if ourHello.Version >= 5 && theirHello.Version >= 5 {
		c.SetSnappy(true)
	}

	shared := intersectCaps(protoCaps(srv.cfg.Protocols), theirHello.Caps)
	if len(shared) == 0 {
		Send(c, discMsg, []DiscReason{DiscUselessPeer})
		c.Close()
		return nil, fmt.Errorf("%w: no shared capabilities", ErrProtocolError)
	}

	var n *enode.Node
	if dialDest != nil {
		n = dialDest
	} else {
		host, _, _ := net.SplitHostPort(fd.RemoteAddr().String())
		n = enode.NewV4(remotePub, net.ParseIP(host), int(theirHello.ListenPort), int(theirHello.ListenPort))
	}

	srv.mu.Lock()
	if _, exists := srv.peers[id]; exists {
		srv.mu.Unlock()
		Send(c, discMsg, []DiscReason{DiscAlreadyConnected})
		c.Close()
		return nil, errAlreadyConnected
	}
	if len(srv.peers) >= srv.cfg.MaxPeers {
		srv.mu.Unlock()
		Send(c, discMsg, []DiscReason{DiscTooManyPeers})
		c.Close()
		return nil, errTooManyPeers
	}
	p := newPeer(c, n, dir, shared, srv.cfg.Protocols)
	srv.peers[id] = p
	srv.mu.Unlock()

	if srv.newPeerHook != nil {
		srv.newPeerHook(p)
	}

	go func() {
		_, err := p.run()
		srv.mu.Lock()
		delete(srv.peers, id)
		srv.mu.Unlock()
		srv.log.Debug("Peer connection closed", "id", id, "err", err)
	}()
	return p, nil
}

// ErrProtocolError signals malformed base-protocol exchanges (§7).
var ErrProtocolError = errors.New("p2p: protocol error")

func protoCaps(protocols []Protocol) []Cap {
	caps := make([]Cap, len(protocols))
	for i, p := range protocols {
		caps[i] = p.cap()
	}
	return caps
}

// intersectCaps computes the shared sub-protocol set advertised by
// both HELLO messages (§4.4 capability negotiation).
func intersectCaps(ours, theirs []Cap) []Cap {
	theirSet := mapset.NewThreadUnsafeSet(theirs...)
	var out []Cap
	for _, c := range ours {
		if theirSet.Contains(c) {
			out = append(out, c)
		}
	}
	return out
}

// PeerCount returns the number of currently registered peers.
func (srv *Server) PeerCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.peers)
}

// Peers returns a snapshot of currently registered peers (§5
// Shared-resource policy: external readers get a snapshot, not the
// live map).
func (srv *Server) Peers() []*Peer {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Peer, 0, len(srv.peers))
	for _, p := range srv.peers {
		out = append(out, p)
	}
	return out
}

// AddStatic queues a trusted node for immediate dialing regardless of
// the dynamic candidate feed (§4.4 Dial policy static-peer reservation).
func (srv *Server) AddStatic(n *enode.Node) {
	select {
	case srv.candidates <- n:
	case <-srv.quit:
	}
}
