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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/p2p/enode"
	"github.com/gocoreeth/gocoreeth/p2p/rlpx"
)

// Direction records whether a Connection was dialed out or accepted
// (§3 Connection).
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

var (
	errProtocolReturned = errors.New("protocol returned")
	errClosed           = errors.New("peer connection closed")
)

// Peer is the application-level wrapper over an authenticated RLPx
// Connection (§3 Peer). It owns the frame read loop and dispatches
// incoming messages to each negotiated sub-protocol by code offset.
type Peer struct {
	rw   *rlpx.Conn
	node *enode.Node
	dir  Direction

	caps      []Cap
	running   map[string]*protoRW
	protoErr  chan error
	closed    chan struct{}
	disc      chan DiscReason
	closeOnce sync.Once

	created time.Time

	wg sync.WaitGroup
	log log.Logger
}

func newPeer(conn *rlpx.Conn, node *enode.Node, dir Direction, caps []Cap, protocols []Protocol) *Peer {
	p := &Peer{
		rw:       conn,
		node:     node,
		dir:      dir,
		caps:     caps,
		protoErr: make(chan error),
		closed:   make(chan struct{}),
		disc:     make(chan DiscReason),
		created:  time.Now(),
		log:      log.New("id", node.ID, "conn", dir),
	}
	p.running = matchProtocols(protocols, caps, p)
	return p
}

// NewPeer returns a Peer with no live RLPx connection and no running
// protocols — an identity stand-in for sub-protocol tests that only
// need ID()/Node()/Caps() and never exercise the base-protocol read
// loop (mirrors the teacher's own p2p.NewPeer test helper).
func NewPeer(node *enode.Node, caps []Cap) *Peer {
	return &Peer{
		node:     node,
		caps:     caps,
		protoErr: make(chan error),
		closed:   make(chan struct{}),
		disc:     make(chan DiscReason),
		created:  time.Now(),
		log:      log.New("id", node.ID, "conn", "test"),
	}
}

func (p *Peer) ID() enode.ID      { return p.node.ID }
func (p *Peer) Node() *enode.Node { return p.node }
func (p *Peer) Direction() Direction { return p.dir }
func (p *Peer) Caps() []Cap       { return p.caps }

// run starts the base protocol's read/ping loops and every matched
// sub-protocol, and blocks until one of them signals the peer is done
// (§5 Scheduling model: a single reader task per peer, writes
// serialize through the rlpx.Conn's own internal framing).
func (p *Peer) run() (remoteRequested bool, err error) {
	var (
		writeStart = make(chan struct{}, 1)
		writeErr   = make(chan error, 1)
		readErr    = make(chan error, 1)
		reason     DiscReason
	)
	p.wg.Add(2)
	go p.readLoop(readErr)
	go p.pingLoop()

	writeStart <- struct{}{}
	p.startProtocols(writeStart, writeErr)

loop:
	for {
		select {
		case err = <-readErr:
			if r, ok := err.(DiscReason); ok {
				remoteRequested = true
				reason = r
			} else {
				reason = DiscNetworkError
			}
			break loop
		case err = <-p.protoErr:
			reason = discReasonForError(err)
			break loop
		case err = <-writeErr:
			reason = DiscNetworkError
			break loop
		case reason = <-p.disc:
			Send(p.rw, discMsg, []DiscReason{reason})
			err = reason
			break loop
		}
	}

	close(p.closed)
	p.rw.Close()
	p.wg.Wait()
	return remoteRequested, err
}

func discReasonForError(err error) DiscReason {
	if r, ok := err.(DiscReason); ok {
		return r
	}
	return DiscSubprotocolError
}

// Disconnect requests a graceful shutdown with the given reason.
func (p *Peer) Disconnect(reason DiscReason) {
	p.closeOnce.Do(func() {
		select {
		case p.disc <- reason:
		case <-p.closed:
		}
	})
}

func (p *Peer) readLoop(errc chan<- error) {
	defer p.wg.Done()
	for {
		msg, err := p.rw.ReadMsg()
		if err != nil {
			errc <- err
			return
		}
		if err := p.handle(msg); err != nil {
			errc <- err
			return
		}
	}
}

func (p *Peer) handle(msg Msg) error {
	switch {
	case msg.Code == pingMsg:
		go Send(p.rw, pongMsg, struct{}{})
	case msg.Code == pongMsg:
		// liveness only; no action needed beyond having read it.
	case msg.Code == discMsg:
		var reason [1]DiscReason
		Decode(msg, &reason)
		return reason[0]
	default:
		proto, err := p.protoFor(msg.Code)
		if err != nil {
			return err
		}
		select {
		case proto.in <- msg:
			return nil
		case <-p.closed:
			return errClosed
		}
	}
	return nil
}

func (p *Peer) protoFor(code uint64) (*protoRW, error) {
	for _, proto := range p.running {
		if code >= proto.offset && code < proto.offset+proto.Length {
			return proto, nil
		}
	}
	return nil, fmt.Errorf("%w: code %d outside any negotiated range", errUnknownCode, code)
}

var errUnknownCode = errors.New("rlpx: message code outside negotiated protocol ranges")

func (p *Peer) pingLoop() {
	defer p.wg.Done()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ping.C:
			if err := Send(p.rw, pingMsg, struct{}{}); err != nil {
				p.protoErr <- err
				return
			}
		case <-p.closed:
			return
		}
	}
}

// protoRW scopes a multiplexed sub-protocol to its negotiated code
// offset, realizing the "narrow sendFrame port" the Protocol gets
// instead of a reference back to the Peer (§9 Design Notes).
type protoRW struct {
	Protocol
	offset uint64
	in     chan Msg
	w      MsgWriter
	werr   chan<- error
}

func (rw *protoRW) WriteMsg(msg Msg) error {
	if msg.Code >= rw.Length {
		return fmt.Errorf("invalid message code %d for protocol %s", msg.Code, rw.Name)
	}
	msg.Code += rw.offset
	err := rw.w.WriteMsg(msg)
	return err
}

func (rw *protoRW) ReadMsg() (Msg, error) {
	msg := <-rw.in
	msg.Code -= rw.offset
	return msg, nil
}

// matchProtocols assigns each accepted capability a contiguous code
// range starting at baseProtocolLength, in the order HELLO negotiation
// settles on: protocols shared with the remote, sorted by name (§4.3
// Message code assignment, §9 Dynamic capability registration).
func matchProtocols(protocols []Protocol, caps []Cap, peer *Peer) map[string]*protoRW {
	sort.Sort(capsByNameAndVersion(caps))
	offset := uint64(baseProtocolLength)
	result := make(map[string]*protoRW)
	for _, cap := range caps {
		for _, proto := range protocols {
			if proto.Name == cap.Name && proto.Version == cap.Version {
				result[cap.Name] = &protoRW{Protocol: proto, offset: offset, in: make(chan Msg)}
				offset += proto.Length
			}
		}
	}
	return result
}

func (p *Peer) startProtocols(writeStart <-chan struct{}, writeErr chan<- error) {
	for _, proto := range p.running {
		proto := proto
		proto.w = p.rw
		proto.werr = writeErr
		p.log.Debug("Starting protocol", "name", proto.Name, "version", proto.Version)
		rw := proto
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			err := proto.Run(p, rw)
			if err == nil {
				err = errProtocolReturned
			}
			p.protoErr <- err
		}()
	}
}
