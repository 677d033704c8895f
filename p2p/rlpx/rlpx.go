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

// Package rlpx implements the RLPx transport: the ECIES authentication
// handshake (§4.2) and the framed, encrypted, MAC-authenticated,
// multiplexed message stream built on top of it (§4.3).
package rlpx

import (
	"crypto/ecdsa"
	"net"
	"time"
)

// HandshakeError is returned for any ECIES/MAC/signature failure or an
// incompatible protocol version; fatal for the connection and never
// retried on the same socket (§7 Error handling design).
type HandshakeError struct{ msg string }

func (e *HandshakeError) Error() string { return "rlpx handshake: " + e.msg }

func handshakeErr(msg string) error { return &HandshakeError{msg} }

// HandshakeTimeout bounds the ECIES/HELLO exchange (§4.2, §5).
const HandshakeTimeout = 10 * time.Second

// Conn wraps a net.Conn with the RLPx frame codec once the handshake
// has produced session secrets. It is not safe for concurrent Write
// calls; the owning Peer serializes writes through a send queue (§5
// Scheduling model).
type Conn struct {
	conn net.Conn

	*sessionState

	snappy bool
}

// SetSnappy toggles snappy compression of frame bodies, negotiated via
// the base-protocol HELLO version (§4.3 RLPx session: p2p version ≥ 5
// compresses every frame body after this point, matching go-ethereum's
// own p2p/rlpx negotiation).
func (c *Conn) SetSnappy(enabled bool) { c.snappy = enabled }

// NewConn wraps an already-dialed/accepted net.Conn; call Handshake
// before reading or writing frames.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }
func (c *Conn) Close() error                  { return c.conn.Close() }
func (c *Conn) RemoteAddr() net.Addr          { return c.conn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr           { return c.conn.LocalAddr() }

// Handshake runs the ECIES authentication exchange. initiator is true
// when dialing out and remote is then required (the expected NodeID);
// when accepting an inbound connection remote is nil and is recovered
// from the decrypted auth message.
func (c *Conn) Handshake(prv *ecdsa.PrivateKey, initiator bool, remote *ecdsa.PublicKey) (*ecdsa.PublicKey, error) {
	c.conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	h := &handshakeState{prv: prv, initiator: initiator, remote: remote}
	var (
		sec secrets
		err error
	)
	if initiator {
		sec, err = h.runInitiator(c.conn)
	} else {
		sec, err = h.runReceiver(c.conn)
	}
	if err != nil {
		return nil, err
	}
	c.sessionState = newSession(sec)
	return h.remote, nil
}
