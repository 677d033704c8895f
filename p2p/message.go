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

// Package p2p owns the TCP listener, outbound dialer, connection
// registry and the base protocol (HELLO/DISCONNECT/PING/PONG) that
// every RLPx session speaks before any sub-protocol runs (§4.4).
package p2p

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gocoreeth/gocoreeth/p2p/rlpx"
)

// Base protocol message codes; the first 16 codes are reserved for
// these regardless of negotiated sub-protocols (§4.3).
const (
	handshakeMsg = 0x00
	discMsg      = 0x01
	pingMsg      = 0x02
	pongMsg      = 0x03

	baseProtocolMaxMsgSize = 2 * 1024
	baseProtocolLength     = 16
)

const pingInterval = 15 * time.Second

// Msg mirrors rlpx.Msg at the p2p layer, re-exported so protocol
// handlers never import p2p/rlpx directly.
type Msg = rlpx.Msg

// MsgReader and MsgWriter are what protocol Run functions use to
// exchange messages without knowing about the underlying Connection
// (§9 Design Notes: Protocol gets a narrow "sendFrame" port).
type MsgReader interface {
	ReadMsg() (Msg, error)
}

type MsgWriter interface {
	WriteMsg(Msg) error
}

type MsgReadWriter interface {
	MsgReader
	MsgWriter
}

// Send encodes data as RLP and delivers it as a message with the
// given code.
func Send(w MsgWriter, code uint64, data interface{}) error {
	payload, err := rlp.EncodeToBytes(data)
	if err != nil {
		return err
	}
	return w.WriteMsg(Msg{Code: code, Size: uint32(len(payload)), Payload: bytes.NewReader(payload)})
}

// Decode unmarshals the RLP payload of msg into val.
func Decode(msg Msg, val interface{}) error {
	s := rlp.NewStream(msg.Payload, uint64(msg.Size))
	return s.Decode(val)
}

// Discard drains msg.Payload without decoding it.
func Discard(msg Msg) error {
	_, err := io.Copy(io.Discard, msg.Payload)
	return err
}

// DiscReason is one of the closed set of disconnect reasons (§4.3
// Base messages).
type DiscReason uint

const (
	DiscRequested DiscReason = iota
	DiscNetworkError
	DiscProtocolError
	DiscUselessPeer
	DiscTooManyPeers
	DiscAlreadyConnected
	DiscIncompatibleVersion
	DiscInvalidIdentity
	DiscQuitting
	DiscUnexpectedIdentity
	DiscSelf
	DiscReadTimeout
	DiscSubprotocolError
)

var discReasonToString = [...]string{
	DiscRequested:           "disconnect requested",
	DiscNetworkError:        "network error",
	DiscProtocolError:       "breach of protocol",
	DiscUselessPeer:         "useless peer",
	DiscTooManyPeers:        "too many peers",
	DiscAlreadyConnected:    "already connected",
	DiscIncompatibleVersion: "incompatible p2p protocol version",
	DiscInvalidIdentity:     "invalid node identity",
	DiscQuitting:            "client quitting",
	DiscUnexpectedIdentity:  "unexpected identity",
	DiscSelf:                "connected to self",
	DiscReadTimeout:         "read timeout",
	DiscSubprotocolError:    "subprotocol error",
}

func (d DiscReason) Error() string { return d.String() }

func (d DiscReason) String() string {
	if int(d) >= len(discReasonToString) {
		return fmt.Sprintf("unknown disconnect reason %d", d)
	}
	return discReasonToString[d]
}

type discReasonPacket struct{ Reason uint }

// handshakeMsg fields, sent first by each side (§4.3 Base messages).
type hello struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         []byte // 64-byte uncompressed pubkey
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Cap is a sub-protocol capability, (name, version).
type Cap struct {
	Name    string
	Version uint
}

func (c Cap) String() string { return fmt.Sprintf("%s/%d", c.Name, c.Version) }

// capsByNameAndVersion sorts a capability list the way HELLO
// negotiation requires: lexical by name, then by version.
type capsByNameAndVersion []Cap

func (cs capsByNameAndVersion) Len() int      { return len(cs) }
func (cs capsByNameAndVersion) Swap(i, j int) { cs[i], cs[j] = cs[j], cs[i] }
func (cs capsByNameAndVersion) Less(i, j int) bool {
	return cs[i].Name < cs[j].Name || (cs[i].Name == cs[j].Name && cs[i].Version < cs[j].Version)
}
