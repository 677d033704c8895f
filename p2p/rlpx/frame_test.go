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

package rlpx

import (
	"bytes"
	"io"
	"net"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pairedSecrets builds two secrets structs sharing the same AES/MAC
// keys, each with fresh (hence identical) MAC hash states, so A's
// egress pairs with B's ingress and vice versa — the
// same relationship the real ECIES handshake in handshake.go derives,
// skipped here so the frame codec can be tested in isolation.
func pairedSecrets() (a, b secrets) {
	aesKey := bytes.Repeat([]byte{0x11}, 16)
	macKey := bytes.Repeat([]byte{0x22}, 16)

	aEgress, bIngress := sha3.NewLegacyKeccak256(), sha3.NewLegacyKeccak256()
	bEgress, aIngress := sha3.NewLegacyKeccak256(), sha3.NewLegacyKeccak256()

	a = secrets{AES: aesKey, MAC: macKey, EgressMAC: aEgress, IngressMAC: aIngress}
	b = secrets{AES: aesKey, MAC: macKey, EgressMAC: bEgress, IngressMAC: bIngress}
	return a, b
}

func TestFrameRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	secA, secB := pairedSecrets()

	client := NewConn(clientConn)
	client.sessionState = newSession(secA)

	server := NewConn(serverConn)
	server.sessionState = newSession(secB)

	payload := []byte("hello rlpx frame")
	done := make(chan error, 1)
	go func() {
		done <- client.WriteMsg(Msg{Code: 42, Size: uint32(len(payload)), Payload: bytes.NewReader(payload)})
	}()

	msg, err := server.ReadMsg()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, uint64(42), msg.Code)
	got, err := io.ReadAll(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRoundTripWithSnappy(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	secA, secB := pairedSecrets()

	client := NewConn(clientConn)
	client.sessionState = newSession(secA)
	client.SetSnappy(true)

	server := NewConn(serverConn)
	server.sessionState = newSession(secB)
	server.SetSnappy(true)

	payload := bytes.Repeat([]byte("compress-me "), 100)
	done := make(chan error, 1)
	go func() {
		done <- client.WriteMsg(Msg{Code: 7, Size: uint32(len(payload)), Payload: bytes.NewReader(payload)})
	}()

	msg, err := server.ReadMsg()
	require.NoError(t, err)
	require.NoError(t, <-done)

	got, err := io.ReadAll(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBadMACRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	secA, _ := pairedSecrets()
	_, secC := pairedSecrets() // mismatched pairing: C's ingress was never paired with A's egress
	secC.IngressMAC.Write([]byte("unpaired"))

	client := NewConn(clientConn)
	client.sessionState = newSession(secA)

	server := NewConn(serverConn)
	server.sessionState = newSession(secC)

	payload := []byte("won't verify")
	go client.WriteMsg(Msg{Code: 1, Size: uint32(len(payload)), Payload: bytes.NewReader(payload)})

	_, err := server.ReadMsg()
	assert.ErrorIs(t, err, ErrBadMAC)
}
