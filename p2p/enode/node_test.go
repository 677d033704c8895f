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

package enode

import (
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLv4RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	n := NewV4(&key.PublicKey, net.ParseIP("127.0.0.1"), 30303, 30304)
	parsed, err := ParseV4(n.URLv4())
	require.NoError(t, err)

	assert.Equal(t, n.ID, parsed.ID)
	assert.True(t, n.IP.Equal(parsed.IP))
	assert.Equal(t, n.TCP, parsed.TCP)
	assert.Equal(t, n.UDP, parsed.UDP)
}

func TestURLv4OmitsDiscportWhenEqual(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	n := NewV4(&key.PublicKey, net.ParseIP("10.0.0.5"), 30303, 30303)
	assert.NotContains(t, n.URLv4(), "discport")
}

func TestParseV4RejectsMissingPrefix(t *testing.T) {
	_, err := ParseV4("http://example.com")
	assert.ErrorIs(t, err, errMissingPrefix)
}

func TestParseV4RejectsBadPubkey(t *testing.T) {
	_, err := ParseV4("enode://deadbeef@127.0.0.1:30303")
	assert.Error(t, err)
}

func TestDistCmpOrdersByXORDistance(t *testing.T) {
	target := ID{}
	near := ID{0x01}
	far := ID{0xff}
	assert.Equal(t, -1, DistCmp(target, near, far))
	assert.Equal(t, 1, DistCmp(target, far, near))
	assert.Equal(t, 0, DistCmp(target, near, near))
}

func TestLogDistIsZeroForIdenticalIDs(t *testing.T) {
	id := ID{0x42, 0x13}
	assert.Equal(t, 0, LogDist(id, id))
}

func TestLogDistFullWidthForMaximallyDistantIDs(t *testing.T) {
	var a, b ID
	for i := range a {
		b[i] = 0xff
	}
	assert.Equal(t, len(a)*8, LogDist(a, b))
}

func TestPubkeyToIDV4IsDeterministic(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	id1 := PubkeyToIDV4(&key.PublicKey)
	id2 := PubkeyToIDV4(&key.PublicKey)
	assert.Equal(t, id1, id2)
}
