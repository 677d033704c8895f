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

// Protocol is a sub-protocol offered over RLPx (§4.4 handle,
// §4.3 Message code assignment). Length is the number of message
// codes it reserves starting at its negotiated offset.
type Protocol struct {
	Name    string
	Version uint
	Length  uint64

	// Run is launched once per Peer after HELLO negotiates this
	// capability. rw is scoped to this protocol's code range: Code 0
	// on rw corresponds to the protocol's base wire code.
	Run func(peer *Peer, rw MsgReadWriter) error
}

func (p Protocol) cap() Cap { return Cap{Name: p.Name, Version: p.Version} }
