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

package eth

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocoreeth/gocoreeth/p2p"
)

const statusTimeout = 10 * time.Second // §4.2/§5: every HELLO/STATUS step carries a 10s budget

// Handshake runs the STATUS exchange (§4.5): sent immediately after
// HELLO, each side must receive the other's STATUS before any other
// eth message is processed.
func (p *Peer) Handshake(networkID uint64, td *big.Int, head, genesis common.Hash, forkID ForkID, forkFilter func(ForkID) error) error {
	errc := make(chan error, 2)
	var status StatusPacket

	go func() {
		errc <- p2p.Send(p.rw, StatusMsg, &StatusPacket{
			ProtocolVersion: uint32(p.version),
			NetworkID:       networkID,
			TD:              td,
			Head:            head,
			Genesis:         genesis,
			ForkID:          forkID,
		})
	}()
	go func() {
		errc <- p.readStatus(&status, networkID, genesis, forkFilter)
	}()

	timeout := time.NewTimer(statusTimeout)
	defer timeout.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-timeout.C:
			return p2p.DiscReadTimeout
		}
	}
	p.SetHead(status.Head, status.TD)
	return nil
}

// readStatus validates the remote STATUS against local chain
// parameters; any mismatch is a StatusMismatch rejection (§4.5
// Rejection conditions).
func (p *Peer) readStatus(status *StatusPacket, networkID uint64, genesis common.Hash, forkFilter func(ForkID) error) error {
	msg, err := p.rw.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Code != StatusMsg {
		return fmt.Errorf("%w: first message code %d", errNoStatusMsg, msg.Code)
	}
	if msg.Size > protocolMaxMsgSize {
		return errMsgTooLarge
	}
	if err := p2p.Decode(msg, status); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	if status.NetworkID != networkID {
		return fmt.Errorf("%w: %d (local %d)", errNetworkIDMismatch, status.NetworkID, networkID)
	}
	if status.Genesis != genesis {
		return fmt.Errorf("%w: %x (local %x)", errGenesisMismatch, status.Genesis, genesis)
	}
	if int(status.ProtocolVersion) != int(p.version) {
		return fmt.Errorf("%w: %d (local %d)", errProtocolVersionMismatch, status.ProtocolVersion, p.version)
	}
	if forkFilter != nil {
		if err := forkFilter(status.ForkID); err != nil {
			return fmt.Errorf("%w: %v", errForkIDRejected, err)
		}
	}
	return nil
}
