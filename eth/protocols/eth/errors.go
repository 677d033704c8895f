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

import "errors"

// Errors matching the closed set of §7: StatusMismatch and
// ProtocolError conditions raised during handshake and message
// dispatch.
var (
	errNoStatusMsg            = errors.New("no status message")
	errMsgTooLarge            = errors.New("message too large")
	errDecode                 = errors.New("invalid message")
	errInvalidMsgCode         = errors.New("invalid message code")
	errProtocolVersionMismatch = errors.New("protocol version mismatch")
	errNetworkIDMismatch      = errors.New("network ID mismatch")
	errGenesisMismatch        = errors.New("genesis mismatch")
	errForkIDRejected         = errors.New("fork ID rejected")
	errUnexpectedMsg          = errors.New("unexpected message")

	// ErrRequestTimeout is returned, with a nil result, when no response
	// arrives within protocolTimeout; the peer is not banned for it (§7
	// RequestTimeout, first occurrence).
	ErrRequestTimeout = errors.New("eth: request timeout")

	// ErrTooManyTimeouts is raised on the third consecutive timeout for
	// one peer; the Synchronizer bans the peer on this error (§4.5, §7).
	ErrTooManyTimeouts = errors.New("eth: too many consecutive request timeouts")
)
