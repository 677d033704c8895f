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
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	errMissingPrefix = errors.New("missing enode:// prefix")
	errInvalidPubkey = errors.New("invalid public key")
	errMissingPort   = errors.New("missing port in address")
)

// URLv4 renders the enode:// textual address (§6 Enode URL):
// enode://<128-hex-node-id>@<ip>:<tcp-port>[?discport=<udp-port>].
func (n *Node) URLv4() string {
	nodeID := hex.EncodeToString(PubkeyBytes(n.Pubkey))
	u := url.URL{Scheme: "enode"}
	if n.IP != nil {
		u.User = url.User(nodeID)
		addr := net.JoinHostPort(n.IP.String(), strconv.Itoa(int(n.TCP)))
		u.Host = addr
		if n.UDP != n.TCP {
			u.RawQuery = "discport=" + strconv.Itoa(int(n.UDP))
		}
	} else {
		u.Opaque = nodeID
	}
	return u.String()
}

// ParseV4 parses an enode:// URL into a Node, recovering the public
// key from the 128 hex characters before the '@'.
func ParseV4(rawurl string) (*Node, error) {
	if !strings.HasPrefix(rawurl, "enode://") {
		return nil, errMissingPrefix
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.User == nil {
		return nil, errors.New("does not contain node id")
	}
	id, err := parsePubkey(u.User.String())
	if err != nil {
		return nil, fmt.Errorf("invalid public key (%v)", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, errMissingPort
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, err
		}
		ip = ips[0]
	}
	tcpPort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.New("invalid port")
	}
	udpPort := tcpPort
	qv := u.Query()
	if qv.Get("discport") != "" {
		udpPort, err = strconv.Atoi(qv.Get("discport"))
		if err != nil {
			return nil, errors.New("invalid discport in query")
		}
	}
	return NewV4(id, ip, tcpPort, udpPort), nil
}

func parsePubkey(hexkey string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(hexkey)
	if err != nil {
		return nil, err
	}
	if len(raw) != 64 {
		return nil, errInvalidPubkey
	}
	full := append([]byte{0x04}, raw...)
	return crypto.UnmarshalPubkey(full)
}
