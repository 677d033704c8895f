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

// Package rlputil holds the small RLP-encoding helpers shared by
// core/types and consensus/ethash, so each package
// isn't left re-deriving the same "hash of the RLP encoding" pattern.
package rlputil

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Hash returns the Keccak256 hash of x's RLP encoding, the identity
// scheme block and transaction hashes are built on (§4.2, §4.7).
func Hash(x interface{}) (h common.Hash) {
	enc, err := rlp.EncodeToBytes(x)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// EncodedSize returns the byte length of x's RLP encoding without
// retaining the buffer, or 0 if x cannot be encoded. Nothing in this
// module calls it.
func EncodedSize(x interface{}) int {
	enc, err := rlp.EncodeToBytes(x)
	if err != nil {
		return 0
	}
	return len(enc)
}
