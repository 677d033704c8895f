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

package types

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSig = errors.New("invalid transaction v, r, s values")

// Signer recovers the sender address of a transaction and produces the
// message hash that gets signed. Chainstart/Frontier semantics only:
// the v value is 27/28, unprotected by an EIP-155 chain id.
type Signer interface {
	Sender(tx *Transaction) (common.Address, error)
	Hash(tx *Transaction) common.Hash
	Equal(Signer) bool
}

type FrontierSigner struct{}

func (s FrontierSigner) Equal(s2 Signer) bool {
	_, ok := s2.(FrontierSigner)
	return ok
}

func (s FrontierSigner) Hash(tx *Transaction) common.Hash {
	return rlpHash([]interface{}{
		tx.inner.Nonce,
		tx.inner.GasPrice,
		tx.inner.Gas,
		tx.inner.To,
		tx.inner.Value,
		tx.inner.Data,
	})
}

func (s FrontierSigner) Sender(tx *Transaction) (common.Address, error) {
	if cache := tx.from.Load(); cache != nil && cache.signer.Equal(s) {
		return cache.from, nil
	}
	v, r, rVal := tx.inner.V, tx.inner.R, tx.inner.S
	if v.BitLen() > 8 {
		return common.Address{}, ErrInvalidSig
	}
	sighash := s.Hash(tx)
	addr, err := recoverPlain(sighash, r, rVal, v, false)
	if err != nil {
		return common.Address{}, err
	}
	tx.from.Store(&sigCache{signer: s, from: addr})
	return addr, nil
}

func recoverPlain(sighash common.Hash, r, s, v *big.Int, homestead bool) (common.Address, error) {
	if !crypto.ValidateSignatureValues(byte(v.Uint64()-27), r, s, homestead) {
		return common.Address{}, ErrInvalidSig
	}
	sig := make([]byte, 65)
	copy(sig[32-len(r.Bytes()):32], r.Bytes())
	copy(sig[64-len(s.Bytes()):64], s.Bytes())
	sig[64] = byte(v.Uint64() - 27)
	pub, err := crypto.Ecrecover(sighash[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	if len(pub) == 0 || pub[0] != 4 {
		return common.Address{}, errors.New("invalid public key")
	}
	var addr common.Address
	copy(addr[:], crypto.Keccak256(pub[1:])[12:])
	return addr, nil
}

// SignTx signs tx with the given private key under s, returning a new
// Transaction carrying the signature; tx itself is not mutated.
func SignTx(tx *Transaction, s Signer, prv *ecdsa.PrivateKey) (*Transaction, error) {
	h := s.Hash(tx)
	sig, err := crypto.Sign(h[:], prv)
	if err != nil {
		return nil, err
	}
	cp := tx.inner
	cp.R = new(big.Int).SetBytes(sig[:32])
	cp.S = new(big.Int).SetBytes(sig[32:64])
	cp.V = new(big.Int).SetUint64(uint64(sig[64]) + 27)
	return &Transaction{inner: cp, time: tx.time}, nil
}

// Sender recovers the sender address using the Frontier signature
// scheme; the only scheme this port needs since fork-specific signer
// selection belongs to the Executor port.
func Sender(tx *Transaction) (common.Address, error) {
	return FrontierSigner{}.Sender(tx)
}
