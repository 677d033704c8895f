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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"
	"net"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

const (
	sskLen = 16 // ecies shared key length
	sigLen = 65
	pubLen = 64
	shaLen = 32

	authVsn = 4
)

// authMsgV4 is the plaintext of the auth message, encrypted under
// ECIES before being sent (§4.2 step 3-4).
type authMsgV4 struct {
	Signature       [sigLen]byte
	InitiatorPubkey [pubLen]byte
	Nonce           [shaLen]byte
	Version         uint
	Rest            []rlp.RawValue `rlp:"tail"`
}

type authRespV4 struct {
	RandomPubkey [pubLen]byte
	Nonce        [shaLen]byte
	Version      uint
	Rest         []rlp.RawValue `rlp:"tail"`
}

// secrets are the derived session parameters (§4.2 step 5).
type secrets struct {
	AES, MAC        []byte
	EgressMAC       hash.Hash
	IngressMAC      hash.Hash
	Remote          *ecdsa.PublicKey
}

type handshakeState struct {
	prv       *ecdsa.PrivateKey
	remote    *ecdsa.PublicKey
	initiator bool

	randomPrivKey *ecies.PrivateKey
	remoteRandomPub *ecies.PublicKey

	initNonce, respNonce []byte
}

// runInitiator implements §4.2 outbound flow.
func (h *handshakeState) runInitiator(conn net.Conn) (secrets, error) {
	ecdhe, err := ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return secrets{}, handshakeErr("ephemeral key: " + err.Error())
	}
	h.randomPrivKey = ecdhe
	h.initNonce = make([]byte, shaLen)
	if _, err := io.ReadFull(rand.Reader, h.initNonce); err != nil {
		return secrets{}, handshakeErr("nonce: " + err.Error())
	}

	authMsg, err := h.makeAuthMsg()
	if err != nil {
		return secrets{}, err
	}
	authPacket, err := h.sealEIP8(authMsg)
	if err != nil {
		return secrets{}, handshakeErr("seal auth: " + err.Error())
	}
	if _, err := conn.Write(authPacket); err != nil {
		return secrets{}, handshakeErr("write auth: " + err.Error())
	}

	ackPacket, err := readHandshakeMsg(conn)
	if err != nil {
		return secrets{}, handshakeErr("read ack: " + err.Error())
	}
	ack := new(authRespV4)
	if err := h.decodeAck(ackPacket, ack); err != nil {
		return secrets{}, err
	}
	h.respNonce = ack.Nonce[:]
	remoteRandomPub, err := importPublicKey(ack.RandomPubkey[:])
	if err != nil {
		return secrets{}, handshakeErr("remote ephemeral pubkey: " + err.Error())
	}
	h.remoteRandomPub = remoteRandomPub

	return h.deriveSecrets(authPacket, ackPacket)
}

// runReceiver implements §4.2 inbound flow: symmetric, discovering
// the remote NodeID from the decrypted auth.
func (h *handshakeState) runReceiver(conn net.Conn) (secrets, error) {
	authPacket, err := readHandshakeMsg(conn)
	if err != nil {
		return secrets{}, handshakeErr("read auth: " + err.Error())
	}
	msg := new(authMsgV4)
	if err := h.decodeAuth(authPacket, msg); err != nil {
		return secrets{}, err
	}
	h.initNonce = msg.Nonce[:]
	remotePub, err := importPublicKey(msg.InitiatorPubkey[:])
	if err != nil {
		return secrets{}, handshakeErr("initiator pubkey: " + err.Error())
	}
	h.remote = remotePub

	token, err := ecies.ImportECDSA(h.prv).GenerateShared(importECIES(remotePub), sskLen, sskLen)
	if err != nil {
		return secrets{}, handshakeErr("static ecdh: " + err.Error())
	}
	signed := xor(token, msg.Nonce[:])
	sig := msg.Signature[:]
	remoteRandomPub, err := crypto.SigToPub(signed, sig)
	if err != nil {
		return secrets{}, handshakeErr("bad signature: " + err.Error())
	}
	h.remoteRandomPub = importECIES(remoteRandomPub)

	ecdhe, err := ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return secrets{}, handshakeErr("ephemeral key: " + err.Error())
	}
	h.randomPrivKey = ecdhe
	h.respNonce = make([]byte, shaLen)
	if _, err := io.ReadFull(rand.Reader, h.respNonce); err != nil {
		return secrets{}, handshakeErr("nonce: " + err.Error())
	}

	ack := &authRespV4{Version: authVsn}
	copy(ack.RandomPubkey[:], exportPubkey(&ecdhe.PublicKey))
	copy(ack.Nonce[:], h.respNonce)
	ackPacket, err := h.sealEIP8(ack)
	if err != nil {
		return secrets{}, handshakeErr("seal ack: " + err.Error())
	}
	if _, err := conn.Write(ackPacket); err != nil {
		return secrets{}, handshakeErr("write ack: " + err.Error())
	}
	return h.deriveSecrets(authPacket, ackPacket)
}

func (h *handshakeState) makeAuthMsg() (*authMsgV4, error) {
	token, err := ecies.ImportECDSA(h.prv).GenerateShared(importECIES(h.remote), sskLen, sskLen)
	if err != nil {
		return nil, handshakeErr("static ecdh: " + err.Error())
	}
	signed := xor(token, h.initNonce)
	sig, err := crypto.Sign(signed, ecdsaFromECIES(h.randomPrivKey))
	if err != nil {
		return nil, handshakeErr("sign: " + err.Error())
	}
	msg := new(authMsgV4)
	copy(msg.Signature[:], sig)
	copy(msg.InitiatorPubkey[:], exportPubkey(&h.prv.PublicKey))
	copy(msg.Nonce[:], h.initNonce)
	msg.Version = authVsn
	return msg, nil
}

// deriveSecrets implements §4.2 step 5's shared-secret expansion and
// the AES/MAC/ingress/egress derivation from the RLPx specification.
func (h *handshakeState) deriveSecrets(auth, ack []byte) (secrets, error) {
	ephemeralShared, err := h.randomPrivKey.GenerateShared(h.remoteRandomPub, sskLen, sskLen)
	if err != nil {
		return secrets{}, handshakeErr("ephemeral ecdh: " + err.Error())
	}
	sharedSecret := crypto.Keccak256(ephemeralShared, crypto.Keccak256(h.respNonce, h.initNonce))
	aesSecret := crypto.Keccak256(ephemeralShared, sharedSecret)
	s := secrets{Remote: h.remote}
	s.AES = aesSecret
	s.MAC = crypto.Keccak256(ephemeralShared, aesSecret)

	mac1 := sha3.NewLegacyKeccak256()
	mac1.Write(xor(s.MAC, h.respNonce))
	mac1.Write(auth)
	mac2 := sha3.NewLegacyKeccak256()
	mac2.Write(xor(s.MAC, h.initNonce))
	mac2.Write(ack)
	if h.initiator {
		s.EgressMAC, s.IngressMAC = mac1, mac2
	} else {
		s.EgressMAC, s.IngressMAC = mac2, mac1
	}
	return s, nil
}

// readHandshakeMsg reads an EIP-8 framed ciphertext: a 2-byte
// big-endian length prefix followed by that many bytes (§4.2 step 4).
func readHandshakeMsg(conn net.Conn) ([]byte, error) {
	prefix := make([]byte, 2)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(prefix)
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return append(prefix, buf...), nil
}

func (h *handshakeState) sealEIP8(msg interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rlp.Encode(buf, msg); err != nil {
		return nil, err
	}
	pad := make([]byte, 100+(len(buf.Bytes())%16))
	io.ReadFull(rand.Reader, pad)
	buf.Write(pad)

	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(buf.Len()+eciesOverhead))

	enc, err := ecies.Encrypt(rand.Reader, importECIES(h.remoteOrTarget()), buf.Bytes(), nil, prefix)
	if err != nil {
		return nil, err
	}
	return append(prefix, enc...), nil
}

// remoteOrTarget returns the peer to encrypt to: the configured remote
// when initiating, or the remote discovered from auth when acking.
func (h *handshakeState) remoteOrTarget() *ecdsa.PublicKey { return h.remote }

const eciesOverhead = 65 + 16 + 32 // ephemeral pubkey + IV + HMAC-SHA256

func (h *handshakeState) decodeAuth(packet []byte, msg *authMsgV4) error {
	return h.decodeEIP8(packet, msg)
}

func (h *handshakeState) decodeAck(packet []byte, msg *authRespV4) error {
	return h.decodeEIP8(packet, msg)
}

func (h *handshakeState) decodeEIP8(packet []byte, out interface{}) error {
	prefix := packet[:2]
	dec, err := ecies.ImportECDSA(h.prv).Decrypt(packet[2:], nil, prefix)
	if err != nil {
		return handshakeErr("decrypt: " + err.Error())
	}
	return rlp.DecodeBytes(dec, out)
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

func exportPubkey(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)[1:]
}

func importPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	var full []byte
	switch len(raw) {
	case 64:
		full = append([]byte{0x04}, raw...)
	case 65:
		full = raw
	default:
		return nil, handshakeErr("invalid public key length")
	}
	return crypto.UnmarshalPubkey(full)
}

func importECIES(pub *ecdsa.PublicKey) *ecies.PublicKey { return ecies.ImportECDSAPublic(pub) }

func ecdsaFromECIES(prv *ecies.PrivateKey) *ecdsa.PrivateKey { return prv.ExportECDSA() }
