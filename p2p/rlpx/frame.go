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
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"hash"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

// ErrBadMAC is returned when a frame's header or body MAC does not
// verify; terminates the connection (§4.3, §7 ProtocolError).
var ErrBadMAC = errors.New("rlpx: bad MAC")

// sessionState holds the frame cipher state derived from the
// handshake secrets (§4.3 Frame format).
type sessionState struct {
	enc cipher.Stream
	dec cipher.Stream

	macCipher  cipher.Block
	egressMAC  hash.Hash
	ingressMAC hash.Hash

	rbuf []byte
	wbuf []byte
}

func newSession(s secrets) *sessionState {
	macc, err := aes.NewCipher(s.MAC)
	if err != nil {
		panic("rlpx: invalid MAC secret: " + err.Error())
	}
	encc, err := aes.NewCipher(s.AES)
	if err != nil {
		panic("rlpx: invalid AES secret: " + err.Error())
	}
	iv := make([]byte, encc.BlockSize())
	return &sessionState{
		enc:        cipher.NewCTR(encc, iv),
		dec:        cipher.NewCTR(encc, iv),
		macCipher:  macc,
		egressMAC:  s.EgressMAC,
		ingressMAC: s.IngressMAC,
	}
}

// Msg is a single RLPx application message: a code plus an RLP-encoded
// payload. There is no context id; sub-protocols are told apart by
// their message code offsets (§4.3 Message code assignment).
type Msg struct {
	Code    uint64
	Size    uint32
	Payload io.Reader
}

// WriteMsg frames and encrypts msg onto the wire (§4.3 Frame format):
// a 16-byte header (3-byte length, rlp([code-relative-protocol info]),
// zero-padded), header MAC, the AES-CTR body ciphertext padded to a
// 16-byte multiple, and the body MAC.
func (c *Conn) WriteMsg(msg Msg) error {
	ptype, _ := rlp.EncodeToBytes(msg.Code)
	payload := make([]byte, msg.Size)
	if _, err := io.ReadFull(msg.Payload, payload); err != nil {
		return err
	}
	if c.snappy {
		payload = snappy.Encode(nil, payload)
	}
	body := append(ptype, payload...)

	header := make([]byte, 16)
	fsize := uint32(len(body))
	putUint24(fsize, header)
	copy(header[3:], zeroHeader)

	headEnc := make([]byte, 16)
	c.enc.XORKeyStream(headEnc, header)
	updateMAC(c.egressMAC, c.macCipher, headEnc)
	headMAC := c.egressMAC.Sum(nil)[:16]

	if _, err := c.conn.Write(headEnc); err != nil {
		return err
	}
	if _, err := c.conn.Write(headMAC); err != nil {
		return err
	}

	bodyEnc := make([]byte, len(body)+padTo16(len(body)))
	c.enc.XORKeyStream(bodyEnc[:len(body)], body)
	c.egressMAC.Write(bodyEnc)
	bodyMAC := c.egressMAC.Sum(nil)[:16]

	if _, err := c.conn.Write(bodyEnc); err != nil {
		return err
	}
	_, err := c.conn.Write(bodyMAC)
	return err
}

// ReadMsg reads and decrypts the next frame, verifying both MACs.
func (c *Conn) ReadMsg() (Msg, error) {
	headEnc := make([]byte, 16)
	if _, err := io.ReadFull(c.conn, headEnc); err != nil {
		return Msg{}, err
	}
	wantMAC := make([]byte, 16)
	if _, err := io.ReadFull(c.conn, wantMAC); err != nil {
		return Msg{}, err
	}
	updateMAC(c.ingressMAC, c.macCipher, headEnc)
	if !hmacEqual(c.ingressMAC.Sum(nil)[:16], wantMAC) {
		return Msg{}, ErrBadMAC
	}
	header := make([]byte, 16)
	c.dec.XORKeyStream(header, headEnc)
	fsize := readUint24(header)

	rsize := fsize + uint32(padTo16(int(fsize)))
	bodyEnc := make([]byte, rsize)
	if _, err := io.ReadFull(c.conn, bodyEnc); err != nil {
		return Msg{}, err
	}
	bodyMAC := make([]byte, 16)
	if _, err := io.ReadFull(c.conn, bodyMAC); err != nil {
		return Msg{}, err
	}
	c.ingressMAC.Write(bodyEnc)
	if !hmacEqual(c.ingressMAC.Sum(nil)[:16], bodyMAC) {
		return Msg{}, ErrBadMAC
	}
	body := make([]byte, rsize)
	c.dec.XORKeyStream(body, bodyEnc)
	body = body[:fsize]

	s := rlp.NewStream(bytesReader(body), 0)
	code, err := s.Uint()
	if err != nil {
		return Msg{}, err
	}
	ptype, _ := rlp.EncodeToBytes(code)
	payload := body[len(ptype):]
	if c.snappy {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return Msg{}, err
		}
	}
	return Msg{Code: code, Size: uint32(len(payload)), Payload: bytesReaderBuf(payload)}, nil
}

func updateMAC(mac hash.Hash, block cipher.Block, seed []byte) {
	aesbuf := make([]byte, 16)
	block.Encrypt(aesbuf, mac.Sum(nil))
	for i := range aesbuf {
		aesbuf[i] ^= seed[i]
	}
	mac.Write(aesbuf)
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

var zeroHeader = []byte{0xC2, 0x80, 0x80} // rlp([0,0]), matches unused protocol/context-id slot

func putUint24(v uint32, b []byte) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func readUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func padTo16(n int) int {
	if n%16 == 0 {
		return 0
	}
	return 16 - n%16
}

func bytesReader(b []byte) io.Reader  { return &sliceReader{b: b} }
func bytesReaderBuf(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
