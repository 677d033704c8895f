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

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrPipeClosed is returned by MsgPipeRW once the pipe has been closed
// from either end.
var ErrPipeClosed = errors.New("p2p: pipe closed")

// MsgPipeRW is one end of an in-memory MsgReadWriter pipe, the same
// no-transport harness the teacher's protocol tests dial against
// instead of a real TCP/RLPx connection.
type MsgPipeRW struct {
	w       chan<- Msg
	r       <-chan Msg
	closing chan struct{}
	mu      sync.Mutex
}

// MsgPipe creates a message pipe: messages sent on one end's WriteMsg
// are delivered to the other end's ReadMsg, in order. The pipe is
// unbuffered: WriteMsg blocks until the other end's ReadMsg takes the
// message. The payload is copied first, so the reader does not share
// the writer's buffer.
func MsgPipe() (*MsgPipeRW, *MsgPipeRW) {
	c1, c2 := make(chan Msg), make(chan Msg)
	closing := make(chan struct{})
	return &MsgPipeRW{w: c1, r: c2, closing: closing},
		&MsgPipeRW{w: c2, r: c1, closing: closing}
}

func (p *MsgPipeRW) WriteMsg(msg Msg) error {
	payload, err := io.ReadAll(msg.Payload)
	if err != nil {
		return err
	}
	msg.Payload = bytes.NewReader(payload)
	select {
	case p.w <- msg:
		return nil
	case <-p.closing:
		return ErrPipeClosed
	}
}

func (p *MsgPipeRW) ReadMsg() (Msg, error) {
	select {
	case msg := <-p.r:
		return msg, nil
	case <-p.closing:
		return Msg{}, ErrPipeClosed
	}
}

// Close shuts down both ends of the pipe.
func (p *MsgPipeRW) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closing:
	default:
		close(p.closing)
	}
	return nil
}
