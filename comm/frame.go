// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"

	"github.com/pkg/errors"
)

// maxFrameSize bounds a single message. Filename batches are split
// by the sender well below this.
const maxFrameSize = 8 << 20

// Conn sends and receives length-prefixed messages over a stream
// socket. One Conn is owned by exactly one goroutine at a time.
type Conn struct {
	sock net.Conn
}

// NewConn wraps an accepted or dialed socket.
func NewConn(sock net.Conn) *Conn {
	return &Conn{sock: sock}
}

// Send writes one message as a 4-byte big-endian length followed by
// the serialized payload.
func (c *Conn) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message failed")
	}
	if len(data) > maxFrameSize {
		return errors.Errorf("frame too large (%d bytes)", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.sock.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "send frame header failed")
	}
	if _, err := c.sock.Write(data); err != nil {
		return errors.Wrap(err, "send frame payload failed")
	}
	return nil
}

// Recv reads one message. Connection loss surfaces as an error on
// the next Recv.
func (c *Conn) Recv() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.sock, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "recv frame header failed")
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, errors.Errorf("frame too large (%d bytes)", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.sock, data); err != nil {
		return nil, errors.Wrap(err, "recv frame payload failed")
	}
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal message failed")
	}
	return msg, nil
}

// Close shuts the underlying socket down.
func (c *Conn) Close() error {
	return c.sock.Close()
}
