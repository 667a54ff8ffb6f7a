// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Client is one session against the backend. Every session starts
// with a ReqNumber exchange that hands out the request number used
// for the rest of the session.
type Client struct {
	conn      *Conn
	key       int64
	reqNumber int64
}

// ReadKey reads the authentication key from the rendezvous file the
// backend wrote at startup. The first line is the key, the second
// the backend's boot instance id.
func ReadKey(keyFile string) (int64, error) {
	f, err := os.Open(keyFile)
	if err != nil {
		return 0, errors.Wrap(err, "open key file failed")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, errors.New("key file is empty")
	}
	key, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "key file is not parsable")
	}
	return key, nil
}

// Connect dials the backend socket and performs the ReqNumber
// exchange.
func Connect(sockPath, keyFile string) (*Client, error) {
	key, err := ReadKey(keyFile)
	if err != nil {
		return nil, err
	}

	sock, err := net.DialTimeout("unix", sockPath, 10*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "connect to backend failed")
	}

	c := &Client{conn: NewConn(sock), key: key}
	if err := c.requestNumber(); err != nil {
		sock.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) requestNumber() error {
	err := c.conn.Send(&Message{ReqNumber: &ReqNumberRequest{Key: c.key}})
	if err != nil {
		return err
	}
	resp, err := c.conn.Recv()
	if err != nil {
		return errors.Wrap(err, "request number exchange failed")
	}
	if resp.ReqNumberResp == nil || !resp.ReqNumberResp.Success {
		return NewError(CommError)
	}
	c.reqNumber = resp.ReqNumberResp.ReqNumber
	return nil
}

// Key returns the session key.
func (c *Client) Key() int64 {
	return c.key
}

// ReqNumber returns the request number assigned to this session.
func (c *Client) ReqNumber() int64 {
	return c.reqNumber
}

// Send forwards one message on the session.
func (c *Client) Send(msg *Message) error {
	return c.conn.Send(msg)
}

// Recv reads one message from the session.
func (c *Client) Recv() (*Message, error) {
	return c.conn.Recv()
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}
