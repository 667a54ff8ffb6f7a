// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

import (
	"net"
	"testing"
)

func connPair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := connPair()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Send(&Message{Mig: &MigRequest{
			Key:         42,
			ReqNumber:   7,
			Pools:       "p1,p2",
			TargetState: 4,
		}})
	}()

	msg, err := server.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Mig == nil {
		t.Fatal("migration request lost in transit")
	}
	if msg.Mig.Key != 42 || msg.Mig.ReqNumber != 7 || msg.Mig.Pools != "p1,p2" {
		t.Errorf("fields mangled: %+v", msg.Mig)
	}
	if msg.Stop != nil || msg.SelRec != nil {
		t.Error("unset message kinds decoded as set")
	}
}

func TestSentinelRow(t *testing.T) {
	client, server := connPair()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Send(&Message{InfoJobsResp: &InfoJobsResp{
			ReqNumber: UNSET,
			ReplNum:   UNSET,
			FileSize:  UNSET,
		}})
	}()

	msg, err := client.Recv()
	if err != nil {
		t.Fatal(err)
	}
	j := msg.InfoJobsResp
	if j == nil {
		t.Fatal("sentinel row lost")
	}
	if j.Operation != "" || j.FileName != "" || j.ReqNumber != UNSET {
		t.Errorf("sentinel fields wrong: %+v", j)
	}
}

func TestTruncatedFrame(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b)

	go func() {
		a.Write([]byte{0, 0, 1, 0, 'x', 'y'})
		a.Close()
	}()

	if _, err := conn.Recv(); err == nil {
		t.Error("truncated frame did not error")
	}
	conn.Close()
}
