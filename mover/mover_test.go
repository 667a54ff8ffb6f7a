// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mover

import (
	"testing"

	"github.com/bistack/LTFS-Data-Management/internal/testhelpers"
	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
)

type env struct {
	store *queue.Store
	inv   *inventory.Inventory
	lib   *inventory.SimLibrary
	woken int
}

func testEnv(t *testing.T) (*env, func()) {
	dir, clean := testhelpers.TempDir(t)
	store, err := queue.Open(dir + "/queue.db")
	if err != nil {
		t.Fatal(err)
	}
	lib := inventory.NewSimLibrary(1, []int64{1000})
	inv, err := inventory.New(lib, dir+"/pools.conf")
	if err != nil {
		t.Fatal(err)
	}
	e := &env{store: store, inv: inv, lib: lib}
	return e, func() {
		store.Close()
		clean()
	}
}

func (e *env) wake() {
	e.woken++
}

func TestMountRequestLifecycle(t *testing.T) {
	e, clean := testEnv(t)
	defer clean()

	tm := NewTapeMover(e.store, e.inv, e.lib, e.wake, "D00", "T00000", 11, queue.Mount)
	tm.AddRequest()
	if e.woken != 1 {
		t.Error("scheduler not woken on enqueue")
	}

	reqs, err := e.store.NewRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Op != queue.Mount || reqs[0].TapeID != "T00000" {
		t.Fatalf("unexpected move row: %+v", reqs)
	}

	// Simulate the scheduler's claim, then execute.
	e.inv.Lock()
	e.inv.GetDrive("D00").SetMoveReq(3, "p1")
	e.inv.Claim("D00", "T00000")
	e.inv.Unlock()
	e.store.StartRequest(11, "D00")

	tm.ExecRequest()

	e.inv.Lock()
	cart := e.inv.GetCartridge("T00000")
	drive := e.inv.GetDrive("D00")
	if cart.State() != inventory.CartMounted {
		t.Errorf("cartridge ended %s, want mounted", cart.State())
	}
	if cart.Slot != drive.Slot {
		t.Error("mounted cartridge not at the drive slot")
	}
	if drive.Busy() {
		t.Error("drive still busy after the move")
	}
	if rn, _ := drive.MoveReq(); rn != -1 {
		t.Error("move reservation not cleared")
	}
	e.inv.Unlock()

	done, err := e.store.Done(11)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("move request not completed")
	}
	if e.woken != 2 {
		t.Error("scheduler not woken on completion")
	}
}

func TestUnmountReturnsHome(t *testing.T) {
	e, clean := testEnv(t)
	defer clean()

	mount := NewTapeMover(e.store, e.inv, e.lib, e.wake, "D00", "T00000", 21, queue.Mount)
	e.inv.Lock()
	e.inv.Claim("D00", "T00000")
	e.inv.Unlock()
	mount.ExecRequest()

	e.inv.Lock()
	cart := e.inv.GetCartridge("T00000")
	home := cart.HomeSlot
	e.inv.Claim("D00", "T00000")
	e.inv.Unlock()

	unmount := NewTapeMover(e.store, e.inv, e.lib, e.wake, "D00", "T00000", 22, queue.Unmount)
	unmount.ExecRequest()

	e.inv.Lock()
	defer e.inv.Unlock()
	if cart.State() != inventory.CartUnmounted {
		t.Errorf("cartridge ended %s, want unmounted", cart.State())
	}
	if cart.Slot != home {
		t.Errorf("cartridge at slot %d, want home slot %d", cart.Slot, home)
	}
}

func TestMountFailureRestoresState(t *testing.T) {
	e, clean := testEnv(t)
	defer clean()

	e.lib.FailMount = "T00000"

	tm := NewTapeMover(e.store, e.inv, e.lib, e.wake, "D00", "T00000", 31, queue.Mount)
	tm.AddRequest()
	e.inv.Lock()
	e.inv.Claim("D00", "T00000")
	e.inv.Unlock()
	e.store.StartRequest(31, "D00")

	tm.ExecRequest()

	e.inv.Lock()
	cart := e.inv.GetCartridge("T00000")
	if cart.State() != inventory.CartUnmounted {
		t.Errorf("cartridge ended %s, want unmounted after failed mount", cart.State())
	}
	if e.inv.GetDrive("D00").Busy() {
		t.Error("drive still busy after failed mount")
	}
	e.inv.Unlock()

	// The request is closed either way.
	done, err := e.store.Done(31)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("failed move request left open")
	}
}

func TestFormatRestoresCapacity(t *testing.T) {
	e, clean := testEnv(t)
	defer clean()

	e.inv.Lock()
	cart := e.inv.GetCartridge("T00000")
	cart.RemainingCap = 10
	cart.SetState(inventory.CartMounted)
	e.inv.Claim("D00", "T00000")
	e.inv.Unlock()
	e.store.AddRequest(queue.Request{Op: queue.Format, ReqNum: 41, NumRepl: 1, TapeID: "T00000"})
	e.store.StartRequest(41, "D00")

	th := NewTapeHandler(e.store, e.inv, e.lib, e.wake, "p1", "D00", "T00000", 41, queue.Format)
	th.ExecRequest()

	e.inv.Lock()
	if cart.RemainingCap != cart.TotalCap {
		t.Errorf("capacity %d after format, want %d", cart.RemainingCap, cart.TotalCap)
	}
	if cart.State() != inventory.CartMounted {
		t.Errorf("cartridge ended %s, want mounted", cart.State())
	}
	e.inv.Unlock()

	done, err := e.store.Done(41)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("format request not completed")
	}
}
