// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mover executes physical tape operations against one drive:
// mount, move, and unmount, plus the format and check maintenance
// operations.
package mover

import (
	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
)

// TapeMover moves one cartridge into or out of one drive.
type TapeMover struct {
	store *queue.Store
	inv   *inventory.Inventory
	lib   inventory.Library
	wake  func()

	DriveID string
	TapeID  string
	ReqNum  int64
	Op      queue.Operation
}

// NewTapeMover builds a tape move bound to a drive and cartridge.
func NewTapeMover(store *queue.Store, inv *inventory.Inventory, lib inventory.Library,
	wake func(), driveID, tapeID string, reqNum int64, op queue.Operation) *TapeMover {

	return &TapeMover{
		store:   store,
		inv:     inv,
		lib:     lib,
		wake:    wake,
		DriveID: driveID,
		TapeID:  tapeID,
		ReqNum:  reqNum,
		Op:      op,
	}
}

// AddRequest enqueues the move as a request row of its own and wakes
// the scheduler. The caller has reserved the drive through its
// move-request mark.
func (t *TapeMover) AddRequest() {
	err := t.store.AddRequest(queue.Request{
		Op:      t.Op,
		ReqNum:  t.ReqNum,
		NumRepl: 1,
		TapeID:  t.TapeID,
		DriveID: t.DriveID,
	})
	if err != nil {
		audit.Logf("req %d: enqueue %s of %s failed: %v", t.ReqNum, t.Op, t.TapeID, err)
		return
	}
	debug.Printf("req %d: %s of %s on %s enqueued", t.ReqNum, t.Op, t.TapeID, t.DriveID)
	t.wake()
}

// ExecRequest performs the physical operation. On failure the
// cartridge returns to its prior state. Either way the drive is
// released and the scheduler signalled.
func (t *TapeMover) ExecRequest() {
	t.inv.Lock()
	cart := t.inv.GetCartridge(t.TapeID)
	drive := t.inv.GetDrive(t.DriveID)
	if cart == nil || drive == nil {
		t.inv.Unlock()
		audit.Logf("req %d: %s of unknown %s/%s", t.ReqNum, t.Op, t.DriveID, t.TapeID)
		return
	}
	cart.SetState(inventory.CartMoving)
	t.inv.Unlock()

	var err error
	switch t.Op {
	case queue.Mount:
		err = t.lib.Mount(t.DriveID, t.TapeID)
	case queue.Move:
		err = t.lib.Move(t.DriveID, t.TapeID)
	case queue.Unmount:
		err = t.lib.Unmount(t.DriveID, t.TapeID)
	}

	t.inv.Lock()
	if err != nil {
		audit.Logf("req %d: %s of %s failed: %v", t.ReqNum, t.Op, t.TapeID, err)
		if t.Op == queue.Unmount {
			cart.SetState(inventory.CartMounted)
		} else {
			cart.Slot = cart.HomeSlot
			cart.SetState(inventory.CartUnmounted)
		}
	} else {
		if t.Op == queue.Unmount {
			cart.Slot = cart.HomeSlot
			cart.SetState(inventory.CartUnmounted)
		} else {
			cart.Slot = drive.Slot
			cart.SetState(inventory.CartMounted)
		}
		debug.Printf("req %d: %s of %s done", t.ReqNum, t.Op, t.TapeID)
	}
	drive.ClearMoveReq()
	drive.SetBusy(false)
	drive.SetToUnblock(queue.OpNone)
	t.inv.Unlock()

	if err := t.store.CompleteRequest(t.ReqNum); err != nil {
		audit.Logf("req %d: completion failed: %v", t.ReqNum, err)
	}
	t.wake()
}
