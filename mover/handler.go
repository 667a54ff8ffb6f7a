// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mover

import (
	"github.com/intel-hpdd/logging/audit"

	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
)

// TapeHandler executes format and check maintenance requests against
// a cartridge that has been moved into a drive.
type TapeHandler struct {
	store *queue.Store
	inv   *inventory.Inventory
	lib   inventory.Library
	wake  func()

	Pool    string
	DriveID string
	TapeID  string
	ReqNum  int64
	Op      queue.Operation
}

// NewTapeHandler builds a format or check execution.
func NewTapeHandler(store *queue.Store, inv *inventory.Inventory, lib inventory.Library,
	wake func(), pool, driveID, tapeID string, reqNum int64, op queue.Operation) *TapeHandler {

	return &TapeHandler{
		store:   store,
		inv:     inv,
		lib:     lib,
		wake:    wake,
		Pool:    pool,
		DriveID: driveID,
		TapeID:  tapeID,
		ReqNum:  reqNum,
		Op:      op,
	}
}

// ExecRequest runs the maintenance operation and releases drive and
// cartridge.
func (h *TapeHandler) ExecRequest() {
	var err error
	if h.Op == queue.Format {
		err = h.lib.Format(h.DriveID, h.TapeID)
	} else {
		err = h.lib.Check(h.DriveID, h.TapeID)
	}

	if err != nil {
		audit.Logf("req %d: %s of %s failed: %v", h.ReqNum, h.Op, h.TapeID, err)
	} else {
		h.inv.Lock()
		if cart := h.inv.GetCartridge(h.TapeID); cart != nil && h.Op == queue.Format {
			cart.RemainingCap = cart.TotalCap
		}
		h.inv.Unlock()
		audit.Logf("req %d: %s of %s done", h.ReqNum, h.Op, h.TapeID)
	}

	if err := h.store.CompleteRequest(h.ReqNum); err != nil {
		audit.Logf("req %d: completion failed: %v", h.ReqNum, err)
	}
	h.inv.Release(h.DriveID, h.TapeID)
	h.wake()
}
