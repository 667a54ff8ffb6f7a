// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package inventory owns the in-memory model of drives, cartridges,
// and pools. Every state transition happens under the inventory lock;
// workers hold plain identifiers and look the objects up again.
package inventory

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/intel-hpdd/logging/alert"
	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/queue"
)

// CartState is the scheduler-visible state of one cartridge.
type CartState int

const (
	CartUnmounted CartState = iota
	CartMounted
	CartMoving
	CartInUse
	CartInvalid
	CartUnknown
)

func (s CartState) String() string {
	switch s {
	case CartUnmounted:
		return "unmounted"
	case CartMounted:
		return "mounted"
	case CartMoving:
		return "moving"
	case CartInUse:
		return "in use"
	case CartInvalid:
		return "invalid"
	case CartUnknown:
		return "unknown"
	default:
		return "-"
	}
}

type (
	// Drive is one tape drive at a fixed slot. All fields are
	// guarded by the inventory lock.
	Drive struct {
		ID      string
		DevName string
		Slot    int64
		Status  string

		busy        bool
		moveReqNum  int64
		moveReqPool string
		toUnblock   queue.Operation
	}

	// Cartridge is one piece of tape media. The embedded condition
	// rendezvous lets waiters block until a move or claim settles.
	Cartridge struct {
		ID           string
		Slot         int64
		HomeSlot     int64
		Pool         string
		TotalCap     int64 // MiB
		RemainingCap int64 // MiB
		Status       string

		state     CartState
		requested bool

		mtx  sync.Mutex
		cond *sync.Cond
	}

	// Inventory is the exclusive owner of all drives, cartridges,
	// and pools for the process lifetime.
	Inventory struct {
		mtx sync.Mutex

		lib      Library
		poolFile string

		drives []*Drive               // discovery order
		carts  []*Cartridge           // discovery order
		byID   map[string]*Cartridge
		pools  []*Pool // configuration order
	}
)

// Busy reports whether the drive is claimed. Inventory lock held.
func (d *Drive) Busy() bool {
	return d.busy
}

// SetBusy claims or releases the drive. Inventory lock held.
func (d *Drive) SetBusy(busy bool) {
	d.busy = busy
}

// MoveReq returns which request holds a pending tape move on this
// drive. Inventory lock held.
func (d *Drive) MoveReq() (int64, string) {
	return d.moveReqNum, d.moveReqPool
}

// SetMoveReq reserves the drive for a request's pending tape move.
// Inventory lock held.
func (d *Drive) SetMoveReq(reqNum int64, pool string) {
	d.moveReqNum = reqNum
	d.moveReqPool = pool
}

// ClearMoveReq releases the pending-move reservation. Inventory lock
// held.
func (d *Drive) ClearMoveReq() {
	d.moveReqNum = comm.UNSET
	d.moveReqPool = ""
}

// ToUnblock returns the operation whose pre-emption request this
// drive carries. Inventory lock held.
func (d *Drive) ToUnblock() queue.Operation {
	return d.toUnblock
}

// SetToUnblock records a pre-emption request. Inventory lock held.
func (d *Drive) SetToUnblock(op queue.Operation) {
	d.toUnblock = op
}

// State returns the cartridge state. Inventory lock held.
func (c *Cartridge) State() CartState {
	return c.state
}

// SetState transitions the cartridge and wakes anyone waiting for it
// to settle. Inventory lock held.
func (c *Cartridge) SetState(state CartState) {
	c.state = state
	c.mtx.Lock()
	c.cond.Broadcast()
	c.mtx.Unlock()
}

// Requested reports whether a higher-priority operation has already
// asked the current holder to release. Inventory lock held.
func (c *Cartridge) Requested() bool {
	return c.requested
}

// SetRequested flags or clears the pre-emption ask. Inventory lock
// held.
func (c *Cartridge) SetRequested(requested bool) {
	c.requested = requested
}

// New discovers drives and cartridges from the library and loads the
// pool configuration.
func New(lib Library, poolFile string) (*Inventory, error) {
	inv := &Inventory{
		lib:      lib,
		poolFile: poolFile,
		byID:     make(map[string]*Cartridge),
	}
	if err := inv.discover(); err != nil {
		return nil, err
	}
	if err := inv.loadPools(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Inventory) discover() error {
	drives, err := inv.lib.Drives()
	if err != nil {
		return errors.Wrap(err, "drive discovery failed")
	}
	carts, err := inv.lib.Cartridges()
	if err != nil {
		return errors.Wrap(err, "cartridge discovery failed")
	}

	inv.drives = inv.drives[:0]
	for _, d := range drives {
		inv.drives = append(inv.drives, &Drive{
			ID:          d.ID,
			DevName:     d.DevName,
			Slot:        d.Slot,
			Status:      d.Status,
			moveReqNum:  comm.UNSET,
			toUnblock:   queue.OpNone,
		})
	}

	inv.carts = inv.carts[:0]
	for id := range inv.byID {
		delete(inv.byID, id)
	}
	for _, ci := range carts {
		cart := &Cartridge{
			ID:           ci.ID,
			Slot:         ci.Slot,
			HomeSlot:     ci.HomeSlot,
			TotalCap:     ci.TotalCap,
			RemainingCap: ci.RemainingCap,
			Status:       ci.Status,
			state:        CartUnmounted,
		}
		if ci.Mounted {
			cart.state = CartMounted
		}
		cart.cond = sync.NewCond(&cart.mtx)
		inv.carts = append(inv.carts, cart)
		inv.byID[cart.ID] = cart
	}

	audit.Logf("inventory: %d drives, %d cartridges", len(inv.drives), len(inv.carts))
	return nil
}

// Lock acquires the inventory. Callers follow the TERM > scheduler >
// inventory acquisition order.
func (inv *Inventory) Lock() {
	inv.mtx.Lock()
}

// Unlock releases the inventory.
func (inv *Inventory) Unlock() {
	inv.mtx.Unlock()
}

// GetDrive looks a drive up by id. Inventory lock held.
func (inv *Inventory) GetDrive(id string) *Drive {
	for _, d := range inv.drives {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// GetDrives returns the drives in discovery order. Inventory lock
// held.
func (inv *Inventory) GetDrives() []*Drive {
	return inv.drives
}

// GetCartridge looks a cartridge up by id. Inventory lock held.
func (inv *Inventory) GetCartridge(id string) *Cartridge {
	return inv.byID[id]
}

// GetCartridges returns the cartridges in discovery order. Inventory
// lock held.
func (inv *Inventory) GetCartridges() []*Cartridge {
	return inv.carts
}

// Claim commits a scheduling decision: the drive goes busy and the
// cartridge in use. Clears a satisfied pre-emption ask. Inventory
// lock held.
func (inv *Inventory) Claim(driveID, tapeID string) {
	drive := inv.GetDrive(driveID)
	cart := inv.GetCartridge(tapeID)
	if drive == nil || cart == nil {
		alert.Abort(errors.Errorf("claim of unknown resources %q/%q", driveID, tapeID))
	}
	debug.Printf("claim drive %s tape %s", driveID, tapeID)
	drive.SetBusy(true)
	cart.SetRequested(false)
	cart.SetState(CartInUse)
}

// Release undoes a claim: the cartridge stays mounted, the drive
// becomes free, any pre-emption mark on the drive is honored.
func (inv *Inventory) Release(driveID, tapeID string) {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()

	if drive := inv.GetDrive(driveID); drive != nil {
		drive.SetBusy(false)
		drive.SetToUnblock(queue.OpNone)
	}
	if cart := inv.GetCartridge(tapeID); cart != nil {
		cart.SetState(CartMounted)
	}
	debug.Printf("release drive %s tape %s", driveID, tapeID)
}

// RequestExists reports whether some drive already carries a pending
// tape move for this request. The scheduler uses it to avoid issuing
// a duplicate mount. Inventory lock held.
func (inv *Inventory) RequestExists(reqNum int64, pool string) bool {
	for _, d := range inv.drives {
		rn, p := d.MoveReq()
		if rn == reqNum && p == pool {
			return true
		}
	}
	return false
}

// BroadcastCartridges wakes every waiter on every cartridge. The
// scheduler calls this when draining for shutdown.
func (inv *Inventory) BroadcastCartridges() {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	for _, cart := range inv.carts {
		cart.mtx.Lock()
		cart.cond.Broadcast()
		cart.mtx.Unlock()
	}
}

// Inventorize re-reads the physical library state. It waits for
// moving or claimed cartridges to settle before reconciling, then
// reapplies pool membership.
func (inv *Inventory) Inventorize() error {
	for {
		inv.mtx.Lock()
		var busy *Cartridge
		for _, cart := range inv.carts {
			if cart.state == CartMoving || cart.state == CartInUse {
				busy = cart
				break
			}
		}
		if busy == nil {
			defer inv.mtx.Unlock()
			if err := inv.discover(); err != nil {
				return errors.Wrap(err, "inventorize failed")
			}
			inv.applyPools()
			return nil
		}

		// Arm the wait before dropping the inventory lock so the
		// settle broadcast cannot be missed, then re-scan.
		busy.mtx.Lock()
		inv.mtx.Unlock()
		busy.cond.Wait()
		busy.mtx.Unlock()
	}
}
