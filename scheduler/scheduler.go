// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler arbitrates the tape drives and cartridges among
// queued requests. One long-lived loop waits on a condition that is
// signalled whenever a request arrives, a tape move finishes, or a
// worker releases its resources, and then walks the new requests in
// arrival order looking for resources to commit.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/fileop"
	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/mover"
	"github.com/bistack/LTFS-Data-Management/queue"
	"github.com/bistack/LTFS-Data-Management/term"
)

// Scheduler owns the scheduling loop.
type Scheduler struct {
	mtx     sync.Mutex
	cond    *sync.Cond
	pending bool

	store      *queue.Store
	inv        *inventory.Inventory
	lib        inventory.Library
	fs         fileop.FileSystem
	dm         fileop.DataMover
	flags      *term.Flags
	subs       *SubServer
	stats      *Stats
	nextReqNum func() int64
}

// New wires a scheduler to its collaborators. nextReqNum hands out
// request numbers for the tape moves the scheduler initiates itself.
func New(store *queue.Store, inv *inventory.Inventory, lib inventory.Library,
	fs fileop.FileSystem, dm fileop.DataMover, flags *term.Flags,
	nextReqNum func() int64) *Scheduler {

	s := &Scheduler{
		store:      store,
		inv:        inv,
		lib:        lib,
		fs:         fs,
		dm:         dm,
		flags:      flags,
		subs:       NewSubServer(),
		stats:      NewStats(),
		nextReqNum: nextReqNum,
	}
	s.cond = sync.NewCond(&s.mtx)
	return s
}

// Invoke wakes the scheduling loop. Callers must not hold the
// inventory lock.
func (s *Scheduler) Invoke() {
	s.mtx.Lock()
	s.pending = true
	s.cond.Signal()
	s.mtx.Unlock()
}

// Stats returns the scheduling statistics container.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run is the scheduling loop. It returns after a termination request
// once every worker has finished.
func (s *Scheduler) Run() {
	s.mtx.Lock()
	for {
		for !s.pending {
			s.cond.Wait()
		}
		s.pending = false

		if s.flags.Terminating() {
			break
		}

		reqs, err := s.store.NewRequests()
		if err != nil {
			audit.Logf("request scan failed: %v", err)
			continue
		}
		for _, req := range reqs {
			s.trySchedule(req)
		}
	}
	s.mtx.Unlock()

	audit.Log("scheduler terminating, waiting for workers")
	s.subs.WaitAll()
	s.inv.BroadcastCartridges()
	audit.Log("scheduler terminated")
}

// trySchedule matches one new request against the inventory and
// dispatches its worker if the resources could be committed.
func (s *Scheduler) trySchedule(req queue.Request) {
	s.inv.Lock()
	defer s.inv.Unlock()

	var minFileSize int64
	if req.Op == queue.Migration {
		var err error
		minFileSize, err = s.store.SmallestMigJob(req.ReqNum, req.ReplNum)
		if err != nil {
			audit.Logf("req %d: smallest job lookup failed: %v", req.ReqNum, err)
			return
		}
	}

	mountTarget := queue.Mount
	if req.Op == queue.Format || req.Op == queue.Check {
		mountTarget = queue.Move
	}

	m := &match{
		sched:       s,
		req:         req,
		mountTarget: mountTarget,
		driveID:     req.DriveID,
		tapeID:      req.TapeID,
	}
	if !m.resAvail(minFileSize) {
		return
	}

	debug.Printf("req %d: %s scheduled on drive %s tape %s",
		req.ReqNum, req.Op, m.driveID, m.tapeID)
	s.dispatch(req, m.driveID, m.tapeID)
}

func (s *Scheduler) dispatch(req queue.Request, driveID, tapeID string) {
	var name string
	var body func()

	switch req.Op {
	case queue.Mount, queue.Move, queue.Unmount:
		if err := s.store.StartRequest(req.ReqNum, driveID); err != nil {
			audit.Logf("req %d: start failed: %v", req.ReqNum, err)
			return
		}
		tm := mover.NewTapeMover(s.store, s.inv, s.lib, s.Invoke,
			driveID, tapeID, req.ReqNum, req.Op)
		name = fmt.Sprintf("%s(%s)", req.Op, tapeID)
		body = tm.ExecRequest

	case queue.Format, queue.Check:
		if err := s.store.StartRequest(req.ReqNum, driveID); err != nil {
			audit.Logf("req %d: start failed: %v", req.ReqNum, err)
			return
		}
		th := mover.NewTapeHandler(s.store, s.inv, s.lib, s.Invoke,
			req.Pool, driveID, tapeID, req.ReqNum, req.Op)
		name = fmt.Sprintf("%s(%s)", req.Op, tapeID)
		body = th.ExecRequest

	case queue.Migration:
		err := s.store.StartMigRequest(req.ReqNum, req.ReplNum, req.Pool, driveID, tapeID)
		if err != nil {
			audit.Logf("req %d: start failed: %v", req.ReqNum, err)
			return
		}
		mig := fileop.ResumeMigration(s.store, s.inv, s.fs, s.dm, s.flags,
			s.Invoke, req.ReqNum, req.TargetState)
		replNum, pool := req.ReplNum, req.Pool
		name = fmt.Sprintf("M(%d,%d,%s)", req.ReqNum, replNum, pool)
		body = func() { mig.ExecRequest(replNum, driveID, pool, tapeID) }

	case queue.SelRecall:
		if err := s.store.StartRecRequest(req.ReqNum, driveID, tapeID); err != nil {
			audit.Logf("req %d: start failed: %v", req.ReqNum, err)
			return
		}
		srec := fileop.ResumeSelRecall(s.store, s.inv, s.fs, s.dm, s.flags,
			s.Invoke, req.ReqNum, req.TargetState)
		name = fmt.Sprintf("SR(%d)", req.ReqNum)
		body = func() { srec.ExecRequest(driveID, tapeID) }

	case queue.TransRecall:
		if err := s.store.StartRecRequest(req.ReqNum, driveID, tapeID); err != nil {
			audit.Logf("req %d: start failed: %v", req.ReqNum, err)
			return
		}
		trec := fileop.ResumeTransRecall(s.store, s.inv, s.fs, s.dm, s.flags,
			s.Invoke, req.ReqNum, req.TargetState)
		name = fmt.Sprintf("TR(%d)", req.ReqNum)
		body = func() { trec.ExecRequest(driveID, tapeID) }

	default:
		audit.Logf("req %d: unknown operation %d", req.ReqNum, req.Op)
		return
	}

	op := req.Op
	s.stats.Dispatched(op)
	s.subs.Enqueue(name, func() {
		start := time.Now()
		body()
		s.stats.Completed(op, time.Since(start))
	})
}

// match carries the state of one resource-matching attempt. The
// inventory lock is held throughout.
type match struct {
	sched       *Scheduler
	req         queue.Request
	mountTarget queue.Operation
	driveID     string
	tapeID      string
}

func (m *match) resAvail(minFileSize int64) bool {
	switch {
	case m.req.Op == queue.Mount || m.req.Op == queue.Move || m.req.Op == queue.Unmount:
		return m.resAvailTapeMove()
	case m.req.Op == queue.Migration && m.tapeID == "":
		return m.poolResAvail(minFileSize)
	default:
		return m.tapeResAvail()
	}
}

// driveIsUsable: free, and not reserved for some other request's
// pending tape move.
func (m *match) driveIsUsable(d *inventory.Drive) bool {
	if d.Busy() {
		return false
	}
	rn, pool := d.MoveReq()
	if rn != comm.UNSET && !(rn == m.req.ReqNum && pool == m.req.Pool) {
		return false
	}
	return true
}

// mountedCartAt finds a mounted cartridge sitting at a drive slot.
func (m *match) mountedCartAt(slot int64) *inventory.Cartridge {
	for _, cart := range m.sched.inv.GetCartridges() {
		if cart.Slot == slot && cart.State() == inventory.CartMounted {
			return cart
		}
	}
	return nil
}

// moveTape initiates a mount, move, or unmount on behalf of the
// current request. The drive is reserved through its move-request
// mark until the move completes.
func (m *match) moveTape(driveID, tapeID string, op queue.Operation) {
	// A mount request never spawns another move.
	if m.req.Op == queue.Mount || m.req.Op == queue.Move || m.req.Op == queue.Unmount {
		return
	}
	if m.sched.inv.RequestExists(m.req.ReqNum, m.req.Pool) {
		return
	}

	drive := m.sched.inv.GetDrive(driveID)
	drive.SetMoveReq(m.req.ReqNum, m.req.Pool)

	audit.Logf("req %d: initiating %s of %s on %s", m.req.ReqNum, op, tapeID, driveID)
	tm := mover.NewTapeMover(m.sched.store, m.sched.inv, m.sched.lib,
		m.sched.Invoke, driveID, tapeID, m.sched.nextReqNum(), op)
	m.sched.subs.Enqueue(fmt.Sprintf("%s(%s)", op, tapeID), tm.AddRequest)
}

// tapeResAvail decides whether a request bound to a specific tape can
// run, initiating the moves or the pre-emption that will make it
// runnable later.
func (m *match) tapeResAvail() bool {
	inv := m.sched.inv
	cart := inv.GetCartridge(m.tapeID)
	if cart == nil {
		return false
	}

	switch cart.State() {
	case inventory.CartMoving:
		return false

	case inventory.CartMounted:
		// A cartridge with a pending pre-emption ask is spoken
		// for; the pre-empted holder must not re-claim it.
		if cart.Requested() && m.req.Op == queue.Migration {
			return false
		}
		for _, d := range inv.GetDrives() {
			if d.Slot != cart.Slot {
				continue
			}
			if d.Busy() {
				return false
			}
			m.driveID = d.ID
			inv.Claim(m.driveID, m.tapeID)
			return true
		}
		return false

	case inventory.CartUnmounted:
		// A free drive with nothing mounted at its slot can take
		// the tape.
		for _, d := range inv.GetDrives() {
			if !m.driveIsUsable(d) {
				continue
			}
			if m.mountedCartAt(d.Slot) == nil {
				m.moveTape(d.ID, m.tapeID, m.mountTarget)
				return false
			}
		}
		// Otherwise free a drive by unmounting an idle cartridge.
		for _, d := range inv.GetDrives() {
			if !m.driveIsUsable(d) {
				continue
			}
			if c := m.mountedCartAt(d.Slot); c != nil {
				m.moveTape(d.ID, c.ID, queue.Unmount)
				cart.SetRequested(false)
				return false
			}
		}

	case inventory.CartInUse:
		// Fall through to the pre-emption attempt below.

	default:
		return false
	}

	if cart.Requested() {
		return false
	}
	for _, d := range inv.GetDrives() {
		if m.req.Op < d.ToUnblock() {
			debug.Printf("req %d: asking drive %s to unblock for %s",
				m.req.ReqNum, d.ID, m.req.Op)
			d.SetToUnblock(m.req.Op)
			cart.SetRequested(true)
			break
		}
	}
	return false
}

// poolResAvail decides whether a migration without a bound tape can
// run on some cartridge of its pool.
func (m *match) poolResAvail(minFileSize int64) bool {
	inv := m.sched.inv
	pool := inv.GetPool(m.req.Pool)
	if pool == nil {
		audit.Logf("req %d: pool %s does not exist", m.req.ReqNum, m.req.Pool)
		return false
	}

	unmountedExists := false
	for _, id := range pool.Cartridges {
		cart := inv.GetCartridge(id)
		if cart == nil {
			audit.Logf("pool %s references unknown cartridge %s", m.req.Pool, id)
			continue
		}
		switch cart.State() {
		case inventory.CartMounted:
			if cart.Requested() {
				continue
			}
			for _, d := range inv.GetDrives() {
				if d.Slot != cart.Slot || d.Busy() {
					continue
				}
				if (cart.RemainingCap << 20) < minFileSize {
					continue
				}
				m.tapeID = cart.ID
				m.driveID = d.ID
				inv.Claim(m.driveID, m.tapeID)
				return true
			}
		case inventory.CartUnmounted:
			unmountedExists = true
		}
	}

	if !unmountedExists {
		return false
	}

	// An empty usable drive can take an eligible pool cartridge.
	for _, d := range inv.GetDrives() {
		if !m.driveIsUsable(d) {
			continue
		}
		if m.mountedCartAt(d.Slot) != nil {
			continue
		}
		for _, id := range pool.Cartridges {
			cart := inv.GetCartridge(id)
			if cart == nil || cart.State() != inventory.CartUnmounted {
				continue
			}
			if (cart.RemainingCap << 20) < minFileSize {
				continue
			}
			m.moveTape(d.ID, cart.ID, m.mountTarget)
			return false
		}
	}

	// With a move already pending for this request there is nothing
	// to add this pass.
	if inv.RequestExists(m.req.ReqNum, m.req.Pool) {
		return false
	}

	// Free a drive by unmounting an idle cartridge.
	for _, d := range inv.GetDrives() {
		if !m.driveIsUsable(d) {
			continue
		}
		if c := m.mountedCartAt(d.Slot); c != nil {
			m.moveTape(d.ID, c.ID, queue.Unmount)
			return false
		}
	}

	return false
}

// resAvailTapeMove decides whether a mount, move, or unmount request
// can run on its target drive.
func (m *match) resAvailTapeMove() bool {
	inv := m.sched.inv
	drive := inv.GetDrive(m.driveID)
	cart := inv.GetCartridge(m.tapeID)
	if drive == nil || cart == nil {
		return false
	}

	if drive.Busy() {
		return false
	}

	if m.req.Op == queue.Mount || m.req.Op == queue.Move {
		if m.mountedCartAt(drive.Slot) != nil {
			return false
		}
	} else {
		if drive.Slot != cart.Slot || cart.State() != inventory.CartMounted {
			return false
		}
	}

	inv.Claim(m.driveID, m.tapeID)
	return true
}
