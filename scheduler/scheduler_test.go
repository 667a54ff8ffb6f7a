// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/bistack/LTFS-Data-Management/fileop"
	"github.com/bistack/LTFS-Data-Management/internal/testhelpers"
	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
	"github.com/bistack/LTFS-Data-Management/term"
)

type env struct {
	store  *queue.Store
	inv    *inventory.Inventory
	lib    *inventory.SimLibrary
	fs     *fileop.MapFs
	dm     *fileop.NoopMover
	flags  *term.Flags
	sched  *Scheduler
	done   chan struct{}
	reqNum int64
}

func testEnv(t *testing.T, drives int, caps []int64) (*env, func()) {
	dir, clean := testhelpers.TempDir(t)
	store, err := queue.Open(dir + "/queue.db")
	if err != nil {
		t.Fatal(err)
	}
	lib := inventory.NewSimLibrary(drives, caps)
	inv, err := inventory.New(lib, dir+"/pools.conf")
	if err != nil {
		t.Fatal(err)
	}
	fs := fileop.NewMapFs()
	e := &env{
		store: store,
		inv:   inv,
		lib:   lib,
		fs:    fs,
		dm:    fileop.NewNoopMover(fs),
		flags: &term.Flags{},
		done:  make(chan struct{}),
	}
	e.sched = New(store, inv, lib, fs, e.dm, e.flags, e.nextReqNum)
	go func() {
		e.sched.Run()
		close(e.done)
	}()

	return e, func() {
		e.flags.Terminate(true, false)
		e.sched.Invoke()
		select {
		case <-e.done:
		case <-time.After(10 * time.Second):
			t.Error("scheduler did not drain")
		}
		store.Close()
		clean()
	}
}

func (e *env) nextReqNum() int64 {
	return atomic.AddInt64(&e.reqNum, 1) + 1000
}

func (e *env) migrate(t *testing.T, reqNum int64, pools []string, files ...string) *fileop.Migration {
	t.Helper()
	mig := fileop.NewMigration(e.store, e.inv, e.fs, e.dm, e.flags,
		e.sched.Invoke, 1, reqNum, pools, queue.Migrated)
	for _, f := range files {
		if err := mig.AddJob(f); err != nil {
			t.Fatal(err)
		}
	}
	if err := mig.AddRequest(); err != nil {
		t.Fatal(err)
	}
	return mig
}

func (e *env) waitDone(t *testing.T, reqNum int64) {
	t.Helper()
	testhelpers.WaitFor(t, "request completion", func() bool {
		done, err := e.store.Done(reqNum)
		if err != nil {
			t.Fatal(err)
		}
		return done
	})
}

// A migration against an unmounted cartridge mounts it on the empty
// drive first, then runs.
func TestMountOnDemand(t *testing.T) {
	e, clean := testEnv(t, 1, []int64{1000})
	defer clean()

	e.inv.PoolCreate("p1")
	e.inv.PoolAdd("p1", "T00000")
	e.fs.AddFile("/f/a", 1024, queue.Resident)

	e.migrate(t, 1, []string{"p1"}, "/f/a")
	e.waitDone(t, 1)

	state, err := e.fs.FileState("/f/a")
	if err != nil {
		t.Fatal(err)
	}
	if state != queue.Migrated {
		t.Errorf("file ended %s, want migrated", state)
	}

	e.inv.Lock()
	cart := e.inv.GetCartridge("T00000")
	if cart.State() != inventory.CartMounted {
		t.Errorf("cartridge ended %s, want mounted", cart.State())
	}
	if e.inv.GetDrive("D00").Busy() {
		t.Error("drive still busy")
	}
	e.inv.Unlock()

	// The mount ran as a request of its own and completed.
	reqs, err := e.store.RequestsInfo(-1)
	if err != nil {
		t.Fatal(err)
	}
	mounts := 0
	for _, r := range reqs {
		if r.Op == queue.Mount {
			mounts++
			if r.State != queue.ReqCompleted {
				t.Errorf("mount request ended %s", r.State)
			}
		}
	}
	if mounts != 1 {
		t.Errorf("%d mount requests, want 1", mounts)
	}
}

// A selective recall needing the tape a migration holds pre-empts it:
// the migration suspends, the recall runs, the migration resumes.
func TestPreemption(t *testing.T) {
	e, clean := testEnv(t, 1, []int64{10000})
	defer clean()

	e.inv.PoolCreate("p1")
	e.inv.PoolAdd("p1", "T00000")

	// A file already on tape, and a batch to migrate.
	e.fs.AddFile("/f/old", 1<<20, queue.Migrated)
	e.fs.SetFileTape("/f/old", "T00000")
	files := []string{"/f/m0", "/f/m1", "/f/m2", "/f/m3", "/f/m4"}
	for _, f := range files {
		e.fs.AddFile(f, 1<<20, queue.Resident)
	}
	e.dm.CopyDelay = 100 * time.Millisecond

	e.migrate(t, 1, []string{"p1"}, files...)

	// Wait until the migration actually holds the tape.
	testhelpers.WaitFor(t, "migration start", func() bool {
		n, err := e.store.InProgress()
		if err != nil {
			t.Fatal(err)
		}
		return n > 0
	})

	srec := fileop.NewSelRecall(e.store, e.inv, e.fs, e.dm, e.flags,
		e.sched.Invoke, 1, 2, queue.Resident)
	if err := srec.AddJob("/f/old"); err != nil {
		t.Fatal(err)
	}
	if err := srec.AddRequest(); err != nil {
		t.Fatal(err)
	}

	e.waitDone(t, 2)

	// The recall finished while the migration still had work left.
	done, err := e.store.Done(1)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("migration finished before the recall, no pre-emption happened")
	}

	state, err := e.fs.FileState("/f/old")
	if err != nil {
		t.Fatal(err)
	}
	if state != queue.Resident {
		t.Errorf("recalled file ended %s, want resident", state)
	}

	// The suspended migration resumes and completes.
	e.waitDone(t, 1)
	for _, f := range files {
		state, _ := e.fs.FileState(f)
		if state != queue.Migrated {
			t.Errorf("%s ended %s, want migrated", f, state)
		}
	}
}

// A mounted pool cartridge without room is passed over for an
// unmounted one with enough capacity.
func TestCapacityCheck(t *testing.T) {
	e, clean := testEnv(t, 2, []int64{1000, 100})
	defer clean()

	e.inv.PoolCreate("p1")
	e.inv.PoolAdd("p1", "T00000")
	e.inv.PoolAdd("p1", "T00001")

	// T00000 is already mounted on D00 but has no room left.
	e.inv.Lock()
	full := e.inv.GetCartridge("T00000")
	full.Slot = e.inv.GetDrive("D00").Slot
	full.RemainingCap = 0
	full.SetState(inventory.CartMounted)
	e.inv.Unlock()

	e.fs.AddFile("/f/big", 10<<20, queue.Resident)
	e.migrate(t, 1, []string{"p1"}, "/f/big")
	e.waitDone(t, 1)

	jobs, err := e.store.JobsInfo(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].TapeID != "T00001" {
		t.Fatalf("migration did not use the cartridge with room: %+v", jobs)
	}
	if jobs[0].FileState != queue.Migrated {
		t.Errorf("job ended %s, want migrated", jobs[0].FileState)
	}
}

// Forced termination abandons running migrations; unprocessed files
// are marked failed and the scheduler drains in bounded time.
func TestForcedStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 30*time.Second)()

	e, clean := testEnv(t, 2, []int64{1000, 1000})
	defer clean()

	e.inv.PoolCreate("p1")
	e.inv.PoolAdd("p1", "T00000")
	e.inv.PoolCreate("p2")
	e.inv.PoolAdd("p2", "T00001")

	var files1, files2 []string
	for i := 0; i < 5; i++ {
		f1 := "/f/a" + string(rune('0'+i))
		f2 := "/f/b" + string(rune('0'+i))
		e.fs.AddFile(f1, 1<<20, queue.Resident)
		e.fs.AddFile(f2, 1<<20, queue.Resident)
		files1 = append(files1, f1)
		files2 = append(files2, f2)
	}
	e.dm.CopyDelay = 100 * time.Millisecond

	e.migrate(t, 1, []string{"p1"}, files1...)
	e.migrate(t, 2, []string{"p2"}, files2...)

	testhelpers.WaitFor(t, "migrations start", func() bool {
		n, err := e.store.InProgress()
		if err != nil {
			t.Fatal(err)
		}
		return n == 2
	})

	e.flags.Terminate(true, false)
	e.sched.Invoke()

	select {
	case <-e.done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not drain after forced stop")
	}

	for _, req := range []int64{1, 2} {
		done, err := e.store.Done(req)
		if err != nil {
			t.Fatal(err)
		}
		if !done {
			t.Errorf("request %d rows not closed", req)
		}
		_, _, _, failed, err := e.store.Counts(req)
		if err != nil {
			t.Fatal(err)
		}
		if failed == 0 {
			t.Errorf("request %d has no failed jobs after forced stop", req)
		}
	}
}

// While a mount for a request is in flight, re-evaluating the request
// does not enqueue a second mount.
func TestDuplicateMountElision(t *testing.T) {
	e, clean := testEnv(t, 2, []int64{1000, 1000})
	defer clean()

	e.inv.PoolCreate("p1")
	e.inv.PoolAdd("p1", "T00000")
	e.lib.MoveDelay = 300 * time.Millisecond

	e.fs.AddFile("/f/a", 1024, queue.Resident)
	e.migrate(t, 1, []string{"p1"}, "/f/a")

	// Poke the scheduler while the mount is still moving media.
	for i := 0; i < 10; i++ {
		e.sched.Invoke()
		time.Sleep(20 * time.Millisecond)
	}
	e.waitDone(t, 1)

	reqs, err := e.store.RequestsInfo(-1)
	if err != nil {
		t.Fatal(err)
	}
	mounts := 0
	for _, r := range reqs {
		if r.Op == queue.Mount {
			mounts++
		}
	}
	if mounts != 1 {
		t.Errorf("%d mount requests enqueued, want 1", mounts)
	}
}

// A format request moves the cartridge into a drive without mounting
// the volume, runs, and restores the full capacity.
func TestFormatRequest(t *testing.T) {
	e, clean := testEnv(t, 1, []int64{1000})
	defer clean()

	e.inv.Lock()
	e.inv.GetCartridge("T00000").RemainingCap = 5
	e.inv.Unlock()

	err := e.store.AddRequest(queue.Request{
		Op:      queue.Format,
		ReqNum:  1,
		NumRepl: 1,
		Pool:    "p1",
		TapeID:  "T00000",
	})
	if err != nil {
		t.Fatal(err)
	}
	e.sched.Invoke()
	e.waitDone(t, 1)

	e.inv.Lock()
	defer e.inv.Unlock()
	cart := e.inv.GetCartridge("T00000")
	if cart.RemainingCap != cart.TotalCap {
		t.Errorf("capacity %d after format, want %d", cart.RemainingCap, cart.TotalCap)
	}
	if e.inv.GetDrive("D00").Busy() {
		t.Error("drive still busy after format")
	}
}

// On termination the scheduling loop exits without leaking
// goroutines.
func TestShutdownClean(t *testing.T) {
	defer leaktest.CheckTimeout(t, 30*time.Second)()

	e, clean := testEnv(t, 1, []int64{1000})
	clean()
	select {
	case <-e.done:
	default:
		t.Error("scheduler still running after shutdown")
	}
}
