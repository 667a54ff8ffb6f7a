// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"testing"

	"github.com/bistack/LTFS-Data-Management/internal/testhelpers"
)

func testStore(t *testing.T) (*Store, func()) {
	path, clean := testhelpers.TempPath(t, "queue.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return store, func() {
		store.Close()
		clean()
	}
}

func TestRequestRoundTrip(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	reqs := []Request{
		{Op: Migration, ReqNum: 3, TargetState: Migrated, NumRepl: 1, Pool: "p1"},
		{Op: SelRecall, ReqNum: 1, TargetState: Resident, NumRepl: 1, TapeID: "T1"},
		{Op: Migration, ReqNum: 2, TargetState: Migrated, NumRepl: 2, ReplNum: 1, Pool: "p2"},
	}
	for _, r := range reqs {
		if err := store.AddRequest(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.NewRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 new requests, got %d", len(got))
	}
	// Scan order is request number ascending.
	for i, want := range []int64{1, 2, 3} {
		if got[i].ReqNum != want {
			t.Errorf("row %d: req %d, want %d", i, got[i].ReqNum, want)
		}
	}
	if got[0].Op != SelRecall || got[0].TapeID != "T1" {
		t.Errorf("unexpected first row: %+v", got[0])
	}
}

func TestDuplicateJobRejected(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	job := Job{Op: Migration, FileName: "/a/b", ReqNum: 1, FileSize: 100, FileState: Resident}
	if err := store.AddJob(job); err != nil {
		t.Fatal(err)
	}
	if err := store.AddJob(job); err != ErrDuplicateJob {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	// Same file on another replica is a different row.
	job.ReplNum = 1
	if err := store.AddJob(job); err != nil {
		t.Fatal(err)
	}
	// Same file in another request as well.
	job.ReplNum = 0
	job.ReqNum = 2
	if err := store.AddJob(job); err != nil {
		t.Fatal(err)
	}
}

func TestSmallestMigJob(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	sizes := []int64{500, 100, 900}
	for i, size := range sizes {
		err := store.AddJob(Job{
			Op:       Migration,
			FileName: string(rune('a' + i)),
			ReqNum:   7,
			FileSize: size,
			FileState: Resident,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	store.AddJob(Job{Op: Migration, FileName: "d", ReqNum: 7, FileSize: 1, FileState: Migrated})

	min, err := store.SmallestMigJob(7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if min != 100 {
		t.Errorf("smallest job %d, want 100", min)
	}

	// No resident jobs at all yields zero.
	min, err = store.SmallestMigJob(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if min != 0 {
		t.Errorf("smallest job %d, want 0", min)
	}
}

func TestRequestLifecycle(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	err := store.AddRequest(Request{Op: Migration, ReqNum: 1, NumRepl: 1, Pool: "p1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.StartMigRequest(1, 0, "p1", "D00", "T00000"); err != nil {
		t.Fatal(err)
	}
	reqs, err := store.NewRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 0 {
		t.Fatalf("in-progress request still scanned as new")
	}
	n, err := store.InProgress()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("in-progress count %d, want 1", n)
	}

	// Suspension returns the row to the queue with its tape binding.
	if err := store.SuspendMigRequest(1, 0, "p1"); err != nil {
		t.Fatal(err)
	}
	reqs, err = store.NewRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].TapeID != "T00000" || reqs[0].DriveID != "" {
		t.Fatalf("unexpected suspended row: %+v", reqs)
	}

	if err := store.CompleteMigRequest(1, 0, "p1"); err != nil {
		t.Fatal(err)
	}
	done, err := store.Done(1)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("request not done after completion")
	}
}

func TestRecoverInProgress(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	store.AddRequest(Request{Op: SelRecall, ReqNum: 1, NumRepl: 1, TapeID: "T1"})
	store.AddRequest(Request{Op: Migration, ReqNum: 2, NumRepl: 1, Pool: "p1"})
	store.StartRecRequest(1, "D00", "T1")
	store.CompleteRequest(1)
	store.StartMigRequest(2, 0, "p1", "D00", "T2")

	// A restart finds the interrupted migration and requeues it.
	if err := store.RecoverInProgress(); err != nil {
		t.Fatal(err)
	}
	reqs, err := store.NewRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].ReqNum != 2 {
		t.Fatalf("unexpected recovered rows: %+v", reqs)
	}
	if reqs[0].DriveID != "" {
		t.Error("recovered row kept its drive binding")
	}
	done, err := store.Done(1)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("completed request reopened by recovery")
	}
}

func TestCounts(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	states := []FileState{Resident, InMigration, Premigrated, Stubbing, Migrated, Failed}
	for i, state := range states {
		store.AddJob(Job{
			Op:        Migration,
			FileName:  string(rune('a' + i)),
			ReqNum:    4,
			FileState: state,
		})
	}

	resident, premigrated, migrated, failed, err := store.Counts(4)
	if err != nil {
		t.Fatal(err)
	}
	if resident != 2 || premigrated != 2 || migrated != 1 || failed != 1 {
		t.Errorf("counts %d/%d/%d/%d, want 2/2/1/1",
			resident, premigrated, migrated, failed)
	}
}

func TestReplicaStubGate(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	for repl := 0; repl < 2; repl++ {
		store.AddJob(Job{
			Op:        Migration,
			FileName:  "/f",
			ReqNum:    9,
			ReplNum:   repl,
			FileState: Resident,
		})
	}

	store.UpdateJob("/f", 9, 0, Premigrated, "T1")
	open, err := store.UnpremigratedReplicas("/f", 9)
	if err != nil {
		t.Fatal(err)
	}
	if open != 1 {
		t.Errorf("open replicas %d, want 1", open)
	}

	store.UpdateJob("/f", 9, 1, Premigrated, "T2")
	open, err = store.UnpremigratedReplicas("/f", 9)
	if err != nil {
		t.Fatal(err)
	}
	if open != 0 {
		t.Errorf("open replicas %d, want 0", open)
	}

	if err := store.MarkFileMigrated("/f", 9); err != nil {
		t.Fatal(err)
	}
	jobs, err := store.JobsInfo(9)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.FileState != Migrated {
			t.Errorf("replica %d state %s, want migrated", j.ReplNum, j.FileState)
		}
	}
}

func TestRecallTapeOrdering(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	store.AddJob(Job{Op: SelRecall, FileName: "/a", ReqNum: 5, TapeID: "T2", FileState: Migrated})
	store.AddJob(Job{Op: SelRecall, FileName: "/b", ReqNum: 5, TapeID: "T1", FileState: Migrated})

	tape, err := store.NextRecallTape(5, true)
	if err != nil {
		t.Fatal(err)
	}
	if tape != "T2" {
		t.Errorf("next tape %s, want T2 (oldest job first)", tape)
	}

	jobs, err := store.RecallJobs(5, "T2", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].FileName != "/a" {
		t.Fatalf("unexpected jobs on T2: %+v", jobs)
	}

	store.UpdateJob("/a", 5, 0, Resident, "T2")
	tape, err = store.NextRecallTape(5, true)
	if err != nil {
		t.Fatal(err)
	}
	if tape != "T1" {
		t.Errorf("next tape %s, want T1", tape)
	}

	store.UpdateJob("/b", 5, 0, Resident, "T1")
	tape, err = store.NextRecallTape(5, true)
	if err != nil {
		t.Fatal(err)
	}
	if tape != "" {
		t.Errorf("next tape %s, want none", tape)
	}
}

func TestManagedFs(t *testing.T) {
	store, clean := testStore(t)
	defer clean()

	managed, err := store.FsManaged("/mnt/fs")
	if err != nil {
		t.Fatal(err)
	}
	if managed {
		t.Error("unregistered fs reported managed")
	}

	err = store.AddFs(ManagedFs{Path: "/mnt/fs", FsName: "fs", MountPoint: "/mnt/fs"})
	if err != nil {
		t.Fatal(err)
	}
	managed, err = store.FsManaged("/mnt/fs")
	if err != nil {
		t.Fatal(err)
	}
	if !managed {
		t.Error("registered fs not reported managed")
	}

	if err := store.AddFs(ManagedFs{Path: "/mnt/fs"}); err == nil {
		t.Error("duplicate registration not rejected")
	}
}
