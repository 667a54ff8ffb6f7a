// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fileop builds migration and recall requests out of client
// file lists and carries the worker bodies that process their jobs.
package fileop

import (
	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
	"github.com/bistack/LTFS-Data-Management/term"
)

type (
	// FileSystem is the managed file system as the operation
	// builders see it: file sizes and the migration state mirrored
	// in the file attributes. The real implementation lives with
	// the attribute store; tests use MapFs.
	FileSystem interface {
		FileSize(fileName string) (int64, error)
		FileState(fileName string) (queue.FileState, error)
		SetFileState(fileName string, state queue.FileState) error
		// FileTape names the cartridge holding the file's tape
		// copy.
		FileTape(fileName string) (string, error)
	}

	// DataMover copies file content to and from tape. The real
	// implementation drives the LTFS volumes.
	DataMover interface {
		// Premigrate copies a file to a tape, leaving the disk
		// copy in place.
		Premigrate(fileName, tapeID string) error
		// Stub truncates a premigrated file down to its stub.
		Stub(fileName string) error
		// Recall copies file content back from tape. With
		// toResident the stub is replaced by the full file,
		// otherwise the file ends premigrated.
		Recall(fileName, tapeID string, toResident bool) error
	}

	// Operation is the common surface of Migration, SelRecall, and
	// TransRecall that the message dispatcher drives.
	Operation interface {
		AddJob(fileName string) error
		AddRequest() error
		QueryResult(reqNum int64) (Result, error)
	}

	// Result is one status snapshot streamed back to the client.
	Result struct {
		Resident    int64
		Premigrated int64
		Migrated    int64
		Failed      int64
		Done        bool
	}

	// fileOperation is what all three builders share.
	fileOperation struct {
		store       *queue.Store
		inv         *inventory.Inventory
		fs          FileSystem
		flags       *term.Flags
		wake        func()
		pid         int64
		reqNum      int64
		targetState queue.FileState
	}
)

// QueryResult aggregates the job states of a request and reports
// whether all of them reached a terminal state.
func (op *fileOperation) QueryResult(reqNum int64) (Result, error) {
	var res Result
	var err error

	res.Resident, res.Premigrated, res.Migrated, res.Failed, err =
		op.store.Counts(reqNum)
	if err != nil {
		return res, err
	}
	res.Done, err = op.store.Done(reqNum)
	return res, err
}

// releaseResources hands drive and cartridge back and pokes the
// scheduler.
func (op *fileOperation) releaseResources(driveID, tapeID string) {
	op.inv.Release(driveID, tapeID)
	op.wake()
}

// preempted reports whether a higher-priority operation asked the
// holder of this drive to give way. Only migration gives way.
func (op *fileOperation) preempted(driveID string, own queue.Operation) bool {
	op.inv.Lock()
	defer op.inv.Unlock()
	drive := op.inv.GetDrive(driveID)
	if drive == nil {
		return false
	}
	return drive.ToUnblock() < own
}

// consumeCapacity books migrated bytes against the cartridge.
func (op *fileOperation) consumeCapacity(tapeID string, bytes int64) {
	op.inv.Lock()
	defer op.inv.Unlock()
	cart := op.inv.GetCartridge(tapeID)
	if cart == nil {
		return
	}
	mib := (bytes + (1 << 20) - 1) >> 20
	cart.RemainingCap -= mib
	if cart.RemainingCap < 0 {
		cart.RemainingCap = 0
	}
}
