// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fileop

import (
	"github.com/pkg/errors"

	"github.com/intel-hpdd/logging/audit"

	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
	"github.com/bistack/LTFS-Data-Management/term"
)

// recallOperation is what selective and transparent recall share: a
// request whose jobs are processed tape by tape.
type recallOperation struct {
	fileOperation
	op    queue.Operation
	mover DataMover
}

// SelRecall copies migrated file data back on explicit client
// request.
type SelRecall struct {
	recallOperation
}

// NewSelRecall builds a selective recall request.
func NewSelRecall(store *queue.Store, inv *inventory.Inventory, fs FileSystem,
	mover DataMover, flags *term.Flags, wake func(),
	pid, reqNum int64, targetState queue.FileState) *SelRecall {

	return &SelRecall{recallOperation{
		fileOperation: fileOperation{
			store:       store,
			inv:         inv,
			fs:          fs,
			flags:       flags,
			wake:        wake,
			pid:         pid,
			reqNum:      reqNum,
			targetState: targetState,
		},
		op:    queue.SelRecall,
		mover: mover,
	}}
}

// ResumeSelRecall rebuilds the worker side of a selective recall from
// its queue row.
func ResumeSelRecall(store *queue.Store, inv *inventory.Inventory, fs FileSystem,
	mover DataMover, flags *term.Flags, wake func(),
	reqNum int64, targetState queue.FileState) *SelRecall {

	return NewSelRecall(store, inv, fs, mover, flags, wake, 0, reqNum, targetState)
}

// AddJob validates one file against the recall target and inserts its
// job row, bound to the tape holding the file's data.
func (r *recallOperation) AddJob(fileName string) error {
	state, err := r.fs.FileState(fileName)
	if err != nil {
		return errors.Wrapf(err, "unable to read state of %s", fileName)
	}

	switch state {
	case queue.Migrated:
	case queue.Premigrated:
		if r.targetState == queue.Premigrated {
			return errors.Errorf("%s is already premigrated", fileName)
		}
	default:
		return errors.Errorf("%s is not recallable (%s)", fileName, state)
	}

	tapeID, err := r.fs.FileTape(fileName)
	if err != nil {
		return errors.Wrapf(err, "unable to find tape copy of %s", fileName)
	}
	size, err := r.fs.FileSize(fileName)
	if err != nil {
		return errors.Wrapf(err, "unable to stat %s", fileName)
	}

	return r.store.AddJob(queue.Job{
		Op:          r.op,
		FileName:    fileName,
		ReqNum:      r.reqNum,
		TargetState: r.targetState,
		ReplNum:     0,
		FileSize:    size,
		TapeID:      tapeID,
		FileState:   state,
	})
}

// AddRequest commits the request row, bound to the tape of its first
// pending job, and wakes the scheduler.
func (r *recallOperation) AddRequest() error {
	r.store.GC()
	tapeID, err := r.store.NextRecallTape(r.reqNum, r.targetState == queue.Resident)
	if err != nil {
		return err
	}
	if tapeID == "" {
		// Nothing to recall; commit a completed request so status
		// streaming answers done immediately.
		err := r.store.AddRequest(queue.Request{
			Op:          r.op,
			ReqNum:      r.reqNum,
			TargetState: r.targetState,
			NumRepl:     1,
		})
		if err != nil {
			return err
		}
		return r.store.CompleteRequest(r.reqNum)
	}

	err = r.store.AddRequest(queue.Request{
		Op:          r.op,
		ReqNum:      r.reqNum,
		TargetState: r.targetState,
		NumRepl:     1,
		TapeID:      tapeID,
	})
	if err != nil {
		return err
	}
	audit.Logf("%s request %d added", r.op, r.reqNum)
	r.wake()
	return nil
}

// ExecRequest processes the request's jobs held on one tape. If jobs
// on other tapes remain afterwards, the request goes back to the
// queue bound to the next tape.
func (r *recallOperation) ExecRequest(driveID, tapeID string) {
	toResident := r.targetState == queue.Resident

	for {
		if r.flags.Forced() {
			r.store.FailRemaining(r.reqNum, queue.InRecall)
			break
		}
		jobs, err := r.store.RecallJobs(r.reqNum, tapeID, toResident)
		if err != nil {
			audit.Logf("req %d: job lookup failed: %v", r.reqNum, err)
			break
		}
		if len(jobs) == 0 {
			break
		}
		r.recallFile(jobs[0], tapeID, toResident)
	}

	next, err := r.store.NextRecallTape(r.reqNum, toResident)
	if err == nil && next != "" && !r.flags.Forced() {
		if err := r.store.RequeueRecRequest(r.reqNum, next); err != nil {
			audit.Logf("req %d: requeue failed: %v", r.reqNum, err)
		}
		r.releaseResources(driveID, tapeID)
		return
	}

	if err := r.store.CompleteRequest(r.reqNum); err != nil {
		audit.Logf("req %d: completion failed: %v", r.reqNum, err)
	}
	audit.Logf("%s request %d done", r.op, r.reqNum)
	r.releaseResources(driveID, tapeID)
}

func (r *recallOperation) recallFile(job queue.Job, tapeID string, toResident bool) {
	fail := func(err error) {
		audit.Logf("req %d: recall of %s failed: %v", r.reqNum, job.FileName, err)
		r.store.UpdateJob(job.FileName, r.reqNum, 0, queue.Failed, tapeID)
		r.fs.SetFileState(job.FileName, queue.Failed)
	}

	if err := r.store.UpdateJob(job.FileName, r.reqNum, 0, queue.InRecall, tapeID); err != nil {
		fail(err)
		return
	}
	if err := r.mover.Recall(job.FileName, tapeID, toResident); err != nil {
		fail(err)
		return
	}
	if r.flags.Forced() {
		fail(errors.New("terminating"))
		return
	}

	final := queue.Premigrated
	if toResident {
		final = queue.Resident
	}
	r.store.UpdateJob(job.FileName, r.reqNum, 0, final, tapeID)
	r.fs.SetFileState(job.FileName, final)
}
