// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fileop

import (
	"github.com/pkg/errors"

	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
	"github.com/bistack/LTFS-Data-Management/term"
)

// Migration moves file data down to tape, one replica per target
// pool.
type Migration struct {
	fileOperation
	pools []string
	mover DataMover
}

// NewMigration builds a migration request targeting up to three
// pools. Pool existence has been validated by the caller under the
// inventory lock.
func NewMigration(store *queue.Store, inv *inventory.Inventory, fs FileSystem,
	mover DataMover, flags *term.Flags, wake func(),
	pid, reqNum int64, pools []string, targetState queue.FileState) *Migration {

	return &Migration{
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
		pools: pools,
		mover: mover,
	}
}

// ResumeMigration rebuilds the worker side of a migration request
// from its queue row for dispatch.
func ResumeMigration(store *queue.Store, inv *inventory.Inventory, fs FileSystem,
	mover DataMover, flags *term.Flags, wake func(),
	reqNum int64, targetState queue.FileState) *Migration {

	return NewMigration(store, inv, fs, mover, flags, wake, 0, reqNum, nil, targetState)
}

// AddJob validates one file against the migration target and inserts
// one job row per replica.
func (m *Migration) AddJob(fileName string) error {
	state, err := m.fs.FileState(fileName)
	if err != nil {
		return errors.Wrapf(err, "unable to read state of %s", fileName)
	}

	switch state {
	case queue.Resident:
	case queue.Premigrated:
		if m.targetState == queue.Premigrated {
			return errors.Errorf("%s is already premigrated", fileName)
		}
	default:
		return errors.Errorf("%s is not migratable (%s)", fileName, state)
	}

	size, err := m.fs.FileSize(fileName)
	if err != nil {
		return errors.Wrapf(err, "unable to stat %s", fileName)
	}

	for repl := 0; repl < len(m.pools); repl++ {
		err := m.store.AddJob(queue.Job{
			Op:          queue.Migration,
			FileName:    fileName,
			ReqNum:      m.reqNum,
			TargetState: m.targetState,
			ReplNum:     repl,
			FileSize:    size,
			FileState:   state,
		})
		if err != nil {
			return err
		}
	}
	debug.Printf("req %d: job %s (%d replicas)", m.reqNum, fileName, len(m.pools))
	return nil
}

// AddRequest commits one request row per pool and wakes the
// scheduler.
func (m *Migration) AddRequest() error {
	m.store.GC()
	for repl, pool := range m.pools {
		err := m.store.AddRequest(queue.Request{
			Op:          queue.Migration,
			ReqNum:      m.reqNum,
			TargetState: m.targetState,
			NumRepl:     len(m.pools),
			ReplNum:     repl,
			Pool:        pool,
		})
		if err != nil {
			return err
		}
	}
	audit.Logf("migration request %d added (%d pools)", m.reqNum, len(m.pools))
	m.wake()
	return nil
}

// ExecRequest processes the jobs of one migration replica under the
// drive and cartridge the scheduler committed. It gives way when a
// higher-priority operation marks the drive.
func (m *Migration) ExecRequest(replNum int, driveID, pool, tapeID string) {
	for {
		if m.flags.Forced() {
			if err := m.store.FailRemaining(m.reqNum, queue.Resident); err != nil {
				audit.Logf("req %d: abandoning jobs failed: %v", m.reqNum, err)
			}
			break
		}

		if m.preempted(driveID, queue.Migration) {
			if err := m.store.SuspendMigRequest(m.reqNum, replNum, pool); err != nil {
				audit.Logf("req %d: suspend failed: %v", m.reqNum, err)
				break
			}
			audit.Logf("migration request %d replica %d suspended", m.reqNum, replNum)
			m.releaseResources(driveID, tapeID)
			return
		}

		jobs, err := m.store.JobsInState(m.reqNum, replNum, queue.Resident)
		if err != nil {
			audit.Logf("req %d: job lookup failed: %v", m.reqNum, err)
			break
		}
		if len(jobs) == 0 {
			// Files that arrived premigrated still need their
			// stub once every replica has a tape copy.
			if m.targetState == queue.Migrated {
				stubs, err := m.store.JobsInState(m.reqNum, replNum, queue.Premigrated)
				if err != nil {
					audit.Logf("req %d: job lookup failed: %v", m.reqNum, err)
				}
				for _, job := range stubs {
					m.stubFile(job, replNum, tapeID)
				}
			}
			break
		}
		m.migrateFile(jobs[0], replNum, tapeID)
	}

	if err := m.store.CompleteMigRequest(m.reqNum, replNum, pool); err != nil {
		audit.Logf("req %d: completion failed: %v", m.reqNum, err)
	}
	audit.Logf("migration request %d replica %d done", m.reqNum, replNum)
	m.releaseResources(driveID, tapeID)
}

func (m *Migration) migrateFile(job queue.Job, replNum int, tapeID string) {
	fail := func(err error) {
		audit.Logf("req %d: migration of %s failed: %v", m.reqNum, job.FileName, err)
		m.store.UpdateJob(job.FileName, m.reqNum, replNum, queue.Failed, tapeID)
		m.fs.SetFileState(job.FileName, queue.Failed)
	}

	if err := m.store.UpdateJob(job.FileName, m.reqNum, replNum, queue.InMigration, tapeID); err != nil {
		fail(err)
		return
	}
	if err := m.mover.Premigrate(job.FileName, tapeID); err != nil {
		fail(err)
		return
	}
	if m.flags.Forced() {
		fail(errors.New("terminating"))
		return
	}
	m.consumeCapacity(tapeID, job.FileSize)

	if err := m.store.UpdateJob(job.FileName, m.reqNum, replNum, queue.Premigrated, tapeID); err != nil {
		fail(err)
		return
	}
	m.fs.SetFileState(job.FileName, queue.Premigrated)

	if m.targetState == queue.Migrated {
		m.stubFile(job, replNum, tapeID)
	}
}

// stubFile replaces the disk copy with the stub. It may only do so
// once every replica has its tape copy; the last replica to
// premigrate stubs.
func (m *Migration) stubFile(job queue.Job, replNum int, tapeID string) {
	fail := func(err error) {
		audit.Logf("req %d: stubbing of %s failed: %v", m.reqNum, job.FileName, err)
		m.store.UpdateJob(job.FileName, m.reqNum, replNum, queue.Failed, tapeID)
		m.fs.SetFileState(job.FileName, queue.Failed)
	}

	open, err := m.store.UnpremigratedReplicas(job.FileName, m.reqNum)
	if err != nil {
		fail(err)
		return
	}
	if open > 0 {
		return
	}

	if err := m.store.UpdateJob(job.FileName, m.reqNum, replNum, queue.Stubbing, tapeID); err != nil {
		fail(err)
		return
	}
	if err := m.mover.Stub(job.FileName); err != nil {
		fail(err)
		return
	}
	if err := m.store.MarkFileMigrated(job.FileName, m.reqNum); err != nil {
		fail(err)
		return
	}
	m.fs.SetFileState(job.FileName, queue.Migrated)
}
