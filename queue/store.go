// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/intel-hpdd/logging/debug"
)

// ErrDuplicateJob reports that a file name was added twice within the
// same request. The containing request is not aborted; the caller
// reports the rejection per file.
var ErrDuplicateJob = errors.New("file is already part of this request")

// completedRetention is how long completed request and job rows stay
// around for the info commands before they are garbage collected.
const completedRetention = 24 * time.Hour

// Store is the sqlite-backed queue store. The sql connection pool
// gives each concurrent caller its own connection; each connection
// has one writer.
type Store struct {
	db *sql.DB

	addRequestStmt, addJobStmt, newRequestsStmt         *sql.Stmt
	startStmt, startMigStmt, startRecStmt               *sql.Stmt
	completeStmt, completeMigStmt, suspendMigStmt       *sql.Stmt
	smallestStmt, jobStateStmt, updateJobStmt           *sql.Stmt
	failRemainingStmt, countsStmt, doneStmt             *sql.Stmt
	inProgressStmt, addFsStmt, getFsStmt, listFsStmt    *sql.Stmt
	gcRequestsStmt, gcJobsStmt                          *sql.Stmt
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS REQUEST_QUEUE (
		OPERATION INTEGER NOT NULL,
		REQ_NUM INTEGER NOT NULL,
		TARGET_STATE INTEGER NOT NULL,
		NUM_REPL INTEGER NOT NULL,
		REPL_NUM INTEGER NOT NULL,
		POOL TEXT NOT NULL DEFAULT '',
		TAPE_ID TEXT NOT NULL DEFAULT '',
		DRIVE_ID TEXT NOT NULL DEFAULT '',
		TIME_ADDED INTEGER NOT NULL,
		STATE INTEGER NOT NULL,
		CONSTRAINT REQUEST_QUEUE_UNIQUE UNIQUE (REQ_NUM, REPL_NUM, POOL))`,
	`CREATE TABLE IF NOT EXISTS JOB_QUEUE (
		OPERATION INTEGER NOT NULL,
		FILE_NAME TEXT NOT NULL,
		REQ_NUM INTEGER NOT NULL,
		TARGET_STATE INTEGER NOT NULL,
		REPL_NUM INTEGER NOT NULL,
		FILE_SIZE INTEGER NOT NULL,
		TAPE_ID TEXT NOT NULL DEFAULT '',
		FILE_STATE INTEGER NOT NULL,
		TIME_ADDED INTEGER NOT NULL,
		CONSTRAINT JOB_QUEUE_UNIQUE UNIQUE (FILE_NAME, REQ_NUM, REPL_NUM))`,
	`CREATE TABLE IF NOT EXISTS MANAGED_FS (
		PATH TEXT NOT NULL PRIMARY KEY,
		FS_NAME TEXT NOT NULL,
		MOUNT_POINT TEXT NOT NULL,
		TIME_ADDED INTEGER NOT NULL)`,
}

// Open creates or reopens the queue database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open queue database failed")
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create queue schema failed")
		}
	}

	s := &Store{db: db}
	prepared := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&s.addRequestStmt, `INSERT INTO REQUEST_QUEUE
			(OPERATION, REQ_NUM, TARGET_STATE, NUM_REPL, REPL_NUM, POOL,
			 TAPE_ID, DRIVE_ID, TIME_ADDED, STATE)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.addJobStmt, `INSERT INTO JOB_QUEUE
			(OPERATION, FILE_NAME, REQ_NUM, TARGET_STATE, REPL_NUM,
			 FILE_SIZE, TAPE_ID, FILE_STATE, TIME_ADDED)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.newRequestsStmt, `SELECT OPERATION, REQ_NUM, TARGET_STATE,
			 NUM_REPL, REPL_NUM, POOL, TAPE_ID, DRIVE_ID, STATE
			FROM REQUEST_QUEUE WHERE STATE=? ORDER BY REQ_NUM, REPL_NUM`},
		{&s.startStmt, `UPDATE REQUEST_QUEUE SET STATE=?, DRIVE_ID=?
			WHERE REQ_NUM=?`},
		{&s.startMigStmt, `UPDATE REQUEST_QUEUE SET STATE=?, DRIVE_ID=?,
			 TAPE_ID=? WHERE REQ_NUM=? AND REPL_NUM=? AND POOL=?`},
		{&s.startRecStmt, `UPDATE REQUEST_QUEUE SET STATE=?, DRIVE_ID=?,
			 TAPE_ID=? WHERE REQ_NUM=?`},
		{&s.completeStmt, `UPDATE REQUEST_QUEUE SET STATE=? WHERE REQ_NUM=?`},
		{&s.completeMigStmt, `UPDATE REQUEST_QUEUE SET STATE=?
			WHERE REQ_NUM=? AND REPL_NUM=? AND POOL=?`},
		{&s.suspendMigStmt, `UPDATE REQUEST_QUEUE SET STATE=?, DRIVE_ID=''
			WHERE REQ_NUM=? AND REPL_NUM=? AND POOL=?`},
		{&s.smallestStmt, `SELECT IFNULL(MIN(FILE_SIZE), 0) FROM JOB_QUEUE
			WHERE REQ_NUM=? AND FILE_STATE=? AND REPL_NUM=?`},
		{&s.jobStateStmt, `SELECT OPERATION, FILE_NAME, REQ_NUM,
			 TARGET_STATE, REPL_NUM, FILE_SIZE, TAPE_ID, FILE_STATE
			FROM JOB_QUEUE WHERE REQ_NUM=? AND REPL_NUM=? AND FILE_STATE=?
			ORDER BY TIME_ADDED, FILE_NAME`},
		{&s.updateJobStmt, `UPDATE JOB_QUEUE SET FILE_STATE=?, TAPE_ID=?
			WHERE FILE_NAME=? AND REQ_NUM=? AND REPL_NUM=?`},
		{&s.failRemainingStmt, `UPDATE JOB_QUEUE SET FILE_STATE=?
			WHERE REQ_NUM=? AND FILE_STATE=?`},
		{&s.countsStmt, `SELECT FILE_STATE, COUNT(*) FROM JOB_QUEUE
			WHERE REQ_NUM=? GROUP BY FILE_STATE`},
		{&s.doneStmt, `SELECT COUNT(*) FROM REQUEST_QUEUE
			WHERE REQ_NUM=? AND STATE!=?`},
		{&s.inProgressStmt, `SELECT COUNT(*) FROM REQUEST_QUEUE
			WHERE STATE=?`},
		{&s.addFsStmt, `INSERT INTO MANAGED_FS
			(PATH, FS_NAME, MOUNT_POINT, TIME_ADDED) VALUES (?, ?, ?, ?)`},
		{&s.getFsStmt, `SELECT COUNT(*) FROM MANAGED_FS WHERE PATH=?`},
		{&s.listFsStmt, `SELECT PATH, FS_NAME, MOUNT_POINT, TIME_ADDED
			FROM MANAGED_FS ORDER BY TIME_ADDED`},
		{&s.gcRequestsStmt, `DELETE FROM REQUEST_QUEUE
			WHERE STATE=? AND TIME_ADDED<?
			AND REQ_NUM NOT IN
			(SELECT REQ_NUM FROM REQUEST_QUEUE WHERE STATE!=?)`},
		{&s.gcJobsStmt, `DELETE FROM JOB_QUEUE
			WHERE REQ_NUM NOT IN (SELECT REQ_NUM FROM REQUEST_QUEUE)`},
	}
	for _, p := range prepared {
		stmt, err := db.Prepare(p.sql)
		if err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "prepare %q failed", p.sql)
		}
		*p.stmt = stmt
	}

	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	serr, ok := err.(sqlite3.Error)
	if !ok {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// AddRequest inserts one request row with state ReqNew.
func (s *Store) AddRequest(req Request) error {
	_, err := s.addRequestStmt.Exec(int(req.Op), req.ReqNum,
		int(req.TargetState), req.NumRepl, req.ReplNum, req.Pool,
		req.TapeID, req.DriveID, time.Now().Unix(), int(ReqNew))
	return errors.Wrap(err, "insert request failed")
}

// AddJob inserts one job row. A duplicate file name within the same
// request surfaces as ErrDuplicateJob.
func (s *Store) AddJob(job Job) error {
	_, err := s.addJobStmt.Exec(int(job.Op), job.FileName, job.ReqNum,
		int(job.TargetState), job.ReplNum, job.FileSize, job.TapeID,
		int(job.FileState), time.Now().Unix())
	if err != nil {
		if isConstraint(err) {
			return ErrDuplicateJob
		}
		return errors.Wrap(err, "insert job failed")
	}
	return nil
}

// NewRequests returns the ReqNew rows in request number order. This
// ordering is what keeps scheduling reproducible.
func (s *Store) NewRequests() ([]Request, error) {
	rows, err := s.newRequestsStmt.Query(int(ReqNew))
	if err != nil {
		return nil, errors.Wrap(err, "select new requests failed")
	}
	defer rows.Close()

	var reqs []Request
	for rows.Next() {
		var r Request
		var op, tgt, state int
		err := rows.Scan(&op, &r.ReqNum, &tgt, &r.NumRepl, &r.ReplNum,
			&r.Pool, &r.TapeID, &r.DriveID, &state)
		if err != nil {
			return nil, errors.Wrap(err, "scan request failed")
		}
		r.Op = Operation(op)
		r.TargetState = FileState(tgt)
		r.State = ReqState(state)
		reqs = append(reqs, r)
	}
	return reqs, errors.Wrap(rows.Err(), "select new requests failed")
}

// StartRequest marks every row of a tape move, format, or check
// request in progress and binds the drive.
func (s *Store) StartRequest(reqNum int64, driveID string) error {
	_, err := s.startStmt.Exec(int(ReqInProgress), driveID, reqNum)
	return errors.Wrap(err, "start request failed")
}

// StartMigRequest marks one migration replica row in progress and
// binds drive and tape.
func (s *Store) StartMigRequest(reqNum int64, replNum int, pool, driveID, tapeID string) error {
	_, err := s.startMigStmt.Exec(int(ReqInProgress), driveID, tapeID,
		reqNum, replNum, pool)
	return errors.Wrap(err, "start migration request failed")
}

// StartRecRequest marks a recall request in progress and binds drive
// and tape.
func (s *Store) StartRecRequest(reqNum int64, driveID, tapeID string) error {
	_, err := s.startRecStmt.Exec(int(ReqInProgress), driveID, tapeID, reqNum)
	return errors.Wrap(err, "start recall request failed")
}

// CompleteRequest marks every row of a request completed.
func (s *Store) CompleteRequest(reqNum int64) error {
	_, err := s.completeStmt.Exec(int(ReqCompleted), reqNum)
	return errors.Wrap(err, "complete request failed")
}

// CompleteMigRequest marks one migration replica row completed.
func (s *Store) CompleteMigRequest(reqNum int64, replNum int, pool string) error {
	_, err := s.completeMigStmt.Exec(int(ReqCompleted), reqNum, replNum, pool)
	return errors.Wrap(err, "complete migration request failed")
}

// SuspendMigRequest returns a pre-empted migration replica to ReqNew.
// The tape binding stays so the rescheduled request asks for the same
// cartridge.
func (s *Store) SuspendMigRequest(reqNum int64, replNum int, pool string) error {
	_, err := s.suspendMigStmt.Exec(int(ReqNew), reqNum, replNum, pool)
	return errors.Wrap(err, "suspend migration request failed")
}

// SmallestMigJob returns the size of the smallest still-resident job
// of a migration replica. Zero if none remain.
func (s *Store) SmallestMigJob(reqNum int64, replNum int) (int64, error) {
	var min int64
	err := s.smallestStmt.QueryRow(reqNum, int(Resident), replNum).Scan(&min)
	return min, errors.Wrap(err, "smallest job lookup failed")
}

// JobsInState returns the jobs of one replica currently in the given
// file state, oldest first.
func (s *Store) JobsInState(reqNum int64, replNum int, state FileState) ([]Job, error) {
	rows, err := s.jobStateStmt.Query(reqNum, replNum, int(state))
	if err != nil {
		return nil, errors.Wrap(err, "select jobs failed")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var op, tgt, fstate int
		err := rows.Scan(&op, &j.FileName, &j.ReqNum, &tgt, &j.ReplNum,
			&j.FileSize, &j.TapeID, &fstate)
		if err != nil {
			return nil, errors.Wrap(err, "scan job failed")
		}
		j.Op = Operation(op)
		j.TargetState = FileState(tgt)
		j.FileState = FileState(fstate)
		jobs = append(jobs, j)
	}
	return jobs, errors.Wrap(rows.Err(), "select jobs failed")
}

// UpdateJob moves one job to a new file state and tape binding.
func (s *Store) UpdateJob(fileName string, reqNum int64, replNum int, state FileState, tapeID string) error {
	_, err := s.updateJobStmt.Exec(int(state), tapeID, fileName, reqNum, replNum)
	return errors.Wrap(err, "update job failed")
}

// FailRemaining marks every job of a request still in the given state
// as failed. Used on forced termination.
func (s *Store) FailRemaining(reqNum int64, from FileState) error {
	_, err := s.failRemainingStmt.Exec(int(Failed), reqNum, int(from))
	return errors.Wrap(err, "fail remaining jobs failed")
}

// UnpremigratedReplicas counts the replicas of one file that do not
// have their tape copy yet. The stub step waits for zero.
func (s *Store) UnpremigratedReplicas(fileName string, reqNum int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM JOB_QUEUE
		WHERE FILE_NAME=? AND REQ_NUM=? AND FILE_STATE IN (?, ?)`,
		fileName, reqNum, int(Resident), int(InMigration)).Scan(&n)
	return n, errors.Wrap(err, "replica lookup failed")
}

// MarkFileMigrated finishes every replica row of a stubbed file.
func (s *Store) MarkFileMigrated(fileName string, reqNum int64) error {
	_, err := s.db.Exec(`UPDATE JOB_QUEUE SET FILE_STATE=?
		WHERE FILE_NAME=? AND REQ_NUM=? AND FILE_STATE IN (?, ?)`,
		int(Migrated), fileName, reqNum, int(Premigrated), int(Stubbing))
	return errors.Wrap(err, "mark file migrated failed")
}

func recallStates(toResident bool) []interface{} {
	if toResident {
		return []interface{}{int(Migrated), int(Premigrated)}
	}
	return []interface{}{int(Migrated), int(Migrated)}
}

// NextRecallTape names the tape of the oldest job still waiting for
// recall, or "" when none remain.
func (s *Store) NextRecallTape(reqNum int64, toResident bool) (string, error) {
	states := recallStates(toResident)
	var tapeID string
	err := s.db.QueryRow(`SELECT TAPE_ID FROM JOB_QUEUE
		WHERE REQ_NUM=? AND FILE_STATE IN (?, ?)
		ORDER BY TIME_ADDED, FILE_NAME LIMIT 1`,
		reqNum, states[0], states[1]).Scan(&tapeID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return tapeID, errors.Wrap(err, "next recall tape lookup failed")
}

// RecallJobs returns the jobs of a recall request waiting on one
// tape, oldest first.
func (s *Store) RecallJobs(reqNum int64, tapeID string, toResident bool) ([]Job, error) {
	states := recallStates(toResident)
	rows, err := s.db.Query(`SELECT OPERATION, FILE_NAME, REQ_NUM,
		 TARGET_STATE, REPL_NUM, FILE_SIZE, TAPE_ID, FILE_STATE
		FROM JOB_QUEUE WHERE REQ_NUM=? AND TAPE_ID=?
		 AND FILE_STATE IN (?, ?)
		ORDER BY TIME_ADDED, FILE_NAME`,
		reqNum, tapeID, states[0], states[1])
	if err != nil {
		return nil, errors.Wrap(err, "select recall jobs failed")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var op, tgt, fstate int
		err := rows.Scan(&op, &j.FileName, &j.ReqNum, &tgt, &j.ReplNum,
			&j.FileSize, &j.TapeID, &fstate)
		if err != nil {
			return nil, errors.Wrap(err, "scan recall job failed")
		}
		j.Op = Operation(op)
		j.TargetState = FileState(tgt)
		j.FileState = FileState(fstate)
		jobs = append(jobs, j)
	}
	return jobs, errors.Wrap(rows.Err(), "select recall jobs failed")
}

// RequeueRecRequest returns a recall request to ReqNew bound to its
// next tape.
func (s *Store) RequeueRecRequest(reqNum int64, tapeID string) error {
	_, err := s.db.Exec(`UPDATE REQUEST_QUEUE SET STATE=?, TAPE_ID=?,
		DRIVE_ID='' WHERE REQ_NUM=?`, int(ReqNew), tapeID, reqNum)
	return errors.Wrap(err, "requeue recall request failed")
}

// Counts aggregates the job states of one request into the four
// status classes reported to the client. Transitional states count
// toward the state they came from.
func (s *Store) Counts(reqNum int64) (resident, premigrated, migrated, failed int64, err error) {
	rows, err := s.countsStmt.Query(reqNum)
	if err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "count jobs failed")
	}
	defer rows.Close()

	for rows.Next() {
		var state int
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return 0, 0, 0, 0, errors.Wrap(err, "scan job count failed")
		}
		switch FileState(state) {
		case Resident, InMigration:
			resident += count
		case Premigrated, Stubbing:
			premigrated += count
		case Migrated, InRecall:
			migrated += count
		case Failed:
			failed += count
		}
	}
	return resident, premigrated, migrated, failed,
		errors.Wrap(rows.Err(), "count jobs failed")
}

// Done reports whether every row of a request completed.
func (s *Store) Done(reqNum int64) (bool, error) {
	var open int
	err := s.doneStmt.QueryRow(reqNum, int(ReqCompleted)).Scan(&open)
	if err != nil {
		return false, errors.Wrap(err, "request done lookup failed")
	}
	return open == 0, nil
}

// RecoverInProgress returns rows a previous process left in progress
// to the queue. Called once at startup, before the scheduler runs.
func (s *Store) RecoverInProgress() error {
	_, err := s.db.Exec(`UPDATE REQUEST_QUEUE SET STATE=?, DRIVE_ID=''
		WHERE STATE=?`, int(ReqNew), int(ReqInProgress))
	return errors.Wrap(err, "requeue of interrupted requests failed")
}

// InProgress returns the number of request rows currently in
// progress. The stop handshake polls this.
func (s *Store) InProgress() (int, error) {
	var n int
	err := s.inProgressStmt.QueryRow(int(ReqInProgress)).Scan(&n)
	return n, errors.Wrap(err, "in-progress lookup failed")
}

// AddFs registers a managed file system.
func (s *Store) AddFs(fs ManagedFs) error {
	_, err := s.addFsStmt.Exec(fs.Path, fs.FsName, fs.MountPoint, time.Now().Unix())
	if err != nil {
		if isConstraint(err) {
			return errors.New("file system is already managed")
		}
		return errors.Wrap(err, "add file system failed")
	}
	return nil
}

// FsManaged reports whether a file system path is registered.
func (s *Store) FsManaged(path string) (bool, error) {
	var n int
	err := s.getFsStmt.QueryRow(path).Scan(&n)
	return n > 0, errors.Wrap(err, "managed fs lookup failed")
}

// ManagedFss lists the registered file systems.
func (s *Store) ManagedFss() ([]ManagedFs, error) {
	rows, err := s.listFsStmt.Query()
	if err != nil {
		return nil, errors.Wrap(err, "list managed fs failed")
	}
	defer rows.Close()

	var fss []ManagedFs
	for rows.Next() {
		var fs ManagedFs
		if err := rows.Scan(&fs.Path, &fs.FsName, &fs.MountPoint, &fs.TimeAdded); err != nil {
			return nil, errors.Wrap(err, "scan managed fs failed")
		}
		fss = append(fss, fs)
	}
	return fss, errors.Wrap(rows.Err(), "list managed fs failed")
}

// GC drops completed requests past retention together with their
// orphaned jobs. Called opportunistically when new work arrives.
func (s *Store) GC() {
	cutoff := time.Now().Add(-completedRetention).Unix()
	if _, err := s.gcRequestsStmt.Exec(int(ReqCompleted), cutoff, int(ReqCompleted)); err != nil {
		debug.Printf("request gc failed: %v", err)
		return
	}
	if _, err := s.gcJobsStmt.Exec(); err != nil {
		debug.Printf("job gc failed: %v", err)
	}
}
