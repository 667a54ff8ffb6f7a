// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"database/sql"

	"github.com/pkg/errors"
)

// RequestsInfo lists request rows for the info command. A negative
// reqNum lists everything.
func (s *Store) RequestsInfo(reqNum int64) ([]Request, error) {
	var rows *sql.Rows
	var err error

	q := `SELECT OPERATION, REQ_NUM, TAPE_ID, TARGET_STATE, STATE
		FROM REQUEST_QUEUE`
	if reqNum >= 0 {
		rows, err = s.db.Query(q+" WHERE REQ_NUM=?", reqNum)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select requests failed")
	}
	defer rows.Close()

	var reqs []Request
	for rows.Next() {
		var r Request
		var op, tgt, state int
		if err := rows.Scan(&op, &r.ReqNum, &r.TapeID, &tgt, &state); err != nil {
			return nil, errors.Wrap(err, "scan request failed")
		}
		r.Op = Operation(op)
		r.TargetState = FileState(tgt)
		r.State = ReqState(state)
		reqs = append(reqs, r)
	}
	return reqs, errors.Wrap(rows.Err(), "select requests failed")
}

// JobsInfo lists job rows for the info command. A negative reqNum
// lists everything.
func (s *Store) JobsInfo(reqNum int64) ([]Job, error) {
	var rows *sql.Rows
	var err error

	q := `SELECT OPERATION, FILE_NAME, REQ_NUM, REPL_NUM, FILE_SIZE,
		TAPE_ID, FILE_STATE FROM JOB_QUEUE`
	if reqNum >= 0 {
		rows, err = s.db.Query(q+" WHERE REQ_NUM=?", reqNum)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select jobs failed")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var op, fstate int
		err := rows.Scan(&op, &j.FileName, &j.ReqNum, &j.ReplNum,
			&j.FileSize, &j.TapeID, &fstate)
		if err != nil {
			return nil, errors.Wrap(err, "scan job failed")
		}
		j.Op = Operation(op)
		j.FileState = FileState(fstate)
		jobs = append(jobs, j)
	}
	return jobs, errors.Wrap(rows.Err(), "select jobs failed")
}
