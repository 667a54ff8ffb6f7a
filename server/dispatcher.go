// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package server

import (
	"os"
	"strings"
	"syscall"

	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/fileop"
	"github.com/bistack/LTFS-Data-Management/queue"
)

// messageParser runs the per-connection state machine. A session
// starts with a ReqNumber exchange; then either a StopRequest loop or
// exactly one other request follows before the connection closes.
type messageParser struct {
	srv  *Server
	conn *comm.Conn
}

func (mp *messageParser) run() {
	// The termination lock is held until the session commits to a
	// non-stop request, so a concurrent stop sees a consistent
	// request count.
	mp.srv.termMtx.Lock()
	held := true
	defer func() {
		if held {
			mp.srv.termMtx.Unlock()
		}
		mp.conn.Close()
	}()

	firstTime := true
	localReqNumber := int64(comm.UNSET)

	for {
		msg, err := mp.conn.Recv()
		if err != nil {
			debug.Printf("session ended: %v", err)
			return
		}

		switch {
		case msg.ReqNumber != nil:
			if !mp.requestNumber(msg.ReqNumber, &localReqNumber) {
				return
			}
			continue

		case msg.Stop != nil:
			mp.srv.termMtx.Unlock()
			held = false
			mp.stopMessage(msg.Stop)
			continue
		}

		if firstTime {
			mp.srv.termMtx.Unlock()
			held = false
			firstTime = false
		}

		switch {
		case msg.Mig != nil:
			mp.migrationMessage(msg.Mig, localReqNumber)
		case msg.SelRec != nil:
			mp.selRecallMessage(msg.SelRec, localReqNumber)
		case msg.Status != nil:
			mp.statusMessage(msg.Status)
		case msg.Add != nil:
			mp.addMessage(msg.Add)
		case msg.InfoReqs != nil:
			mp.infoRequestsMessage(msg.InfoReqs)
		case msg.InfoJobs != nil:
			mp.infoJobsMessage(msg.InfoJobs)
		case msg.InfoDrives != nil:
			mp.infoDrivesMessage(msg.InfoDrives)
		case msg.InfoTapes != nil:
			mp.infoTapesMessage(msg.InfoTapes)
		case msg.InfoPools != nil:
			mp.infoPoolsMessage(msg.InfoPools)
		case msg.InfoFs != nil:
			mp.infoFsMessage(msg.InfoFs)
		case msg.PoolCreate != nil:
			mp.poolCreateMessage(msg.PoolCreate)
		case msg.PoolDelete != nil:
			mp.poolDeleteMessage(msg.PoolDelete)
		case msg.PoolAdd != nil:
			mp.poolAddMessage(msg.PoolAdd)
		case msg.PoolRemove != nil:
			mp.poolRemoveMessage(msg.PoolRemove)
		case msg.Retrieve != nil:
			mp.retrieveMessage(msg.Retrieve)
		default:
			audit.Log("unknown message received")
		}
		return
	}
}

// checkKey validates the session key. Mismatch closes the session
// after one log line.
func (mp *messageParser) checkKey(sent int64) bool {
	if sent != mp.srv.key {
		audit.Logf("session presented wrong key %d", sent)
		return false
	}
	return true
}

func (mp *messageParser) send(msg *comm.Message) bool {
	if err := mp.conn.Send(msg); err != nil {
		audit.Logf("sending response failed: %v", err)
		return false
	}
	return true
}

func (mp *messageParser) requestNumber(req *comm.ReqNumberRequest, localReqNumber *int64) bool {
	if !mp.checkKey(req.Key) {
		return false
	}
	*localReqNumber = mp.srv.NextReqNum()
	debug.Printf("assigned request number %d", *localReqNumber)
	return mp.send(&comm.Message{ReqNumberResp: &comm.ReqNumberResp{
		Success:   true,
		ReqNumber: *localReqNumber,
	}})
}

func (mp *messageParser) stopMessage(req *comm.StopRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	audit.Log("stop request received")
	mp.srv.flags.Terminate(req.Forced, req.Finish)

	for {
		numReqs := 0
		if !mp.srv.flags.Forced() && !mp.srv.flags.Finishing() {
			var err error
			numReqs, err = mp.srv.store.InProgress()
			if err != nil {
				audit.Logf("in-progress lookup failed: %v", err)
			}
		}

		if !mp.send(&comm.Message{StopResp: &comm.StopResp{Success: numReqs == 0}}) {
			return
		}
		if numReqs == 0 {
			break
		}
		// The client sleeps a second and asks again.
		msg, err := mp.conn.Recv()
		if err != nil || msg.Stop == nil {
			return
		}
	}

	mp.srv.sched.Invoke()
	syscall.Kill(os.Getpid(), syscall.SIGUSR1)
}

// getObjects drains the streamed file names into the operation. The
// stream ends with an empty file name.
func (mp *messageParser) getObjects(op fileop.Operation, reqNumber, pid int64) bool {
	for {
		if mp.srv.flags.Forced() {
			return false
		}
		msg, err := mp.conn.Recv()
		if err != nil {
			audit.Logf("receiving objects failed: %v", err)
			return false
		}
		if msg.SendObjects == nil {
			audit.Log("unexpected message while receiving objects")
			return false
		}

		done := false
		for _, name := range msg.SendObjects.FileNames {
			if mp.srv.flags.Terminating() {
				return false
			}
			if name == "" {
				done = true
				break
			}
			if err := op.AddJob(name); err != nil {
				if err == queue.ErrDuplicateJob {
					audit.Logf("LTFSDMS0019E file %s already part of the request", name)
				} else {
					audit.Logf("adding job %s failed: %v", name, err)
				}
			}
		}

		ok := mp.send(&comm.Message{SendObjectsResp: &comm.SendObjectsResp{
			Success:   true,
			ReqNumber: reqNumber,
			Pid:       pid,
		}})
		if !ok {
			return false
		}
		if done {
			return true
		}
	}
}

// reqStatusMessage streams status snapshots until every job of the
// request reached a terminal state.
func (mp *messageParser) reqStatusMessage(op fileop.Operation) {
	for {
		msg, err := mp.conn.Recv()
		if err != nil {
			audit.Logf("receiving status request failed: %v", err)
			return
		}
		req := msg.ReqStatus
		if req == nil || !mp.checkKey(req.Key) {
			return
		}

		res, err := op.QueryResult(req.ReqNumber)
		if err != nil {
			audit.Logf("status query failed: %v", err)
			return
		}
		ok := mp.send(&comm.Message{ReqStatusResp: &comm.ReqStatusResp{
			Success:     true,
			ReqNumber:   req.ReqNumber,
			Pid:         req.Pid,
			Resident:    res.Resident,
			Premigrated: res.Premigrated,
			Migrated:    res.Migrated,
			Failed:      res.Failed,
			Done:        res.Done,
		}})
		if !ok || res.Done {
			return
		}
	}
}

// parsePools splits and deduplicates the migration pool list,
// preserving order.
func parsePools(arg string) []string {
	var pools []string
	seen := make(map[string]bool)
	for _, pool := range strings.Split(arg, ",") {
		if pool == "" || seen[pool] {
			continue
		}
		seen[pool] = true
		pools = append(pools, pool)
	}
	return pools
}

func (mp *messageParser) migrationMessage(req *comm.MigRequest, localReqNumber int64) {
	if !mp.checkKey(req.Key) {
		return
	}

	errCode := comm.OK
	var mig *fileop.Migration

	target := queue.FileState(req.TargetState)
	if target != queue.Premigrated && target != queue.Migrated {
		errCode = comm.GeneralError
	}

	if errCode == comm.OK && !mp.srv.flags.Terminating() {
		pools := parsePools(req.Pools)
		if len(pools) == 0 || len(pools) > 3 {
			errCode = comm.WrongPoolNum
		} else {
			mp.srv.inv.Lock()
			for _, pool := range pools {
				if mp.srv.inv.GetPool(pool) == nil {
					errCode = comm.NotAllPoolsExist
					break
				}
			}
			mp.srv.inv.Unlock()
		}
		if errCode == comm.OK {
			mig = fileop.NewMigration(mp.srv.store, mp.srv.inv, mp.srv.fs,
				mp.srv.dm, mp.srv.flags, mp.srv.sched.Invoke,
				req.Pid, req.ReqNumber, pools, target)
		}
	} else if errCode == comm.OK {
		errCode = comm.Terminating
	}

	ok := mp.send(&comm.Message{MigResp: &comm.MigResp{
		Error:     errCode,
		ReqNumber: req.ReqNumber,
		Pid:       req.Pid,
	}})
	if !ok || errCode != comm.OK {
		return
	}

	if !mp.getObjects(mig, req.ReqNumber, req.Pid) {
		return
	}
	if err := mig.AddRequest(); err != nil {
		audit.Logf("req %d: commit failed: %v", req.ReqNumber, err)
		return
	}
	mp.reqStatusMessage(mig)
}

func (mp *messageParser) selRecallMessage(req *comm.SelRecRequest, localReqNumber int64) {
	if !mp.checkKey(req.Key) {
		return
	}

	errCode := comm.OK
	var srec *fileop.SelRecall

	target := queue.FileState(req.TargetState)
	if target != queue.Resident && target != queue.Premigrated {
		errCode = comm.GeneralError
	}

	if errCode == comm.OK && !mp.srv.flags.Terminating() {
		srec = fileop.NewSelRecall(mp.srv.store, mp.srv.inv, mp.srv.fs,
			mp.srv.dm, mp.srv.flags, mp.srv.sched.Invoke,
			req.Pid, req.ReqNumber, target)
	} else if errCode == comm.OK {
		errCode = comm.Terminating
	}

	ok := mp.send(&comm.Message{SelRecResp: &comm.SelRecResp{
		Error:     errCode,
		ReqNumber: req.ReqNumber,
		Pid:       req.Pid,
	}})
	if !ok || errCode != comm.OK {
		return
	}

	if !mp.getObjects(srec, req.ReqNumber, req.Pid) {
		return
	}
	if err := srec.AddRequest(); err != nil {
		audit.Logf("req %d: commit failed: %v", req.ReqNumber, err)
		return
	}
	mp.reqStatusMessage(srec)
}

func (mp *messageParser) statusMessage(req *comm.StatusRequest) {
	if !mp.checkKey(req.Key) {
		return
	}
	mp.send(&comm.Message{StatusResp: &comm.StatusResp{
		Success: true,
		Pid:     int64(os.Getpid()),
	}})
}

func (mp *messageParser) addMessage(req *comm.AddRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	response := comm.OK
	if _, err := os.Stat(req.ManagedFs); err != nil {
		audit.Logf("unable to check file system %s: %v", req.ManagedFs, err)
		response = comm.FsCheckError
	} else {
		managed, err := mp.srv.store.FsManaged(req.ManagedFs)
		switch {
		case err != nil:
			response = comm.FsCheckError
		case managed:
			audit.Logf("file system %s is already managed", req.ManagedFs)
			response = comm.FsAlreadyManaged
		default:
			err := mp.srv.store.AddFs(queue.ManagedFs{
				Path:       req.ManagedFs,
				FsName:     req.FsName,
				MountPoint: req.MountPoint,
			})
			if err != nil {
				audit.Logf("unable to add file system %s: %v", req.ManagedFs, err)
				response = comm.FsAddError
			} else {
				audit.Logf("file system %s is now managed", req.ManagedFs)
			}
		}
	}

	mp.send(&comm.Message{AddResp: &comm.AddResp{Response: response}})
}

func (mp *messageParser) infoRequestsMessage(req *comm.InfoRequestsRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	reqs, err := mp.srv.store.RequestsInfo(req.ReqNumber)
	if err != nil {
		audit.Logf("request listing failed: %v", err)
	}
	for _, r := range reqs {
		ok := mp.send(&comm.Message{InfoReqsResp: &comm.InfoRequestsResp{
			Operation:   r.Op.String(),
			ReqNumber:   r.ReqNum,
			TapeID:      r.TapeID,
			TargetState: r.TargetState.String(),
			State:       r.State.String(),
		}})
		if !ok {
			return
		}
	}
	mp.send(&comm.Message{InfoReqsResp: &comm.InfoRequestsResp{
		ReqNumber: comm.UNSET,
	}})
}

func (mp *messageParser) infoJobsMessage(req *comm.InfoJobsRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	jobs, err := mp.srv.store.JobsInfo(req.ReqNumber)
	if err != nil {
		audit.Logf("job listing failed: %v", err)
	}
	for _, j := range jobs {
		ok := mp.send(&comm.Message{InfoJobsResp: &comm.InfoJobsResp{
			Operation: j.Op.String(),
			FileName:  j.FileName,
			ReqNumber: j.ReqNum,
			ReplNum:   int64(j.ReplNum),
			FileSize:  j.FileSize,
			TapeID:    j.TapeID,
			State:     j.FileState.String(),
		}})
		if !ok {
			return
		}
	}
	mp.send(&comm.Message{InfoJobsResp: &comm.InfoJobsResp{
		ReqNumber: comm.UNSET,
		ReplNum:   comm.UNSET,
		FileSize:  comm.UNSET,
	}})
}

func (mp *messageParser) infoDrivesMessage(req *comm.InfoDrivesRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	mp.srv.inv.Lock()
	drives := make([]comm.InfoDrivesResp, 0, len(mp.srv.inv.GetDrives()))
	for _, d := range mp.srv.inv.GetDrives() {
		drives = append(drives, comm.InfoDrivesResp{
			ID:      d.ID,
			DevName: d.DevName,
			Slot:    d.Slot,
			Status:  d.Status,
			Busy:    d.Busy(),
		})
	}
	mp.srv.inv.Unlock()

	for i := range drives {
		if !mp.send(&comm.Message{InfoDrivesResp: &drives[i]}) {
			return
		}
	}
	mp.send(&comm.Message{InfoDrivesResp: &comm.InfoDrivesResp{}})
}

func (mp *messageParser) infoTapesMessage(req *comm.InfoTapesRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	mp.srv.inv.Lock()
	tapes := make([]comm.InfoTapesResp, 0, len(mp.srv.inv.GetCartridges()))
	for _, c := range mp.srv.inv.GetCartridges() {
		tapes = append(tapes, comm.InfoTapesResp{
			ID:        c.ID,
			Slot:      c.Slot,
			TotalCap:  c.TotalCap,
			RemainCap: c.RemainingCap,
			Status:    c.Status,
			Pool:      c.Pool,
			State:     c.State().String(),
		})
	}
	mp.srv.inv.Unlock()

	for i := range tapes {
		if !mp.send(&comm.Message{InfoTapesResp: &tapes[i]}) {
			return
		}
	}
	mp.send(&comm.Message{InfoTapesResp: &comm.InfoTapesResp{}})
}

func (mp *messageParser) infoPoolsMessage(req *comm.InfoPoolsRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	mp.srv.inv.Lock()
	pools := make([]comm.InfoPoolsResp, 0, len(mp.srv.inv.GetPools()))
	for _, p := range mp.srv.inv.GetPools() {
		var resp comm.InfoPoolsResp
		resp.PoolName = p.Name
		for _, id := range p.Cartridges {
			cart := mp.srv.inv.GetCartridge(id)
			if cart == nil {
				continue
			}
			resp.NumTapes++
			resp.Total += cart.TotalCap
			resp.Free += cart.RemainingCap
		}
		pools = append(pools, resp)
	}
	mp.srv.inv.Unlock()

	for i := range pools {
		if !mp.send(&comm.Message{InfoPoolsResp: &pools[i]}) {
			return
		}
	}
	mp.send(&comm.Message{InfoPoolsResp: &comm.InfoPoolsResp{}})
}

func (mp *messageParser) infoFsMessage(req *comm.InfoFsRequest) {
	if !mp.checkKey(req.Key) {
		return
	}

	fss, err := mp.srv.store.ManagedFss()
	if err != nil {
		audit.Logf("managed fs listing failed: %v", err)
	}
	for _, fs := range fss {
		ok := mp.send(&comm.Message{InfoFsResp: &comm.InfoFsResp{
			Path:       fs.Path,
			FsName:     fs.FsName,
			MountPoint: fs.MountPoint,
		}})
		if !ok {
			return
		}
	}
	mp.send(&comm.Message{InfoFsResp: &comm.InfoFsResp{}})
}

func (mp *messageParser) poolCreateMessage(req *comm.PoolCreateRequest) {
	if !mp.checkKey(req.Key) {
		return
	}
	response := comm.ErrorCode(mp.srv.inv.PoolCreate(req.PoolName))
	mp.writePools(response)
	mp.send(&comm.Message{PoolResp: &comm.PoolResp{Response: response}})
}

func (mp *messageParser) poolDeleteMessage(req *comm.PoolDeleteRequest) {
	if !mp.checkKey(req.Key) {
		return
	}
	response := comm.ErrorCode(mp.srv.inv.PoolDelete(req.PoolName))
	mp.writePools(response)
	mp.send(&comm.Message{PoolResp: &comm.PoolResp{Response: response}})
}

func (mp *messageParser) poolAddMessage(req *comm.PoolAddRequest) {
	if !mp.checkKey(req.Key) {
		return
	}
	for _, tapeID := range req.TapeIDs {
		response := comm.ErrorCode(mp.srv.inv.PoolAdd(req.PoolName, tapeID))
		mp.writePools(response)
		ok := mp.send(&comm.Message{PoolResp: &comm.PoolResp{
			Response: response,
			TapeID:   tapeID,
		}})
		if !ok {
			return
		}
	}
}

func (mp *messageParser) poolRemoveMessage(req *comm.PoolRemoveRequest) {
	if !mp.checkKey(req.Key) {
		return
	}
	for _, tapeID := range req.TapeIDs {
		response := comm.ErrorCode(mp.srv.inv.PoolRemove(req.PoolName, tapeID))
		mp.writePools(response)
		ok := mp.send(&comm.Message{PoolResp: &comm.PoolResp{
			Response: response,
			TapeID:   tapeID,
		}})
		if !ok {
			return
		}
	}
}

func (mp *messageParser) writePools(response int) {
	if response != comm.OK {
		return
	}
	if err := mp.srv.inv.WritePools(); err != nil {
		audit.Logf("persisting pools failed: %v", err)
	}
}

func (mp *messageParser) retrieveMessage(req *comm.RetrieveRequest) {
	if !mp.checkKey(req.Key) {
		return
	}
	errCode := comm.OK
	if err := mp.srv.inv.Inventorize(); err != nil {
		audit.Logf("inventorize failed: %v", err)
		errCode = comm.ErrorCode(err)
	}
	mp.send(&comm.Message{RetrieveResp: &comm.RetrieveResp{Error: errCode}})
}
