// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

type (
	// Message is the wire envelope. Exactly one field is set per
	// frame; the receiver dispatches on whichever is non-nil.
	Message struct {
		ReqNumber   *ReqNumberRequest   `json:"req_number,omitempty"`
		Stop        *StopRequest        `json:"stop,omitempty"`
		Mig         *MigRequest         `json:"mig,omitempty"`
		SelRec      *SelRecRequest      `json:"sel_rec,omitempty"`
		Status      *StatusRequest      `json:"status,omitempty"`
		Add         *AddRequest         `json:"add,omitempty"`
		InfoReqs    *InfoRequestsRequest `json:"info_requests,omitempty"`
		InfoJobs    *InfoJobsRequest    `json:"info_jobs,omitempty"`
		InfoDrives  *InfoDrivesRequest  `json:"info_drives,omitempty"`
		InfoTapes   *InfoTapesRequest   `json:"info_tapes,omitempty"`
		InfoPools   *InfoPoolsRequest   `json:"info_pools,omitempty"`
		PoolCreate  *PoolCreateRequest  `json:"pool_create,omitempty"`
		PoolDelete  *PoolDeleteRequest  `json:"pool_delete,omitempty"`
		PoolAdd     *PoolAddRequest     `json:"pool_add,omitempty"`
		PoolRemove  *PoolRemoveRequest  `json:"pool_remove,omitempty"`
		InfoFs      *InfoFsRequest      `json:"info_fs,omitempty"`
		Retrieve    *RetrieveRequest    `json:"retrieve,omitempty"`
		SendObjects *SendObjects        `json:"send_objects,omitempty"`
		ReqStatus   *ReqStatusRequest   `json:"req_status,omitempty"`

		ReqNumberResp   *ReqNumberResp   `json:"req_number_resp,omitempty"`
		StopResp        *StopResp        `json:"stop_resp,omitempty"`
		MigResp         *MigResp         `json:"mig_resp,omitempty"`
		SelRecResp      *SelRecResp      `json:"sel_rec_resp,omitempty"`
		StatusResp      *StatusResp      `json:"status_resp,omitempty"`
		AddResp         *AddResp         `json:"add_resp,omitempty"`
		InfoReqsResp    *InfoRequestsResp `json:"info_requests_resp,omitempty"`
		InfoJobsResp    *InfoJobsResp    `json:"info_jobs_resp,omitempty"`
		InfoDrivesResp  *InfoDrivesResp  `json:"info_drives_resp,omitempty"`
		InfoTapesResp   *InfoTapesResp   `json:"info_tapes_resp,omitempty"`
		InfoPoolsResp   *InfoPoolsResp   `json:"info_pools_resp,omitempty"`
		InfoFsResp      *InfoFsResp      `json:"info_fs_resp,omitempty"`
		PoolResp        *PoolResp        `json:"pool_resp,omitempty"`
		RetrieveResp    *RetrieveResp    `json:"retrieve_resp,omitempty"`
		SendObjectsResp *SendObjectsResp `json:"send_objects_resp,omitempty"`
		ReqStatusResp   *ReqStatusResp   `json:"req_status_resp,omitempty"`
	}

	// ReqNumberRequest must be the first message of every session.
	ReqNumberRequest struct {
		Key int64 `json:"key"`
	}

	ReqNumberResp struct {
		Success   bool  `json:"success"`
		ReqNumber int64 `json:"req_number"`
	}

	StopRequest struct {
		Key       int64 `json:"key"`
		ReqNumber int64 `json:"req_number"`
		Forced    bool  `json:"forced"`
		Finish    bool  `json:"finish"`
	}

	StopResp struct {
		Success bool `json:"success"`
	}

	// MigRequest starts a migration session. Pools is a
	// comma-separated list of one to three target pools.
	MigRequest struct {
		Key         int64  `json:"key"`
		ReqNumber   int64  `json:"req_number"`
		Pid         int64  `json:"pid"`
		Pools       string `json:"pools"`
		TargetState int    `json:"target_state"`
	}

	MigResp struct {
		Error     int   `json:"error"`
		ReqNumber int64 `json:"req_number"`
		Pid       int64 `json:"pid"`
	}

	SelRecRequest struct {
		Key         int64 `json:"key"`
		ReqNumber   int64 `json:"req_number"`
		Pid         int64 `json:"pid"`
		TargetState int   `json:"target_state"`
	}

	SelRecResp struct {
		Error     int   `json:"error"`
		ReqNumber int64 `json:"req_number"`
		Pid       int64 `json:"pid"`
	}

	// SendObjects streams file names into an open migration or
	// recall session. An empty file name terminates the stream.
	SendObjects struct {
		FileNames []string `json:"file_names"`
	}

	SendObjectsResp struct {
		Success   bool  `json:"success"`
		ReqNumber int64 `json:"req_number"`
		Pid       int64 `json:"pid"`
	}

	ReqStatusRequest struct {
		Key       int64 `json:"key"`
		ReqNumber int64 `json:"req_number"`
		Pid       int64 `json:"pid"`
	}

	ReqStatusResp struct {
		Success     bool  `json:"success"`
		ReqNumber   int64 `json:"req_number"`
		Pid         int64 `json:"pid"`
		Resident    int64 `json:"resident"`
		Premigrated int64 `json:"premigrated"`
		Migrated    int64 `json:"migrated"`
		Failed      int64 `json:"failed"`
		Done        bool  `json:"done"`
	}

	StatusRequest struct {
		Key       int64 `json:"key"`
		ReqNumber int64 `json:"req_number"`
	}

	StatusResp struct {
		Success bool  `json:"success"`
		Pid     int64 `json:"pid"`
	}

	AddRequest struct {
		Key        int64  `json:"key"`
		ReqNumber  int64  `json:"req_number"`
		ManagedFs  string `json:"managed_fs"`
		MountPoint string `json:"mount_point"`
		FsName     string `json:"fs_name"`
	}

	// AddResp responses.
	AddResp struct {
		Response int `json:"response"`
	}

	InfoRequestsRequest struct {
		Key       int64 `json:"key"`
		ReqNumber int64 `json:"req_number"`
	}

	// InfoRequestsResp is one row of the request listing. The list
	// terminates with a sentinel row whose Operation is empty and
	// whose ReqNumber is UNSET.
	InfoRequestsResp struct {
		Operation   string `json:"operation"`
		ReqNumber   int64  `json:"req_number"`
		TapeID      string `json:"tape_id"`
		TargetState string `json:"target_state"`
		State       string `json:"state"`
	}

	InfoJobsRequest struct {
		Key       int64 `json:"key"`
		ReqNumber int64 `json:"req_number"`
	}

	InfoJobsResp struct {
		Operation string `json:"operation"`
		FileName  string `json:"file_name"`
		ReqNumber int64  `json:"req_number"`
		ReplNum   int64  `json:"repl_num"`
		FileSize  int64  `json:"file_size"`
		TapeID    string `json:"tape_id"`
		State     string `json:"state"`
	}

	InfoDrivesRequest struct {
		Key int64 `json:"key"`
	}

	InfoDrivesResp struct {
		ID      string `json:"id"`
		DevName string `json:"dev_name"`
		Slot    int64  `json:"slot"`
		Status  string `json:"status"`
		Busy    bool   `json:"busy"`
	}

	InfoTapesRequest struct {
		Key int64 `json:"key"`
	}

	InfoTapesResp struct {
		ID        string `json:"id"`
		Slot      int64  `json:"slot"`
		TotalCap  int64  `json:"total_cap"`
		RemainCap int64  `json:"remain_cap"`
		Status    string `json:"status"`
		Pool      string `json:"pool"`
		State     string `json:"state"`
	}

	InfoPoolsRequest struct {
		Key int64 `json:"key"`
	}

	InfoPoolsResp struct {
		PoolName string `json:"pool_name"`
		Total    int64  `json:"total"`
		Free     int64  `json:"free"`
		Unref    int64  `json:"unref"`
		NumTapes int64  `json:"num_tapes"`
	}

	InfoFsRequest struct {
		Key int64 `json:"key"`
	}

	InfoFsResp struct {
		Path       string `json:"path"`
		FsName     string `json:"fs_name"`
		MountPoint string `json:"mount_point"`
	}

	PoolCreateRequest struct {
		Key      int64  `json:"key"`
		PoolName string `json:"pool_name"`
	}

	PoolDeleteRequest struct {
		Key      int64  `json:"key"`
		PoolName string `json:"pool_name"`
	}

	PoolAddRequest struct {
		Key      int64    `json:"key"`
		PoolName string   `json:"pool_name"`
		TapeIDs  []string `json:"tape_ids"`
	}

	PoolRemoveRequest struct {
		Key      int64    `json:"key"`
		PoolName string   `json:"pool_name"`
		TapeIDs  []string `json:"tape_ids"`
	}

	// PoolResp answers one tape of a pool add/remove, or the whole
	// request for create/delete.
	PoolResp struct {
		Response int    `json:"response"`
		TapeID   string `json:"tape_id"`
	}

	RetrieveRequest struct {
		Key int64 `json:"key"`
	}

	RetrieveResp struct {
		Error int `json:"error"`
	}
)
