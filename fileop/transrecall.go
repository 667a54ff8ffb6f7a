// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fileop

import (
	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
	"github.com/bistack/LTFS-Data-Management/term"
)

// TransRecall serves recalls triggered by file system access. The
// upcall connector adds jobs; processing is shared with selective
// recall but runs at a higher priority, and the worker picks up jobs
// that arrive while its tape is loaded.
type TransRecall struct {
	recallOperation
}

// NewTransRecall builds a transparent recall request.
func NewTransRecall(store *queue.Store, inv *inventory.Inventory, fs FileSystem,
	mover DataMover, flags *term.Flags, wake func(),
	pid, reqNum int64, targetState queue.FileState) *TransRecall {

	return &TransRecall{recallOperation{
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
		op:    queue.TransRecall,
		mover: mover,
	}}
}

// ResumeTransRecall rebuilds the worker side of a transparent recall
// from its queue row.
func ResumeTransRecall(store *queue.Store, inv *inventory.Inventory, fs FileSystem,
	mover DataMover, flags *term.Flags, wake func(),
	reqNum int64, targetState queue.FileState) *TransRecall {

	return NewTransRecall(store, inv, fs, mover, flags, wake, 0, reqNum, targetState)
}
