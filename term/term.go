// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package term carries the process-wide termination state. The stop
// handler raises the flags; the scheduler, the workers, and the
// object enumeration loops poll them.
package term

import "sync/atomic"

// Flags is the three-level termination state shared across the
// backend. Zero value: running.
type Flags struct {
	terminate int32
	forced    int32
	finish    int32
}

// Terminating reports whether a stop was requested. New data-moving
// requests are refused once set.
func (f *Flags) Terminating() bool {
	return atomic.LoadInt32(&f.terminate) != 0
}

// Forced reports whether workers should abandon their current jobs.
func (f *Flags) Forced() bool {
	return atomic.LoadInt32(&f.forced) != 0
}

// Finishing reports whether a finish stop was requested: new
// insertions are refused and running workers complete their current
// request. The scheduler stops on any stop request, so requests still
// queued are not scheduled.
func (f *Flags) Finishing() bool {
	return atomic.LoadInt32(&f.finish) != 0
}

// Terminate requests a stop at the given level.
func (f *Flags) Terminate(forced, finish bool) {
	atomic.StoreInt32(&f.terminate, 1)
	if forced {
		atomic.StoreInt32(&f.forced, 1)
	}
	if finish {
		atomic.StoreInt32(&f.finish, 1)
	}
}
