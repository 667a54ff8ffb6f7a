// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/intel-hpdd/logging/debug"
)

// SubServer runs worker tasks and offers the join the scheduler
// drains on.
type SubServer struct {
	wg      sync.WaitGroup
	running metrics.Counter
}

// NewSubServer builds an empty worker pool.
func NewSubServer() *SubServer {
	ss := &SubServer{running: metrics.NewCounter()}
	metrics.Register("workersRunning", ss.running)
	return ss
}

// Enqueue starts one worker task.
func (ss *SubServer) Enqueue(name string, fn func()) {
	ss.wg.Add(1)
	ss.running.Inc(1)
	go func() {
		defer func() {
			ss.running.Dec(1)
			ss.wg.Done()
		}()
		debug.Printf("worker %s: started", name)
		fn()
		debug.Printf("worker %s: finished", name)
	}()
}

// WaitAll blocks until every enqueued task has finished.
func (ss *SubServer) WaitAll() {
	ss.wg.Wait()
}
