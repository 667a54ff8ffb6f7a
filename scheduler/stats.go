// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"

	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/queue"
)

// Stats is a synchronized container of per-operation scheduling
// statistics.
type Stats struct {
	sync.Mutex
	stats map[queue.Operation]*opStats
}

type opStats struct {
	dispatched metrics.Counter
	completed  metrics.Timer
}

// NewStats initializes the container.
func NewStats() *Stats {
	return &Stats{stats: make(map[queue.Operation]*opStats)}
}

func (st *Stats) get(op queue.Operation) *opStats {
	st.Lock()
	defer st.Unlock()
	s, ok := st.stats[op]
	if !ok {
		s = &opStats{
			dispatched: metrics.NewCounter(),
			completed:  metrics.NewTimer(),
		}
		metrics.Register(fmt.Sprintf("%sDispatched", op), s.dispatched)
		metrics.Register(fmt.Sprintf("%sCompleted", op), s.completed)
		st.stats[op] = s
	}
	return s
}

// Dispatched counts one worker dispatch.
func (st *Stats) Dispatched(op queue.Operation) {
	st.get(op).dispatched.Inc(1)
}

// Completed books one worker completion.
func (st *Stats) Completed(op queue.Operation, d time.Duration) {
	st.get(op).completed.Update(d)
}

// Run dumps the counters to the audit log until stopped.
func (st *Stats) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			debug.Print("shutting down stats collector")
			return
		case <-time.After(60 * time.Second):
			st.log()
		}
	}
}

func (st *Stats) log() {
	st.Lock()
	defer st.Unlock()
	for op, s := range st.stats {
		if s.dispatched.Count() == 0 {
			continue
		}
		audit.Logf("%s: dispatched:%s mean:%v",
			op,
			humanize.Comma(s.dispatched.Count()),
			time.Duration(int64(s.completed.Mean())))
	}
}
