/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


package jit

import (
	"fmt"
	"sync"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit/cache"
	"github.com/cloudwego/tracejit/internal/jit/codegen"
	"github.com/cloudwego/tracejit/internal/jit/mir"
	"github.com/cloudwego/tracejit/internal/rt"
	"github.com/oleiade/lane"
)

// Kind is the kind of work a work order asks for.
type Kind uint8

const (
	KindTrace Kind = iota
	KindMethod
	KindTraceDebug
)

func (self Kind) String() string {
	switch self {
	case KindTrace:
		return "trace"
	case KindMethod:
		return "method"
	case KindTraceDebug:
		return "trace_debug"
	default:
		return fmt.Sprintf("kind_%d", self)
	}
}

// WorkOrder is a compilation request. Discard orders are compiled and
// dumped but never installed, Result and Err are set once it is done.
type WorkOrder struct {
	PC      dex.PC
	Kind    Kind
	Info    *mir.TraceDesc
	Discard bool
	Result  *codegen.Result
	Err     error
}

type workQueue struct {
	mu      sync.Mutex
	cv      sync.Cond
	orders  *lane.Deque
	pending map[dex.PC]*WorkOrder
	reset   bool
	halt    bool
}

func (self *workQueue) init(size int) {
	self.cv.L = &self.mu
	self.orders = lane.NewCappedDeque(size)
	self.pending = make(map[dex.PC]*WorkOrder, size)
}

// next blocks until an order is available or a reset is requested. It
// returns nothing once the queue is halted.
func (self *workQueue) next() (*WorkOrder, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* wait for something to do */
	for !self.halt {
		if self.reset {
			self.reset = false
			return nil, true
		}
		if !self.orders.Empty() {
			return self.orders.Shift().(*WorkOrder), false
		}
		self.cv.Wait()
	}
	return nil, false
}

// finish retires w, waking the drainers when the queue becomes empty.
func (self *workQueue) finish(w *WorkOrder) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.pending[w.PC] == w {
		delete(self.pending, w.PC)
	}
	if len(self.pending) == 0 {
		self.cv.Broadcast()
	}
}

// drop discards every queued order.
func (self *workQueue) drop() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	n := len(self.pending)
	for !self.orders.Empty() {
		self.orders.Shift()
	}
	clear(self.pending)
	self.cv.Broadcast()
	return n
}

func (self *workQueue) stop() {
	self.mu.Lock()
	self.halt = true
	self.cv.Broadcast()
	self.mu.Unlock()
}

// Len returns the number of orders queued or being compiled.
func (self *Runtime) Len() int {
	self.queue.mu.Lock()
	defer self.queue.mu.Unlock()
	return len(self.queue.pending)
}

// Enqueue asks the compiler for a translation of the trace starting at pc.
// It never blocks the caller unless the runtime is in blocking mode: the
// request is dropped when the queue lock is contended, the queue is full or
// the code cache is not accepting translations. A request for a pc already
// queued succeeds without adding an order.
func (self *Runtime) Enqueue(pc dex.PC, kind Kind, info *mir.TraceDesc) bool {
	q := &self.queue

	/* a full cache asks the compiler for a reset */
	if st := self.cache.State(); st != cache.Active {
		self.stats.dropped.Add(1)
		if st == cache.Full {
			self.requestReset()
		}
		return false
	}

	/* interpreters never wait for the lock */
	if self.opts.Blocking {
		q.mu.Lock()
	} else if !q.mu.TryLock() {
		self.stats.contended.Add(1)
		return false
	}

	/* check for duplicates */
	defer q.mu.Unlock()
	if q.halt {
		return false
	}
	if _, ok := q.pending[pc]; ok {
		self.stats.duplicates.Add(1)
		return true
	}

	/* add to the queue */
	w := &WorkOrder{PC: pc, Kind: kind, Info: info, Discard: kind == KindTraceDebug}
	if !q.orders.Append(w) {
		self.stats.dropped.Add(1)
		return false
	}

	/* wake up the compiler */
	q.pending[pc] = w
	q.cv.Broadcast()
	self.stats.enqueued.Add(1)
	self.activate()
	return true
}

func (self *Runtime) requestReset() {
	self.queue.mu.Lock()
	self.queue.reset = true
	self.queue.cv.Broadcast()
	self.queue.mu.Unlock()
}

// DrainQueue blocks until every pending order is done. The thread does not
// hold back a global suspension while waiting.
func (self *Runtime) DrainQueue(thr *rt.Thread) {
	thr.Waiting(func() {
		self.queue.mu.Lock()
		for len(self.queue.pending) != 0 && !self.queue.halt {
			self.queue.cv.Wait()
		}
		self.queue.mu.Unlock()
	})
}
