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

package rt

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ThreadList tracks attached threads. Every attached thread holds the read
// side of the world lock while it runs, and releases it at safe points when
// a suspension is pending. SuspendAll takes the write side, so it returns
// once every thread is parked at a safe point or in a waiting region.
type ThreadList struct {
	mu      sync.Mutex
	world   sync.RWMutex
	next    int
	pending atomic.Int32
	threads map[int]*Thread
}

func NewThreadList() *ThreadList {
	return &ThreadList{
		threads: make(map[int]*Thread),
	}
}

// Attach registers a new thread. The calling goroutine owns it until Detach.
func (self *ThreadList) Attach() *Thread {
	self.world.RLock()
	self.mu.Lock()
	self.next++
	thr := &Thread{ID: self.next, list: self}
	self.threads[thr.ID] = thr
	self.mu.Unlock()
	return thr
}

func (self *ThreadList) Detach(thr *Thread) {
	self.mu.Lock()
	delete(self.threads, thr.ID)
	self.mu.Unlock()
	self.world.RUnlock()
}

// Poll parks the calling thread while a suspension is pending.
func (self *ThreadList) Poll() {
	if self.pending.Load() != 0 {
		self.world.RUnlock()
		self.world.RLock()
	}
}

// Waiting releases the world lock around fn.
func (self *ThreadList) Waiting(fn func()) {
	self.world.RUnlock()
	defer self.world.RLock()
	fn()
}

// SuspendAll blocks until every attached thread reaches a safe point. It
// must not be called from an attached thread.
func (self *ThreadList) SuspendAll() {
	self.pending.Add(1)
	self.world.Lock()
}

func (self *ThreadList) ResumeAll() {
	self.world.Unlock()
	self.pending.Add(-1)
}

// Each calls fn for every attached thread in attach order.
func (self *ThreadList) Each(fn func(thr *Thread)) {
	self.mu.Lock()
	ids := make([]int, 0, len(self.threads))
	for id := range self.threads {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	thrs := make([]*Thread, len(ids))
	for i, id := range ids {
		thrs[i] = self.threads[id]
	}
	self.mu.Unlock()
	for _, thr := range thrs {
		fn(thr)
	}
}

func (self *ThreadList) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.threads)
}
