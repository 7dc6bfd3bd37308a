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
	"github.com/cloudwego/tracejit/internal/jit/cache"
	"github.com/cloudwego/tracejit/internal/rt"
	"go.uber.org/zap"
)

// ResetCache drops every translation. Every attached thread is suspended
// first, and the reset is put off if any of them was stopped while running
// a translation. It must not be called from an attached thread.
func (self *Runtime) ResetCache() bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* stop the world */
	self.threads.SuspendAll()
	defer self.threads.ResumeAll()

	/* nobody may be executing translations */
	busy := 0
	self.threads.Each(func(thr *rt.Thread) {
		if thr.InCodeCache() {
			busy++
		}
	})

	/* try again later */
	if busy != 0 {
		self.stats.deferrals.Add(1)
		self.log.Debug("code cache reset deferred", zap.Int("busy", busy))
		return false
	}

	/* return addresses point into the old cache */
	self.cache.SetState(cache.Resetting)
	self.threads.Each(func(thr *rt.Thread) {
		for _, fp := range thr.Frames {
			fp.ReturnAddr = 0
		}
	})

	/* start over */
	dropped := self.queue.drop()
	self.table.Reset()
	self.cache.Reset()
	self.stats.resets.Add(1)
	self.log.Info("code cache reset", zap.Int("dropped", dropped), zap.Uint32("version", self.cache.Version()))
	return true
}
