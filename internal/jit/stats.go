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
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

type counters struct {
	enqueued    atomic.Uint64
	duplicates  atomic.Uint64
	contended   atomic.Uint64
	dropped     atomic.Uint64
	compiled    atomic.Uint64
	installed   atomic.Uint64
	discarded   atomic.Uint64
	aborts      atomic.Uint64
	retryNoLoop atomic.Uint64
	retryHalve  atomic.Uint64
	relayouts   atomic.Uint64
	spills      atomic.Uint64
	resets      atomic.Uint64
	deferrals   atomic.Uint64
	chains      atomic.Uint64
	icHits      atomic.Uint64
	icMisses    atomic.Uint64
	icPatches   atomic.Uint64
	natives     atomic.Uint64
}

// Stats is a snapshot of the runtime counters.
type Stats struct {
	Enqueued    uint64
	Duplicates  uint64
	Contended   uint64
	Dropped     uint64
	Compiled    uint64
	Installed   uint64
	Discarded   uint64
	Aborts      uint64
	RetryNoLoop uint64
	RetryHalve  uint64
	Relayouts   uint64
	Spills      uint64
	Resets      uint64
	Deferrals   uint64
	Chains      uint64
	ICHits      uint64
	ICMisses    uint64
	ICPatches   uint64
	NativeCalls uint64
	Pending     int
	CacheUsed   uint32
	CacheSize   uint32
	CacheState  string
	Version     uint32
	TableLen    int
	TableCap    int
	Host        string
}

func (self *Runtime) Stats() Stats {
	return Stats{
		Enqueued:    self.stats.enqueued.Load(),
		Duplicates:  self.stats.duplicates.Load(),
		Contended:   self.stats.contended.Load(),
		Dropped:     self.stats.dropped.Load(),
		Compiled:    self.stats.compiled.Load(),
		Installed:   self.stats.installed.Load(),
		Discarded:   self.stats.discarded.Load(),
		Aborts:      self.stats.aborts.Load(),
		RetryNoLoop: self.stats.retryNoLoop.Load(),
		RetryHalve:  self.stats.retryHalve.Load(),
		Relayouts:   self.stats.relayouts.Load(),
		Spills:      self.stats.spills.Load(),
		Resets:      self.stats.resets.Load(),
		Deferrals:   self.stats.deferrals.Load(),
		Chains:      self.stats.chains.Load(),
		ICHits:      self.stats.icHits.Load(),
		ICMisses:    self.stats.icMisses.Load(),
		ICPatches:   self.stats.icPatches.Load(),
		NativeCalls: self.stats.natives.Load(),
		Pending:     self.Len(),
		CacheUsed:   self.cache.Used(),
		CacheSize:   self.cache.Size(),
		CacheState:  self.cache.State().String(),
		Version:     self.cache.Version(),
		TableLen:    self.table.Len(),
		TableCap:    self.table.Cap(),
		Host:        cpuid.CPU.BrandName,
	}
}
