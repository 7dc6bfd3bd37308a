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


package interp

import (
	"sync/atomic"

	"github.com/cloudwego/tracejit/internal/jit/emu"
)

const (
	_MaxExitKinds = 16
)

type counters struct {
	invokes     atomic.Uint64
	exceptions  atomic.Uint64
	selections  atomic.Uint64
	traces      atomic.Uint64
	dropped     atomic.Uint64
	abandoned   atomic.Uint64
	entries     atomic.Uint64
	singleSteps atomic.Uint64
	exits       [_MaxExitKinds]atomic.Uint64
}

// Stats is a snapshot of the interpreter counters.
type Stats struct {
	Invokes     uint64
	Exceptions  uint64
	Selections  uint64
	Traces      uint64
	Dropped     uint64
	Abandoned   uint64
	Entries     uint64
	SingleSteps uint64
	Exits       map[string]uint64
}

func (self *Interpreter) Stats() Stats {
	ret := Stats{
		Invokes:     self.stats.invokes.Load(),
		Exceptions:  self.stats.exceptions.Load(),
		Selections:  self.stats.selections.Load(),
		Traces:      self.stats.traces.Load(),
		Dropped:     self.stats.dropped.Load(),
		Abandoned:   self.stats.abandoned.Load(),
		Entries:     self.stats.entries.Load(),
		SingleSteps: self.stats.singleSteps.Load(),
		Exits:       make(map[string]uint64),
	}

	/* only the exits actually taken */
	for i := range self.stats.exits {
		if n := self.stats.exits[i].Load(); n != 0 {
			ret.Exits[emu.Kind(i).String()] = n
		}
	}
	return ret
}
