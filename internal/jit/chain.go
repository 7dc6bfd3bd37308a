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
	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit/codegen"
	"github.com/cloudwego/tracejit/internal/jit/mir"
)

// chain points the cell at addr to the translation at code.
func (self *Runtime) chain(cell uint32, code uint32) {
	self.icmu.Lock()
	self.cache.Store(cell+1, code)
	self.icmu.Unlock()
	self.stats.chains.Add(1)
}

// lookupRecord reads the prediction of the record at rec, the class is read
// twice so a concurrent retrain is never observed halfway.
func (self *Runtime) lookupRecord(rec uint32, cls uint32) (*dex.Method, uint32, bool) {
	if self.cache.Load(rec+codegen.RecordClass) != cls {
		return nil, 0, false
	}

	/* load the prediction */
	id := self.cache.Load(rec + codegen.RecordMethod)
	code := self.cache.Load(rec + codegen.RecordCode)

	/* it must not have changed meanwhile */
	if self.cache.Load(rec+codegen.RecordClass) != cls {
		return nil, 0, false
	}
	return self.reg.Method(id), code, true
}

// mispredict counts down the record at rec, it returns false once the
// record should be retrained.
func (self *Runtime) mispredict(rec uint32) bool {
	self.icmu.Lock()
	defer self.icmu.Unlock()

	/* untrained records are trained right away */
	n := self.cache.Load(rec + codegen.RecordCounter)
	if self.cache.Load(rec+codegen.RecordClass) == 0 || n == 0 {
		return false
	}

	/* not yet */
	self.cache.Store(rec+codegen.RecordCounter, n-1)
	return true
}

// train records the prediction of cls calling callee. The class is written
// last, readers never match a record being written.
func (self *Runtime) train(rec uint32, cls *dex.Class, callee *dex.Method, code uint32) {
	if code == 0 {
		code = codegen.NoCode
	}

	/* rewrite the record */
	self.icmu.Lock()
	self.cache.Store(rec+codegen.RecordClass, 0)
	self.cache.Store(rec+codegen.RecordMethod, callee.ID)
	self.cache.Store(rec+codegen.RecordCode, code)
	self.cache.Store(rec+codegen.RecordCounter, uint32(self.opts.RechainThreshold))
	self.cache.Store(rec+codegen.RecordClass, cls.ID)
	self.icmu.Unlock()
	self.stats.icPatches.Add(1)
}

// UnchainAll restores every cell of every translation to its unchained
// state, every exit goes back through the handlers afterwards.
func (self *Runtime) UnchainAll() {
	self.icmu.Lock()
	defer self.icmu.Unlock()

	/* walk every fragment */
	for _, f := range self.cache.Fragments() {
		codegen.WalkCells(self.cache.Load, f.Base, f.Cells, f.Trailer, func(c codegen.Cell) {
			if c.Kind != mir.CellPredicted {
				self.cache.Store(c.Patch(), self.tpl.Of(codegen.CellHost(c.Kind)))
				return
			}

			/* predicted cells forget their prediction */
			rec := c.Record()
			self.cache.Store(rec+codegen.RecordClass, 0)
			self.cache.Store(rec+codegen.RecordMethod, 0)
			self.cache.Store(rec+codegen.RecordCode, codegen.NoCode)
			self.cache.Store(rec+codegen.RecordCounter, 0)
		})
	}
}
