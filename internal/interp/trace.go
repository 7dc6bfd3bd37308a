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
	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit"
	"github.com/cloudwego/tracejit/internal/jit/mir"
	"github.com/cloudwego/tracejit/internal/jit/table"
	"github.com/cloudwego/tracejit/internal/rt"
	"go.uber.org/zap"
)

// selection is a trace being recorded. The instructions are recorded as
// they are interpreted, so the trace follows the path actually taken.
type selection struct {
	head dex.PC
	fp   *rt.Frame
	next uint32
	size int
	desc *mir.TraceDesc
}

func hashPC(pc dex.PC) uint32 {
	return (pc ^ pc>>_CounterBits) & (_CounterSize - 1)
}

// hot bumps the counter of pc, and reports whether it reached the threshold.
// Counters are shared by every PC hashing to the same slot.
func (self *Interpreter) hot(pc dex.PC) bool {
	c := &self.counters[hashPC(pc)]
	if c.Add(1) < int32(self.opts.Threshold) {
		return false
	}
	c.Store(0)
	return true
}

// head is called when the interpreter reaches a possible trace head. It
// enters the translation of pc if there is one, or counts towards
// selecting a trace at pc.
func (self *Interpreter) head(st *state, pc dex.PC, count bool) {
	if self.jit == nil || st.sel != nil {
		return
	}

	/* run the translation */
	if code := self.jit.Table().GetCodeAddress(pc); code != 0 {
		st.enter = code
		return
	}

	/* start selecting once hot */
	if count && self.hot(pc) {
		self.beginSelection(st, pc)
	}
}

func (self *Interpreter) beginSelection(st *state, pc dex.PC) {
	tab := self.jit.Table()

	/* the compiler gave up on this one */
	if e, ok := tab.Lookup(pc); ok && e.ISA == table.ISA_none && e.Code != 0 {
		return
	}

	/* somebody else is working on it, or the table is full */
	if !tab.MarkInProgress(pc) {
		return
	}

	/* start recording */
	fp := st.thr.Top()
	st.sel = &selection{head: pc, fp: fp, desc: &mir.TraceDesc{Method: fp.Method}}
	self.stats.selections.Add(1)
}

// record adds an instruction to the trace, and reports whether the trace
// ends with it.
func (self *Interpreter) record(st *state, fp *rt.Frame, off uint32, ins dex.Instr, width uint32) bool {
	sel := st.sel
	if sel.fp != fp {
		self.abandon(st)
		return false
	}

	/* contiguous instructions extend the current run */
	if n := len(sel.desc.Runs); n != 0 && off == sel.next {
		sel.desc.Runs[n-1].Count++
	} else {
		sel.desc.Runs = append(sel.desc.Runs, mir.Run{Offset: off, Count: 1})
	}

	/* gotos continue the trace at their target */
	sel.next, sel.size = off+width, sel.size+1
	switch flags := ins.Op.Flags(); {
	case sel.size >= self.opts.MaxTraceLen:
		return true
	case flags&dex.Unconditional != 0:
		return false
	case ins.Op == dex.OP_throw:
		return true
	default:
		return flags&(dex.CanBranch|dex.CanSwitch|dex.CanReturn|dex.Invoke) != 0
	}
}

// endSelection completes the trace with the instruction that ended it and
// hands it to the compiler.
func (self *Interpreter) endSelection(st *state, p *insn) {
	sel := st.sel
	desc := sel.desc
	st.sel = nil

	/* invokes carry what was called, and the result move if any */
	if p.Op.IsInvoke() && st.callee != nil {
		desc.Sites = append(desc.Sites, mir.CallSite{Offset: p.off, Callee: st.callee, Class: st.class})
		if code, off := sel.fp.Method.Code, p.next(); int(off) < len(code) {
			if ins, width := dex.Decode(code, off); width != 0 && ins.Op.IsMoveResult() {
				desc.Runs = append(desc.Runs, mir.Run{Offset: off, Count: 1})
			}
		}
	}

	/* mark the end */
	desc.Runs[len(desc.Runs)-1].RunEnd = true
	self.submit(st, sel)
}

func (self *Interpreter) submit(st *state, sel *selection) {
	if !self.jit.Enqueue(sel.head, jit.KindTrace, sel.desc) {
		self.jit.Table().ClearInProgress(sel.head)
		self.stats.dropped.Add(1)
		return
	}

	/* the trace is with the compiler now */
	self.stats.traces.Add(1)
	self.log.Debug("trace selected",
		zap.Uint32("pc", sel.head),
		zap.Stringer("method", sel.fp.Method),
		zap.Int("insts", sel.desc.Len()),
		zap.Int("runs", len(sel.desc.Runs)),
	)

	/* wait for the translation */
	if self.opts.Blocking {
		self.jit.DrainQueue(st.thr)
	}
}

// abandon drops the trace being selected, if any.
func (self *Interpreter) abandon(st *state) {
	if sel := st.sel; sel != nil {
		st.sel = nil
		self.jit.Table().ClearInProgress(sel.head)
		self.stats.abandoned.Add(1)
	}
}
