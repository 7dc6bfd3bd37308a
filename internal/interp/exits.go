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
	"github.com/cloudwego/tracejit/internal/jit/emu"
)

// execute runs the translation at addr, and continues wherever it left.
func (self *Interpreter) execute(st *state, addr uint32) {
	ver := self.jit.Cache().Version()
	exit := st.mach.Run(addr)

	/* count the exit */
	self.stats.entries.Add(1)
	if int(exit.Kind) < len(self.stats.exits) {
		self.stats.exits[exit.Kind].Add(1)
	}

	/* leaving the code cache is a safe point */
	st.thr.Poll()
	self.exited(st, exit, ver)
}

func (self *Interpreter) exited(st *state, exit *emu.Exit, ver uint32) {
	switch exit.Kind {
	case emu.ExitInterpret, emu.ExitPunt, emu.ExitInvoke, emu.ExitException:
		break
	case emu.ExitNormal, emu.ExitHot, emu.ExitBackward:
		self.head(st, exit.PC, true)
	case emu.ExitSingleStep:
		self.singleStep(st, exit, ver)
	case emu.ExitReturn:
		self.returned(st)
	default:
		panic("interp: unknown exit: " + exit.String())
	}
}

// singleStep interprets the instruction the translation could not handle,
// and goes back to the translation if execution simply fell through it and
// the code cache has not been reset meanwhile.
func (self *Interpreter) singleStep(st *state, exit *emu.Exit, ver uint32) {
	fp := st.thr.Top()
	pc := fp.PC
	_, width := dex.Decode(fp.Method.Code, fp.Method.Offset(pc))

	/* interpret it */
	self.stats.singleSteps.Add(1)
	self.step(st)

	/* check if the translation can be resumed */
	if st.thr.Exception != nil || st.enter != 0 || st.thr.Top() != fp || fp.PC != pc+width {
		return
	}

	/* only valid for the same code cache */
	if ver == self.jit.Cache().Version() {
		st.enter = exit.Resume
	}
}
