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
	"github.com/cloudwego/tracejit/internal/jit/emu"
	"github.com/cloudwego/tracejit/internal/jit/lir"
	"github.com/cloudwego/tracejit/internal/jit/mir"
	"github.com/cloudwego/tracejit/internal/jit/ralloc"
	"github.com/cloudwego/tracejit/internal/rt"
)

func (self *Runtime) bindHosts(env *emu.Env) {
	env.Hosts = [lir.H_max]emu.Host{
		lir.H_interpret:  self.toInterpreter(emu.ExitInterpret),
		lir.H_normal:     self.chainOrExit(emu.ExitNormal),
		lir.H_hot:        self.chainOrExit(emu.ExitHot),
		lir.H_backward:   self.backward,
		lir.H_singleton:  self.singleton,
		lir.H_predicted:  self.predicted,
		lir.H_native:     self.native,
		lir.H_punt:       self.toInterpreter(emu.ExitPunt),
		lir.H_singlestep: self.singleStep,
		lir.H_exception:  self.toInterpreter(emu.ExitException),
		lir.H_switch:     self.switchCase,
		lir.H_return:     self.ret,
	}
}

func instrAt(fp *rt.Frame, pc dex.PC) dex.Instr {
	ins, _ := dex.Decode(fp.Method.Code, fp.Method.Offset(pc))
	return ins
}

func (self *Runtime) toInterpreter(kind emu.Kind) emu.Host {
	return func(m *emu.Machine) (uint32, *emu.Exit) {
		return 0, &emu.Exit{Kind: kind, PC: m.PC}
	}
}

// chainOrExit is the handler of normal and hot cells. LR points at the
// target PC word of the cell, chaining rewrites the word before it.
func (self *Runtime) chainOrExit(kind emu.Kind) emu.Host {
	return func(m *emu.Machine) (uint32, *emu.Exit) {
		cell := m.LR - 2
		target := m.Cache.Load(m.LR)

		/* chain to the translation if there is one */
		if code := self.table.GetCodeAddress(target); code != 0 {
			self.chain(cell, code)
			return code, nil
		}

		/* otherwise back to the interpreter */
		return 0, &emu.Exit{Kind: kind, PC: target, Cell: cell}
	}
}

// backward cells are never chained, every loop iteration goes through them.
func (self *Runtime) backward(m *emu.Machine) (uint32, *emu.Exit) {
	return 0, &emu.Exit{Kind: emu.ExitBackward, PC: m.Cache.Load(m.LR), Cell: m.LR - 2}
}

func (self *Runtime) singleStep(m *emu.Machine) (uint32, *emu.Exit) {
	return 0, &emu.Exit{Kind: emu.ExitSingleStep, PC: m.PC, Resume: m.Gr[ralloc.R1]}
}

// singleton cells call a callee known at compile time, whose ID is stored
// in the cell.
func (self *Runtime) singleton(m *emu.Machine) (uint32, *emu.Exit) {
	ins := instrAt(m.Frame, m.PC)
	callee := self.reg.Method(m.Cache.Load(m.LR))

	/* the receiver must not be null */
	if ins.Op != dex.OP_invoke_static && m.Heap.Get(rt.Receiver(m.Frame, ins)) == nil {
		return 0, &emu.Exit{Kind: emu.ExitException, PC: m.PC}
	}
	return self.invoke(m, ins, callee, 0)
}

// predicted cells hold an inline cache record, LR points at it.
func (self *Runtime) predicted(m *emu.Machine) (uint32, *emu.Exit) {
	rec := m.LR
	ins := instrAt(m.Frame, m.PC)
	obj := m.Heap.Get(rt.Receiver(m.Frame, ins))

	/* let the interpreter throw */
	if obj == nil {
		return 0, &emu.Exit{Kind: emu.ExitException, PC: m.PC}
	}

	/* fast path, the prediction holds */
	if callee, code, ok := self.lookupRecord(rec, obj.Class.ID); ok && callee != nil {
		self.stats.icHits.Add(1)
		return self.invoke(m, ins, callee, code)
	}

	/* slow path, full dispatch */
	m.Frame.PC = m.PC
	self.stats.icMisses.Add(1)
	base := m.Frame.Method.Class.Pool.Method(ins.B)
	if base == nil {
		return 0, &emu.Exit{Kind: emu.ExitException, PC: m.PC}
	}

	/* the interpreter delivers dispatch errors */
	callee := rt.Dispatch(m.Thread, m.Heap, ins.Op, m.Frame.Method, base, rt.Receiver(m.Frame, ins))
	if callee == nil {
		return 0, &emu.Exit{Kind: emu.ExitException, PC: m.PC}
	}

	/* retrain the cell once it mispredicted often enough */
	code := self.table.GetCodeAddress(callee.Base)
	if !self.mispredict(rec) {
		self.train(rec, obj.Class, callee, code)
	}
	return self.invoke(m, ins, callee, code)
}

func (self *Runtime) native(m *emu.Machine) (uint32, *emu.Exit) {
	ins := instrAt(m.Frame, m.PC)
	callee := mir.ResolveCallee(m.Frame.Method, ins)
	if callee == nil || !callee.IsNative() {
		return 0, &emu.Exit{Kind: emu.ExitException, PC: m.PC}
	}
	return self.invoke(m, ins, callee, 0)
}

// invoke calls callee on behalf of the invoke at PC. The caller resumes at
// the address in R1. code is the translation of the callee if known.
func (self *Runtime) invoke(m *emu.Machine, ins dex.Instr, callee *dex.Method, code uint32) (uint32, *emu.Exit) {
	caller := m.Frame
	args := rt.Args(caller, ins)
	resume := m.Gr[ralloc.R1]
	caller.PC = m.PC

	/* natives run right away */
	if callee.IsNative() {
		self.stats.natives.Add(1)
		if !rt.CallNative(m.Thread, callee, args) {
			return 0, &emu.Exit{Kind: emu.ExitException, PC: m.PC}
		}
		return resume, nil
	}

	/* remember where the caller continues */
	caller.ReturnAddr = resume
	caller.ReturnVer = m.Cache.Version()
	fp := rt.NewFrame(callee, args)
	m.Thread.Push(fp)

	/* look up the translation of the callee */
	if code == 0 || code == codegen.NoCode {
		code = self.table.GetCodeAddress(callee.Base)
	}

	/* continue in the callee if it has been compiled */
	if code != 0 {
		m.Frame = fp
		return code, nil
	}
	return 0, &emu.Exit{Kind: emu.ExitInvoke, PC: callee.Base}
}

// ret pops the frame, and continues in the caller if it was left by a
// translation of the current cache version.
func (self *Runtime) ret(m *emu.Machine) (uint32, *emu.Exit) {
	m.Thread.Pop()
	caller := m.Thread.Top()

	/* resume the translation of the caller */
	if caller != nil && caller.ReturnAddr != 0 && caller.ReturnVer == m.Cache.Version() {
		addr := caller.ReturnAddr
		caller.ReturnAddr = 0
		m.Frame = caller
		return addr, nil
	}

	/* the interpreter takes it from here */
	return 0, &emu.Exit{Kind: emu.ExitReturn, PC: m.PC}
}

// switchCase picks the cell of a switch. R0 holds the value and R1 the
// cell table, the default cell comes after the case cells.
func (self *Runtime) switchCase(m *emu.Machine) (uint32, *emu.Exit) {
	val := int32(m.Gr[ralloc.R0])
	tab := m.Gr[ralloc.R1]
	off := m.Frame.Method.Offset(m.PC)

	/* decode the switch */
	ins, _ := dex.Decode(m.Frame.Method.Code, off)
	st := dex.DecodeSwitch(m.Frame.Method.Code, off, ins)
	n := min(st.Len(), mir.MaxSwitchCells)

	/* select the case */
	switch idx := st.Lookup(val); {
	case idx < 0:
		return m.Cache.Load(tab + uint32(n)), nil
	case idx < n:
		return m.Cache.Load(tab + uint32(idx)), nil
	default:
		return 0, &emu.Exit{Kind: emu.ExitInterpret, PC: m.Frame.Method.PC(uint32(int32(off) + st.Targets[idx]))}
	}
}
