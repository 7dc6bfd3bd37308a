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
	"github.com/cloudwego/tracejit/internal/dex"
)

// Args gathers the argument words of an invoke from the caller's registers.
func Args(fp *Frame, ins dex.Instr) []uint32 {
	regs := ins.Operands()
	args := make([]uint32, len(regs))
	for i, r := range regs {
		args[i] = fp.Regs[r]
	}
	return args
}

// Receiver returns the receiver handle of a non-static invoke.
func Receiver(fp *Frame, ins dex.Instr) uint32 {
	return fp.Regs[ins.C]
}

// Dispatch selects the method an invoke actually runs. base is the
// resolved method reference, recv the receiver for non-static invokes.
func Dispatch(thr *Thread, heap *Heap, op dex.Opcode, caller *dex.Method, base *dex.Method, recv uint32) *dex.Method {
	pc := thr.Top().PC
	if op == dex.OP_invoke_static {
		return base
	}

	/* every other kind needs a receiver */
	obj := heap.Get(recv)
	if obj == nil {
		thr.Throw(ExcNullPointer, pc, "invoke %s on null", base.Name)
		return nil
	}

	/* select by invoke kind */
	switch op {
	case dex.OP_invoke_direct:
		return base
	case dex.OP_invoke_super:
		if sup := caller.Class.Super; sup != nil && base.VtableIndex >= 0 && base.VtableIndex < len(sup.Vtable) {
			return sup.Vtable[base.VtableIndex]
		}
		thr.Throw(ExcNoSuchMethod, pc, "no super method %s", base.Name)
		return nil
	case dex.OP_invoke_virtual:
		return Lookup(thr, obj.Class, base, pc)
	case dex.OP_invoke_interface:
		if m := obj.Class.FindVirtual(base.Name); m != nil {
			return m
		}
		thr.Throw(ExcIncompatible, pc, "%s does not implement %s", obj.Class, base.Name)
		return nil
	default:
		panic("rt: not an invoke: " + op.String())
	}
}

// Lookup is the virtual method lookup on class cls.
func Lookup(thr *Thread, cls *dex.Class, base *dex.Method, pc dex.PC) *dex.Method {
	if cls == nil || base.VtableIndex < 0 || base.VtableIndex >= len(cls.Vtable) {
		thr.Throw(ExcIncompatible, pc, "no virtual method %s", base.Name)
		return nil
	}
	return cls.Vtable[base.VtableIndex]
}

// CallNative runs a native method, storing its result in the thread's
// return value.
func CallNative(thr *Thread, m *dex.Method, args []uint32) bool {
	ret, err := m.Native(args)
	if err == nil {
		thr.Retval = ret
		return true
	}

	/* top-level natives have no calling frame */
	pc := dex.PC(0)
	if fp := thr.Top(); fp != nil {
		pc = fp.PC
	}
	thr.Throw(ExcNative, pc, "%s: %v", m.Name, err)
	return false
}

