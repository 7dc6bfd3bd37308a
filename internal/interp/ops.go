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
	"errors"
	"fmt"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/rt"
)

type insn struct {
	dex.Instr
	fp    *rt.Frame
	off   uint32
	width uint32
}

func (self *insn) next() uint32 {
	return self.off + self.width
}

func (self *insn) pool() *dex.Pool {
	return self.fp.Method.Class.Pool
}

// handler executes an instruction and returns the offset of the next one.
// The result is ignored when the handler pushed or popped a frame, or
// raised an exception.
type handler func(self *Interpreter, st *state, p *insn) uint32

var dispatchTab [dex.OP_max]handler

func init() {
	dispatchTab = [dex.OP_max]handler{
		dex.OP_nop:                (*Interpreter).op_nop,
		dex.OP_move:               (*Interpreter).op_move,
		dex.OP_move_wide:          (*Interpreter).op_move_wide,
		dex.OP_move_object:        (*Interpreter).op_move,
		dex.OP_move_result:        (*Interpreter).op_move_result,
		dex.OP_move_result_wide:   (*Interpreter).op_move_result_wide,
		dex.OP_move_result_object: (*Interpreter).op_move_result,
		dex.OP_return_void:        (*Interpreter).op_return_void,
		dex.OP_return:             (*Interpreter).op_return,
		dex.OP_return_wide:        (*Interpreter).op_return_wide,
		dex.OP_return_object:      (*Interpreter).op_return,
		dex.OP_const_4:            (*Interpreter).op_const,
		dex.OP_const_16:           (*Interpreter).op_const,
		dex.OP_const:              (*Interpreter).op_const,
		dex.OP_const_wide_16:      (*Interpreter).op_const_wide,
		dex.OP_const_wide_32:      (*Interpreter).op_const_wide,
		dex.OP_const_string:       (*Interpreter).op_const_string,
		dex.OP_const_class:        (*Interpreter).op_const_class,
		dex.OP_new_instance:       (*Interpreter).op_new_instance,
		dex.OP_new_array:          (*Interpreter).op_new_array,
		dex.OP_array_length:       (*Interpreter).op_array_length,
		dex.OP_throw:              (*Interpreter).op_throw,
		dex.OP_goto:               (*Interpreter).op_goto,
		dex.OP_goto_16:            (*Interpreter).op_goto,
		dex.OP_packed_switch:      (*Interpreter).op_switch,
		dex.OP_sparse_switch:      (*Interpreter).op_switch,
		dex.OP_cmp_long:           (*Interpreter).op_cmp_long,
		dex.OP_aget:               (*Interpreter).op_aget,
		dex.OP_aget_wide:          (*Interpreter).op_aget_wide,
		dex.OP_aget_object:        (*Interpreter).op_aget,
		dex.OP_aput:               (*Interpreter).op_aput,
		dex.OP_aput_wide:          (*Interpreter).op_aput_wide,
		dex.OP_aput_object:        (*Interpreter).op_aput,
		dex.OP_iget:               (*Interpreter).op_iget,
		dex.OP_iget_wide:          (*Interpreter).op_iget_wide,
		dex.OP_iget_object:        (*Interpreter).op_iget,
		dex.OP_iput:               (*Interpreter).op_iput,
		dex.OP_iput_wide:          (*Interpreter).op_iput_wide,
		dex.OP_iput_object:        (*Interpreter).op_iput,
		dex.OP_sget:               (*Interpreter).op_sget,
		dex.OP_sget_object:        (*Interpreter).op_sget,
		dex.OP_sput:               (*Interpreter).op_sput,
		dex.OP_sput_object:        (*Interpreter).op_sput,
		dex.OP_neg_int:            (*Interpreter).op_neg_int,
		dex.OP_not_int:            (*Interpreter).op_not_int,
		dex.OP_neg_long:           (*Interpreter).op_neg_long,
		dex.OP_int_to_long:        (*Interpreter).op_int_to_long,
		dex.OP_long_to_int:        (*Interpreter).op_long_to_int,
	}

	/* ranges sharing a handler */
	for op := dex.OP_if_eq; op <= dex.OP_if_le; op++ {
		dispatchTab[op] = (*Interpreter).op_if
	}
	for op := dex.OP_if_eqz; op <= dex.OP_if_lez; op++ {
		dispatchTab[op] = (*Interpreter).op_ifz
	}
	for op := dex.OP_invoke_virtual; op <= dex.OP_invoke_interface; op++ {
		dispatchTab[op] = (*Interpreter).op_invoke
	}
	for op := dex.OP_add_int; op <= dex.OP_ushr_int_lit8; op++ {
		dispatchTab[op] = (*Interpreter).op_alu
	}

	/* every opcode must be handled */
	for op, fn := range dispatchTab {
		if fn == nil {
			panic("interp: no handler for " + dex.Opcode(op).String())
		}
	}
}

func (self *Interpreter) throw(st *state, p *insn, class string, format string, args ...interface{}) uint32 {
	st.thr.Throw(class, p.fp.PC, format, args...)
	return 0
}

// throwResolve raises the error matching a failed resolution.
func (self *Interpreter) throwResolve(st *state, p *insn, err error) uint32 {
	var re dex.ResolveError
	if !errors.As(err, &re) {
		panic("interp: unexpected resolution error: " + err.Error())
	}

	/* select by reference kind */
	switch re.Kind {
	case dex.RefField:
		return self.throw(st, p, rt.ExcNoSuchField, "%s", re.Name)
	case dex.RefMethod:
		return self.throw(st, p, rt.ExcNoSuchMethod, "%s", re.Name)
	default:
		return self.throw(st, p, rt.ExcNoClassDef, "%s", re.Name)
	}
}

func (self *Interpreter) object(st *state, p *insn, h uint32) *rt.Object {
	if obj := self.heap.Get(h); obj != nil {
		return obj
	}
	self.throw(st, p, rt.ExcNullPointer, "%s on null", p.Op)
	return nil
}

// element checks the array reference and the index of an array access.
func (self *Interpreter) element(st *state, p *insn) (*rt.Object, int) {
	obj := self.object(st, p, p.fp.Regs[p.B])
	if obj == nil {
		return nil, 0
	}

	/* check the bounds */
	i := int32(p.fp.Regs[p.C])
	if i < 0 || int(i) >= obj.Len() {
		self.throw(st, p, rt.ExcArrayIndex, "length=%d; index=%d", obj.Len(), i)
		return nil, 0
	}
	return obj, int(i)
}

func (self *Interpreter) field(st *state, p *insn, idx uint32, static bool) *dex.Field {
	f, err := p.pool().ResolveField(idx)
	if err != nil {
		self.throwResolve(st, p, err)
		return nil
	}

	/* static and instance accesses never mix */
	if f.Static != static {
		self.throw(st, p, rt.ExcIncompatible, "%s: static mismatch on %s", p.Op, f)
		return nil
	}
	return f
}

func (self *Interpreter) op_nop(_ *state, p *insn) uint32 {
	return p.next()
}

func (self *Interpreter) op_move(_ *state, p *insn) uint32 {
	p.fp.Regs[p.A] = p.fp.Regs[p.B]
	return p.next()
}

func (self *Interpreter) op_move_wide(_ *state, p *insn) uint32 {
	p.fp.SetWide(p.A, p.fp.Wide(p.B))
	return p.next()
}

func (self *Interpreter) op_move_result(st *state, p *insn) uint32 {
	p.fp.Regs[p.A] = uint32(st.thr.Retval)
	return p.next()
}

func (self *Interpreter) op_move_result_wide(st *state, p *insn) uint32 {
	p.fp.SetWide(p.A, st.thr.Retval)
	return p.next()
}

func (self *Interpreter) op_return_void(st *state, _ *insn) uint32 {
	return self.leave(st)
}

func (self *Interpreter) op_return(st *state, p *insn) uint32 {
	st.thr.Retval = uint64(p.fp.Regs[p.A])
	return self.leave(st)
}

func (self *Interpreter) op_return_wide(st *state, p *insn) uint32 {
	st.thr.Retval = p.fp.Wide(p.A)
	return self.leave(st)
}

func (self *Interpreter) leave(st *state) uint32 {
	st.thr.Pop()
	self.returned(st)
	return 0
}

func (self *Interpreter) op_const(_ *state, p *insn) uint32 {
	p.fp.Regs[p.A] = p.B
	return p.next()
}

func (self *Interpreter) op_const_wide(_ *state, p *insn) uint32 {
	p.fp.SetWide(p.A, p.Wide)
	return p.next()
}

// op_const_string creates the string object on first use. Translations only
// load strings that already exist.
func (self *Interpreter) op_const_string(_ *state, p *insn) uint32 {
	pool := p.pool()
	h := pool.String(p.B)

	/* intern the string */
	if h == 0 {
		h = self.heap.NewString(pool.StringValue(p.B))
		pool.SetString(p.B, h)
	}

	/* load the handle */
	p.fp.Regs[p.A] = h
	return p.next()
}

func (self *Interpreter) op_const_class(st *state, p *insn) uint32 {
	if cls, err := p.pool().ResolveClass(p.B); err != nil {
		return self.throwResolve(st, p, err)
	} else {
		p.fp.Regs[p.A] = self.classObject(cls)
		return p.next()
	}
}

func (self *Interpreter) op_new_instance(st *state, p *insn) uint32 {
	if cls, err := p.pool().ResolveClass(p.B); err != nil {
		return self.throwResolve(st, p, err)
	} else {
		p.fp.Regs[p.A] = self.heap.New(cls)
		return p.next()
	}
}

func (self *Interpreter) op_new_array(st *state, p *insn) uint32 {
	n := int32(p.fp.Regs[p.B])
	if n < 0 {
		return self.throw(st, p, rt.ExcNegativeArraySize, "%d", n)
	}

	/* long and double arrays take two words per element */
	switch name := p.pool().ClassName(p.C); name {
	case "[J", "[D":
		p.fp.Regs[p.A] = self.heap.NewArray(int(n), true)
	default:
		p.fp.Regs[p.A] = self.heap.NewArray(int(n), false)
	}
	return p.next()
}

func (self *Interpreter) op_array_length(st *state, p *insn) uint32 {
	if obj := self.object(st, p, p.fp.Regs[p.B]); obj == nil {
		return 0
	} else {
		p.fp.Regs[p.A] = uint32(obj.Len())
		return p.next()
	}
}

func (self *Interpreter) op_throw(st *state, p *insn) uint32 {
	h := p.fp.Regs[p.A]
	obj := self.object(st, p, h)

	/* throwing null raises a null pointer exception instead */
	if obj == nil {
		return 0
	}

	/* the thrown instance becomes the pending exception */
	exc := &rt.Throwable{Class: rt.ExcNative, Message: obj.Str, Object: h, PC: p.fp.PC}
	if obj.Class != nil {
		exc.Class = obj.Class.Name
	}
	st.thr.Exception = exc
	return 0
}

func (self *Interpreter) op_goto(_ *state, p *insn) uint32 {
	return p.Target(p.off)
}

func (self *Interpreter) op_switch(_ *state, p *insn) uint32 {
	tab := dex.DecodeSwitch(p.fp.Method.Code, p.off, p.Instr)
	if i := tab.Lookup(int32(p.fp.Regs[p.A])); i < 0 {
		return p.next()
	} else {
		return uint32(int32(p.off) + tab.Targets[i])
	}
}

func (self *Interpreter) op_cmp_long(_ *state, p *insn) uint32 {
	switch a, b := int64(p.fp.Wide(p.B)), int64(p.fp.Wide(p.C)); {
	case a < b:
		p.fp.Regs[p.A] = ^uint32(0)
	case a > b:
		p.fp.Regs[p.A] = 1
	default:
		p.fp.Regs[p.A] = 0
	}
	return p.next()
}

// test evaluates the condition of an if-test, op being one of if-eq .. if-le.
func test(op dex.Opcode, a int32, b int32) bool {
	switch op {
	case dex.OP_if_eq:
		return a == b
	case dex.OP_if_ne:
		return a != b
	case dex.OP_if_lt:
		return a < b
	case dex.OP_if_ge:
		return a >= b
	case dex.OP_if_gt:
		return a > b
	case dex.OP_if_le:
		return a <= b
	default:
		panic("interp: not a condition: " + op.String())
	}
}

func (self *Interpreter) op_if(_ *state, p *insn) uint32 {
	if test(p.Op, int32(p.fp.Regs[p.A]), int32(p.fp.Regs[p.B])) {
		return p.Target(p.off)
	} else {
		return p.next()
	}
}

func (self *Interpreter) op_ifz(_ *state, p *insn) uint32 {
	if test(p.Op-dex.OP_if_eqz+dex.OP_if_eq, int32(p.fp.Regs[p.A]), 0) {
		return p.Target(p.off)
	} else {
		return p.next()
	}
}

func (self *Interpreter) op_aget(st *state, p *insn) uint32 {
	if obj, i := self.element(st, p); obj == nil {
		return 0
	} else {
		p.fp.Regs[p.A] = obj.Array[i]
		return p.next()
	}
}

func (self *Interpreter) op_aget_wide(st *state, p *insn) uint32 {
	if obj, i := self.element(st, p); obj == nil {
		return 0
	} else {
		p.fp.Regs[p.A] = obj.Array[i*2]
		p.fp.Regs[p.A+1] = obj.Array[i*2+1]
		return p.next()
	}
}

func (self *Interpreter) op_aput(st *state, p *insn) uint32 {
	if obj, i := self.element(st, p); obj == nil {
		return 0
	} else {
		obj.Array[i] = p.fp.Regs[p.A]
		return p.next()
	}
}

func (self *Interpreter) op_aput_wide(st *state, p *insn) uint32 {
	if obj, i := self.element(st, p); obj == nil {
		return 0
	} else {
		obj.Array[i*2] = p.fp.Regs[p.A]
		obj.Array[i*2+1] = p.fp.Regs[p.A+1]
		return p.next()
	}
}

func (self *Interpreter) op_iget(st *state, p *insn) uint32 {
	if f := self.field(st, p, p.C, false); f == nil {
		return 0
	} else if obj := self.object(st, p, p.fp.Regs[p.B]); obj == nil {
		return 0
	} else {
		p.fp.Regs[p.A] = obj.Fields[f.Slot]
		return p.next()
	}
}

func (self *Interpreter) op_iget_wide(st *state, p *insn) uint32 {
	if f := self.field(st, p, p.C, false); f == nil {
		return 0
	} else if obj := self.object(st, p, p.fp.Regs[p.B]); obj == nil {
		return 0
	} else {
		p.fp.Regs[p.A] = obj.Fields[f.Slot]
		p.fp.Regs[p.A+1] = obj.Fields[f.Slot+1]
		return p.next()
	}
}

func (self *Interpreter) op_iput(st *state, p *insn) uint32 {
	if f := self.field(st, p, p.C, false); f == nil {
		return 0
	} else if obj := self.object(st, p, p.fp.Regs[p.B]); obj == nil {
		return 0
	} else {
		obj.Fields[f.Slot] = p.fp.Regs[p.A]
		return p.next()
	}
}

func (self *Interpreter) op_iput_wide(st *state, p *insn) uint32 {
	if f := self.field(st, p, p.C, false); f == nil {
		return 0
	} else if obj := self.object(st, p, p.fp.Regs[p.B]); obj == nil {
		return 0
	} else {
		obj.Fields[f.Slot] = p.fp.Regs[p.A]
		obj.Fields[f.Slot+1] = p.fp.Regs[p.A+1]
		return p.next()
	}
}

func (self *Interpreter) op_sget(st *state, p *insn) uint32 {
	if f := self.field(st, p, p.B, true); f == nil {
		return 0
	} else {
		p.fp.Regs[p.A] = f.Class.Statics[f.Slot]
		return p.next()
	}
}

func (self *Interpreter) op_sput(st *state, p *insn) uint32 {
	if f := self.field(st, p, p.B, true); f == nil {
		return 0
	} else {
		f.Class.Statics[f.Slot] = p.fp.Regs[p.A]
		return p.next()
	}
}

// op_invoke calls natives right away and pushes a frame for everything
// else. The caller stays at the invoke until the callee returns.
func (self *Interpreter) op_invoke(st *state, p *insn) uint32 {
	var recv uint32
	var cls *dex.Class

	/* resolve the method reference */
	base, err := p.pool().ResolveMethod(p.B)
	if err != nil {
		return self.throwResolve(st, p, err)
	}

	/* remember the class of the receiver */
	if p.Op != dex.OP_invoke_static {
		recv = rt.Receiver(p.fp, p.Instr)
		if obj := self.heap.Get(recv); obj != nil {
			cls = obj.Class
		}
	}

	/* select the method */
	callee := rt.Dispatch(st.thr, self.heap, p.Op, p.fp.Method, base, recv)
	if callee == nil {
		return 0
	}

	/* natives return right away */
	st.callee, st.class = callee, cls
	args := rt.Args(p.fp, p.Instr)
	if callee.IsNative() {
		if !rt.CallNative(st.thr, callee, args) {
			return 0
		}
		return p.next()
	}

	/* check the argument count */
	if len(args) != callee.Ins {
		return self.throw(st, p, rt.ExcIncompatible, "%s expects %d argument words, got %d", callee, callee.Ins, len(args))
	}

	/* enter the callee */
	st.thr.Push(rt.NewFrame(callee, args))
	self.stats.invokes.Add(1)
	return 0
}

func (self *Interpreter) op_neg_int(_ *state, p *insn) uint32 {
	p.fp.Regs[p.A] = -p.fp.Regs[p.B]
	return p.next()
}

func (self *Interpreter) op_not_int(_ *state, p *insn) uint32 {
	p.fp.Regs[p.A] = ^p.fp.Regs[p.B]
	return p.next()
}

func (self *Interpreter) op_neg_long(_ *state, p *insn) uint32 {
	p.fp.SetWide(p.A, -p.fp.Wide(p.B))
	return p.next()
}

func (self *Interpreter) op_int_to_long(_ *state, p *insn) uint32 {
	p.fp.SetWide(p.A, uint64(int64(int32(p.fp.Regs[p.B]))))
	return p.next()
}

func (self *Interpreter) op_long_to_int(_ *state, p *insn) uint32 {
	p.fp.Regs[p.A] = uint32(p.fp.Wide(p.B))
	return p.next()
}

// op_alu covers the binary, 2-address and literal forms of arithmetic.
func (self *Interpreter) op_alu(st *state, p *insn) uint32 {
	alu := p.Op.ALU()
	regs := p.fp.Regs

	/* 64-bit arithmetic never throws */
	if p.Op.IsLongALU() {
		if p.Op.Is2Addr() {
			p.fp.SetWide(p.A, uint64(alu.EvalLong(int64(p.fp.Wide(p.A)), int64(p.fp.Wide(p.B)))))
		} else {
			p.fp.SetWide(p.A, uint64(alu.EvalLong(int64(p.fp.Wide(p.B)), int64(p.fp.Wide(p.C)))))
		}
		return p.next()
	}

	/* select the operands */
	var a, b int32
	switch {
	case p.Op.Is2Addr():
		a, b = int32(regs[p.A]), int32(regs[p.B])
	case p.Op.IsLit():
		a, b = int32(regs[p.B]), int32(p.C)
	default:
		a, b = int32(regs[p.B]), int32(regs[p.C])
	}

	/* division by zero */
	if alu.CanThrow() && b == 0 {
		return self.throw(st, p, rt.ExcArithmetic, "divide by zero")
	}

	/* evaluate */
	regs[p.A] = uint32(alu.EvalInt(a, b))
	return p.next()
}

// step interprets the instruction at the PC of the top frame.
func (self *Interpreter) step(st *state) {
	fp := st.thr.Top()
	mm := fp.Method
	off := mm.Offset(fp.PC)

	/* payloads are never executed */
	ins, width := dex.Decode(mm.Code, off)
	if width == 0 {
		panic(fmt.Sprintf("interp: executing a payload at %#x in %s", fp.PC, mm))
	}

	/* record the instruction when selecting a trace */
	end := false
	if st.sel != nil {
		end = self.record(st, fp, off, ins, width)
	}

	/* execute it */
	p := insn{Instr: ins, fp: fp, off: off, width: width}
	next := dispatchTab[ins.Op](self, st, &p)

	/* exceptions unwind the frames */
	if st.thr.Exception != nil {
		return
	}

	/* the trace ends here */
	if end {
		self.endSelection(st, &p)
	}

	/* frame entries are trace head candidates */
	if top := st.thr.Top(); top != fp {
		if ins.Op.IsInvoke() && top != nil && len(st.thr.Frames) > st.base {
			self.head(st, top.PC, false)
		}
		return
	}

	/* advance */
	fp.PC = mm.PC(next)
	if next > off || ins.Op.Flags()&(dex.CanBranch|dex.CanSwitch) == 0 {
		return
	}

	/* backward branches are safe points and trace head candidates */
	st.thr.Poll()
	self.head(st, fp.PC, true)
}
