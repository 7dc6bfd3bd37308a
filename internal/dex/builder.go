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

package dex

import (
	"fmt"
	"math"
)

type fixupKind uint8

const (
	fixup8 fixupKind = iota
	fixup16
	fixup32
)

type fixup struct {
	at   uint32
	kind fixupKind
}

type payload struct {
	at     uint32
	op     Opcode
	keys   []int32
	labels []string
}

// MethodBuilder assembles bytecode with symbolic labels. Forward references
// are recorded as pending fixups and patched when the label is defined.
type MethodBuilder struct {
	pool     *Pool
	code     []uint16
	refs     map[string]uint32
	pends    map[string][]fixup
	payloads []payload
}

func NewMethodBuilder(pool *Pool) *MethodBuilder {
	return &MethodBuilder{
		pool:  pool,
		refs:  make(map[string]uint32),
		pends: make(map[string][]fixup),
	}
}

// Offset returns the offset of the next instruction.
func (self *MethodBuilder) Offset() uint32 {
	return uint32(len(self.code))
}

func (self *MethodBuilder) patch(p fixup, to uint32) {
	rel := int64(to) - int64(p.at)
	switch p.kind {
	case fixup8:
		if rel < math.MinInt8 || rel > math.MaxInt8 {
			panic(fmt.Sprintf("dex: branch at %d out of range", p.at))
		}
		self.code[p.at] = self.code[p.at]&0xff | uint16(uint8(int8(rel)))<<8
	case fixup16:
		if rel < math.MinInt16 || rel > math.MaxInt16 {
			panic(fmt.Sprintf("dex: branch at %d out of range", p.at))
		}
		self.code[p.at+1] = uint16(int16(rel))
	case fixup32:
		self.code[p.at+1] = uint16(uint32(rel))
		self.code[p.at+2] = uint16(uint32(rel) >> 16)
	}
}

func (self *MethodBuilder) ref(to string, p fixup) {
	if off, ok := self.refs[to]; ok {
		self.patch(p, off)
	} else {
		self.pends[to] = append(self.pends[to], p)
	}
}

// Label binds the label name to the current offset.
func (self *MethodBuilder) Label(name string) {
	off := self.Offset()

	/* check for duplications */
	if _, ok := self.refs[name]; ok {
		panic("dex: label " + name + " has already been linked")
	}

	/* patch all the pending references */
	for _, p := range self.pends[name] {
		self.patch(p, off)
	}

	/* mark the label as resolved */
	self.refs[name] = off
	delete(self.pends, name)
}

func (self *MethodBuilder) emit(v ...uint16) {
	self.code = append(self.code, v...)
}

func (self *MethodBuilder) emit10x(op Opcode) {
	self.emit(uint16(op))
}

func (self *MethodBuilder) emit12x(op Opcode, a uint8, b uint8) {
	if a > 15 || b > 15 {
		panic(fmt.Sprintf("dex: register out of range for %s", op))
	}
	self.emit(uint16(op) | uint16(a)<<8 | uint16(b)<<12)
}

func (self *MethodBuilder) emit11x(op Opcode, a uint8) {
	self.emit(uint16(op) | uint16(a)<<8)
}

func (self *MethodBuilder) emit21(op Opcode, a uint8, v uint16) {
	self.emit(uint16(op)|uint16(a)<<8, v)
}

func (self *MethodBuilder) emit22(op Opcode, a uint8, b uint8, v uint16) {
	if a > 15 || b > 15 {
		panic(fmt.Sprintf("dex: register out of range for %s", op))
	}
	self.emit(uint16(op)|uint16(a)<<8|uint16(b)<<12, v)
}

func (self *MethodBuilder) emit23x(op Opcode, a uint8, b uint8, c uint8) {
	self.emit(uint16(op)|uint16(a)<<8, uint16(b)|uint16(c)<<8)
}

func (self *MethodBuilder) emit31(op Opcode, a uint8, v uint32) {
	self.emit(uint16(op)|uint16(a)<<8, uint16(v), uint16(v>>16))
}

func (self *MethodBuilder) Nop()                         { self.emit10x(OP_nop) }
func (self *MethodBuilder) Move(a uint8, b uint8)        { self.emit12x(OP_move, a, b) }
func (self *MethodBuilder) MoveWide(a uint8, b uint8)    { self.emit12x(OP_move_wide, a, b) }
func (self *MethodBuilder) MoveObject(a uint8, b uint8)  { self.emit12x(OP_move_object, a, b) }
func (self *MethodBuilder) MoveResult(a uint8)           { self.emit11x(OP_move_result, a) }
func (self *MethodBuilder) MoveResultWide(a uint8)       { self.emit11x(OP_move_result_wide, a) }
func (self *MethodBuilder) MoveResultObject(a uint8)     { self.emit11x(OP_move_result_object, a) }
func (self *MethodBuilder) ReturnVoid()                  { self.emit10x(OP_return_void) }
func (self *MethodBuilder) Return(a uint8)               { self.emit11x(OP_return, a) }
func (self *MethodBuilder) ReturnWide(a uint8)           { self.emit11x(OP_return_wide, a) }
func (self *MethodBuilder) ReturnObject(a uint8)         { self.emit11x(OP_return_object, a) }
func (self *MethodBuilder) ArrayLength(a uint8, b uint8) { self.emit12x(OP_array_length, a, b) }
func (self *MethodBuilder) Throw(a uint8)                { self.emit11x(OP_throw, a) }

// Const loads a 32-bit constant with the shortest encoding.
func (self *MethodBuilder) Const(a uint8, v int32) {
	switch {
	case a < 16 && v >= -8 && v <= 7:
		self.emit(uint16(OP_const_4) | uint16(a)<<8 | uint16(v&0xf)<<12)
	case v >= math.MinInt16 && v <= math.MaxInt16:
		self.emit21(OP_const_16, a, uint16(int16(v)))
	default:
		self.emit31(OP_const, a, uint32(v))
	}
}

// ConstWide loads a sign-extended 64-bit constant.
func (self *MethodBuilder) ConstWide(a uint8, v int32) {
	if v >= math.MinInt16 && v <= math.MaxInt16 {
		self.emit21(OP_const_wide_16, a, uint16(int16(v)))
	} else {
		self.emit31(OP_const_wide_32, a, uint32(v))
	}
}

func (self *MethodBuilder) ConstString(a uint8, s string) {
	self.emit21(OP_const_string, a, uint16(self.pool.StringRef(s)))
}

func (self *MethodBuilder) ConstClass(a uint8, cls string) {
	self.emit21(OP_const_class, a, uint16(self.pool.ClassRef(cls)))
}

func (self *MethodBuilder) NewInstance(a uint8, cls string) {
	self.emit21(OP_new_instance, a, uint16(self.pool.ClassRef(cls)))
}

func (self *MethodBuilder) NewArray(a uint8, size uint8, cls string) {
	self.emit22(OP_new_array, a, size, uint16(self.pool.ClassRef(cls)))
}

// Goto branches to label, with the short form for backward branches in range.
func (self *MethodBuilder) Goto(label string) {
	at := self.Offset()
	off, ok := self.refs[label]

	/* backward branches within int8 range use the short form */
	if ok && int64(off)-int64(at) >= math.MinInt8 {
		self.emit10x(OP_goto)
		self.patch(fixup{at, fixup8}, off)
		return
	}

	/* everything else uses goto/16 */
	self.emit(uint16(OP_goto_16), 0)
	self.ref(label, fixup{at, fixup16})
}

// If emits a two-register compare-and-branch.
func (self *MethodBuilder) If(op Opcode, a uint8, b uint8, label string) {
	if !op.IsIfTest() {
		panic("dex: not an if-test: " + op.String())
	}
	at := self.Offset()
	self.emit22(op, a, b, 0)
	self.ref(label, fixup{at, fixup16})
}

// IfZ emits a compare-with-zero-and-branch.
func (self *MethodBuilder) IfZ(op Opcode, a uint8, label string) {
	if !op.IsIfTestZ() {
		panic("dex: not an if-testz: " + op.String())
	}
	at := self.Offset()
	self.emit21(op, a, 0)
	self.ref(label, fixup{at, fixup16})
}

// PackedSwitch switches on consecutive keys starting at first.
func (self *MethodBuilder) PackedSwitch(a uint8, first int32, labels ...string) {
	keys := make([]int32, len(labels))
	for i := range keys {
		keys[i] = first + int32(i)
	}
	self.payloads = append(self.payloads, payload{self.Offset(), OP_packed_switch, keys, labels})
	self.emit31(OP_packed_switch, a, 0)
}

// SparseSwitch switches on arbitrary keys, which must be sorted.
func (self *MethodBuilder) SparseSwitch(a uint8, keys []int32, labels []string) {
	if len(keys) != len(labels) {
		panic("dex: mismatched sparse-switch keys and labels")
	}
	self.payloads = append(self.payloads, payload{self.Offset(), OP_sparse_switch, keys, labels})
	self.emit31(OP_sparse_switch, a, 0)
}

// Op12x emits any two-register instruction.
func (self *MethodBuilder) Op12x(op Opcode, a uint8, b uint8) {
	if op.Format() != F12x {
		panic("dex: not a 12x instruction: " + op.String())
	}
	self.emit12x(op, a, b)
}

// Op23x emits any three-register instruction.
func (self *MethodBuilder) Op23x(op Opcode, a uint8, b uint8, c uint8) {
	if op.Format() != F23x {
		panic("dex: not a 23x instruction: " + op.String())
	}
	self.emit23x(op, a, b, c)
}

// Lit emits a literal arithmetic instruction, using the lit8 form if
// possible.
func (self *MethodBuilder) Lit(op Opcode, a uint8, b uint8, lit int16) {
	switch op.Format() {
	case F22b:
		if lit < math.MinInt8 || lit > math.MaxInt8 {
			panic("dex: literal out of range for " + op.String())
		}
		self.emit(uint16(op)|uint16(a)<<8, uint16(b)|uint16(uint8(int8(lit)))<<8)
	case F22s:
		self.emit22(op, a, b, uint16(lit))
	default:
		panic("dex: not a literal instruction: " + op.String())
	}
}

func (self *MethodBuilder) IGet(op Opcode, a uint8, obj uint8, cls string, name string) {
	if !op.IsFieldGet() {
		panic("dex: not an iget: " + op.String())
	}
	self.emit22(op, a, obj, uint16(self.pool.FieldRef(cls, name)))
}

func (self *MethodBuilder) IPut(op Opcode, a uint8, obj uint8, cls string, name string) {
	if !op.IsFieldPut() {
		panic("dex: not an iput: " + op.String())
	}
	self.emit22(op, a, obj, uint16(self.pool.FieldRef(cls, name)))
}

func (self *MethodBuilder) SGet(op Opcode, a uint8, cls string, name string) {
	if op != OP_sget && op != OP_sget_object {
		panic("dex: not an sget: " + op.String())
	}
	self.emit21(op, a, uint16(self.pool.FieldRef(cls, name)))
}

func (self *MethodBuilder) SPut(op Opcode, a uint8, cls string, name string) {
	if op != OP_sput && op != OP_sput_object {
		panic("dex: not an sput: " + op.String())
	}
	self.emit21(op, a, uint16(self.pool.FieldRef(cls, name)))
}

// Invoke emits an invoke of cls.name with up to 5 argument registers.
func (self *MethodBuilder) Invoke(op Opcode, cls string, name string, args ...uint8) {
	var regs [5]uint16

	/* check for arguments */
	if !op.IsInvoke() {
		panic("dex: not an invoke: " + op.String())
	} else if len(args) > 5 {
		panic("dex: too many arguments for " + name)
	}

	/* pack the registers */
	for i, r := range args {
		if r > 15 {
			panic("dex: argument register out of range for " + name)
		}
		regs[i] = uint16(r)
	}

	/* encode the instruction */
	self.emit(
		uint16(op)|regs[4]<<8|uint16(len(args))<<12,
		uint16(self.pool.MethodRef(cls, name)),
		regs[0]|regs[1]<<4|regs[2]<<8|regs[3]<<12,
	)
}

func (self *MethodBuilder) emitPayload(p payload) {
	at := self.Offset()

	/* patch the switch instruction */
	self.patch(fixup{p.at, fixup32}, at)
	self.emit(uint16(PackedSwitchSignature), uint16(len(p.labels)))

	/* packed switch only needs the first key */
	if p.op == OP_packed_switch {
		var first int32
		if len(p.keys) != 0 {
			first = p.keys[0]
		}
		self.emit(uint16(uint32(first)), uint16(uint32(first)>>16))
	} else {
		self.code[at] = SparseSwitchSignature
		for _, k := range p.keys {
			self.emit(uint16(uint32(k)), uint16(uint32(k)>>16))
		}
	}

	/* targets are relative to the switch instruction */
	for _, lb := range p.labels {
		off, ok := self.refs[lb]
		if !ok {
			panic("dex: labels are not fully resolved: " + lb)
		}
		rel := uint32(off - p.at)
		self.emit(uint16(rel), uint16(rel>>16))
	}
}

// Build resolves the switch payloads and returns the code.
func (self *MethodBuilder) Build() []uint16 {
	for key := range self.pends {
		panic("dex: labels are not fully resolved: " + key)
	}

	/* payloads are aligned to even offsets */
	if len(self.payloads) != 0 && len(self.code)%2 != 0 {
		self.Nop()
	}

	/* emit all the payloads */
	for _, p := range self.payloads {
		self.emitPayload(p)
	}

	/* all done */
	self.payloads = nil
	return self.code
}
