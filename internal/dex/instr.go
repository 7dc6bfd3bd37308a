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
	"strings"
)

const (
	PackedSwitchSignature = 0x0100
	SparseSwitchSignature = 0x0200
	ArrayDataSignature    = 0x0300
)

// Instr is a decoded instruction. The meaning of A, B and C follows the
// instruction format; branch offsets and literals are sign extended into
// the 32-bit fields. For 35c invokes, A is the argument count, B the
// method reference and Args the argument registers.
type Instr struct {
	Op   Opcode
	A    uint32
	B    uint32
	C    uint32
	Wide uint64
	Args [5]uint32
}

func sext4(v uint16) uint32  { return uint32(int32(int8(v<<4) >> 4)) }
func sext8(v uint16) uint32  { return uint32(int32(int8(v))) }
func sext16(v uint16) uint32 { return uint32(int32(int16(v))) }

// Decode decodes the instruction at offset off and returns it along with its
// width in code units. Payload pseudo-instructions decode with width 0.
func Decode(code []uint16, off uint32) (Instr, uint32) {
	var ins Instr
	var u0 = code[off]

	/* switch and array payloads carry a signature with a nop opcode */
	switch u0 {
	case PackedSwitchSignature, SparseSwitchSignature, ArrayDataSignature:
		return Instr{Op: OP_nop}, 0
	}

	/* unknown opcodes are never emitted by the builder */
	if ins.Op = Opcode(u0 & 0xff); ins.Op >= OP_max {
		panic(fmt.Sprintf("dex: invalid opcode %#02x at offset %d", u0&0xff, off))
	}

	/* decode by format */
	switch ins.Op.Format() {
	case F10x:
		break
	case F12x:
		ins.A, ins.B = uint32(u0>>8)&0xf, uint32(u0>>12)
	case F11n:
		ins.A, ins.B = uint32(u0>>8)&0xf, sext4(u0>>12)
	case F11x:
		ins.A = uint32(u0 >> 8)
	case F10t:
		ins.A = sext8(u0 >> 8)
	case F20t:
		ins.A = sext16(code[off+1])
	case F21t, F21s:
		ins.A, ins.B = uint32(u0>>8), sext16(code[off+1])
	case F21c:
		ins.A, ins.B = uint32(u0>>8), uint32(code[off+1])
	case F22b:
		ins.A, ins.B, ins.C = uint32(u0>>8), uint32(code[off+1]&0xff), sext8(code[off+1]>>8)
	case F22c:
		ins.A, ins.B, ins.C = uint32(u0>>8)&0xf, uint32(u0>>12), uint32(code[off+1])
	case F22s, F22t:
		ins.A, ins.B, ins.C = uint32(u0>>8)&0xf, uint32(u0>>12), sext16(code[off+1])
	case F23x:
		ins.A, ins.B, ins.C = uint32(u0>>8), uint32(code[off+1]&0xff), uint32(code[off+1]>>8)
	case F31i, F31t:
		ins.A, ins.B = uint32(u0>>8), uint32(code[off+1])|uint32(code[off+2])<<16
	case F35c:
		ins.A, ins.B = uint32(u0>>12), uint32(code[off+1])
		ins.Args[0] = uint32(code[off+2]) & 0xf
		ins.Args[1] = uint32(code[off+2]>>4) & 0xf
		ins.Args[2] = uint32(code[off+2]>>8) & 0xf
		ins.Args[3] = uint32(code[off+2] >> 12)
		ins.Args[4] = uint32(u0>>8) & 0xf
		ins.C = ins.Args[0]
	default:
		panic("dex: unreachable")
	}

	/* wide constants */
	switch ins.Op {
	case OP_const_wide_16, OP_const_wide_32:
		ins.Wide = uint64(int64(int32(ins.B)))
	}

	/* all done */
	return ins, ins.Op.Width()
}

// PayloadWidth returns the width of the payload pseudo-instruction at off,
// or 0 if there is none.
func PayloadWidth(code []uint16, off uint32) uint32 {
	switch code[off] {
	case PackedSwitchSignature:
		return uint32(code[off+1])*2 + 4
	case SparseSwitchSignature:
		return uint32(code[off+1])*4 + 2
	case ArrayDataSignature:
		n := uint32(code[off+2]) | uint32(code[off+3])<<16
		return (n*uint32(code[off+1])+1)/2 + 4
	default:
		return 0
	}
}

// SwitchTable is a decoded switch payload. Targets are relative to the
// switch instruction.
type SwitchTable struct {
	Keys    []int32
	Targets []int32
}

func (self SwitchTable) Len() int {
	return len(self.Targets)
}

// Lookup returns the index of the case matching key, or -1.
func (self SwitchTable) Lookup(key int32) int {
	for i, k := range self.Keys {
		if k == key {
			return i
		}
	}
	return -1
}

func word32(code []uint16, off uint32) int32 {
	return int32(uint32(code[off]) | uint32(code[off+1])<<16)
}

// DecodeSwitch decodes the payload referenced by the switch at offset off.
func DecodeSwitch(code []uint16, off uint32, ins Instr) SwitchTable {
	var ret SwitchTable
	var pos = off + ins.B

	/* check for payload signature */
	switch ins.Op {
	case OP_packed_switch:
		if code[pos] != PackedSwitchSignature {
			panic("dex: invalid packed-switch payload")
		}
	case OP_sparse_switch:
		if code[pos] != SparseSwitchSignature {
			panic("dex: invalid sparse-switch payload")
		}
	default:
		panic("dex: not a switch: " + ins.Op.String())
	}

	/* allocate the table */
	n := uint32(code[pos+1])
	ret.Keys = make([]int32, n)
	ret.Targets = make([]int32, n)

	/* packed switch keys are consecutive */
	if ins.Op == OP_packed_switch {
		first := word32(code, pos+2)
		for i := uint32(0); i < n; i++ {
			ret.Keys[i] = first + int32(i)
			ret.Targets[i] = word32(code, pos+4+i*2)
		}
		return ret
	}

	/* sparse switch keys are listed before targets */
	for i := uint32(0); i < n; i++ {
		ret.Keys[i] = word32(code, pos+2+i*2)
		ret.Targets[i] = word32(code, pos+2+n*2+i*2)
	}
	return ret
}

// Target returns the absolute branch target of a branch instruction at off.
func (self Instr) Target(off uint32) uint32 {
	switch self.Op.Format() {
	case F10t, F20t:
		return off + self.A
	case F21t:
		return off + self.B
	case F22t:
		return off + self.C
	default:
		panic("dex: not a branch: " + self.Op.String())
	}
}

// Operands lists argument registers of an invoke.
func (self Instr) Operands() []uint32 {
	if self.A == 5 {
		return []uint32{self.Args[0], self.Args[1], self.Args[2], self.Args[3], self.Args[4]}
	} else {
		return self.Args[:self.A]
	}
}

func (self Instr) Disassemble(off uint32) string {
	switch self.Op.Format() {
	case F10x:
		return self.Op.String()
	case F12x:
		return fmt.Sprintf("%-16s v%d, v%d", self.Op, self.A, self.B)
	case F11n:
		return fmt.Sprintf("%-16s v%d, #%d", self.Op, self.A, int32(self.B))
	case F11x:
		return fmt.Sprintf("%-16s v%d", self.Op, self.A)
	case F10t, F20t:
		return fmt.Sprintf("%-16s %04x", self.Op, self.Target(off))
	case F21t:
		return fmt.Sprintf("%-16s v%d, %04x", self.Op, self.A, self.Target(off))
	case F21s, F31i:
		return fmt.Sprintf("%-16s v%d, #%d", self.Op, self.A, int32(self.B))
	case F21c:
		return fmt.Sprintf("%-16s v%d, @%d", self.Op, self.A, self.B)
	case F22b, F22s:
		return fmt.Sprintf("%-16s v%d, v%d, #%d", self.Op, self.A, self.B, int32(self.C))
	case F22c:
		return fmt.Sprintf("%-16s v%d, v%d, @%d", self.Op, self.A, self.B, self.C)
	case F22t:
		return fmt.Sprintf("%-16s v%d, v%d, %04x", self.Op, self.A, self.B, self.Target(off))
	case F23x:
		return fmt.Sprintf("%-16s v%d, v%d, v%d", self.Op, self.A, self.B, self.C)
	case F31t:
		return fmt.Sprintf("%-16s v%d, %04x", self.Op, self.A, off+self.B)
	case F35c:
		return self.disassembleInvoke()
	default:
		panic("dex: unreachable")
	}
}

func (self Instr) disassembleInvoke() string {
	var regs []string
	for _, r := range self.Operands() {
		regs = append(regs, fmt.Sprintf("v%d", r))
	}
	return fmt.Sprintf("%-16s {%s}, @%d", self.Op, strings.Join(regs, ", "), self.B)
}

// Disassemble renders the whole code array, one instruction per line.
func Disassemble(code []uint16) string {
	var off uint32
	var buf []string

	/* decode every instruction */
	for off < uint32(len(code)) {
		if n := PayloadWidth(code, off); n != 0 {
			buf = append(buf, fmt.Sprintf("%04x: (payload, %d units)", off, n))
			off += n
		} else {
			ins, n := Decode(code, off)
			buf = append(buf, fmt.Sprintf("%04x: %s", off, ins.Disassemble(off)))
			off += n
		}
	}

	/* join them together */
	return strings.Join(buf, "\n")
}
