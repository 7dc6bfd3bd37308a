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

package emu

import (
    `fmt`

    `github.com/cloudwego/tracejit/internal/dex`
    `github.com/cloudwego/tracejit/internal/jit/lir`
)

var aluOf = [lir.OP_max]dex.ALU{
    lir.OP_add:   dex.ALU_add,
    lir.OP_sub:   dex.ALU_sub,
    lir.OP_mul:   dex.ALU_mul,
    lir.OP_div:   dex.ALU_div,
    lir.OP_rem:   dex.ALU_rem,
    lir.OP_and:   dex.ALU_and,
    lir.OP_or:    dex.ALU_or,
    lir.OP_xor:   dex.ALU_xor,
    lir.OP_shl:   dex.ALU_shl,
    lir.OP_shr:   dex.ALU_shr,
    lir.OP_ushr:  dex.ALU_ushr,
    lir.OP_addi:  dex.ALU_add,
    lir.OP_muli:  dex.ALU_mul,
    lir.OP_divi:  dex.ALU_div,
    lir.OP_remi:  dex.ALU_rem,
    lir.OP_andi:  dex.ALU_and,
    lir.OP_ori:   dex.ALU_or,
    lir.OP_xori:  dex.ALU_xor,
    lir.OP_shli:  dex.ALU_shl,
    lir.OP_shri:  dex.ALU_shr,
    lir.OP_ushri: dex.ALU_ushr,
    lir.OP_rsubi: dex.ALU_rsub,
    lir.OP_addw:  dex.ALU_add,
    lir.OP_subw:  dex.ALU_sub,
    lir.OP_mulw:  dex.ALU_mul,
    lir.OP_andw:  dex.ALU_and,
    lir.OP_orw:   dex.ALU_or,
    lir.OP_xorw:  dex.ALU_xor,
}

func (self *Machine) arith(op lir.Op, a uint32, b uint32) uint32 {
    alu := aluOf[op]
    if alu.CanThrow() && b == 0 {
        panic(fmt.Sprintf("emu: division by zero at %#x (pc %#x)", self.IP, self.PC))
    }
    return uint32(alu.EvalInt(int32(a), int32(b)))
}

func (self *Machine) emu_OP_nop(_ *insn) {}

func (self *Machine) emu_OP_halt(_ *insn) {
    panic(fmt.Sprintf("emu: halted at %#x", self.IP))
}

func (self *Machine) emu_OP_movi(p *insn) {
    self.Gr[p.a] = p.imm
}

func (self *Machine) emu_OP_mov(p *insn) {
    self.Gr[p.a] = self.Gr[p.b]
}

func (self *Machine) emu_OP_ldv(p *insn) {
    self.Gr[p.a] = self.Frame.Regs[p.imm]
}

func (self *Machine) emu_OP_stv(p *insn) {
    self.Frame.Regs[p.imm] = self.Gr[p.a]
}

func (self *Machine) emu_OP_ldret(p *insn) {
    self.Gr[p.a] = uint32(self.Thread.Retval)
}

func (self *Machine) emu_OP_ldreth(p *insn) {
    self.Gr[p.a] = uint32(self.Thread.Retval >> 32)
}

func (self *Machine) emu_OP_stret(p *insn) {
    self.Thread.Retval = uint64(self.Gr[p.a])
}

func (self *Machine) emu_OP_streth(p *insn) {
    self.Thread.Retval = uint64(uint32(self.Thread.Retval)) | uint64(self.Gr[p.a])<<32
}

func (self *Machine) emu_OP_alu(p *insn) {
    self.Gr[p.a] = self.arith(p.op, self.Gr[p.b], self.Gr[p.c])
}

func (self *Machine) emu_OP_alui(p *insn) {
    self.Gr[p.a] = self.arith(p.op, self.Gr[p.b], p.imm)
}

func (self *Machine) emu_OP_neg(p *insn) {
    self.Gr[p.a] = -self.Gr[p.b]
}

func (self *Machine) emu_OP_not(p *insn) {
    self.Gr[p.a] = ^self.Gr[p.b]
}

func (self *Machine) emu_OP_aluw(p *insn) {
    self.setWide(p.a, aluOf[p.op].EvalLong(self.wide(p.b), self.wide(p.c)))
}

func (self *Machine) emu_OP_negw(p *insn) {
    self.setWide(p.a, -self.wide(p.b))
}

func (self *Machine) emu_OP_cmpw(p *insn) {
    switch x, y := self.wide(p.b), self.wide(p.c); {
    case x < y:
        self.Gr[p.a] = ^uint32(0)
    case x > y:
        self.Gr[p.a] = 1
    default:
        self.Gr[p.a] = 0
    }
}

func (self *Machine) emu_OP_i2l(p *insn) {
    self.setWide(p.a, int64(int32(self.Gr[p.b])))
}

func (self *Machine) emu_OP_alen(p *insn) {
    self.Gr[p.a] = uint32(self.object(self.Gr[p.b]).Len())
}

func (self *Machine) emu_OP_aget(p *insn) {
    obj := self.object(self.Gr[p.b])
    self.Gr[p.a] = obj.Array[self.index(obj, self.Gr[p.c])]
}

func (self *Machine) emu_OP_agetw(p *insn) {
    obj := self.object(self.Gr[p.b])
    i := self.index(obj, self.Gr[p.c]) * 2
    self.Gr[p.a] = obj.Array[i]
    self.Gr[p.a+1] = obj.Array[i+1]
}

func (self *Machine) emu_OP_aput(p *insn) {
    obj := self.object(self.Gr[p.b])
    obj.Array[self.index(obj, self.Gr[p.c])] = self.Gr[p.a]
}

func (self *Machine) emu_OP_aputw(p *insn) {
    obj := self.object(self.Gr[p.b])
    i := self.index(obj, self.Gr[p.c]) * 2
    obj.Array[i] = self.Gr[p.a]
    obj.Array[i+1] = self.Gr[p.a+1]
}

func (self *Machine) emu_OP_iget(p *insn) {
    self.Gr[p.a] = self.object(self.Gr[p.b]).Fields[p.imm]
}

func (self *Machine) emu_OP_igetw(p *insn) {
    obj := self.object(self.Gr[p.b])
    self.Gr[p.a] = obj.Fields[p.imm]
    self.Gr[p.a+1] = obj.Fields[p.imm+1]
}

func (self *Machine) emu_OP_iput(p *insn) {
    self.object(self.Gr[p.b]).Fields[p.imm] = self.Gr[p.a]
}

func (self *Machine) emu_OP_iputw(p *insn) {
    obj := self.object(self.Gr[p.b])
    obj.Fields[p.imm] = self.Gr[p.a]
    obj.Fields[p.imm+1] = self.Gr[p.a+1]
}

func (self *Machine) emu_OP_sget(p *insn) {
    f := self.field(p.imm)
    self.Gr[p.a] = f.Class.Statics[f.Slot]
}

func (self *Machine) emu_OP_sput(p *insn) {
    f := self.field(p.imm)
    f.Class.Statics[f.Slot] = self.Gr[p.a]
}

func (self *Machine) emu_OP_clsid(p *insn) {
    if obj := self.Heap.Get(self.Gr[p.b]); obj == nil || obj.Class == nil {
        self.Gr[p.a] = 0
    } else {
        self.Gr[p.a] = obj.Class.ID
    }
}

func (self *Machine) emu_OP_b(p *insn) {
    self.branch(int32(int8(p.c)))
}

func (self *Machine) emu_OP_bl(p *insn) {
    self.branch(int32(p.imm))
}

func (self *Machine) emu_OP_bcc(p *insn) {
    if lir.Cond(p.a&0xf).Eval(self.Gr[p.b], self.Gr[p.a>>4]) {
        self.emu_branchTo(p)
    }
}

func (self *Machine) emu_OP_bccz(p *insn) {
    if lir.Cond(p.a).Eval(self.Gr[p.b], 0) {
        self.emu_branchTo(p)
    }
}

func (self *Machine) emu_branchTo(p *insn) {
    if p.op.IsLong() {
        self.branch(int32(p.imm))
    } else {
        self.branch(int32(int8(p.c)))
    }
}

func (self *Machine) emu_OP_jmp(p *insn) {
    self.goto_(p.imm)
}

func (self *Machine) emu_OP_jal(p *insn) {
    self.LR = self.Ln
    self.goto_(p.imm)
}

func (self *Machine) emu_OP_adr(p *insn) {
    self.Gr[p.a] = p.imm
}

func (self *Machine) emu_OP_setpc(p *insn) {
    self.PC = p.imm
}

func (self *Machine) emu_OP_hcall(p *insn) {
    fn := self.Hosts[p.a]
    if fn == nil {
        panic("emu: host function not available: " + lir.Host(p.a).String())
    }

    /* either continue somewhere else, or leave */
    if next, exit := fn(self); exit != nil {
        self.exit = exit
    } else {
        self.goto_(next)
    }
}

func (self *Machine) emu_OP_incm(p *insn) {
    self.Cache.Increment(p.imm)
}
