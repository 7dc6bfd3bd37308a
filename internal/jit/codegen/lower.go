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

package codegen

import (
    `fmt`

    `github.com/cloudwego/tracejit/internal/dex`
    `github.com/cloudwego/tracejit/internal/jit/lir`
    `github.com/cloudwego/tracejit/internal/jit/mir`
    `github.com/cloudwego/tracejit/internal/jit/ralloc`
)

type aluOps struct {
    reg  lir.Op
    imm  lir.Op
    wide lir.Op
}

var aluTab = [...]aluOps{
    dex.ALU_add:  {lir.OP_add, lir.OP_addi, lir.OP_addw},
    dex.ALU_sub:  {lir.OP_sub, lir.OP_nop, lir.OP_subw},
    dex.ALU_mul:  {lir.OP_mul, lir.OP_muli, lir.OP_mulw},
    dex.ALU_div:  {lir.OP_div, lir.OP_divi, lir.OP_nop},
    dex.ALU_rem:  {lir.OP_rem, lir.OP_remi, lir.OP_nop},
    dex.ALU_and:  {lir.OP_and, lir.OP_andi, lir.OP_andw},
    dex.ALU_or:   {lir.OP_or, lir.OP_ori, lir.OP_orw},
    dex.ALU_xor:  {lir.OP_xor, lir.OP_xori, lir.OP_xorw},
    dex.ALU_shl:  {lir.OP_shl, lir.OP_shli, lir.OP_nop},
    dex.ALU_shr:  {lir.OP_shr, lir.OP_shri, lir.OP_nop},
    dex.ALU_ushr: {lir.OP_ushr, lir.OP_ushri, lir.OP_nop},
    dex.ALU_rsub: {lir.OP_nop, lir.OP_rsubi, lir.OP_nop},
}

func condOf(op dex.Opcode) lir.Cond {
    switch op {
    case dex.OP_if_eq, dex.OP_if_eqz:
        return lir.EQ
    case dex.OP_if_ne, dex.OP_if_nez:
        return lir.NE
    case dex.OP_if_lt, dex.OP_if_ltz:
        return lir.LT
    case dex.OP_if_ge, dex.OP_if_gez:
        return lir.GE
    case dex.OP_if_gt, dex.OP_if_gtz:
        return lir.GT
    case dex.OP_if_le, dex.OP_if_lez:
        return lir.LE
    default:
        panic("codegen: not a conditional branch: " + op.String())
    }
}

// operands binds the virtual registers of an instruction to SSA names.
type operands struct {
    g    *generator
    p    *mir.MIR
    uses []uint32
    defs []uint32
}

func (self *generator) operands(p *mir.MIR) operands {
    return operands{g: self, p: p, uses: p.Uses(), defs: p.Defs()}
}

func (self operands) name(i int) int {
    return self.p.SSA.Uses[i]
}

func (self operands) use(i int) uint8 {
    return self.g.ra.Use(self.p.SSA.Uses[i], self.uses[i])
}

func (self operands) useWide(i int) uint8 {
    return self.g.ra.UseWide(self.p.SSA.Uses[i], self.p.SSA.Uses[i+1], self.uses[i])
}

func (self operands) def() uint8 {
    return self.g.ra.Def(self.p.SSA.Defs[0], self.defs[0])
}

func (self operands) defWide() uint8 {
    return self.g.ra.DefWide(self.p.SSA.Defs[0], self.p.SSA.Defs[1], self.defs[0])
}

func (self *generator) lower(bb *mir.BasicBlock, p *mir.MIR) {
    if p.IsExt() {
        self.lowerExt(p)
        return
    }

    /* forced single stepping */
    op := p.Ins.Op
    if self.cfg.SingleStep[op] {
        self.singleStep(p)
        return
    }

    /* arithmetics */
    if alu := op.ALU(); alu != dex.ALU_none {
        switch {
        case op.IsLongALU():
            self.lowerLongALU(p, alu)
        case op.IsLit():
            self.lowerLitALU(p, alu)
        default:
            self.lowerIntALU(p, alu)
        }
        return
    }

    /* everything else */
    switch {
    case op.IsIfTest():
        self.lowerIf(bb, p)
    case op.IsIfTestZ():
        self.lowerIfZ(bb, p)
    case op.IsInvoke():
        self.lowerInvoke(bb, p)
    case op.IsReturn():
        self.lowerReturn(p)
    case op.IsSwitch():
        self.lowerSwitch(bb, p)
    case op.IsGoto():
        self.out.B(self.label(bb.Taken))
        self.done = true
    default:
        self.lowerMisc(p)
    }
}

// singleStep lets the interpreter execute one instruction, which comes back
// right after it if it continues with the next one.
func (self *generator) singleStep(p *mir.MIR) {
    resume := lir.NewLabel(fmt.Sprintf("resume_%04x", p.Offset))
    self.out.SetPC(self.pc(p.Offset))
    self.out.Adr(ralloc.R1, resume)
    self.out.Jmp(self.tpl.Of(lir.H_singlestep))
    self.out.Bind(resume)
    self.ra.ClobberAll()
}

func (self *generator) nullCheck(p *mir.MIR, name int, r uint8) {
    if p.Flags&mir.IgnoreNullCheck == 0 && !self.ra.NullChecked(name) {
        self.out.BccZ(lir.EQ, r, self.pcrAt(p.Offset))
        self.ra.SetNullChecked(name)
    }
}

func (self *generator) rangeCheck(p *mir.MIR, arr uint8, idx uint8) {
    if p.Flags&mir.IgnoreRangeCheck == 0 {
        self.out.R2(lir.OP_alen, ralloc.R0, arr)
        self.out.Bcc(lir.GEU, idx, ralloc.R0, self.pcrAt(p.Offset))
    }
}

func (self *generator) lowerIntALU(p *mir.MIR, alu dex.ALU) {
    o := self.operands(p)
    b, c := o.use(0), o.use(1)

    /* division by zero is left to the interpreter */
    if alu.CanThrow() {
        self.out.BccZ(lir.EQ, c, self.pcrAt(p.Offset))
    }

    /* compute the result */
    d := o.def()
    self.out.R3(aluTab[alu].reg, d, b, c)
    self.ra.Commit(d)
}

func (self *generator) lowerLitALU(p *mir.MIR, alu dex.ALU) {
    o := self.operands(p)
    b := o.use(0)
    lit := p.Ins.C

    /* a literal zero divisor always throws */
    if alu.CanThrow() && lit == 0 {
        self.out.B(self.pcrAt(p.Offset))
        return
    }

    /* compute the result */
    d := o.def()
    self.out.R2I(aluTab[alu].imm, d, b, lit)
    self.ra.Commit(d)
}

func (self *generator) lowerLongALU(p *mir.MIR, alu dex.ALU) {
    o := self.operands(p)
    b, c := o.useWide(0), o.useWide(2)
    d := o.defWide()
    self.out.R3(aluTab[alu].wide, d, b, c)
    self.ra.CommitWide(d)
}

func (self *generator) lowerIf(bb *mir.BasicBlock, p *mir.MIR) {
    o := self.operands(p)
    a, b := o.use(0), o.use(1)
    self.out.Bcc(condOf(p.Ins.Op), a, b, self.label(bb.Taken))
}

func (self *generator) lowerIfZ(bb *mir.BasicBlock, p *mir.MIR) {
    o := self.operands(p)
    self.out.BccZ(condOf(p.Ins.Op), o.use(0), self.label(bb.Taken))
}

func (self *generator) lowerReturn(p *mir.MIR) {
    o := self.operands(p)
    switch p.Ins.Op {
    case dex.OP_return_void:
        break
    case dex.OP_return_wide:
        r := o.useWide(0)
        self.out.R1(lir.OP_stret, r)
        self.out.R1(lir.OP_streth, r+1)
    default:
        self.out.R1(lir.OP_stret, o.use(0))
    }

    /* the handler pops the frame */
    self.out.SetPC(self.pc(p.Offset))
    self.out.Jmp(self.tpl.Of(lir.H_return))
    self.done = true
}

func (self *generator) lowerSwitch(bb *mir.BasicBlock, p *mir.MIR) {
    o := self.operands(p)
    tab := lir.NewLabel(fmt.Sprintf("switch_%04x", p.Offset))

    /* the handler picks the case cell */
    self.out.R2(lir.OP_mov, ralloc.R0, o.use(0))
    self.out.SetPC(self.pc(p.Offset))
    self.out.Adr(ralloc.R1, tab)
    self.out.Jmp(self.tpl.Of(lir.H_switch))

    /* one cell address per case, the default comes last */
    self.out.Bind(tab)
    for _, c := range bb.Cases {
        self.out.WordOf(self.label(c))
    }
    self.done = true
}

func (self *generator) lowerInvoke(bb *mir.BasicBlock, p *mir.MIR) {
    callee := mir.ResolveCallee(self.cu.Method, p.Ins)
    switch {
    case bb.Taken != nil && bb.FallThrough != nil:
        self.out.SetPC(self.pc(p.Offset))
        self.out.Adr(ralloc.R1, self.label(bb.FallThrough))
        self.out.B(self.label(bb.Taken))
        self.ra.ClobberAll()
        self.done = true
    case callee != nil && callee.IsNative():
        resume := lir.NewLabel(fmt.Sprintf("resume_%04x", p.Offset))
        self.out.SetPC(self.pc(p.Offset))
        self.out.Adr(ralloc.R1, resume)
        self.out.Jmp(self.tpl.Of(lir.H_native))
        self.out.Bind(resume)
        self.ra.ClobberAll()
    default:
        self.singleStep(p)
    }
}

// field returns the field accessed by p, inlined accessors carry it along.
func (self *generator) field(p *mir.MIR, ref uint32) *dex.Field {
    if p.Field != nil {
        return p.Field
    } else {
        return self.cu.Method.Class.Pool.Field(ref)
    }
}

func (self *generator) lowerMisc(p *mir.MIR) {
    var o = self.operands(p)
    var op = p.Ins.Op
    var pool = self.cu.Method.Class.Pool

    /* one opcode at a time */
    switch op {
    case dex.OP_nop:
        break

    /* moves */
    case dex.OP_move, dex.OP_move_object:
        s := o.use(0)
        d := o.def()
        self.out.R2(lir.OP_mov, d, s)
        self.ra.Commit(d)
    case dex.OP_move_wide:
        s := o.useWide(0)
        d := o.defWide()
        ralloc.CopyWide(self.out, d, d+1, s, s+1)
        self.ra.CommitWide(d)
    case dex.OP_move_result, dex.OP_move_result_object:
        d := o.def()
        self.out.R1(lir.OP_ldret, d)
        self.ra.Commit(d)
    case dex.OP_move_result_wide:
        d := o.defWide()
        self.out.R1(lir.OP_ldret, d)
        self.out.R1(lir.OP_ldreth, d+1)
        self.ra.CommitWide(d)

    /* constants */
    case dex.OP_const_4, dex.OP_const_16, dex.OP_const:
        d := o.def()
        self.out.RI(lir.OP_movi, d, p.Ins.B)
        self.ra.Commit(d)
    case dex.OP_const_wide_16, dex.OP_const_wide_32:
        d := o.defWide()
        self.out.RI(lir.OP_movi, d, uint32(p.Ins.Wide))
        self.out.RI(lir.OP_movi, d+1, uint32(p.Ins.Wide>>32))
        self.ra.CommitWide(d)
    case dex.OP_const_string:
        if h := pool.String(p.Ins.B); h == 0 {
            self.singleStep(p)
        } else {
            d := o.def()
            self.out.RI(lir.OP_movi, d, h)
            self.ra.Commit(d)
        }

    /* arrays */
    case dex.OP_array_length:
        a := o.use(0)
        self.nullCheck(p, o.name(0), a)
        d := o.def()
        self.out.R2(lir.OP_alen, d, a)
        self.ra.Commit(d)
    case dex.OP_aget, dex.OP_aget_object:
        a, i := o.use(0), o.use(1)
        self.nullCheck(p, o.name(0), a)
        self.rangeCheck(p, a, i)
        d := o.def()
        self.out.R3(lir.OP_aget, d, a, i)
        self.ra.Commit(d)
    case dex.OP_aget_wide:
        a, i := o.use(0), o.use(1)
        self.nullCheck(p, o.name(0), a)
        self.rangeCheck(p, a, i)
        d := o.defWide()
        self.out.R3(lir.OP_agetw, d, a, i)
        self.ra.CommitWide(d)
    case dex.OP_aput, dex.OP_aput_object:
        v, a, i := o.use(0), o.use(1), o.use(2)
        self.nullCheck(p, o.name(1), a)
        self.rangeCheck(p, a, i)
        self.out.R3(lir.OP_aput, v, a, i)
    case dex.OP_aput_wide:
        v, a, i := o.useWide(0), o.use(2), o.use(3)
        self.nullCheck(p, o.name(2), a)
        self.rangeCheck(p, a, i)
        self.out.R3(lir.OP_aputw, v, a, i)

    /* instance fields */
    case dex.OP_iget, dex.OP_iget_object, dex.OP_iget_wide:
        if f := self.field(p, p.Ins.C); f == nil || f.Static {
            self.singleStep(p)
        } else {
            self.lowerIGet(p, o, f)
        }
    case dex.OP_iput, dex.OP_iput_object, dex.OP_iput_wide:
        if f := self.field(p, p.Ins.C); f == nil || f.Static {
            self.singleStep(p)
        } else {
            self.lowerIPut(p, o, f)
        }

    /* static fields */
    case dex.OP_sget, dex.OP_sget_object:
        if f := self.field(p, p.Ins.B); f == nil || !f.Static {
            self.singleStep(p)
        } else {
            d := o.def()
            self.out.RI(lir.OP_sget, d, f.ID)
            self.ra.Commit(d)
        }
    case dex.OP_sput, dex.OP_sput_object:
        if f := self.field(p, p.Ins.B); f == nil || !f.Static {
            self.singleStep(p)
        } else {
            self.out.RI(lir.OP_sput, o.use(0), f.ID)
        }

    /* unary operations */
    case dex.OP_neg_int, dex.OP_not_int:
        s := o.use(0)
        d := o.def()
        if op == dex.OP_neg_int {
            self.out.R2(lir.OP_neg, d, s)
        } else {
            self.out.R2(lir.OP_not, d, s)
        }
        self.ra.Commit(d)
    case dex.OP_neg_long:
        s := o.useWide(0)
        d := o.defWide()
        self.out.R2(lir.OP_negw, d, s)
        self.ra.CommitWide(d)
    case dex.OP_int_to_long:
        s := o.use(0)
        d := o.defWide()
        self.out.R2(lir.OP_i2l, d, s)
        self.ra.CommitWide(d)
    case dex.OP_long_to_int:
        s := o.useWide(0)
        d := o.def()
        self.out.R2(lir.OP_mov, d, s)
        self.ra.Commit(d)
    case dex.OP_cmp_long:
        b, c := o.useWide(0), o.useWide(2)
        d := o.def()
        self.out.R3(lir.OP_cmpw, d, b, c)
        self.ra.Commit(d)

    /* object creation, class constants and throws */
    default:
        self.singleStep(p)
    }
}

func (self *generator) lowerIGet(p *mir.MIR, o operands, f *dex.Field) {
    obj := o.use(0)
    self.nullCheck(p, o.name(0), obj)
    if p.Ins.Op == dex.OP_iget_wide {
        d := o.defWide()
        self.out.R2I(lir.OP_igetw, d, obj, uint32(f.Slot))
        self.ra.CommitWide(d)
    } else {
        d := o.def()
        self.out.R2I(lir.OP_iget, d, obj, uint32(f.Slot))
        self.ra.Commit(d)
    }
}

func (self *generator) lowerIPut(p *mir.MIR, o operands, f *dex.Field) {
    if p.Ins.Op == dex.OP_iput_wide {
        v, obj := o.useWide(0), o.use(2)
        self.nullCheck(p, o.name(2), obj)
        self.out.R2I(lir.OP_iputw, v, obj, uint32(f.Slot))
    } else {
        v, obj := o.use(0), o.use(1)
        self.nullCheck(p, o.name(1), obj)
        self.out.R2I(lir.OP_iput, v, obj, uint32(f.Slot))
    }
}
