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


// Package amd64 renders LIR fragments as x86-64 machine code, for dumps.
// The rendition is never executed: instructions without a short native
// sequence become calls into a helper table.
package amd64

import (
    `fmt`
    `sort`
    `strings`

    `github.com/chenzhuoyu/iasm/expr`
    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/tracejit/internal/jit/lir`
    `golang.org/x/arch/x86/x86asm`
)

// Register assignment:
//
//	RBX        virtual registers of the frame
//	RBP        thread state, return value at 0, bytecode PC at 8, helpers from 16
//	R15        scratch
//	r0 - r11   EAX, ECX, EDX, ESI, EDI, R8D - R14D
//	r12 - r15  spill slots at 0(RSP)
const (
    _RetvalLo = 0
    _RetvalHi = 4
    _PCSlot   = 8
    _Helpers  = 16
    _PtrSize  = 8
)

var regTab = [...]x86_64.Register64{
    x86_64.RAX,
    x86_64.RCX,
    x86_64.RDX,
    x86_64.RSI,
    x86_64.RDI,
    x86_64.R8,
    x86_64.R9,
    x86_64.R10,
    x86_64.R11,
    x86_64.R12,
    x86_64.R13,
    x86_64.R14,
}

var (
    rFP = x86_64.RBX
    rTS = x86_64.RBP
    rTX = x86_64.Register32(x86_64.R15)
)

type generator struct {
    p      *x86_64.Program
    labels map[*lir.Label]*x86_64.Label
    marks  []mark
    exit   *x86_64.Label
}

type mark struct {
    lb   *x86_64.Label
    note string
    data bool
}

func (self *generator) label(lb *lir.Label) *x86_64.Label {
    if v, ok := self.labels[lb]; ok {
        return v
    }
    v := x86_64.CreateLabel(lb.Name)
    self.labels[lb] = v
    return v
}

func (self *generator) mark(note string, data bool) {
    lb := x86_64.CreateLabel(fmt.Sprintf("_mark_%d", len(self.marks)))
    self.p.Link(lb)
    self.marks = append(self.marks, mark{lb: lb, note: note, data: data})
}

// r returns the location of a machine register.
func (self *generator) r(r uint8) interface{} {
    if int(r) < len(regTab) {
        return x86_64.Register32(regTab[r])
    } else {
        return x86_64.Ptr(x86_64.RSP, int32(r-uint8(len(regTab)))*4)
    }
}

func (self *generator) load(r uint8) {
    self.p.MOVL(self.r(r), rTX)
}

func (self *generator) store(r uint8) {
    self.p.MOVL(rTX, self.r(r))
}

// helper calls the helper of op, the helper decodes the instruction word.
func (self *generator) helper(v *lir.Ins) {
    self.p.MOVL(int64(int32(uint32(v.Op)|uint32(v.A)<<8|uint32(v.B)<<16|uint32(v.C)<<24)), rTX)
    self.p.CALLQ(x86_64.Ptr(rTS, int32(_Helpers+int(v.Op)*_PtrSize)))
}

func (self *generator) jcc(cond lir.Cond, to *x86_64.Label) {
    switch cond {
    case lir.EQ:
        self.p.JE(to)
    case lir.NE:
        self.p.JNE(to)
    case lir.LT:
        self.p.JL(to)
    case lir.GE:
        self.p.JGE(to)
    case lir.GT:
        self.p.JG(to)
    case lir.LE:
        self.p.JLE(to)
    case lir.LTU:
        self.p.JB(to)
    case lir.GEU:
        self.p.JAE(to)
    default:
        panic("amd64: invalid condition: " + cond.String())
    }
}

func (self *generator) alu(v *lir.Ins, rhs interface{}) {
    switch v.Op {
    case lir.OP_add, lir.OP_addi:
        self.p.ADDL(rhs, rTX)
    case lir.OP_sub:
        self.p.SUBL(rhs, rTX)
    case lir.OP_mul:
        self.p.IMULL(rhs, rTX)
    case lir.OP_muli:
        self.p.IMULL(rhs, rTX, rTX)
    case lir.OP_and, lir.OP_andi:
        self.p.ANDL(rhs, rTX)
    case lir.OP_or, lir.OP_ori:
        self.p.ORL(rhs, rTX)
    case lir.OP_xor, lir.OP_xori:
        self.p.XORL(rhs, rTX)
    default:
        panic("amd64: not a simple ALU op: " + v.Op.String())
    }
}

func (self *generator) translate(v *lir.Ins) {
    switch v.Op {
    case lir.OP_label:
        self.p.Link(self.label(v.Target))
    case lir.OP_boundary:
        self.mark(fmt.Sprintf("pc %#x %s", v.Imm, v.Note), false)
    case lir.OP_align:
        break
    case lir.OP_word:
        self.mark("", true)
        if v.Target != nil {
            self.p.Long(expr.Ref(self.label(v.Target)))
        } else {
            self.p.Long(expr.Int(int64(v.Imm)))
        }
    case lir.OP_nop:
        self.p.NOP()
    case lir.OP_halt:
        self.p.UD2()
    case lir.OP_movi:
        self.p.MOVL(int64(int32(v.Imm)), self.r(v.A))
    case lir.OP_mov:
        self.load(v.B)
        self.store(v.A)
    case lir.OP_ldv:
        self.p.MOVL(x86_64.Ptr(rFP, int32(v.Imm*4)), rTX)
        self.store(v.A)
    case lir.OP_stv:
        self.load(v.A)
        self.p.MOVL(rTX, x86_64.Ptr(rFP, int32(v.Imm*4)))
    case lir.OP_ldret, lir.OP_ldreth:
        self.p.MOVL(x86_64.Ptr(rTS, retvalSlot(v.Op)), rTX)
        self.store(v.A)
    case lir.OP_stret, lir.OP_streth:
        self.load(v.A)
        self.p.MOVL(rTX, x86_64.Ptr(rTS, retvalSlot(v.Op)))
    case lir.OP_add, lir.OP_sub, lir.OP_mul, lir.OP_and, lir.OP_or, lir.OP_xor:
        self.load(v.B)
        self.alu(v, self.r(v.C))
        self.store(v.A)
    case lir.OP_addi, lir.OP_muli, lir.OP_andi, lir.OP_ori, lir.OP_xori:
        self.load(v.B)
        self.alu(v, int64(int32(v.Imm)))
        self.store(v.A)
    case lir.OP_shli:
        self.load(v.B)
        self.p.SHLL(int64(v.Imm&31), rTX)
        self.store(v.A)
    case lir.OP_shri:
        self.load(v.B)
        self.p.SARL(int64(v.Imm&31), rTX)
        self.store(v.A)
    case lir.OP_ushri:
        self.load(v.B)
        self.p.SHRL(int64(v.Imm&31), rTX)
        self.store(v.A)
    case lir.OP_rsubi:
        self.load(v.B)
        self.p.NEGL(rTX)
        self.p.ADDL(int64(int32(v.Imm)), rTX)
        self.store(v.A)
    case lir.OP_neg:
        self.load(v.B)
        self.p.NEGL(rTX)
        self.store(v.A)
    case lir.OP_not:
        self.load(v.B)
        self.p.NOTL(rTX)
        self.store(v.A)
    case lir.OP_b, lir.OP_bl:
        self.p.JMP(self.label(v.Target))
    case lir.OP_bcc, lir.OP_bccl:
        self.load(v.A)
        self.p.CMPL(self.r(v.B), rTX)
        self.jcc(v.Cond, self.label(v.Target))
    case lir.OP_bccz, lir.OP_bcczl:
        self.load(v.A)
        self.p.CMPL(0, rTX)
        self.jcc(v.Cond, self.label(v.Target))
    case lir.OP_jmp, lir.OP_jal:
        self.p.MOVL(int64(int32(v.Imm)), rTX)
        self.p.JMP(self.exit)
    case lir.OP_adr:
        self.p.LEAQ(x86_64.Ref(self.label(v.Target)), x86_64.R15)
        self.store(v.A)
    case lir.OP_setpc:
        self.p.MOVL(int64(int32(v.Imm)), x86_64.Ptr(rTS, _PCSlot))
    default:
        self.helper(v)
    }
}

func retvalSlot(op lir.Op) int32 {
    if op == lir.OP_ldreth || op == lir.OP_streth {
        return _RetvalHi
    } else {
        return _RetvalLo
    }
}

func (self *generator) rescue(ep *error) {
    if val := recover(); val != nil {
        if err, ok := val.(error); ok {
            *ep = err
        } else {
            *ep = fmt.Errorf("amd64: %v", val)
        }
    }
}

// Assemble renders the fragment as x86-64 machine code.
func Assemble(code *lir.List) (buf []byte, marks map[int]string, data map[int]bool, err error) {
    g := &generator{
        p:      x86_64.DefaultArch.CreateProgram(),
        labels: make(map[*lir.Label]*x86_64.Label),
        exit:   x86_64.CreateLabel("_exit"),
    }

    /* the program must be freed in any case */
    defer g.p.Free()
    defer g.rescue(&err)

    /* translate every instruction */
    for v := code.Head; v != nil; v = v.Next {
        g.translate(v)
    }

    /* leaving goes back to the dispatcher */
    g.p.Link(g.exit)
    g.p.RET()
    buf = g.p.Assemble(0)

    /* resolve the marks */
    marks = make(map[int]string, len(g.marks))
    data = make(map[int]bool)
    for _, m := range g.marks {
        pc, err := m.lb.Evaluate()
        if err != nil {
            return nil, nil, nil, err
        }
        if m.data {
            data[int(pc)] = true
        } else {
            marks[int(pc)] = m.note
        }
    }
    return
}

// Listing disassembles the rendition of the fragment.
func Listing(code *lir.List) (string, error) {
    var sb strings.Builder
    buf, marks, data, err := Assemble(code)
    if err != nil {
        return "", err
    }

    /* the marks are printed in order */
    keys := make([]int, 0, len(marks))
    for pc := range marks {
        keys = append(keys, pc)
    }
    sort.Ints(keys)

    /* disassemble everything */
    for pc := 0; pc < len(buf); {
        for len(keys) != 0 && keys[0] <= pc {
            fmt.Fprintf(&sb, "; %s\n", marks[keys[0]])
            keys = keys[1:]
        }

        /* data words */
        if data[pc] && pc+4 <= len(buf) {
            v := uint32(buf[pc]) | uint32(buf[pc+1])<<8 | uint32(buf[pc+2])<<16 | uint32(buf[pc+3])<<24
            fmt.Fprintf(&sb, "%#06x    .long %#x\n", pc, v)
            pc += 4
            continue
        }

        /* instructions */
        ins, err := x86asm.Decode(buf[pc:], 64)
        if err != nil {
            fmt.Fprintf(&sb, "%#06x    .byte %#02x\n", pc, buf[pc])
            pc++
            continue
        }

        /* add to listing */
        fmt.Fprintf(&sb, "%#06x    %s\n", pc, x86asm.GNUSyntax(ins, uint64(pc), nil))
        pc += ins.Len
    }
    return sb.String(), nil
}
