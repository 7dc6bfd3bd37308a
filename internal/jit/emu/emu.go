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
    `github.com/cloudwego/tracejit/internal/jit/cache`
    `github.com/cloudwego/tracejit/internal/jit/lir`
    `github.com/cloudwego/tracejit/internal/rt`
)

// Kind tells why a translation gave control back to the interpreter.
type Kind uint8

const (
    ExitInterpret  Kind = iota // continue interpreting at PC
    ExitNormal                 // left through a normal cell
    ExitHot                    // left through a hot cell
    ExitBackward               // left through a backward cell
    ExitPunt                   // a hoisted loop check failed
    ExitSingleStep             // interpret one instruction, then resume at Resume
    ExitInvoke                 // a callee frame without translation was pushed
    ExitReturn                 // the frame returned to a caller without translation
    ExitException              // deliver the pending exception, or re-execute PC
)

var kindNames = [...]string{
    ExitInterpret:  "interpret",
    ExitNormal:     "normal",
    ExitHot:        "hot",
    ExitBackward:   "backward",
    ExitPunt:       "punt",
    ExitSingleStep: "single_step",
    ExitInvoke:     "invoke",
    ExitReturn:     "return",
    ExitException:  "exception",
}

func (self Kind) String() string {
    if int(self) < len(kindNames) {
        return kindNames[self]
    } else {
        return fmt.Sprintf("exit_%d", self)
    }
}

// Exit describes how a translation was left. PC is the bytecode address
// the interpreter continues at, in the frame that is on top of the thread.
type Exit struct {
    Kind   Kind
    PC     dex.PC
    Cell   uint32
    Resume uint32
}

func (self *Exit) String() string {
    return fmt.Sprintf("exit(%s, pc=%#x, cell=%#x, resume=%#x)", self.Kind, self.PC, self.Cell, self.Resume)
}

// Host implements a host function. It either returns the address to
// continue at, or an exit.
type Host func(m *Machine) (uint32, *Exit)

// Env is what every machine of a runtime shares.
type Env struct {
    Cache *cache.Cache
    Heap  *rt.Heap
    Reg   *dex.Registry
    Hosts [lir.H_max]Host
}

const (
    NumRegs = 16
)

type insn struct {
    op  lir.Op
    a   uint8
    b   uint8
    c   uint8
    imm uint32
}

// Machine executes translations for one thread. Virtual registers live in
// the frame, the machine registers only cache them.
type Machine struct {
    *Env
    Gr     [NumRegs]uint32
    LR     uint32
    IP     uint32
    Ln     uint32
    PC     dex.PC
    Thread *rt.Thread
    Frame  *rt.Frame
    Steps  uint64
    jump   bool
    exit   *Exit
}

// New creates a machine running on behalf of thr, in the frame on top of it.
func New(env *Env, thr *rt.Thread) *Machine {
    return &Machine{
        Env:    env,
        Thread: thr,
        Frame:  thr.Top(),
    }
}

var dispatchTab [lir.OP_max]func(m *Machine, p *insn)

func init() {
    dispatchTab = [lir.OP_max]func(m *Machine, p *insn){
        lir.OP_nop:    (*Machine).emu_OP_nop,
        lir.OP_halt:   (*Machine).emu_OP_halt,
        lir.OP_movi:   (*Machine).emu_OP_movi,
        lir.OP_mov:    (*Machine).emu_OP_mov,
        lir.OP_ldv:    (*Machine).emu_OP_ldv,
        lir.OP_stv:    (*Machine).emu_OP_stv,
        lir.OP_ldret:  (*Machine).emu_OP_ldret,
        lir.OP_ldreth: (*Machine).emu_OP_ldreth,
        lir.OP_stret:  (*Machine).emu_OP_stret,
        lir.OP_streth: (*Machine).emu_OP_streth,
        lir.OP_add:    (*Machine).emu_OP_alu,
        lir.OP_sub:    (*Machine).emu_OP_alu,
        lir.OP_mul:    (*Machine).emu_OP_alu,
        lir.OP_div:    (*Machine).emu_OP_alu,
        lir.OP_rem:    (*Machine).emu_OP_alu,
        lir.OP_and:    (*Machine).emu_OP_alu,
        lir.OP_or:     (*Machine).emu_OP_alu,
        lir.OP_xor:    (*Machine).emu_OP_alu,
        lir.OP_shl:    (*Machine).emu_OP_alu,
        lir.OP_shr:    (*Machine).emu_OP_alu,
        lir.OP_ushr:   (*Machine).emu_OP_alu,
        lir.OP_addi:   (*Machine).emu_OP_alui,
        lir.OP_muli:   (*Machine).emu_OP_alui,
        lir.OP_divi:   (*Machine).emu_OP_alui,
        lir.OP_remi:   (*Machine).emu_OP_alui,
        lir.OP_andi:   (*Machine).emu_OP_alui,
        lir.OP_ori:    (*Machine).emu_OP_alui,
        lir.OP_xori:   (*Machine).emu_OP_alui,
        lir.OP_shli:   (*Machine).emu_OP_alui,
        lir.OP_shri:   (*Machine).emu_OP_alui,
        lir.OP_ushri:  (*Machine).emu_OP_alui,
        lir.OP_rsubi:  (*Machine).emu_OP_alui,
        lir.OP_neg:    (*Machine).emu_OP_neg,
        lir.OP_not:    (*Machine).emu_OP_not,
        lir.OP_addw:   (*Machine).emu_OP_aluw,
        lir.OP_subw:   (*Machine).emu_OP_aluw,
        lir.OP_mulw:   (*Machine).emu_OP_aluw,
        lir.OP_andw:   (*Machine).emu_OP_aluw,
        lir.OP_orw:    (*Machine).emu_OP_aluw,
        lir.OP_xorw:   (*Machine).emu_OP_aluw,
        lir.OP_negw:   (*Machine).emu_OP_negw,
        lir.OP_cmpw:   (*Machine).emu_OP_cmpw,
        lir.OP_i2l:    (*Machine).emu_OP_i2l,
        lir.OP_alen:   (*Machine).emu_OP_alen,
        lir.OP_aget:   (*Machine).emu_OP_aget,
        lir.OP_agetw:  (*Machine).emu_OP_agetw,
        lir.OP_aput:   (*Machine).emu_OP_aput,
        lir.OP_aputw:  (*Machine).emu_OP_aputw,
        lir.OP_iget:   (*Machine).emu_OP_iget,
        lir.OP_igetw:  (*Machine).emu_OP_igetw,
        lir.OP_iput:   (*Machine).emu_OP_iput,
        lir.OP_iputw:  (*Machine).emu_OP_iputw,
        lir.OP_sget:   (*Machine).emu_OP_sget,
        lir.OP_sput:   (*Machine).emu_OP_sput,
        lir.OP_clsid:  (*Machine).emu_OP_clsid,
        lir.OP_b:      (*Machine).emu_OP_b,
        lir.OP_bl:     (*Machine).emu_OP_bl,
        lir.OP_bcc:    (*Machine).emu_OP_bcc,
        lir.OP_bccl:   (*Machine).emu_OP_bcc,
        lir.OP_bccz:   (*Machine).emu_OP_bccz,
        lir.OP_bcczl:  (*Machine).emu_OP_bccz,
        lir.OP_jmp:    (*Machine).emu_OP_jmp,
        lir.OP_jal:    (*Machine).emu_OP_jal,
        lir.OP_adr:    (*Machine).emu_OP_adr,
        lir.OP_setpc:  (*Machine).emu_OP_setpc,
        lir.OP_hcall:  (*Machine).emu_OP_hcall,
        lir.OP_incm:   (*Machine).emu_OP_incm,
    }
}

// Run executes the code at addr, in the frame on top of the thread, until
// an exit is taken. The frame is left at the PC of the exit.
func (self *Machine) Run(addr uint32) (ret *Exit) {
    var p insn
    var w uint32

    /* the thread is now executing translations */
    self.Frame = self.Thread.Top()
    self.Thread.EnterCodeCache()
    defer self.Thread.LeaveCodeCache()

    /* run until an exit is taken */
    for self.IP = addr; self.exit == nil; self.Steps++ {
        w = self.Cache.Load(self.IP)
        p.op, p.a, p.b, p.c = lir.Decode(w)

        /* must be a valid instruction */
        if p.op >= lir.OP_max {
            panic(fmt.Sprintf("emu: invalid instruction %#08x at %#x", w, self.IP))
        }

        /* load the immediate */
        if self.Ln = self.IP + 1; p.op.HasImm() {
            p.imm = self.Cache.Load(self.Ln)
            self.Ln++
        }

        /* execute and advance the IP if needed */
        self.jump = false
        if dispatchTab[p.op](self, &p); !self.jump {
            self.IP = self.Ln
        }
    }

    /* the frame continues at the exit PC */
    ret, self.exit = self.exit, nil
    if ret.Kind != ExitInvoke && ret.Kind != ExitReturn {
        self.Frame.PC = ret.PC
    }
    return
}

func (self *Machine) goto_(addr uint32) {
    self.IP = addr
    self.jump = true
}

func (self *Machine) branch(disp int32) {
    if disp < 0 {
        self.Thread.Poll()
    }
    self.goto_(uint32(int32(self.Ln) + disp))
}

func (self *Machine) object(h uint32) *rt.Object {
    if obj := self.Heap.Get(h); obj != nil {
        return obj
    } else {
        panic(fmt.Sprintf("emu: null reference at %#x (pc %#x)", self.IP, self.PC))
    }
}

func (self *Machine) index(obj *rt.Object, i uint32) int {
    if int64(i) >= int64(obj.Len()) {
        panic(fmt.Sprintf("emu: index %d out of range [0:%d] at %#x (pc %#x)", i, obj.Len(), self.IP, self.PC))
    }
    return int(i)
}

func (self *Machine) field(id uint32) *dex.Field {
    if f := self.Reg.Field(id); f != nil && f.Static {
        return f
    } else {
        panic(fmt.Sprintf("emu: invalid static field %d at %#x", id, self.IP))
    }
}

func (self *Machine) wide(r uint8) int64 {
    return int64(uint64(self.Gr[r]) | uint64(self.Gr[r+1])<<32)
}

func (self *Machine) setWide(r uint8, v int64) {
    self.Gr[r] = uint32(v)
    self.Gr[r+1] = uint32(uint64(v) >> 32)
}
