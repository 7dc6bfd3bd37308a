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

package lir

// Label is a position in a List, resolved to a word offset by layout.
type Label struct {
    Name   string
    Offset uint32
    bound  bool
}

func NewLabel(name string) *Label {
    return &Label{Name: name}
}

func (self *Label) String() string {
    return self.Name
}

// Ins is one target instruction or pseudo instruction.
type Ins struct {
    Op     Op
    A      uint8
    B      uint8
    C      uint8
    Cond   Cond
    Imm    uint32
    Target *Label
    Note   string
    Offset uint32
    Next   *Ins
}

// Size returns the number of words the instruction occupies.
func (self *Ins) Size() uint32 {
    if self.Op == OP_word {
        return 1
    } else {
        return self.Op.Size()
    }
}

// List is a linked list of instructions, built in emission order.
type List struct {
    Head *Ins
    Tail *Ins
    Size uint32
}

func (self *List) Add(ins *Ins) *Ins {
    if self.Head == nil {
        self.Head = ins
        self.Tail = ins
    } else {
        self.Tail.Next = ins
        self.Tail = ins
    }
    return ins
}

// Bind places lb at the current end of the list.
func (self *List) Bind(lb *Label) {
    if lb.bound {
        panic("lir: label " + lb.Name + " has already been linked")
    }
    lb.bound = true
    self.Add(&Ins{Op: OP_label, Target: lb})
}

// Boundary marks the start of the bytecode instruction at pc.
func (self *List) Boundary(pc uint32, note string) {
    self.Add(&Ins{Op: OP_boundary, Imm: pc, Note: note})
}

func (self *List) Op0(op Op) *Ins {
    return self.Add(&Ins{Op: op})
}

// R1 emits op Ra.
func (self *List) R1(op Op, a uint8) *Ins {
    return self.Add(&Ins{Op: op, A: a})
}

// R2 emits op Ra, Rb.
func (self *List) R2(op Op, a uint8, b uint8) *Ins {
    return self.Add(&Ins{Op: op, A: a, B: b})
}

// R3 emits op Ra, Rb, Rc.
func (self *List) R3(op Op, a uint8, b uint8, c uint8) *Ins {
    return self.Add(&Ins{Op: op, A: a, B: b, C: c})
}

// RI emits op Ra, #Im.
func (self *List) RI(op Op, a uint8, imm uint32) *Ins {
    return self.Add(&Ins{Op: op, A: a, Imm: imm})
}

// R2I emits op Ra, Rb, #Im.
func (self *List) R2I(op Op, a uint8, b uint8, imm uint32) *Ins {
    return self.Add(&Ins{Op: op, A: a, B: b, Imm: imm})
}

// B emits an unconditional branch to lb.
func (self *List) B(lb *Label) *Ins {
    return self.Add(&Ins{Op: OP_b, Target: lb})
}

// Bcc emits a compare-and-branch of two registers.
func (self *List) Bcc(cond Cond, a uint8, b uint8, lb *Label) *Ins {
    return self.Add(&Ins{Op: OP_bcc, Cond: cond, A: a, B: b, Target: lb})
}

// BccZ emits a compare-with-zero-and-branch.
func (self *List) BccZ(cond Cond, a uint8, lb *Label) *Ins {
    return self.Add(&Ins{Op: OP_bccz, Cond: cond, A: a, Target: lb})
}

// Jal calls the absolute address, leaving the following word in LR.
func (self *List) Jal(addr uint32) *Ins {
    return self.Add(&Ins{Op: OP_jal, Imm: addr})
}

func (self *List) Jmp(addr uint32) *Ins {
    return self.Add(&Ins{Op: OP_jmp, Imm: addr})
}

// Adr loads the absolute address of lb.
func (self *List) Adr(a uint8, lb *Label) *Ins {
    return self.Add(&Ins{Op: OP_adr, A: a, Target: lb})
}

func (self *List) SetPC(pc uint32) *Ins {
    return self.Add(&Ins{Op: OP_setpc, Imm: pc})
}

func (self *List) HCall(fn Host) *Ins {
    return self.Add(&Ins{Op: OP_hcall, A: uint8(fn)})
}

// Incm increments the word at lb.
func (self *List) Incm(lb *Label) *Ins {
    return self.Add(&Ins{Op: OP_incm, Target: lb})
}

// Word emits a raw data word.
func (self *List) Word(v uint32) *Ins {
    return self.Add(&Ins{Op: OP_word, Imm: v})
}

// WordOf emits the absolute address of lb as a data word.
func (self *List) WordOf(lb *Label) *Ins {
    return self.Add(&Ins{Op: OP_word, Target: lb})
}

// Align pads with nops until the offset is a multiple of n words.
func (self *List) Align(n uint32) *Ins {
    return self.Add(&Ins{Op: OP_align, Imm: n})
}

// Append moves all the instructions of other to the end of self.
func (self *List) Append(other *List) {
    if other.Head == nil {
        return
    }
    if self.Head == nil {
        self.Head = other.Head
    } else {
        self.Tail.Next = other.Head
    }
    self.Tail = other.Tail
    other.Head = nil
    other.Tail = nil
}
