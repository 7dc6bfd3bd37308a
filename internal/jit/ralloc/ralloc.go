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

package ralloc

import (
    `fmt`
    `strings`

    `github.com/cloudwego/tracejit/internal/jit/lir`
    `github.com/cloudwego/tracejit/internal/jit/mir`
)

const (
    // NumTemps is the number of scratch registers, r0 to r3, never cached.
    NumTemps = 4

    // NumRegs is the number of machine registers.
    NumRegs = 16
)

const (
    R0 uint8 = iota
    R1
    R2
    R3
)

const (
    _Free = -1
)

// Slot is the state of one cacheable machine register.
type Slot struct {
    Name   int
    VReg   uint32
    Locked bool
    Stamp  int
}

func (self Slot) String() string {
    if self.Name == _Free {
        return "free"
    } else if self.Locked {
        return fmt.Sprintf("v%d(%d)*", self.VReg, self.Name)
    } else {
        return fmt.Sprintf("v%d(%d)", self.VReg, self.Name)
    }
}

// Allocator is a local register allocator. Machine registers cache SSA
// names within a block. Every definition is written back to the frame
// right away, so the frame is exact at any exit, and a cached value can
// be dropped at any time without a store.
type Allocator struct {
    out   *lir.List
    slots [NumRegs]Slot
    clock int
    null  []bool
    Spills int
}

// New creates an allocator emitting loads and stores into out, for a unit
// with names SSA names.
func New(out *lir.List, names int) *Allocator {
    ret := &Allocator{out: out, null: make([]bool, names)}
    ret.ClobberAll()
    return ret
}

// StartBlock forgets everything known about the registers.
func (self *Allocator) StartBlock() {
    self.ClobberAll()
    clear(self.null)
}

// ClobberAll drops every cached value, used around anything that may run
// code outside of the translation.
func (self *Allocator) ClobberAll() {
    for i := range self.slots {
        self.slots[i] = Slot{Name: _Free}
    }
}

// Unlock releases the registers used by the current instruction.
func (self *Allocator) Unlock() {
    for i := range self.slots {
        self.slots[i].Locked = false
    }
}

func (self *Allocator) touch(r uint8) uint8 {
    self.clock++
    self.slots[r].Stamp = self.clock
    self.slots[r].Locked = true
    return r
}

func (self *Allocator) find(name int) (uint8, bool) {
    for r := NumTemps; r < NumRegs; r++ {
        if self.slots[r].Name == name {
            return uint8(r), true
        }
    }
    return 0, false
}

func (self *Allocator) drop(name int) {
    for r := NumTemps; r < NumRegs; r++ {
        if self.slots[r].Name == name && !self.slots[r].Locked {
            self.slots[r].Name = _Free
        }
    }
}

func (self *Allocator) pick() uint8 {
    var ret = -1
    var old = int(^uint(0) >> 1)

    /* free registers first */
    for r := NumTemps; r < NumRegs; r++ {
        if self.slots[r].Name == _Free && !self.slots[r].Locked {
            return uint8(r)
        }
    }

    /* evict the least recently used */
    for r := NumTemps; r < NumRegs; r++ {
        if s := self.slots[r]; !s.Locked && s.Stamp < old {
            ret, old = r, s.Stamp
        }
    }

    /* all registers are in use */
    if ret < 0 {
        mir.Abortf("out of registers")
    }
    self.Spills++
    return uint8(ret)
}

func (self *Allocator) pickPair() uint8 {
    var ret = -1
    var old = int(^uint(0) >> 1)

    /* pairs start at even registers */
    for r := NumTemps; r < NumRegs; r += 2 {
        lo, hi := self.slots[r], self.slots[r+1]
        if lo.Locked || hi.Locked {
            continue
        }
        if lo.Name == _Free && hi.Name == _Free {
            return uint8(r)
        }
        if st := max(lo.Stamp, hi.Stamp); st < old {
            ret, old = r, st
        }
    }

    /* all pairs are in use */
    if ret < 0 {
        mir.Abortf("out of register pairs")
    }
    self.Spills++
    return uint8(ret)
}

func (self *Allocator) assign(r uint8, name int, vreg uint32) uint8 {
    self.slots[r] = Slot{Name: name, VReg: vreg}
    return self.touch(r)
}

// Use returns a register holding the value of name, loading it from vreg
// if it is not cached.
func (self *Allocator) Use(name int, vreg uint32) uint8 {
    if r, ok := self.find(name); ok {
        return self.touch(r)
    }
    r := self.assign(self.pick(), name, vreg)
    self.out.RI(lir.OP_ldv, r, vreg)
    return r
}

// UseWide returns the even register of a pair holding lo and hi.
func (self *Allocator) UseWide(lo int, hi int, vreg uint32) uint8 {
    if r, ok := self.find(lo); ok && r%2 == 0 && self.slots[r+1].Name == hi {
        self.touch(r + 1)
        return self.touch(r)
    }

    /* load both halves into a fresh pair */
    self.drop(lo)
    self.drop(hi)
    r := self.pickPair()
    self.assign(r, lo, vreg)
    self.assign(r+1, hi, vreg+1)
    self.out.RI(lir.OP_ldv, r, vreg)
    self.out.RI(lir.OP_ldv, r+1, vreg+1)
    return r
}

// Def returns a register for the new value name of vreg.
func (self *Allocator) Def(name int, vreg uint32) uint8 {
    self.drop(name)
    return self.assign(self.pick(), name, vreg)
}

// DefWide returns the even register of a pair for a new wide value.
func (self *Allocator) DefWide(lo int, hi int, vreg uint32) uint8 {
    self.drop(lo)
    self.drop(hi)
    r := self.pickPair()
    self.assign(r, lo, vreg)
    self.assign(r+1, hi, vreg+1)
    return r
}

// Commit writes a defined register back to its home location.
func (self *Allocator) Commit(r uint8) {
    if s := self.slots[r]; s.Name == _Free {
        panic(fmt.Sprintf("ralloc: committing free register r%d", r))
    } else {
        self.out.RI(lir.OP_stv, r, s.VReg)
    }
}

func (self *Allocator) CommitWide(r uint8) {
    self.Commit(r)
    self.Commit(r + 1)
}

// NullChecked reports whether name is known to be non-null in this block.
func (self *Allocator) NullChecked(name int) bool {
    return name >= 0 && name < len(self.null) && self.null[name]
}

func (self *Allocator) SetNullChecked(name int) {
    if name >= 0 && name < len(self.null) {
        self.null[name] = true
    }
}

// Slot returns the state of register r.
func (self *Allocator) Slot(r uint8) Slot {
    return self.slots[r]
}

func (self *Allocator) String() string {
    var buf []string
    for r := NumTemps; r < NumRegs; r++ {
        buf = append(buf, fmt.Sprintf("r%d=%s", r, self.slots[r]))
    }
    return strings.Join(buf, " ")
}

// CopyWide moves the pair starting at s into the pair starting at d,
// without clobbering a half that is still to be read.
func CopyWide(out *lir.List, dlo uint8, dhi uint8, slo uint8, shi uint8) {
    switch {
    case dlo == slo && dhi == shi:
        return
    case dlo == shi && dhi == slo:
        out.R2(lir.OP_mov, R0, slo)
        out.R2(lir.OP_mov, dlo, shi)
        out.R2(lir.OP_mov, dhi, R0)
    case dlo == shi:
        out.R2(lir.OP_mov, dhi, shi)
        out.R2(lir.OP_mov, dlo, slo)
    default:
        out.R2(lir.OP_mov, dlo, slo)
        out.R2(lir.OP_mov, dhi, shi)
    }
}
