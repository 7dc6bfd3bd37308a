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

import (
    `encoding/binary`
    `fmt`
    `math`

    `github.com/bytedance/gopkg/lang/mcache`
)

// Limits bounds the displacement of short and long branches, in words.
type Limits struct {
    Short int32
    Long  int32
}

var DefaultLimits = Limits{
    Short: math.MaxInt8,
    Long:  math.MaxInt16,
}

type Status uint8

const (
    Success Status = iota
    RetryAll
    RetryHalve
)

func (self Status) String() string {
    switch self {
    case Success:
        return "success"
    case RetryAll:
        return "retry_all"
    case RetryHalve:
        return "retry_halve"
    default:
        return fmt.Sprintf("status_%d", self)
    }
}

// Result is the outcome of an assembly.
type Result struct {
    Size    uint32
    Retries int
    Status  Status
}

// Layout assigns word offsets to every instruction and label.
func (self *List) Layout() uint32 {
    var off uint32
    for p := self.Head; p != nil; p = p.Next {
        p.Offset = off
        switch p.Op {
        case OP_label:
            p.Target.Offset = off
        case OP_align:
            if p.Imm > 1 {
                off += (p.Imm - off%p.Imm) % p.Imm
            }
        default:
            off += p.Size()
        }
    }
    self.Size = off
    return off
}

func (self *Ins) disp() int64 {
    if !self.Target.bound {
        panic("lir: labels are not fully resolved: " + self.Target.Name)
    }
    return int64(self.Target.Offset) - int64(self.Offset+self.Size())
}

func fits(disp int64, limit int32) bool {
    return disp >= -int64(limit)-1 && disp <= int64(limit)
}

// check verifies every branch displacement, promoting short branches that
// do not fit.
func (self *List) check(lim Limits) Status {
    ret := Success
    for p := self.Head; p != nil; p = p.Next {
        if p.Op.IsBranch() {
            if d := p.disp(); !p.Op.IsLong() && !fits(d, lim.Short) {
                p.Op = p.Op.Long()
                ret = RetryAll
            } else if p.Op.IsLong() && !fits(d, lim.Long) {
                return RetryHalve
            }
        }
    }
    return ret
}

// Assemble lays the list out until every branch fits. A long branch that
// does not fit cannot be fixed by relayout, and reports RetryHalve.
func (self *List) Assemble(lim Limits) Result {
    var res Result
    for {
        res.Size = self.Layout()
        if res.Status = self.check(lim); res.Status != RetryAll {
            return res
        }
        res.Retries++
    }
}

func (self *Ins) encode(base uint32) (uint32, uint32) {
    var a, c uint8
    var imm = self.Imm

    /* absolute label addresses */
    switch self.Op {
    case OP_adr, OP_incm:
        if self.Target != nil {
            imm = base + self.Target.Offset
        }
    }

    /* branch displacements */
    switch a, c = self.A, self.C; self.Op {
    case OP_b:
        c = uint8(int8(self.disp()))
    case OP_bl:
        imm = uint32(int32(self.disp()))
    case OP_bcc:
        a, c = uint8(self.Cond)|self.B<<4, uint8(int8(self.disp()))
    case OP_bccl:
        a, imm = uint8(self.Cond)|self.B<<4, uint32(int32(self.disp()))
    case OP_bccz:
        a, c = uint8(self.Cond), uint8(int8(self.disp()))
    case OP_bcczl:
        a, imm = uint8(self.Cond), uint32(int32(self.disp()))
    }

    /* branches keep the first register in B */
    b := self.B
    if self.Op.IsBranch() && self.Op != OP_b && self.Op != OP_bl {
        b = self.A
    }
    return Encode(self.Op, a, b, c), imm
}

// Encode generates the machine words for a list assembled at base. The
// buffer comes from a shared pool and should be returned with Release.
func (self *List) Encode(base uint32) []byte {
    buf := mcache.Malloc(int(self.Size) * 4)
    for p := self.Head; p != nil; p = p.Next {
        at := p.Offset * 4
        switch p.Op {
        case OP_label, OP_boundary:
            break
        case OP_align:
            for i := at; i < self.next(p)*4; i += 4 {
                binary.LittleEndian.PutUint32(buf[i:], uint32(OP_nop))
            }
        case OP_word:
            if p.Target != nil {
                binary.LittleEndian.PutUint32(buf[at:], base+p.Target.Offset)
            } else {
                binary.LittleEndian.PutUint32(buf[at:], p.Imm)
            }
        default:
            w0, w1 := p.encode(base)
            binary.LittleEndian.PutUint32(buf[at:], w0)
            if p.Op.HasImm() {
                binary.LittleEndian.PutUint32(buf[at+4:], w1)
            }
        }
    }
    return buf
}

func (self *List) next(p *Ins) uint32 {
    if p.Next == nil {
        return self.Size
    } else {
        return p.Next.Offset
    }
}

// Release returns an encode buffer to the pool.
func Release(buf []byte) {
    mcache.Free(buf)
}
