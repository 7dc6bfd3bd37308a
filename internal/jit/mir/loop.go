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

package mir

import (
    `github.com/oleiade/lane`

    `github.com/cloudwego/tracejit/internal/dex`
)

const (
    _MaxIVDelta = 0x7fff
)

// MinLoopBound is the lowest bound of a count down loop whose checks can be
// hoisted, loops with lower bounds punt at run time.
const MinLoopBound = -0x8000

// LoopInfo describes the natural loop of a trace.
type LoopInfo struct {
    Head    *BasicBlock
    Branch  *BasicBlock
    Exit    *BasicBlock
    Body    []*BasicBlock
    BIV     int
    Step    int32
    IVs     map[int]int32
    Test    dex.Opcode
    Delta   int32
    Hoisted int
}

// Contains reports whether bb belongs to the loop body.
func (self *LoopInfo) Contains(bb *BasicBlock) bool {
    for _, v := range self.Body {
        if v == bb {
            return true
        }
    }
    return false
}

type arrayAccess struct {
    reg  uint32
    minc int32
    maxc int32
}

func swapTest(op dex.Opcode) dex.Opcode {
    switch op {
    case dex.OP_if_lt:
        return dex.OP_if_gt
    case dex.OP_if_gt:
        return dex.OP_if_lt
    case dex.OP_if_le:
        return dex.OP_if_ge
    case dex.OP_if_ge:
        return dex.OP_if_le
    default:
        return op
    }
}

func zeroTest(op dex.Opcode) dex.Opcode {
    return op - dex.OP_if_eqz + dex.OP_if_eq
}

func litOf(p *MIR) (int32, bool) {
    switch p.Ins.Op {
    case dex.OP_add_int_lit8, dex.OP_add_int_lit16:
        return int32(p.Ins.C), true
    default:
        return 0, false
    }
}

func abs32(v int32) int32 {
    if v < 0 {
        return -v
    } else {
        return v
    }
}

func (self *CompilationUnit) loopBranch() *BasicBlock {
    for _, bb := range self.Blocks {
        if bb.Kind == BlockCode && bb.Taken != nil && bb.Taken.Kind == BlockExit {
            return bb
        }
    }
    return nil
}

func (self *CompilationUnit) loopBody(head *BasicBlock, tail *BasicBlock) []*BasicBlock {
    q := lane.NewQueue()
    seen := map[int]bool{head.ID: true}
    ret := []*BasicBlock{head}

    /* walk backwards from the tail up to the head */
    for q.Enqueue(tail); !q.Empty(); {
        p := q.Dequeue().(*BasicBlock)
        if seen[p.ID] {
            continue
        }
        seen[p.ID] = true
        ret = append(ret, p)
        for _, v := range p.Preds {
            q.Enqueue(v)
        }
    }
    return ret
}

func (self *CompilationUnit) invariant(name int) bool {
    _, ok := self.Consts[name]
    return ok || self.IsEntryValue(name)
}

// OptimizeLoop looks for a simple counted loop and hoists the null and
// range checks of the array accesses it indexes with its induction
// variables. It returns false if the trace has a loop that cannot be
// optimised, in which case the trace must be rebuilt without loops.
func (self *CompilationUnit) OptimizeLoop() bool {
    if !self.HasLoop {
        return true
    }

    /* loops going through a backward cell are not loops in the CFG */
    br := self.loopBranch()
    if br == nil {
        panic("mir: loop without exit block")
    }
    if br.FallThrough != self.Head {
        return true
    }

    /* must be a natural loop */
    if !self.Dom.Dominates(self.Head, br) {
        return false
    }

    /* gather the loop */
    loop := &LoopInfo{
        Head:   self.Head,
        Branch: br,
        Exit:   br.Taken,
        Body:   self.loopBody(self.Head, br),
        IVs:    make(map[int]int32),
    }

    /* find the induction variables and the exit test */
    if !self.findBIV(loop) || !self.findIVs(loop) || !self.findTest(loop) {
        return false
    }

    /* hoist the checks */
    if !self.hoistChecks(loop) {
        return false
    }

    /* all done */
    self.Loop = loop
    return true
}

func (self *CompilationUnit) defsOf(loop *LoopInfo) map[int]*MIR {
    ret := make(map[int]*MIR)
    for _, bb := range loop.Body {
        for p := bb.First; p != nil; p = p.Next {
            if p.SSA != nil && (p.Active() || p.Ext == EXT_phi) {
                for _, d := range p.SSA.Defs {
                    ret[d] = p
                }
            }
        }
    }
    return ret
}

func (self *CompilationUnit) findBIV(loop *LoopInfo) bool {
    var n int
    var defs = self.defsOf(loop)
    var back = predIndex(loop.Head, loop.Branch)

    /* the back edge must be a predecessor of the head */
    if back < 0 {
        return false
    }

    /* every phi incremented by a literal is a basic induction variable */
    for p := loop.Head.First; p != nil && p.Ext == EXT_phi; p = p.Next {
        name := p.SSA.Defs[0]
        next := defs[p.SSA.Uses[back]]

        /* must be `v = v + lit`, executed on every iteration */
        if next == nil || !self.Dom.Dominates(next.Block, loop.Branch) {
            continue
        }
        if lit, ok := litOf(next); ok && next.SSA.Uses[0] == name {
            n++
            loop.BIV = name
            loop.Step = lit
        }
    }

    /* exactly one, stepping by one */
    return n == 1 && abs32(loop.Step) == 1
}

func (self *CompilationUnit) findIVs(loop *LoopInfo) bool {
    loop.IVs[loop.BIV] = 0
    for changed := true; changed; {
        changed = false
        for _, bb := range loop.Body {
            for p := bb.First; p != nil; p = p.Next {
                if !p.Active() || p.SSA == nil {
                    continue
                }
                if lit, ok := litOf(p); ok {
                    base, iv := loop.IVs[p.SSA.Uses[0]]
                    _, done := loop.IVs[p.SSA.Defs[0]]
                    if d := base + lit; iv && !done && abs32(d) <= _MaxIVDelta {
                        loop.IVs[p.SSA.Defs[0]] = d
                        changed = true
                    }
                }
            }
        }
    }
    return true
}

func (self *CompilationUnit) findTest(loop *LoopInfo) bool {
    var e int32
    var op dex.Opcode
    var p = loop.Branch.LastActive()

    /* the loop must be left through a compare */
    switch {
    case p.Ins.Op.IsIfTest():
        a, b := p.SSA.Uses[0], p.SSA.Uses[1]
        if d, ok := loop.IVs[a]; ok && self.invariant(b) {
            e, op = d, p.Ins.Op
        } else if d, ok = loop.IVs[b]; ok && self.invariant(a) {
            e, op = d, swapTest(p.Ins.Op)
        } else {
            return false
        }
    case p.Ins.Op.IsIfTestZ():
        if d, ok := loop.IVs[p.SSA.Uses[0]]; ok {
            e, op = d, zeroTest(p.Ins.Op)
        } else {
            return false
        }
    default:
        return false
    }

    /* the exit condition must match the counting direction */
    loop.Test, loop.Delta = op, e
    if loop.Step > 0 {
        return op == dex.OP_if_ge || op == dex.OP_if_gt
    } else {
        return op == dex.OP_if_lt || op == dex.OP_if_le
    }
}

// bound returns the loop bound of the exit test.
func (self *CompilationUnit) bound(loop *LoopInfo) (reg uint32, val int32, isConst bool) {
    p := loop.Branch.LastActive()
    if p.Ins.Op.IsIfTestZ() {
        return 0, 0, true
    }

    /* the operand that is not an induction variable */
    name := p.SSA.Uses[1]
    if _, ok := loop.IVs[p.SSA.Uses[0]]; !ok {
        name = p.SSA.Uses[0]
    }

    /* constants are folded */
    if v, ok := self.Consts[name]; ok {
        return 0, v, true
    } else {
        return self.Names[name].Reg, 0, false
    }
}

func (self *CompilationUnit) hoistChecks(loop *LoopInfo) bool {
    var arrays []*arrayAccess
    var index uint32
    var minc int32 = _MaxIVDelta

    /* the initial value of the induction variable */
    for p := self.Head.First; p != nil && p.Ext == EXT_phi; p = p.Next {
        if p.SSA.Defs[0] == loop.BIV {
            index = self.Names[p.SSA.Uses[predIndex(self.Head, self.Entry)]].Reg
        }
    }

    /* find the array accesses indexed by induction variables */
    for _, bb := range loop.Body {
        for p := bb.First; p != nil; p = p.Next {
            if !p.Active() || p.IsExt() || DataFlowOf(p.Ins.Op)&DF_RANGE_CHK_C == 0 {
                continue
            }

            /* the array must be loop invariant */
            n := len(p.SSA.Uses)
            arr, idx := p.SSA.Uses[n-2], p.SSA.Uses[n-1]
            c, ok := loop.IVs[idx]
            if !ok || !self.IsEntryValue(arr) {
                continue
            }

            /* merge with the other accesses of this array */
            acc := (*arrayAccess)(nil)
            reg := self.Names[arr].Reg
            for _, v := range arrays {
                if v.reg == reg {
                    acc = v
                }
            }
            if acc == nil {
                acc = &arrayAccess{reg: reg, minc: c, maxc: c}
                arrays = append(arrays, acc)
            }

            /* update the constant offsets */
            if c < acc.minc {
                acc.minc = c
            }
            if c > acc.maxc {
                acc.maxc = c
            }
            if c < minc {
                minc = c
            }

            /* the checks are done before entering the loop */
            p.Flags |= IgnoreNullCheck | IgnoreRangeCheck
            loop.Hoisted++
        }
    }

    /* nothing to hoist */
    if len(arrays) == 0 {
        return true
    }

    /* constant bounds of count down loops are checked right now */
    e := loop.Delta
    reg, val, isConst := self.bound(loop)
    if loop.Step < 0 && isConst {
        lt := int64(0)
        if loop.Test == dex.OP_if_lt {
            lt = 1
        }
        if int64(val)-int64(e)-lt+int64(minc) < 0 {
            return false
        }
    }

    /* one null and range check per array */
    ext := EXT_null_range_up_check
    if loop.Step < 0 {
        ext = EXT_null_range_down_check
    }

    /* emit the checks into the entry block */
    for _, acc := range arrays {
        self.Entry.Append(&MIR{
            Ext:    ext,
            Offset: self.Head.Offset,
            Check: &Check{
                Array: acc.reg,
                Index: index,
                Bound: reg,
                Const: isConst,
                Value: val,
                Exit:  loop.Test,
                Delta: e,
                MinC:  acc.minc,
                MaxC:  acc.maxc,
            },
        })
    }

    /* the lower bound check covers all the arrays */
    self.Entry.Append(&MIR{
        Ext:    EXT_lower_bound_check,
        Offset: self.Head.Offset,
        Check: &Check{
            Index: index,
            Bound: reg,
            Const: isConst,
            Value: val,
            Exit:  loop.Test,
            Delta: e,
            MinC:  minc,
        },
    })

    /* failing checks go back to the interpreter at the loop head */
    self.Entry.Append(&MIR{Ext: EXT_punt, Offset: self.Head.Offset})
    return true
}
