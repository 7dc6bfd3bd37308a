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
    `github.com/cloudwego/tracejit/internal/dex`
)

const (
    // MaxSwitchCells is the maximum number of case cells of a switch, the
    // remaining cases go back to the interpreter.
    MaxSwitchCells = 128

    _UnknownTarget = ^uint32(0)
)

// Run is a contiguous sequence of instructions of a trace.
type Run struct {
    Offset uint32
    Count  uint32
    RunEnd bool
}

// CallSite records what the interpreter observed at an invoke while
// selecting the trace.
type CallSite struct {
    Offset uint32
    Callee *dex.Method
    Class  *dex.Class
}

// TraceDesc describes a trace of one method. It is never modified once it
// has been handed to the compiler.
type TraceDesc struct {
    Method *dex.Method
    Runs   []Run
    Sites  []CallSite
}

// Head returns the address of the first instruction.
func (self *TraceDesc) Head() dex.PC {
    return self.Method.PC(self.Runs[0].Offset)
}

// Len returns the number of instructions in the trace.
func (self *TraceDesc) Len() int {
    n := 0
    for _, r := range self.Runs {
        n += int(r.Count)
        if r.RunEnd {
            break
        }
    }
    return n
}

// Site returns the call site meta of the invoke at off, if any.
func (self *TraceDesc) Site(off uint32) *CallSite {
    for i := range self.Sites {
        if self.Sites[i].Offset == off {
            return &self.Sites[i]
        }
    }
    return nil
}

// Hints tune the trace builder.
type Hints struct {
    NoLoop        bool
    BackwardCells bool
}

func endsBlock(op dex.Opcode) bool {
    return op == dex.OP_throw || op.Flags()&(dex.CanBranch|dex.CanSwitch|dex.CanReturn|dex.Invoke) != 0
}

// ResolveCallee returns the method an invoke calls when it can be told at
// compile time.
func ResolveCallee(m *dex.Method, ins dex.Instr) *dex.Method {
    base := m.Class.Pool.Method(ins.B)
    if base == nil {
        return nil
    }

    /* select by invoke kind */
    switch ins.Op {
    case dex.OP_invoke_static, dex.OP_invoke_direct:
        return base
    case dex.OP_invoke_super:
        if sup := m.Class.Super; sup != nil && base.VtableIndex >= 0 && base.VtableIndex < len(sup.Vtable) {
            return sup.Vtable[base.VtableIndex]
        }
        return nil
    default:
        return nil
    }
}

// BuildTrace builds the CFG of a trace from its description, taking at most
// maxInsts instructions.
func BuildTrace(desc *TraceDesc, maxInsts int, hints Hints) *CompilationUnit {
    m := desc.Method
    cu := &CompilationUnit{Method: m, Desc: desc, Hints: hints}

    /* the entry block always comes first */
    cu.Entry = cu.newBlock(BlockEntry, desc.Runs[0].Offset)
    code := cu.collect(maxInsts)

    /* the trace may not contain anything */
    if len(code) == 0 {
        Abortf("empty trace at %#x", desc.Head())
    }

    /* split the blocks at the in-trace branch targets */
    code = splitAtTargets(code)
    cu.register(code)
    cu.Head = code[0]
    SetFallThrough(cu.Entry, cu.Head)

    /* resolve the edges of every block */
    for i, bb := range code {
        cu.linkBlock(bb, code[i+1:])
    }

    /* the bookkeeping blocks always come last */
    cu.PCR = cu.newBlock(BlockPCR, 0)
    cu.Exception = cu.newBlock(BlockException, 0)
    return cu
}

// collect walks the runs and gathers the instructions into blocks.
func (self *CompilationUnit) collect(maxInsts int) []*BasicBlock {
    var n int
    var ret []*BasicBlock
    var code = self.Method.Code

    /* walk every run */
    for _, run := range self.Desc.Runs {
        var cur *BasicBlock
        var off = run.Offset

        /* each run starts a new block */
        for i := uint32(0); i < run.Count && n < maxInsts; i++ {
            ins, width := dex.Decode(code, off)

            /* data payloads terminate the scan */
            if width == 0 {
                self.NumInsts = n
                return ret
            }

            /* open a new block if needed */
            if cur == nil {
                cur = &BasicBlock{Kind: BlockCode, Offset: off}
                ret = append(ret, cur)
            }

            /* add the instruction */
            p := &MIR{Ins: ins, Offset: off, Width: width}
            cur.Append(p)

            /* invokes carry the observed call site */
            if ins.Op.IsInvoke() {
                p.Site = self.Desc.Site(off)
                self.HasInvoke = true
            }

            /* block ending instructions close the block */
            if n, off = n+1, off+width; endsBlock(ins.Op) {
                cur = nil
            }
        }

        /* stop at the budget or at the end marker */
        if n >= maxInsts || run.RunEnd {
            break
        }
    }

    /* all done */
    self.NumInsts = n
    return ret
}

func splitAtTargets(code []*BasicBlock) []*BasicBlock {
    var targets []uint32
    for _, bb := range code {
        if p := bb.Last; p.Ins.Op.Flags()&dex.CanBranch != 0 {
            targets = append(targets, p.Ins.Target(p.Offset))
        }
    }

    /* split every block containing a target in its interior */
    for _, t := range targets {
        for i := 0; i < len(code); i++ {
            if p := findMIR(code[i], t); p != nil && p != code[i].First {
                code = append(code[:i+1], append([]*BasicBlock{splitBlock(code[i], p)}, code[i+1:]...)...)
                break
            }
        }
    }
    return code
}

func findMIR(bb *BasicBlock, off uint32) *MIR {
    for p := bb.First; p != nil; p = p.Next {
        if p.Offset == off {
            return p
        }
    }
    return nil
}

// splitBlock moves the instructions from at onwards into a new block.
func splitBlock(bb *BasicBlock, at *MIR) *BasicBlock {
    nb := &BasicBlock{
        Kind:   bb.Kind,
        Offset: at.Offset,
        First:  at,
        Last:   bb.Last,
    }

    /* cut the list */
    bb.Last = at.Prev
    bb.Last.Next = nil
    at.Prev = nil

    /* move the instructions */
    for p := at; p != nil; p = p.Next {
        p.Block = nb
    }
    return nb
}

func (self *CompilationUnit) register(code []*BasicBlock) {
    for _, bb := range code {
        bb.ID = len(self.Blocks)
        self.Blocks[len(self.Blocks)-1].Next = bb
        self.Blocks = append(self.Blocks, bb)
    }
}

// linkBlock resolves the edges of a code block, against the later blocks
// first, and to chaining cells for whatever stays unresolved.
func (self *CompilationUnit) linkBlock(bb *BasicBlock, later []*BasicBlock) {
    p := bb.Last
    op := p.Ins.Op
    flags := op.Flags()
    fallOff := p.Offset + p.Width

    /* compute the branch target */
    target := _UnknownTarget
    if flags&dex.CanBranch != 0 {
        target = p.Ins.Target(p.Offset)
    }

    /* link to the blocks that follow */
    for _, s := range later {
        if target != _UnknownTarget && bb.Taken == nil && s.Offset == target {
            SetTaken(bb, s)
        }
        if flags&dex.CanContinue != 0 && flags&dex.CanSwitch == 0 && bb.FallThrough == nil && s.Offset == fallOff {
            SetFallThrough(bb, s)
        }
    }

    /* a backward branch to the trace head makes a natural loop */
    if !self.HasLoop && !self.Hints.NoLoop && bb.Taken == nil && bb.FallThrough == nil &&
        flags == dex.CanBranch|dex.CanContinue && fallOff == self.Head.Offset {
        self.buildLoop(bb, target)
        return
    }

    /* unresolved branch targets */
    if target != _UnknownTarget && bb.Taken == nil {
        if op.IsGoto() {
            SetTaken(bb, self.newBlock(CellHot, target))
        } else {
            SetTaken(bb, self.newBlock(CellNormal, target))
        }
    }

    /* invokes go through their own cells */
    if op.IsInvoke() {
        self.linkInvoke(bb, p)
    }

    /* switches have one cell per case */
    if flags&dex.CanSwitch != 0 {
        self.linkSwitch(bb, p)
        return
    }

    /* unresolved fall through */
    if flags&dex.CanContinue != 0 && bb.FallThrough == nil {
        if op.IsInvoke() || flags&^dex.CanThrow == dex.CanContinue {
            SetFallThrough(bb, self.newBlock(CellHot, fallOff))
        } else {
            SetFallThrough(bb, self.newBlock(CellNormal, fallOff))
        }
    }
}

func (self *CompilationUnit) buildLoop(bb *BasicBlock, target uint32) {
    exit := self.newBlock(BlockExit, target)
    SetTaken(bb, exit)

    /* the loop edge either goes through a backward cell or straight to the head */
    if self.Hints.BackwardCells {
        SetFallThrough(bb, self.newBlock(CellBackward, self.Head.Offset))
    } else {
        SetFallThrough(bb, self.Head)
    }

    /* leaving the loop goes back to the interpreter */
    SetFallThrough(exit, self.newBlock(CellNormal, target))
    self.HasLoop = true
}

func (self *CompilationUnit) linkInvoke(bb *BasicBlock, p *MIR) {
    var cell *BasicBlock
    var callee = ResolveCallee(self.Method, p.Ins)

    /* native methods are called in place */
    switch {
    case callee != nil && callee.IsNative():
        return
    case callee != nil:
        cell = self.newBlock(CellSingleton, 0)
        cell.Callee = callee
    case p.Ins.Op == dex.OP_invoke_virtual || p.Ins.Op == dex.OP_invoke_interface:
        if base := self.Method.Class.Pool.Method(p.Ins.B); base != nil {
            cell = self.newBlock(CellPredicted, 0)
            cell.Callee = base
        }
    }

    /* unresolved invokes are single stepped */
    if cell != nil {
        SetTaken(bb, cell)
    }
}

func (self *CompilationUnit) linkSwitch(bb *BasicBlock, p *MIR) {
    tab := dex.DecodeSwitch(self.Method.Code, p.Offset, p.Ins)
    num := tab.Len()

    /* one normal cell per case */
    for i := 0; i < num && i < MaxSwitchCells; i++ {
        cell := self.newBlock(CellNormal, uint32(int32(p.Offset)+tab.Targets[i]))
        cell.addPred(bb)
        bb.Cases = append(bb.Cases, cell)
    }

    /* the default case is the fall through */
    def := self.newBlock(CellNormal, p.Offset+p.Width)
    bb.Cases = append(bb.Cases, def)
    bb.Overflow = num > MaxSwitchCells
    SetFallThrough(bb, def)
}
