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
    `fmt`
    `sort`

    `github.com/oleiade/lane`
    `gonum.org/v1/gonum/graph/flow`
    `gonum.org/v1/gonum/graph/simple`

    `github.com/cloudwego/tracejit/internal/dex`
)

// SSAName is a virtual register with a subscript. Subscript 0 is the value
// the register holds when entering the trace.
type SSAName struct {
    Reg uint32
    Sub int
}

func (self SSAName) String() string {
    return fmt.Sprintf("v%d_%d", self.Reg, self.Sub)
}

// SSARep holds the SSA names an instruction reads and writes, in the order
// of MIR.Uses and MIR.Defs.
type SSARep struct {
    Uses []int
    Defs []int
}

func (self *SSARep) String() string {
    return fmt.Sprintf("ssa(%v <- %v)", self.Defs, self.Uses)
}

// DomTree is the dominator tree of the code blocks of a unit.
type DomTree struct {
    Root *BasicBlock
    idom map[int]*BasicBlock
    kids map[int][]*BasicBlock
}

// Dominators computes the dominator tree of the code blocks.
func (self *CompilationUnit) Dominators() *DomTree {
    g := simple.NewDirectedGraph()
    g.AddNode(simple.Node(self.Entry.ID))

    /* only blocks carrying code take part */
    for _, bb := range self.Blocks {
        if bb.Kind.HasCode() {
            for _, s := range bb.Successors() {
                if s.Kind.HasCode() && s != bb {
                    g.SetEdge(g.NewEdge(simple.Node(bb.ID), simple.Node(s.ID)))
                }
            }
        }
    }

    /* compute the dominators */
    dt := flow.Dominators(simple.Node(self.Entry.ID), g)
    ret := &DomTree{
        Root: self.Entry,
        idom: make(map[int]*BasicBlock),
        kids: make(map[int][]*BasicBlock),
    }

    /* convert back to blocks */
    for _, bb := range self.Blocks {
        if d := dt.DominatorOf(int64(bb.ID)); d != nil && bb != self.Entry {
            p := self.Blocks[d.ID()]
            ret.idom[bb.ID] = p
            ret.kids[p.ID] = append(ret.kids[p.ID], bb)
        }
    }

    /* keep the children ordered */
    for _, v := range ret.kids {
        sort.Slice(v, func(i int, j int) bool { return v[i].ID < v[j].ID })
    }
    return ret
}

// IDom returns the immediate dominator of bb, nil for the root and for
// unreachable blocks.
func (self *DomTree) IDom(bb *BasicBlock) *BasicBlock {
    return self.idom[bb.ID]
}

func (self *DomTree) Children(bb *BasicBlock) []*BasicBlock {
    return self.kids[bb.ID]
}

// Reachable reports whether bb can be reached from the root.
func (self *DomTree) Reachable(bb *BasicBlock) bool {
    return bb == self.Root || self.idom[bb.ID] != nil
}

// Dominates reports whether every path from the root to b goes through a.
func (self *DomTree) Dominates(a *BasicBlock, b *BasicBlock) bool {
    for p := b; p != nil; p = self.idom[p.ID] {
        if p == a {
            return true
        }
    }
    return false
}

type renamer struct {
    cu    *CompilationUnit
    count []int
    stack []*lane.Stack
}

func newRenamer(cu *CompilationUnit, nregs int) *renamer {
    ret := &renamer{
        cu:    cu,
        count: make([]int, nregs),
        stack: make([]*lane.Stack, nregs),
    }
    for i := range ret.stack {
        ret.stack[i] = lane.NewStack()
        ret.stack[i].Push(i)
    }
    return ret
}

func (self *renamer) top(r uint32) int {
    return self.stack[r].Head().(int)
}

func (self *renamer) push(r uint32) int {
    n := len(self.cu.Names)
    self.count[r]++
    self.cu.Names = append(self.cu.Names, SSAName{Reg: r, Sub: self.count[r]})
    self.stack[r].Push(n)
    return n
}

// fold records the names holding a value known at compile time.
func (self *renamer) fold(p *MIR) {
    df := DataFlowOf(p.Ins.Op)
    defs := p.SSA.Defs

    /* constant loads */
    if df&DF_SETS_CONST != 0 {
        if df&DF_A_WIDE == 0 {
            self.cu.Consts[defs[0]] = int32(p.Ins.B)
        } else {
            self.cu.Consts[defs[0]] = int32(p.Ins.Wide)
            self.cu.Consts[defs[1]] = int32(p.Ins.Wide >> 32)
        }
        return
    }

    /* moves of constants */
    if p.Ins.Op == dex.OP_move || p.Ins.Op == dex.OP_move_object {
        if v, ok := self.cu.Consts[p.SSA.Uses[0]]; ok {
            self.cu.Consts[defs[0]] = v
        }
    }
}

func (self *renamer) renameBlock(dt *DomTree, bb *BasicBlock) {
    var defs []uint32
    for p := bb.First; p != nil; p = p.Next {
        switch {
        case p.Ext == EXT_phi:
            p.SSA.Defs = []int{self.push(p.Ins.A)}
            defs = append(defs, p.Ins.A)
        case p.Active():
            rep := new(SSARep)
            for _, r := range p.Uses() {
                rep.Uses = append(rep.Uses, self.top(r))
            }
            for _, r := range p.Defs() {
                rep.Defs = append(rep.Defs, self.push(r))
                defs = append(defs, r)
            }
            p.SSA = rep
            self.fold(p)
        }
    }

    /* fill the phi operands of the successors */
    for _, s := range bb.Successors() {
        if idx := predIndex(s, bb); s.Kind.HasCode() && idx >= 0 {
            for p := s.First; p != nil && p.Ext == EXT_phi; p = p.Next {
                p.SSA.Uses[idx] = self.top(p.Ins.A)
            }
        }
    }

    /* rename the dominated blocks */
    for _, c := range dt.Children(bb) {
        self.renameBlock(dt, c)
    }

    /* pop the definitions */
    for _, r := range defs {
        self.stack[r].Pop()
    }
}

func predIndex(bb *BasicBlock, pred *BasicBlock) int {
    for i, p := range bb.Preds {
        if p == pred {
            return i
        }
    }
    return -1
}

// BuildSSA names every value of the unit, places the phis at merge points
// and records the names holding constants.
func (self *CompilationUnit) BuildSSA() {
    nregs := self.Method.Registers
    self.Names = make([]SSAName, nregs)
    self.Consts = make(map[int]int32)

    /* names of the incoming values */
    for i := range self.Names {
        self.Names[i] = SSAName{Reg: uint32(i)}
    }

    /* find out which registers the trace writes */
    defined := make([]bool, nregs)
    self.EachMIR(func(_ *BasicBlock, p *MIR) {
        if p.Active() {
            for _, r := range p.Defs() {
                defined[r] = true
            }
        }
    })

    /* place the phis */
    self.Dom = self.Dominators()
    for _, bb := range self.Blocks {
        if bb.Kind.HasCode() && len(bb.Preds) > 1 && self.Dom.Reachable(bb) {
            for r := nregs - 1; r >= 0; r-- {
                if defined[r] {
                    bb.Prepend(&MIR{
                        Ext:    EXT_phi,
                        Ins:    dex.Instr{A: uint32(r)},
                        Offset: bb.Offset,
                        SSA:    &SSARep{Uses: make([]int, len(bb.Preds))},
                    })
                }
            }
        }
    }

    /* rename along the dominator tree */
    newRenamer(self, nregs).renameBlock(self.Dom, self.Entry)
}

// NameOf returns the register and subscript of an SSA name.
func (self *CompilationUnit) NameOf(name int) SSAName {
    return self.Names[name]
}

// ConstOf returns the value of an SSA name known at compile time.
func (self *CompilationUnit) ConstOf(name int) (int32, bool) {
    v, ok := self.Consts[name]
    return v, ok
}

// IsEntryValue reports whether the name is a value the trace received.
func (self *CompilationUnit) IsEntryValue(name int) bool {
    return name < self.Method.Registers
}
