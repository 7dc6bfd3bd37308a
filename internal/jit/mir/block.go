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

    `github.com/cloudwego/tracejit/internal/dex`
)

type BlockKind uint8

const (
    BlockEntry BlockKind = iota
    BlockCode
    BlockExit
    CellNormal
    CellHot
    CellSingleton
    CellPredicted
    CellBackward
    BlockPCR
    BlockException
)

var blockNames = [...]string{
    BlockEntry:     "entry",
    BlockCode:      "code",
    BlockExit:      "exit",
    CellNormal:     "cell_normal",
    CellHot:        "cell_hot",
    CellSingleton:  "cell_singleton",
    CellPredicted:  "cell_predicted",
    CellBackward:   "cell_backward",
    BlockPCR:       "pcr",
    BlockException: "exception",
}

func (self BlockKind) String() string {
    return blockNames[self]
}

// IsCell reports whether blocks of this kind are chaining cells.
func (self BlockKind) IsCell() bool {
    return self >= CellNormal && self <= CellBackward
}

// HasCode reports whether blocks of this kind carry instructions.
func (self BlockKind) HasCode() bool {
    return self == BlockEntry || self == BlockCode || self == BlockExit
}

// BasicBlock is a node of the trace CFG. Offsets are code unit offsets in
// the traced method. For chaining cells, Offset is the target of the cell.
type BasicBlock struct {
    ID          int
    Kind        BlockKind
    Offset      uint32
    First       *MIR
    Last        *MIR
    Taken       *BasicBlock
    FallThrough *BasicBlock
    Next        *BasicBlock
    Preds       []*BasicBlock
    Cases       []*BasicBlock
    Callee      *dex.Method
    Overflow    bool
}

func (self *BasicBlock) String() string {
    return fmt.Sprintf("bb_%d(%s@%04x)", self.ID, self.Kind, self.Offset)
}

// Append adds p at the end of the block.
func (self *BasicBlock) Append(p *MIR) {
    p.Block = self
    p.Next = nil
    if p.Prev = self.Last; self.Last == nil {
        self.First = p
    } else {
        self.Last.Next = p
    }
    self.Last = p
}

// Prepend adds p at the beginning of the block.
func (self *BasicBlock) Prepend(p *MIR) {
    p.Block = self
    p.Prev = nil
    if p.Next = self.First; self.First == nil {
        self.Last = p
    } else {
        self.First.Prev = p
    }
    self.First = p
}

// InsertAfter adds p right after at.
func (self *BasicBlock) InsertAfter(at *MIR, p *MIR) {
    p.Block = self
    p.Prev = at
    if p.Next = at.Next; at.Next == nil {
        self.Last = p
    } else {
        at.Next.Prev = p
    }
    at.Next = p
}

// InsertBefore adds p right before at.
func (self *BasicBlock) InsertBefore(at *MIR, p *MIR) {
    if at.Prev == nil {
        self.Prepend(p)
    } else {
        self.InsertAfter(at.Prev, p)
    }
}

// Successors lists the blocks reachable from this one, cases included.
func (self *BasicBlock) Successors() []*BasicBlock {
    var ret []*BasicBlock
    if self.Taken != nil {
        ret = append(ret, self.Taken)
    }
    if self.FallThrough != nil {
        ret = append(ret, self.FallThrough)
    }
    for _, c := range self.Cases {
        if c != self.FallThrough {
            ret = append(ret, c)
        }
    }
    return ret
}

// LastActive returns the last instruction that generates code.
func (self *BasicBlock) LastActive() *MIR {
    for p := self.Last; p != nil; p = p.Prev {
        if p.Active() {
            return p
        }
    }
    return nil
}

func (self *BasicBlock) addPred(p *BasicBlock) {
    for _, v := range self.Preds {
        if v == p {
            return
        }
    }
    self.Preds = append(self.Preds, p)
}

func (self *BasicBlock) removePred(p *BasicBlock) {
    for i, v := range self.Preds {
        if v == p {
            self.Preds = append(self.Preds[:i], self.Preds[i+1:]...)
            return
        }
    }
}

// Abort carries the reason of a compilation that cannot be completed. It
// is raised with panic by the code generator and recovered by the compiler
// driver, which drops the compilation unit.
type Abort struct {
    Reason string
}

func (self *Abort) Error() string {
    return "mir: compilation aborted: " + self.Reason
}

// Abortf raises an abort.
func Abortf(format string, args ...interface{}) {
    panic(&Abort{Reason: fmt.Sprintf(format, args...)})
}

// CompilationUnit owns everything built while compiling one trace. It is
// used by a single compilation attempt and dropped afterwards.
type CompilationUnit struct {
    Method    *dex.Method
    Desc      *TraceDesc
    Hints     Hints
    Blocks    []*BasicBlock
    Entry     *BasicBlock
    Head      *BasicBlock
    PCR       *BasicBlock
    Exception *BasicBlock
    NumInsts  int
    HasLoop   bool
    HasInvoke bool
    Inlined   int
    Names     []SSAName
    Consts    map[int]int32
    Dom       *DomTree
    Loop      *LoopInfo
}

func (self *CompilationUnit) newBlock(kind BlockKind, off uint32) *BasicBlock {
    bb := &BasicBlock{
        ID:     len(self.Blocks),
        Kind:   kind,
        Offset: off,
    }
    if n := len(self.Blocks); n != 0 {
        self.Blocks[n-1].Next = bb
    }
    self.Blocks = append(self.Blocks, bb)
    return bb
}

// HeadPC returns the address of the trace head.
func (self *CompilationUnit) HeadPC() dex.PC {
    return self.Method.PC(self.Head.Offset)
}

// Cells returns all the chaining cells of the given kind, in creation order.
func (self *CompilationUnit) Cells(kind BlockKind) []*BasicBlock {
    var ret []*BasicBlock
    for _, bb := range self.Blocks {
        if bb.Kind == kind {
            ret = append(ret, bb)
        }
    }
    return ret
}

// EachMIR calls fn for every instruction of every block, in block order.
func (self *CompilationUnit) EachMIR(fn func(bb *BasicBlock, p *MIR)) {
    for _, bb := range self.Blocks {
        for p := bb.First; p != nil; p = p.Next {
            fn(bb, p)
        }
    }
}

func link(from *BasicBlock, to **BasicBlock, bb *BasicBlock) {
    old := *to
    if *to = bb; bb != nil {
        bb.addPred(from)
    }
    if old != nil && old != from.Taken && old != from.FallThrough {
        old.removePred(from)
    }
}

// SetTaken replaces the taken edge of bb.
func SetTaken(bb *BasicBlock, to *BasicBlock) {
    link(bb, &bb.Taken, to)
}

// SetFallThrough replaces the fallthrough edge of bb.
func SetFallThrough(bb *BasicBlock, to *BasicBlock) {
    link(bb, &bb.FallThrough, to)
}
