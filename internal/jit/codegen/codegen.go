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

// Config controls code generation.
type Config struct {
    Profile    bool
    SingleStep [dex.OP_max]bool
    Limits     lir.Limits
}

// Result is the generated fragment, with offsets relative to its first word.
type Result struct {
    List    *lir.List
    Status  lir.Status
    Retries int
    Size    uint32
    Entry   uint32
    Cells   uint32
    Trailer uint32
    Counts  [NumCellKinds]uint32
    Spills  int
}

func (self *Result) String() string {
    return fmt.Sprintf(
        "status=%s size=%d entry=%d cells=%d trailer=%d retries=%d spills=%d",
        self.Status,
        self.Size,
        self.Entry,
        self.Cells,
        self.Trailer,
        self.Retries,
        self.Spills,
    )
}

type generator struct {
    cu      *mir.CompilationUnit
    tpl     *Templates
    cfg     *Config
    out     *lir.List
    ra      *ralloc.Allocator
    labels  map[int]*lir.Label
    pcr     map[uint32]*lir.Label
    offs    []uint32
    punt    *lir.Label
    cells   *lir.Label
    trailer *lir.Label
    counts  [NumCellKinds]uint32
    done    bool
}

// Generate lowers a unit into a fragment. The unit must be in SSA form.
// A unit that cannot be lowered aborts with mir.Abort.
func Generate(cu *mir.CompilationUnit, tpl *Templates, cfg *Config) *Result {
    if cu.Dom == nil {
        panic("codegen: unit is not in SSA form")
    }

    /* create the generator */
    out := new(lir.List)
    g := &generator{
        cu:      cu,
        tpl:     tpl,
        cfg:     cfg,
        out:     out,
        ra:      ralloc.New(out, len(cu.Names)),
        labels:  make(map[int]*lir.Label),
        pcr:     make(map[uint32]*lir.Label),
        cells:   lir.NewLabel("cells"),
        trailer: lir.NewLabel("trailer"),
    }

    /* the header word is patched once the layout is known */
    header := out.Word(0)
    entry := lir.NewLabel("entry")

    /* profiling counter */
    if cfg.Profile {
        counter := lir.NewLabel("counter")
        out.Bind(counter)
        out.Word(0)
        out.Bind(entry)
        out.Incm(counter)
    } else {
        out.Bind(entry)
    }

    /* the code blocks, in order */
    order := g.codeBlocks()
    for i, bb := range order {
        if i == len(order)-1 {
            g.block(bb, nil)
        } else {
            g.block(bb, order[i+1])
        }
    }

    /* out of line code, cells and the trailer */
    g.emitOutOfLine()
    out.Bind(g.cells)
    g.emitCells()
    g.emitTrailer()

    /* assemble the fragment */
    lim := cfg.Limits
    if lim == (lir.Limits{}) {
        lim = lir.DefaultLimits
    }

    /* the chain offset must fit in the header */
    res := out.Assemble(lim)
    if res.Status == lir.Success && g.cells.Offset > MaxChainOffset {
        res.Status = lir.RetryHalve
    }

    /* patch the header */
    header.Imm = g.cells.Offset
    if cfg.Profile {
        header.Imm |= HeaderProfile
    }

    /* all done */
    return &Result{
        List:    out,
        Status:  res.Status,
        Retries: res.Retries,
        Size:    res.Size,
        Entry:   entry.Offset,
        Cells:   g.cells.Offset,
        Trailer: g.trailer.Offset,
        Counts:  g.counts,
        Spills:  g.ra.Spills,
    }
}

func (self *generator) codeBlocks() []*mir.BasicBlock {
    var ret []*mir.BasicBlock
    for _, bb := range self.cu.Blocks {
        if bb.Kind.HasCode() && self.cu.Dom.Reachable(bb) {
            ret = append(ret, bb)
        }
    }
    return ret
}

func (self *generator) label(bb *mir.BasicBlock) *lir.Label {
    if lb, ok := self.labels[bb.ID]; ok {
        return lb
    }
    lb := lir.NewLabel(fmt.Sprintf("bb_%d", bb.ID))
    self.labels[bb.ID] = lb
    return lb
}

// pcrAt returns the label of the PC reconstruction cell for off, which
// leaves the translation to let the interpreter execute the instruction.
func (self *generator) pcrAt(off uint32) *lir.Label {
    if lb, ok := self.pcr[off]; ok {
        return lb
    }
    lb := lir.NewLabel(fmt.Sprintf("pcr_%04x", off))
    self.pcr[off] = lb
    self.offs = append(self.offs, off)
    return lb
}

func (self *generator) puntLabel() *lir.Label {
    if self.punt == nil {
        self.punt = lir.NewLabel("punt")
    }
    return self.punt
}

func (self *generator) pc(off uint32) dex.PC {
    return self.cu.Method.PC(off)
}

func (self *generator) block(bb *mir.BasicBlock, next *mir.BasicBlock) {
    self.done = false
    self.out.Bind(self.label(bb))
    self.ra.StartBlock()

    /* lower every instruction */
    for p := bb.First; p != nil; p = p.Next {
        if p.Active() {
            if !p.IsExt() {
                self.out.Boundary(self.pc(p.Offset), p.Ins.Disassemble(p.Offset))
            }
            self.lower(bb, p)
            self.ra.Unlock()
        }
    }

    /* the block has already left */
    if self.done {
        return
    }

    /* continue with the fall through block */
    switch ft := bb.FallThrough; {
    case ft != nil && ft != next:
        self.out.B(self.label(ft))
    case ft == nil && bb.Last != nil:
        self.out.SetPC(self.pc(bb.Last.Offset + bb.Last.Width))
        self.out.Jmp(self.tpl.Of(lir.H_interpret))
    }
}

func (self *generator) emitOutOfLine() {
    out := self.out
    exc := lir.NewLabel("exception")

    /* the reconstruction cells */
    for _, off := range self.offs {
        out.Bind(self.pcr[off])
        out.SetPC(self.pc(off))
        out.B(exc)
    }

    /* failed loop checks go back to the trace head */
    if self.punt != nil {
        out.Bind(self.punt)
        out.SetPC(self.cu.HeadPC())
        out.Jmp(self.tpl.Of(lir.H_punt))
    }

    /* the exception block */
    if len(self.offs) != 0 {
        out.Bind(exc)
        out.Jmp(self.tpl.Of(lir.H_exception))
    }
}
