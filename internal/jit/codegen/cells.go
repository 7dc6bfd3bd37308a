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

    `github.com/cloudwego/tracejit/internal/jit/lir`
    `github.com/cloudwego/tracejit/internal/jit/mir`
)

// Chaining cell layouts, in words. Every cell starts with a JAL to its
// handler template, the word following the JAL is the one chaining patches.
//
//	normal, hot, backward:  jal tpl; .word target pc
//	singleton:              jal tpl; .word callee id; .word 0
//	predicted:              nop; nop; jal tpl; .word code; .word class; .word method; .word counter
//
// The predicted cell is aligned so that its record starts at an address
// multiple of 4, LR points at it when the template runs.
const (
    CellWords       = 3
    SingletonWords  = 4
    PredictedWords  = 8
    PredictedAlign  = 8
    PredictedRecord = 4
    NumCellKinds    = 5
    TrailerWords    = NumCellKinds + 1
    TrailerEnd      = 0x7ace_c0de
    HeaderProfile   = 1 << 16
    MaxChainOffset  = 0xffff
)

// NoCode marks an untrained inline cache record.
const NoCode = ^uint32(0)

// Word offsets of the fields of a predicted cell record.
const (
    RecordCode = iota
    RecordClass
    RecordMethod
    RecordCounter
)

// CellKinds lists the cell groups in emission order, which is also the
// order of the counts in the trailer.
var CellKinds = [NumCellKinds]mir.BlockKind{
    mir.CellNormal,
    mir.CellHot,
    mir.CellSingleton,
    mir.CellPredicted,
    mir.CellBackward,
}

// CellHost returns the handler a cell of the given kind calls.
func CellHost(kind mir.BlockKind) lir.Host {
    switch kind {
    case mir.CellNormal:
        return lir.H_normal
    case mir.CellHot:
        return lir.H_hot
    case mir.CellSingleton:
        return lir.H_singleton
    case mir.CellPredicted:
        return lir.H_predicted
    case mir.CellBackward:
        return lir.H_backward
    default:
        panic("codegen: not a chaining cell: " + kind.String())
    }
}

// Cell is a chaining cell found in an installed fragment. Addr is the
// address of the JAL.
type Cell struct {
    Kind mir.BlockKind
    Addr uint32
}

// Patch returns the address of the word chaining rewrites.
func (self Cell) Patch() uint32 {
    return self.Addr + 1
}

// Record returns the address of the inline cache record of a predicted cell.
func (self Cell) Record() uint32 {
    return self.Addr - 2 + PredictedRecord
}

func alignUp(v uint32, base uint32, n uint32) uint32 {
    return base + (v-base+n-1)/n*n
}

// WalkCells reads the trailer of the fragment at base and calls fn for
// every chaining cell, in emission order.
func WalkCells(load func(addr uint32) uint32, base uint32, cells uint32, trailer uint32, fn func(c Cell)) {
    if v := load(trailer + NumCellKinds); v != TrailerEnd {
        panic(fmt.Sprintf("codegen: corrupted trailer at %#x: %#x", trailer, v))
    }

    /* walk every group */
    pos := cells
    for i, kind := range CellKinds {
        for n := load(trailer + uint32(i)); n != 0; n-- {
            switch kind {
            case mir.CellSingleton:
                fn(Cell{Kind: kind, Addr: pos})
                pos += SingletonWords
            case mir.CellPredicted:
                pos = alignUp(pos, base, PredictedAlign)
                fn(Cell{Kind: kind, Addr: pos + 2})
                pos += PredictedWords
            default:
                fn(Cell{Kind: kind, Addr: pos})
                pos += CellWords
            }
        }
    }
}

func (self *generator) emitCells() {
    m := self.cu.Method
    out := self.out

    /* group the cells by kind */
    for i, kind := range CellKinds {
        host := self.tpl.Of(CellHost(kind))
        for _, bb := range self.cu.Cells(kind) {
            if len(bb.Preds) == 0 {
                continue
            }

            /* emit the cell */
            self.counts[i]++
            switch kind {
            case mir.CellSingleton:
                out.Bind(self.label(bb))
                out.Jal(host)
                out.Word(bb.Callee.ID)
                out.Word(0)
            case mir.CellPredicted:
                out.Align(PredictedAlign)
                out.Bind(self.label(bb))
                out.Op0(lir.OP_nop)
                out.Op0(lir.OP_nop)
                out.Jal(host)
                out.Word(NoCode)
                out.Word(0)
                out.Word(0)
                out.Word(0)
            default:
                out.Bind(self.label(bb))
                out.Jal(host)
                out.Word(m.PC(bb.Offset))
            }
        }
    }
}

func (self *generator) emitTrailer() {
    self.out.Bind(self.trailer)
    for _, n := range self.counts {
        self.out.Word(n)
    }
    self.out.Word(TrailerEnd)
}
