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
    `strings`
    `testing`

    `github.com/davecgh/go-spew/spew`
    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`

    `github.com/cloudwego/tracejit/internal/dex`
    `github.com/cloudwego/tracejit/internal/sample`
)

func desc(m *dex.Method, sites []CallSite, runs ...Run) *TraceDesc {
    return &TraceDesc{Method: m, Runs: runs, Sites: sites}
}

func catchAbort(fn func()) (ret *Abort) {
    defer func() {
        if v := recover(); v != nil {
            ret = v.(*Abort)
        }
    }()
    fn()
    return
}

func blockAt(cu *CompilationUnit, kind BlockKind, off uint32) *BasicBlock {
    for _, bb := range cu.Blocks {
        if bb.Kind == kind && bb.Offset == off {
            return bb
        }
    }
    return nil
}

func sumTrace(w *sample.World) *TraceDesc {
    return desc(w.Method("sum"), nil, Run{Offset: 5, Count: 4}, Run{Offset: 3, Count: 1, RunEnd: true})
}

func sumXTrace(w *sample.World) *TraceDesc {
    return desc(w.Method("sumX"),
        []CallSite{
            {Offset: 4, Callee: w.Point.FindMethod("setX"), Class: w.Point},
            {Offset: 7, Callee: w.Point.FindMethod("getX"), Class: w.Point},
            {Offset: 12, Callee: w.Point.FindMethod("touch"), Class: w.Point},
        },
        Run{Offset: 4, Count: 1},
        Run{Offset: 7, Count: 1},
        Run{Offset: 10, Count: 2},
        Run{Offset: 12, Count: 1},
        Run{Offset: 15, Count: 2, RunEnd: true},
    )
}

func sumTwiceTrace(w *sample.World) *TraceDesc {
    return desc(w.Method("sumTwice"), nil,
        Run{Offset: 4, Count: 1},
        Run{Offset: 7, Count: 3},
        Run{Offset: 10, Count: 1},
        Run{Offset: 13, Count: 4, RunEnd: true},
    )
}

func defineMethod(w *sample.World, name string, shorty string, regs int, fn func(b *dex.MethodBuilder)) *dex.Method {
    b := dex.NewMethodBuilder(w.Pool)
    fn(b)
    return w.Reg.AddMethod(w.Main, name, shorty, dex.AccStatic, regs, b.Build())
}

func TestBuildTrace_SumLoop(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTrace(w), 100, Hints{})
    println(cu.Dump())
    require.True(t, cu.HasLoop)
    require.False(t, cu.HasInvoke)
    assert.Equal(t, 5, cu.NumInsts)
    require.Len(t, cu.Blocks, 7)

    /* block order is fixed */
    kinds := make([]BlockKind, 0, len(cu.Blocks))
    for i, bb := range cu.Blocks {
        assert.Equal(t, i, bb.ID)
        kinds = append(kinds, bb.Kind)
    }
    assert.Equal(t, []BlockKind{BlockEntry, BlockCode, BlockCode, BlockExit, CellNormal, BlockPCR, BlockException}, kinds)

    /* the loop shape */
    head, br, exit := cu.Blocks[1], cu.Blocks[2], cu.Blocks[3]
    assert.Equal(t, head, cu.Head)
    assert.Equal(t, uint32(5), head.Offset)
    assert.Equal(t, br, head.Taken)
    assert.Equal(t, exit, br.Taken)
    assert.Equal(t, head, br.FallThrough)
    assert.Equal(t, []*BasicBlock{cu.Entry, br}, head.Preds)
    assert.Equal(t, uint32(11), exit.Offset)
    assert.Equal(t, cu.Blocks[4], exit.FallThrough)
    assert.Equal(t, uint32(11), exit.FallThrough.Offset)
    assert.Equal(t, dex.PC(w.Method("sum").PC(5)), cu.HeadPC())
}

func TestBuildTrace_Deterministic(t *testing.T) {
    for _, fn := range []func(*sample.World) *TraceDesc{sumTrace, sumXTrace, sumTwiceTrace} {
        a := BuildTrace(fn(sample.New(true)), 100, Hints{})
        b := BuildTrace(fn(sample.New(true)), 100, Hints{})
        require.Equal(t, a.Dump(), b.Dump())
        require.Equal(t, a.DumpDot(), b.DumpDot())
    }
}

func TestBuildTrace_NoLoop(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTrace(w), 100, Hints{NoLoop: true})
    println(cu.Dump())
    require.False(t, cu.HasLoop)
    require.Nil(t, blockAt(cu, BlockExit, 11))

    /* the loop branch leaves through cells */
    br := blockAt(cu, BlockCode, 3)
    require.NotNil(t, br)
    require.Equal(t, CellNormal, br.Taken.Kind)
    assert.Equal(t, uint32(11), br.Taken.Offset)
    require.Equal(t, CellNormal, br.FallThrough.Kind)
    assert.Equal(t, uint32(5), br.FallThrough.Offset)
}

func TestBuildTrace_BackwardCells(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTrace(w), 100, Hints{BackwardCells: true})
    require.True(t, cu.HasLoop)
    br := blockAt(cu, BlockCode, 3)
    require.Equal(t, CellBackward, br.FallThrough.Kind)
    assert.Equal(t, uint32(5), br.FallThrough.Offset)
    assert.Equal(t, []*BasicBlock{cu.Entry}, cu.Head.Preds)

    /* nothing to optimise, but nothing to rebuild either */
    cu.BuildSSA()
    require.True(t, cu.OptimizeLoop())
    assert.Nil(t, cu.Loop)
}

func TestBuildTrace_Budget(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTrace(w), 2, Hints{})
    assert.Equal(t, 2, cu.NumInsts)
    assert.False(t, cu.HasLoop)
    require.Equal(t, CellHot, cu.Head.FallThrough.Kind)
    assert.Equal(t, uint32(8), cu.Head.FallThrough.Offset)
}

func TestBuildTrace_Empty(t *testing.T) {
    w := sample.New(true)
    err := catchAbort(func() { BuildTrace(desc(w.Method("sum"), nil, Run{Offset: 0, Count: 0, RunEnd: true}), 100, Hints{}) })
    require.NotNil(t, err)
    assert.True(t, strings.HasPrefix(err.Reason, "empty trace"))
}

func TestBuildTrace_CellCoverage(t *testing.T) {
    w := sample.New(true)
    for _, fn := range []func(*sample.World) *TraceDesc{sumTrace, sumXTrace, sumTwiceTrace} {
        cu := BuildTrace(fn(w), 100, Hints{})
        for _, bb := range cu.Blocks {
            if bb.Kind.IsCell() {
                assert.NotEmpty(t, bb.Preds, "dangling cell %s", bb)
            }
            if bb.Kind != BlockCode {
                continue
            }

            /* every way out of a code block has somewhere to go */
            flags := bb.Last.Ins.Op.Flags()
            if flags&dex.CanBranch != 0 {
                assert.NotNil(t, bb.Taken, "missing taken edge of %s", bb)
            }
            if flags&dex.CanContinue != 0 {
                assert.NotNil(t, bb.FallThrough, "missing fall through edge of %s", bb)
            }
            for _, s := range bb.Successors() {
                assert.Contains(t, s.Preds, bb)
            }
        }
    }
}

func TestBuildTrace_Invokes(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTwiceTrace(w), 100, Hints{})
    println(cu.Dump())
    require.True(t, cu.HasInvoke)

    /* static calls go through a singleton cell */
    call := blockAt(cu, BlockCode, 4)
    require.Equal(t, CellSingleton, call.Taken.Kind)
    assert.Equal(t, w.Math.FindMethod("twice"), call.Taken.Callee)
    assert.Equal(t, blockAt(cu, BlockCode, 7), call.FallThrough)

    /* natives are called in place */
    native := blockAt(cu, BlockCode, 10)
    assert.Nil(t, native.Taken)
    assert.Equal(t, blockAt(cu, BlockCode, 13), native.FallThrough)

    /* the loop back edge is not in the trace */
    tail := blockAt(cu, BlockCode, 13)
    require.Equal(t, CellHot, tail.Taken.Kind)
    assert.Equal(t, uint32(2), tail.Taken.Offset)

    /* virtual calls are predicted */
    cu = BuildTrace(sumXTrace(w), 100, Hints{})
    cells := cu.Cells(CellPredicted)
    require.Len(t, cells, 3)
    assert.Equal(t, w.Point.FindMethod("setX"), cells[0].Callee)
    assert.Equal(t, w.Point.FindMethod("getX"), cells[1].Callee)
    assert.Equal(t, w.Point.FindMethod("touch"), cells[2].Callee)
}

func TestBuildTrace_Switch(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(desc(w.Method("select"), nil, Run{Offset: 4, Count: 3, RunEnd: true}), 100, Hints{})
    println(cu.Dump())
    bb := blockAt(cu, BlockCode, 4)
    require.NotNil(t, bb)
    require.Len(t, bb.Cases, 4)
    assert.False(t, bb.Overflow)

    /* one cell per case, the default one last */
    offs := make([]uint32, 0, 4)
    for _, c := range bb.Cases {
        assert.Equal(t, CellNormal, c.Kind)
        assert.Equal(t, []*BasicBlock{bb}, c.Preds)
        offs = append(offs, c.Offset)
    }
    assert.Equal(t, []uint32{15, 19, 23, 11}, offs)
    assert.Equal(t, bb.Cases[3], bb.FallThrough)
    assert.Contains(t, cu.DumpDot(), "label=case0")
}

func TestBuildTrace_SwitchOverflow(t *testing.T) {
    w := sample.New(true)
    m := defineMethod(w, "bigSwitch", "VI", 1, func(b *dex.MethodBuilder) {
        labels := make([]string, MaxSwitchCells+2)
        for i := range labels {
            labels[i] = "out"
        }
        b.PackedSwitch(0, 0, labels...)
        b.Label("out")
        b.ReturnVoid()
    })
    cu := BuildTrace(desc(m, nil, Run{Offset: 0, Count: 1, RunEnd: true}), 100, Hints{})
    bb := blockAt(cu, BlockCode, 0)
    require.Len(t, bb.Cases, MaxSwitchCells+1)
    assert.True(t, bb.Overflow)
    assert.Len(t, cu.Cells(CellNormal), MaxSwitchCells+1)
}

func TestBuildSSA_SumLoop(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTrace(w), 100, Hints{})
    cu.BuildSSA()
    println(cu.Dump())

    /* one phi per register written in the loop */
    var phis []uint32
    for p := cu.Head.First; p != nil && p.Ext == EXT_phi; p = p.Next {
        phis = append(phis, p.Ins.A)
        require.Len(t, p.SSA.Uses, 2)
        assert.Equal(t, int(p.Ins.A), p.SSA.Uses[0])
        assert.Equal(t, SSAName{Reg: p.Ins.A, Sub: 1}, cu.NameOf(p.SSA.Defs[0]))
    }
    assert.Equal(t, []uint32{0, 1, 3}, phis)

    /* the exit test reads the incremented index and the incoming length */
    br := blockAt(cu, BlockCode, 3)
    test := br.LastActive()
    require.Equal(t, dex.OP_if_ge, test.Ins.Op)
    assert.Equal(t, SSAName{Reg: 1, Sub: 2}, cu.NameOf(test.SSA.Uses[0]))
    assert.True(t, cu.IsEntryValue(test.SSA.Uses[1]))
    assert.Equal(t, "v1_2", cu.NameOf(test.SSA.Uses[0]).String())

    /* dominators */
    assert.Equal(t, cu.Entry, cu.Dom.IDom(cu.Head))
    assert.Equal(t, cu.Head, cu.Dom.IDom(br))
    assert.True(t, cu.Dom.Dominates(cu.Head, blockAt(cu, BlockExit, 11)))
    assert.False(t, cu.Dom.Reachable(cu.PCR))
}

func TestBuildSSA_Constants(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(desc(w.Method("longSum"), nil, Run{Offset: 0, Count: 2, RunEnd: true}), 100, Hints{})
    cu.BuildSSA()
    found := 0
    cu.EachMIR(func(_ *BasicBlock, p *MIR) {
        if p.SSA == nil {
            return
        }
        for _, d := range p.SSA.Defs {
            v, ok := cu.ConstOf(d)
            require.True(t, ok, "%s is not folded", p)
            assert.Zero(t, v)
            found++
        }
    })
    assert.Equal(t, 3, found)
}

func TestOptimizeLoop_CountUp(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTrace(w), 100, Hints{})
    cu.BuildSSA()
    require.True(t, cu.OptimizeLoop())
    println(cu.Dump())

    loop := cu.Loop
    require.NotNil(t, loop)
    assert.Equal(t, int32(1), loop.Step)
    assert.Equal(t, dex.OP_if_ge, loop.Test)
    assert.Equal(t, int32(1), loop.Delta)
    assert.Equal(t, 1, loop.Hoisted)
    assert.True(t, loop.Contains(cu.Head))
    assert.False(t, loop.Contains(loop.Exit))

    /* the checks land in the entry block */
    var exts []ExtOp
    for p := cu.Entry.First; p != nil; p = p.Next {
        exts = append(exts, p.Ext)
        assert.Equal(t, uint32(5), p.Offset)
    }
    require.Equal(t, []ExtOp{EXT_null_range_up_check, EXT_lower_bound_check, EXT_punt}, exts)

    chk := cu.Entry.First.Check
    assert.Equal(t, Check{Array: 4, Index: 1, Bound: 2, Exit: dex.OP_if_ge, Delta: 1}, *chk, spew.Sdump(chk))
    assert.False(t, chk.CountDown())

    /* the access no longer checks anything */
    aget := cu.Head.First
    for aget.Ext == EXT_phi {
        aget = aget.Next
    }
    require.Equal(t, dex.OP_aget, aget.Ins.Op)
    assert.Equal(t, IgnoreNullCheck|IgnoreRangeCheck, aget.Flags)
}

func TestOptimizeLoop_CountDown(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(desc(w.Method("sumDown"), nil, Run{Offset: 6, Count: 4}, Run{Offset: 4, Count: 1, RunEnd: true}), 100, Hints{})
    require.True(t, cu.HasLoop)
    cu.BuildSSA()
    require.True(t, cu.OptimizeLoop())
    println(cu.Dump())

    chk := cu.Entry.First
    require.Equal(t, EXT_null_range_down_check, chk.Ext)
    assert.Equal(t, Check{Array: 4, Index: 1, Const: true, Exit: dex.OP_if_lt, Delta: -1}, *chk.Check, spew.Sdump(chk.Check))
    assert.True(t, chk.Check.CountDown())
    assert.Equal(t, int32(-1), cu.Loop.Step)
}

func TestOptimizeLoop_Pairs(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(desc(w.Method("sumPairs"), nil, Run{Offset: 7, Count: 7}, Run{Offset: 5, Count: 1, RunEnd: true}), 100, Hints{})
    cu.BuildSSA()
    require.True(t, cu.OptimizeLoop())
    println(cu.Dump())

    /* both accesses share the checks of the array */
    assert.Equal(t, 2, cu.Loop.Hoisted)
    chk := cu.Entry.First.Check
    assert.Equal(t, uint32(5), chk.Array)
    assert.Equal(t, int32(0), chk.MinC)
    assert.Equal(t, int32(1), chk.MaxC)
    assert.Equal(t, EXT_lower_bound_check, cu.Entry.First.Next.Ext)
    assert.Equal(t, EXT_punt, cu.Entry.Last.Ext)
}

func TestOptimizeLoop_NoArrays(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(desc(w.Method("countDown"), nil, Run{Offset: 3, Count: 3}, Run{Offset: 1, Count: 1, RunEnd: true}), 100, Hints{})
    require.True(t, cu.HasLoop)
    cu.BuildSSA()
    require.True(t, cu.OptimizeLoop())
    assert.Zero(t, cu.Loop.Hoisted)
    assert.Nil(t, cu.Entry.First)
}

func TestOptimizeLoop_NotCounted(t *testing.T) {
    w := sample.New(true)
    m := defineMethod(w, "evens", "IL", 5, func(b *dex.MethodBuilder) {
        b.Const(0, 0)
        b.Const(1, 0)
        b.ArrayLength(2, 4)
        b.Label("loop")
        b.If(dex.OP_if_ge, 1, 2, "done")
        b.Op23x(dex.OP_aget, 3, 4, 1)
        b.Op12x(dex.OP_add_int_2addr, 0, 3)
        b.Lit(dex.OP_add_int_lit8, 1, 1, 2)
        b.Goto("loop")
        b.Label("done")
        b.Return(0)
    })

    /* stepping by two cannot be optimised */
    td := desc(m, nil, Run{Offset: 5, Count: 4}, Run{Offset: 3, Count: 1, RunEnd: true})
    cu := BuildTrace(td, 100, Hints{})
    cu.BuildSSA()
    require.False(t, cu.OptimizeLoop())

    /* the rebuilt trace has no loop */
    cu = BuildTrace(td, 100, Hints{NoLoop: true})
    cu.BuildSSA()
    require.True(t, cu.OptimizeLoop())
    assert.False(t, cu.HasLoop)
}

func TestOptimizeLoop_ConstBoundTooLow(t *testing.T) {
    w := sample.New(true)
    m := defineMethod(w, "below", "IL", 4, func(b *dex.MethodBuilder) {
        b.ArrayLength(0, 3)
        b.Const(1, 0)
        b.Label("loop")
        b.If(dex.OP_if_lt, 0, 1, "done")
        b.Op23x(dex.OP_aget, 2, 3, 0)
        b.Const(1, -2)
        b.Lit(dex.OP_add_int_lit8, 0, 0, -1)
        b.Goto("loop")
        b.Label("done")
        b.Return(2)
    })
    cu := BuildTrace(desc(m, nil, Run{Offset: 4, Count: 4}, Run{Offset: 2, Count: 1, RunEnd: true}), 100, Hints{})
    require.True(t, cu.HasLoop)
    cu.BuildSSA()
    require.False(t, cu.OptimizeLoop())
}

func TestInliner_Analyze(t *testing.T) {
    w := sample.New(true)
    il := NewInliner(nil)
    assert.Equal(t, AttrLeaf|AttrGetter, il.Analyze(w.Point.FindMethod("getX")))
    assert.Equal(t, AttrLeaf|AttrGetter, il.Analyze(w.Point.FindMethod("getW")))
    assert.Equal(t, AttrLeaf|AttrSetter, il.Analyze(w.Point.FindMethod("setX")))
    assert.Equal(t, AttrLeaf|AttrThrowFree|AttrEmpty, il.Analyze(w.Point.FindMethod("touch")))
    assert.Equal(t, AttrLeaf|AttrThrowFree, il.Analyze(w.Math.FindMethod("twice")))
    assert.Equal(t, AttrLeaf|AttrThrowFree, il.Analyze(w.Base.FindMethod("value")))
    assert.Equal(t, Attr(0), il.Analyze(w.Math.FindMethod("abs")))
    assert.Equal(t, AttrLeaf|AttrThrowFree|AttrEmpty, il.Analyze(w.Point.FindMethod("touch")))
    assert.Equal(t, "leaf|getter", (AttrLeaf | AttrGetter).String())
    assert.Equal(t, AttrLeaf, il.Analyze(w.Method("sum")))

    /* single stepped opcodes are never inlined */
    il = NewInliner([]dex.Opcode{dex.OP_iget})
    assert.Equal(t, AttrLeaf, il.Analyze(w.Point.FindMethod("getX")))
    assert.Equal(t, AttrLeaf|AttrSetter, il.Analyze(w.Point.FindMethod("setX")))
}

func TestInliner_Unresolved(t *testing.T) {
    ok := sample.New(true)
    bad := sample.New(false)
    getX := bad.Point.FindMethod("getX")
    ins, _ := dex.Decode(getX.Code, 0)
    assert.False(t, CanIncludeInstruction(getX, ins))
    assert.Equal(t, AttrLeaf, NewInliner(nil).Analyze(getX))
    getX = ok.Point.FindMethod("getX")
    ins, _ = dex.Decode(getX.Code, 0)
    assert.True(t, CanIncludeInstruction(getX, ins))

    /* unresolved invokes get no cells and are left alone */
    cu := BuildTrace(sumXTrace(bad), 100, Hints{})
    assert.Empty(t, cu.Cells(CellPredicted))
    assert.Zero(t, NewInliner(nil).Inline(cu))
}

func TestInliner_Inline(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumXTrace(w), 100, Hints{})
    require.Equal(t, 3, NewInliner(nil).Inline(cu))
    println(cu.Dump())

    /* predicted cells are no longer used */
    for _, c := range cu.Cells(CellPredicted) {
        assert.Empty(t, c.Preds)
    }

    /* setX becomes a guarded iput */
    bb := blockAt(cu, BlockCode, 4)
    require.Equal(t, Inlined, bb.First.Flags)
    guard := bb.First.Next
    require.Equal(t, EXT_check_inline_prediction, guard.Ext)
    assert.Equal(t, w.Point, guard.Class)
    assert.Equal(t, []uint32{4}, guard.Uses())
    body := guard.Next
    require.Equal(t, dex.OP_iput, body.Ins.Op)
    assert.Equal(t, uint32(1), body.Ins.A)
    assert.Equal(t, uint32(4), body.Ins.B)
    assert.Equal(t, InlinedPred, body.Flags)
    assert.NotNil(t, body.Field)
    assert.Equal(t, body, bb.Last)

    /* getX loads straight into the result register */
    bb = blockAt(cu, BlockCode, 7)
    body = bb.First.Next.Next
    require.Equal(t, dex.OP_iget, body.Ins.Op)
    assert.Equal(t, uint32(2), body.Ins.A)
    res := blockAt(cu, BlockCode, 10).First
    assert.True(t, res.Ins.Op.IsMoveResult())
    assert.False(t, res.Active())

    /* touch leaves nothing but the guard */
    bb = blockAt(cu, BlockCode, 12)
    assert.Equal(t, EXT_check_inline_prediction, bb.Last.Ext)

    /* and the result still goes through SSA */
    cu.BuildSSA()
    assert.Len(t, bb.Last.SSA.Uses, 1)
    assert.Contains(t, cu.Dump(), "3 inlined")
}

func TestInliner_StaticCalleeKeepsCell(t *testing.T) {
    w := sample.New(true)
    cu := BuildTrace(sumTwiceTrace(w), 100, Hints{})
    assert.Zero(t, NewInliner(nil).Inline(cu))
    require.Len(t, cu.Cells(CellSingleton), 1)
    assert.NotEmpty(t, cu.Cells(CellSingleton)[0].Preds)
}
