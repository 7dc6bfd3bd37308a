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


package jit

import (
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cloudwego/tracejit/internal/jit/cache"
	"github.com/cloudwego/tracejit/internal/jit/codegen"
	"github.com/cloudwego/tracejit/internal/jit/emu"
	"github.com/cloudwego/tracejit/internal/jit/lir"
	"github.com/cloudwego/tracejit/internal/jit/mir"
	"github.com/cloudwego/tracejit/internal/jit/ralloc"
	"github.com/cloudwego/tracejit/internal/jit/table"
	"github.com/cloudwego/tracejit/internal/opts"
	"github.com/cloudwego/tracejit/internal/rt"
	"github.com/cloudwego/tracejit/internal/sample"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	rt    *Runtime
	world *sample.World
	heap  *rt.Heap
	thr   *rt.Thread
}

func newFixture(t *testing.T, fn func(o *opts.Options)) *fixture {
	o := opts.GetDefaultOptions()
	o.Blocking = true
	o.StartupDelay = 0
	o.Logger = zaptest.NewLogger(t)
	if fn != nil {
		fn(&o)
	}

	/* the runtime */
	world := sample.New(true)
	heap := rt.NewHeap()
	threads := rt.NewThreadList()
	ret, err := New(o, world.Reg, heap, threads)
	require.NoError(t, err)

	/* the test goroutine is an attached thread */
	thr := threads.Attach()
	t.Cleanup(func() {
		threads.Detach(thr)
		ret.Close()
	})
	return &fixture{rt: ret, world: world, heap: heap, thr: thr}
}

func (self *fixture) sumTrace() *mir.TraceDesc {
	return &mir.TraceDesc{
		Method: self.world.Method("sum"),
		Runs: []mir.Run{
			{Offset: 5, Count: 4},
			{Offset: 3, Count: 1, RunEnd: true},
		},
	}
}

func (self *fixture) compile(t *testing.T, desc *mir.TraceDesc) uint32 {
	require.True(t, self.rt.Enqueue(desc.Head(), KindTrace, desc))
	self.rt.DrainQueue(self.thr)
	return self.rt.Table().GetCodeAddress(desc.Head())
}

func TestRuntime_InvalidOptions(t *testing.T) {
	o := opts.GetDefaultOptions()
	o.TableSize = 3
	_, err := New(o, sample.New(true).Reg, rt.NewHeap(), rt.NewThreadList())
	require.Error(t, err)
}

func TestRuntime_Compile(t *testing.T) {
	fx := newFixture(t, nil)
	desc := fx.sumTrace()
	code := fx.compile(t, desc)
	require.NotZero(t, code)

	/* published in the table, and recorded by the cache */
	e, ok := fx.rt.Table().Lookup(desc.Head())
	require.True(t, ok)
	assert.Equal(t, table.ISA_lir, e.ISA)
	assert.False(t, e.InProgress)
	frag, ok := fx.rt.Cache().Lookup(code)
	require.True(t, ok)
	assert.Equal(t, desc.Head(), frag.PC)

	/* counters */
	st := fx.rt.Stats()
	spew.Dump(st)
	assert.Equal(t, uint64(1), st.Compiled)
	assert.Equal(t, uint64(1), st.Installed)
	assert.Equal(t, 0, st.Pending)
}

func TestRuntime_CompileMethod(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.world.Method("countDown")
	require.True(t, fx.rt.CompileMethod(m))
	fx.rt.DrainQueue(fx.thr)
	assert.NotZero(t, fx.rt.Table().GetCodeAddress(m.Base))
	assert.False(t, fx.rt.CompileMethod(fx.world.Reg.ClassByName(sample.Math).FindMethod("abs")))
}

func TestRuntime_EnqueueOnce(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) { o.SystemServer = true })
	desc := fx.sumTrace()
	n := gofakeit.Number(2, 32)

	/* everybody asks for the same trace */
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, fx.rt.Enqueue(desc.Head(), KindTrace, desc))
		}()
	}

	/* only one order is queued */
	wg.Wait()
	assert.Equal(t, 1, fx.rt.Len())
	assert.Equal(t, uint64(1), fx.rt.Stats().Enqueued)
	assert.Equal(t, uint64(n-1), fx.rt.Stats().Duplicates)

	/* and compiled once the compiler starts */
	fx.rt.Activate()
	fx.rt.DrainQueue(fx.thr)
	assert.Equal(t, uint64(1), fx.rt.Stats().Compiled)
	assert.NotZero(t, fx.rt.Table().GetCodeAddress(desc.Head()))
}

func TestRuntime_QueueFull(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) {
		o.SystemServer = true
		o.QueueSize = 2
	})

	/* one more than the queue holds */
	m := fx.world.Method("sum")
	for i := uint32(0); i < 2; i++ {
		desc := &mir.TraceDesc{Method: m, Runs: []mir.Run{{Offset: i, Count: 1, RunEnd: true}}}
		require.True(t, fx.rt.Enqueue(desc.Head(), KindTrace, desc))
	}
	desc := &mir.TraceDesc{Method: m, Runs: []mir.Run{{Offset: 2, Count: 1, RunEnd: true}}}
	assert.False(t, fx.rt.Enqueue(desc.Head(), KindTrace, desc))
	assert.Equal(t, uint64(1), fx.rt.Stats().Dropped)
}

func TestRuntime_Abort(t *testing.T) {
	fx := newFixture(t, nil)
	desc := &mir.TraceDesc{Method: fx.world.Method("sum"), Runs: []mir.Run{{Offset: 3, Count: 0, RunEnd: true}}}
	assert.Zero(t, fx.compile(t, desc))

	/* the head is marked as not worth compiling */
	e, ok := fx.rt.Table().Lookup(desc.Head())
	require.True(t, ok)
	assert.Equal(t, table.ISA_none, e.ISA)
	assert.Equal(t, fx.rt.Templates().Of(lir.H_interpret), e.Code)
	assert.False(t, e.InProgress)

	/* nothing has been installed */
	assert.Equal(t, uint64(1), fx.rt.Stats().Aborts)
	assert.Equal(t, fx.rt.Cache().TemplateSize(), fx.rt.Cache().Used())
	assert.Empty(t, fx.rt.Cache().Fragments())
}

func TestRuntime_RetryHalve(t *testing.T) {
	fx := newFixture(t, nil)
	fx.rt.cgcfg.Limits = lir.Limits{Short: 1, Long: 4}
	desc := fx.sumTrace()
	fx.compile(t, desc)

	/* it terminates one way or another */
	st := fx.rt.Stats()
	assert.NotZero(t, st.RetryHalve)
	assert.Equal(t, uint64(1), st.Compiled)
	assert.Equal(t, uint64(1), st.Installed+st.Aborts)
	e, ok := fx.rt.Table().Lookup(desc.Head())
	require.True(t, ok)
	assert.False(t, e.InProgress)
}

func TestRuntime_Discard(t *testing.T) {
	fx := newFixture(t, nil)
	desc := fx.sumTrace()
	require.True(t, fx.rt.Enqueue(desc.Head(), KindTraceDebug, desc))
	fx.rt.DrainQueue(fx.thr)

	/* compiled, never installed */
	_, ok := fx.rt.Table().Lookup(desc.Head())
	assert.False(t, ok)
	assert.Equal(t, uint64(1), fx.rt.Stats().Discarded)
	assert.Equal(t, fx.rt.Cache().TemplateSize(), fx.rt.Cache().Used())
}

func TestRuntime_ResetCache(t *testing.T) {
	fx := newFixture(t, nil)
	code := fx.compile(t, fx.sumTrace())
	require.NotZero(t, code)
	ver := fx.rt.Cache().Version()

	/* a frame waiting for a translation to resume */
	fp := &rt.Frame{Method: fx.world.Method("sum"), Regs: make([]uint32, 5), ReturnAddr: code, ReturnVer: ver}
	fx.thr.Push(fp)

	/* put off while the thread runs translations */
	var ok bool
	fx.thr.EnterCodeCache()
	fx.thr.Waiting(func() { ok = fx.rt.ResetCache() })
	require.False(t, ok)
	assert.Equal(t, uint64(1), fx.rt.Stats().Deferrals)
	assert.Equal(t, code, fx.rt.Table().GetCodeAddress(fx.sumTrace().Head()))

	/* done once it left */
	fx.thr.LeaveCodeCache()
	fx.thr.Waiting(func() { ok = fx.rt.ResetCache() })
	require.True(t, ok)
	assert.Equal(t, ver+1, fx.rt.Cache().Version())
	assert.Zero(t, fx.rt.Table().Len())
	assert.Zero(t, fp.ReturnAddr)
	assert.Empty(t, fx.rt.Cache().Fragments())
	assert.Equal(t, cache.Active, fx.rt.Cache().State())

	/* the translated words are gone */
	for addr := fx.rt.Cache().TemplateSize(); addr < code+8; addr++ {
		require.Zero(t, fx.rt.Cache().Load(addr))
	}
}

func TestRuntime_FullCacheRefusesOrders(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) { o.SystemServer = true })
	fx.rt.Cache().SetState(cache.Full)
	desc := fx.sumTrace()
	assert.False(t, fx.rt.Enqueue(desc.Head(), KindTrace, desc))
	assert.Equal(t, uint64(1), fx.rt.Stats().Dropped)
}

func cellsOf(r *Runtime, code uint32) []codegen.Cell {
	var ret []codegen.Cell
	frag, _ := r.Cache().Lookup(code)
	codegen.WalkCells(r.Cache().Load, frag.Base, frag.Cells, frag.Trailer, func(c codegen.Cell) {
		ret = append(ret, c)
	})
	return ret
}

func TestRuntime_ChainAndUnchain(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) { o.NoLoopOpt = true })
	desc := fx.sumTrace()
	code := fx.compile(t, desc)
	require.NotZero(t, code)

	/* one normal cell back to the head, one to the return */
	cells := cellsOf(fx.rt, code)
	require.Len(t, cells, 2)
	m := emu.New(fx.rt.Env(), fx.thr)
	hook := fx.rt.Env().Hosts[lir.H_normal]

	/* the cell leading to the head chains */
	for _, c := range cells {
		m.LR = c.Addr + 2
		next, exit := hook(m)
		if fx.rt.Cache().Load(m.LR) == desc.Head() {
			require.Nil(t, exit)
			assert.Equal(t, code, next)
			assert.Equal(t, code, fx.rt.Cache().Load(c.Patch()))
		} else {
			require.NotNil(t, exit)
			assert.Equal(t, emu.ExitNormal, exit.Kind)
			assert.Equal(t, c.Addr, exit.Cell)
			assert.Equal(t, fx.world.Method("sum").PC(11), exit.PC)
		}
	}

	/* unchaining restores every cell */
	assert.Equal(t, uint64(1), fx.rt.Stats().Chains)
	fx.rt.UnchainAll()
	for _, c := range cells {
		assert.Equal(t, fx.rt.Templates().Of(lir.H_normal), fx.rt.Cache().Load(c.Patch()))
	}
}

func TestRuntime_PredictedCell(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) { o.RechainThreshold = 3 })
	r := fx.rt
	c := r.Cache()

	/* a fragment holding a single predicted cell and its trailer */
	var p lir.List
	var buf []byte
	p.Op0(lir.OP_nop)
	p.Op0(lir.OP_nop)
	p.Jal(r.Templates().Of(lir.H_predicted))
	p.Word(codegen.NoCode)
	p.Word(0)
	p.Word(0)
	p.Word(0)
	for _, kind := range codegen.CellKinds {
		if kind == mir.CellPredicted {
			p.Word(1)
		} else {
			p.Word(0)
		}
	}
	p.Word(codegen.TrailerEnd)

	/* install it */
	res := p.Assemble(lir.DefaultLimits)
	require.Equal(t, lir.Success, res.Status)
	frag, ok := c.Install(c.Version(), cache.Fragment{Size: res.Size, Trailer: codegen.PredictedWords}, func(base uint32) []byte {
		buf = p.Encode(base)
		return buf
	})
	require.True(t, ok)
	lir.Release(buf)
	rec := frag.Base + codegen.PredictedRecord

	/* the trailer describes exactly that cell */
	var cells []codegen.Cell
	codegen.WalkCells(c.Load, frag.Base, frag.Cells, frag.Trailer, func(cell codegen.Cell) { cells = append(cells, cell) })
	require.Len(t, cells, 1)
	require.Equal(t, rec, cells[0].Record())

	/* a frame stopped at the invoke of sumValues */
	sv := fx.world.Method("sumValues")
	fp := rt.NewFrame(sv, []uint32{0})
	fx.thr.Push(fp)
	base := fx.heap.New(fx.world.Base)
	derived := fx.heap.New(fx.world.Derived)

	/* calls value() on the receiver */
	call := func(recv uint32) *emu.Exit {
		m := emu.New(r.Env(), fx.thr)
		m.PC, m.LR = sv.PC(7), rec
		m.Gr[ralloc.R1] = 0x1234
		fp.Regs[3] = recv
		_, exit := r.predicted(m)
		if exit.Kind == emu.ExitInvoke {
			fx.thr.Pop()
		}
		return exit
	}

	/* trained by the first call */
	exit := call(base)
	assert.Equal(t, emu.ExitInvoke, exit.Kind)
	assert.Equal(t, fx.world.Base.FindMethod("value").Base, exit.PC)
	assert.Equal(t, fx.world.Base.ID, c.Load(rec+codegen.RecordClass))
	assert.Equal(t, codegen.NoCode, c.Load(rec+codegen.RecordCode))
	assert.Equal(t, uint32(0x1234), fp.ReturnAddr)

	/* the prediction holds */
	call(base)
	assert.Equal(t, uint64(1), r.Stats().ICHits)

	/* mispredictions count down before retraining */
	for i := 0; i < 3; i++ {
		exit = call(derived)
		assert.Equal(t, fx.world.Derived.FindMethod("value").Base, exit.PC)
		assert.Equal(t, fx.world.Base.ID, c.Load(rec+codegen.RecordClass))
	}

	/* and it converges to the new receiver */
	call(derived)
	assert.Equal(t, fx.world.Derived.ID, c.Load(rec+codegen.RecordClass))
	assert.Equal(t, uint32(3), c.Load(rec+codegen.RecordCounter))
	assert.Equal(t, uint64(2), r.Stats().ICPatches)
	call(derived)
	assert.Equal(t, uint64(2), r.Stats().ICHits)

	/* null receivers go back to the interpreter */
	assert.Equal(t, emu.ExitException, call(0).Kind)

	/* unchaining forgets the prediction */
	r.UnchainAll()
	assert.Equal(t, codegen.NoCode, c.Load(rec+codegen.RecordCode))
	assert.Zero(t, c.Load(rec+codegen.RecordClass))
	assert.Zero(t, c.Load(rec+codegen.RecordCounter))
}

func TestRuntime_Close(t *testing.T) {
	fx := newFixture(t, nil)
	fx.rt.Close()
	fx.rt.Close()
	desc := fx.sumTrace()
	assert.False(t, fx.rt.Enqueue(desc.Head(), KindTrace, desc))
	fx.rt.DrainQueue(fx.thr)
}
