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


package interp

import (
	"errors"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit"
	"github.com/cloudwego/tracejit/internal/opts"
	"github.com/cloudwego/tracejit/internal/rt"
	"github.com/cloudwego/tracejit/internal/sample"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	in    *Interpreter
	jit   *jit.Runtime
	world *sample.World
	heap  *rt.Heap
	thr   *rt.Thread
}

// newFixture creates an interpreter over the sample world. fn tunes the
// options of the runtime, no runtime is created if fn is nil.
func newFixture(t *testing.T, fn func(o *opts.Options)) *fixture {
	world := sample.New(true)
	heap := rt.NewHeap()
	threads := rt.NewThreadList()
	ret := &fixture{world: world, heap: heap}

	/* the runtime, if any */
	if fn != nil {
		o := opts.GetDefaultOptions()
		o.Blocking = true
		o.StartupDelay = 0
		o.Threshold = 2
		o.Logger = zaptest.NewLogger(t)
		fn(&o)

		/* start the compiler */
		j, err := jit.New(o, world.Reg, heap, threads)
		require.NoError(t, err)
		ret.jit = j
	}

	/* the test goroutine is an attached thread */
	ret.in = New(heap, ret.jit, zaptest.NewLogger(t))
	ret.thr = threads.Attach()
	t.Cleanup(func() {
		threads.Detach(ret.thr)
		if ret.jit != nil {
			ret.jit.Close()
		}
	})
	return ret
}

func (self *fixture) call(t *testing.T, name string, args ...uint32) uint64 {
	ret, err := self.in.Invoke(self.thr, self.world.Method(name), args)
	require.NoError(t, err)
	require.Empty(t, self.thr.Frames)
	return ret
}

func (self *fixture) fail(t *testing.T, name string, args ...uint32) *Exception {
	_, err := self.in.Invoke(self.thr, self.world.Method(name), args)
	var exc *Exception
	require.True(t, errors.As(err, &exc), "unexpected error: %v", err)
	require.Empty(t, self.thr.Frames)
	require.Nil(t, self.thr.Exception)
	return exc
}

func randomInts(n int) []int32 {
	ret := make([]int32, n)
	for i := range ret {
		ret[i] = int32(gofakeit.Number(-1000, 1000))
	}
	return ret
}

// testCase builds the arguments of a sample method and the expected result.
type testCase struct {
	name string
	args func(fx *fixture) ([]uint32, uint64)
}

func sumOf(v []int32) (ret int32) {
	for _, x := range v {
		ret += x
	}
	return
}

var testCases = []testCase{
	{"sum", func(fx *fixture) ([]uint32, uint64) {
		v := randomInts(gofakeit.Number(50, 200))
		return []uint32{fx.heap.NewIntArray(v)}, uint64(uint32(sumOf(v)))
	}},
	{"sumDown", func(fx *fixture) ([]uint32, uint64) {
		v := randomInts(gofakeit.Number(50, 200))
		return []uint32{fx.heap.NewIntArray(v)}, uint64(uint32(sumOf(v)))
	}},
	{"sumPairs", func(fx *fixture) ([]uint32, uint64) {
		var ret int32
		v := randomInts(gofakeit.Number(50, 200))
		for i := 0; i < len(v)-1; i++ {
			ret += v[i] * v[i+1]
		}
		return []uint32{fx.heap.NewIntArray(v)}, uint64(uint32(ret))
	}},
	{"fill", func(fx *fixture) ([]uint32, uint64) {
		n := gofakeit.Number(50, 200)
		return []uint32{fx.heap.NewArray(n, false), uint32(n)}, uint64(n)
	}},
	{"longSum", func(fx *fixture) ([]uint32, uint64) {
		n := gofakeit.Number(50, 200)
		return []uint32{uint32(n)}, uint64(n * (n - 1) / 2)
	}},
	{"countDown", func(fx *fixture) ([]uint32, uint64) {
		n := gofakeit.Number(50, 200)
		return []uint32{uint32(n)}, uint64(n * (n + 1) / 2)
	}},
	{"sumX", func(fx *fixture) ([]uint32, uint64) {
		n := gofakeit.Number(50, 200)
		return []uint32{fx.heap.New(fx.world.Point), uint32(n)}, uint64(n * (n - 1) / 2)
	}},
	{"sumValues", func(fx *fixture) ([]uint32, uint64) {
		var ret uint64
		n := gofakeit.Number(50, 200)
		arr := fx.heap.NewArray(n, false)
		for i := 0; i < n; i++ {
			if gofakeit.Bool() {
				fx.heap.Get(arr).Array[i], ret = fx.heap.New(fx.world.Base), ret+1
			} else {
				fx.heap.Get(arr).Array[i], ret = fx.heap.New(fx.world.Derived), ret+2
			}
		}
		return []uint32{arr}, ret
	}},
	{"sumTwice", func(fx *fixture) ([]uint32, uint64) {
		n := gofakeit.Number(50, 200)
		return []uint32{uint32(n)}, uint64(3 * n * (n - 1) / 2)
	}},
	{"select", func(fx *fixture) ([]uint32, uint64) {
		var ret uint64
		k, n := gofakeit.Number(0, 100), gofakeit.Number(50, 200)
		for i := 0; i < n; i++ {
			ret += [...]uint64{1, 10, 20, 100}[(k+i)&3]
		}
		return []uint32{uint32(k), uint32(n)}, ret
	}},
	{"divide", func(fx *fixture) ([]uint32, uint64) {
		a, b, n := int32(gofakeit.Number(-10000, 10000)), int32(gofakeit.Number(1, 100)), int32(gofakeit.Number(50, 200))
		return []uint32{uint32(a), uint32(b), uint32(n)}, uint64(uint32(a / b * n))
	}},
	{"strings", func(fx *fixture) ([]uint32, uint64) {
		n := gofakeit.Number(50, 200)
		return []uint32{uint32(n)}, uint64(n)
	}},
}

func (self testCase) run(t *testing.T, fx *fixture) {
	args, want := self.args(fx)
	ret := fx.call(t, self.name, args...)
	if fx.world.Method(self.name).Shorty[0] != 'J' {
		ret = uint64(uint32(ret))
	}
	assert.Equal(t, want, ret, "%s(%v)", self.name, args)
}

func TestInterpreter_Interpret(t *testing.T) {
	fx := newFixture(t, nil)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) { tc.run(t, fx) })
	}
	assert.Zero(t, fx.in.Stats().Selections)
}

func TestInterpreter_Compiled(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) {})
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, fx)
			tc.run(t, fx)
		})
	}

	/* traces were selected and executed */
	st := fx.in.Stats()
	spew.Dump(st, fx.jit.Stats())
	assert.NotZero(t, st.Traces)
	assert.NotZero(t, st.Entries)
	assert.NotZero(t, fx.jit.Stats().Installed)
}

func TestInterpreter_CompiledWithoutLoops(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) {
		o.NoLoopOpt = true
		o.NoInline = true
	})
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) { tc.run(t, fx) })
	}
	assert.NotZero(t, fx.in.Stats().Entries)
}

func TestInterpreter_TraceSelection(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) { o.Threshold = 1 })
	m := fx.world.Method("sum")
	v := randomInts(50)
	require.Equal(t, uint64(uint32(sumOf(v))), fx.call(t, "sum", fx.heap.NewIntArray(v)))

	/* the loop head is the target of the backward goto */
	e, ok := fx.jit.Table().Lookup(m.PC(3))
	require.True(t, ok)
	assert.False(t, e.InProgress)
	assert.NotZero(t, e.Code)

	/* nothing is left half selected */
	st := fx.in.Stats()
	assert.Equal(t, st.Selections, st.Traces+st.Dropped+st.Abandoned)
}

func TestInterpreter_SingleStep(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) {
		o.SingleStepOps = []string{"add-int/2addr"}
	})
	v := randomInts(100)
	require.Equal(t, uint64(uint32(sumOf(v))), fx.call(t, "sum", fx.heap.NewIntArray(v)))
	assert.NotZero(t, fx.in.Stats().SingleSteps)
}

func TestInterpreter_ResetWhileRunning(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) {})
	v := randomInts(100)
	tc := testCases[0]
	tc.run(t, fx)

	/* drop every translation, then run again */
	fx.thr.Waiting(func() { require.True(t, fx.jit.ResetCache()) })
	assert.Zero(t, fx.jit.Table().Len())
	require.Equal(t, uint64(uint32(sumOf(v))), fx.call(t, "sum", fx.heap.NewIntArray(v)))
}

func TestInterpreter_Native(t *testing.T) {
	fx := newFixture(t, nil)
	abs := fx.world.Math.FindMethod("abs")
	ret, err := fx.in.Invoke(fx.thr, abs, []uint32{uint32(0xfffffffb)})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ret)

	/* failing natives raise an exception */
	_, err = fx.in.Invoke(fx.thr, fx.world.Math.FindMethod("check"), []uint32{uint32(0xffffffff)})
	var exc *Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, rt.ExcNative, exc.Class)
	assert.Contains(t, exc.Message, "check")
	require.Len(t, exc.Trace, 1)
	assert.Equal(t, "check", exc.Trace[0].Method.Name)
	assert.Nil(t, fx.thr.Exception)
	assert.Empty(t, fx.thr.Frames)
}

func TestInterpreter_Exceptions(t *testing.T) {
	for _, withJIT := range []bool{false, true} {
		var fx *fixture
		if withJIT {
			fx = newFixture(t, func(o *opts.Options) {})
		} else {
			fx = newFixture(t, nil)
		}

		/* division by zero */
		exc := fx.fail(t, "divZero", 7)
		assert.Equal(t, rt.ExcArithmetic, exc.Class)
		require.Len(t, exc.Trace, 1)
		assert.Equal(t, fx.world.Method("divZero"), exc.Trace[0].Method)
		assert.Contains(t, exc.Error(), "ArithmeticException")

		/* null arrays */
		exc = fx.fail(t, "sum", 0)
		assert.Equal(t, rt.ExcNullPointer, exc.Class)

		/* out of bounds */
		exc = fx.fail(t, "fill", fx.heap.NewArray(10, false), 50)
		assert.Equal(t, rt.ExcArrayIndex, exc.Class)

		/* the native fails once the counter goes negative */
		exc = fx.fail(t, "checked", uint32(gofakeit.Number(10, 100)))
		assert.Equal(t, rt.ExcNative, exc.Class)
		assert.Equal(t, "check: negative value", exc.Message)

		/* null receivers */
		exc = fx.fail(t, "sumX", 0, 10)
		assert.Equal(t, rt.ExcNullPointer, exc.Class)

		/* dividing by zero in a hot loop */
		exc = fx.fail(t, "divide", 1, 0, 100)
		assert.Equal(t, rt.ExcArithmetic, exc.Class)
	}
}

func TestInterpreter_Objects(t *testing.T) {
	fx := newFixture(t, nil)
	w := fx.world

	/* fields, wide arrays and conversions */
	b := dex.NewMethodBuilder(w.Pool)
	b.NewInstance(0, sample.Point)
	b.Const(1, 42)
	b.IPut(dex.OP_iput, 1, 0, sample.Point, "x")
	b.IGet(dex.OP_iget, 2, 0, sample.Point, "x")
	b.Const(3, 3)
	b.NewArray(4, 3, "[J")
	b.ConstWide(5, -7)
	b.Const(7, 1)
	b.Op23x(dex.OP_aput_wide, 5, 4, 7)
	b.Op23x(dex.OP_aget_wide, 8, 4, 7)
	b.Op12x(dex.OP_long_to_int, 1, 8)
	b.Op12x(dex.OP_add_int_2addr, 2, 1)
	b.ArrayLength(1, 4)
	b.Op12x(dex.OP_add_int_2addr, 2, 1)
	b.Return(2)
	w.Reg.AddMethod(w.Main, "objects", "I", dex.AccStatic, 10, b.Build())
	assert.Equal(t, uint64(38), fx.call(t, "objects"))

	/* class objects are unique */
	b = dex.NewMethodBuilder(w.Pool)
	b.ConstClass(0, sample.Point)
	b.ConstClass(1, sample.Point)
	b.Op23x(dex.OP_sub_int, 2, 0, 1)
	b.Return(2)
	w.Reg.AddMethod(w.Main, "classes", "I", dex.AccStatic, 3, b.Build())
	assert.Equal(t, uint64(0), fx.call(t, "classes"))

	/* unknown classes */
	b = dex.NewMethodBuilder(w.Pool)
	b.NewInstance(0, "LMissing;")
	b.ReturnObject(0)
	w.Reg.AddMethod(w.Main, "missing", "L", dex.AccStatic, 1, b.Build())
	assert.Equal(t, rt.ExcNoClassDef, fx.fail(t, "missing").Class)

	/* thrown instances */
	b = dex.NewMethodBuilder(w.Pool)
	b.NewInstance(0, sample.Point)
	b.Throw(0)
	w.Reg.AddMethod(w.Main, "throws", "V", dex.AccStatic, 1, b.Build())
	exc := fx.fail(t, "throws")
	assert.Equal(t, sample.Point, exc.Class)
	assert.NotZero(t, exc.Object)

	/* negative array sizes */
	b = dex.NewMethodBuilder(w.Pool)
	b.NewArray(0, 1, "[I")
	b.ReturnObject(0)
	w.Reg.AddMethod(w.Main, "negative", "LI", dex.AccStatic, 2, b.Build())
	assert.Equal(t, rt.ExcNegativeArraySize, fx.fail(t, "negative", uint32(0xffffffff)).Class)
}

func TestInterpreter_Concurrent(t *testing.T) {
	fx := newFixture(t, func(o *opts.Options) { o.Blocking = false })
	threads := gofakeit.Number(2, 8)
	done := make(chan error, threads)

	/* every thread runs the same loops */
	for i := 0; i < threads; i++ {
		v := randomInts(200)
		arr := fx.heap.NewIntArray(v)
		go func() {
			thr := fx.jit.Threads().Attach()
			defer fx.jit.Threads().Detach(thr)
			for j := 0; j < 20; j++ {
				ret, err := fx.in.Invoke(thr, fx.world.Method("sum"), []uint32{arr})
				if err != nil {
					done <- err
					return
				}
				if int32(ret) != sumOf(v) {
					done <- errors.New("wrong sum")
					return
				}
			}
			done <- nil
		}()
	}

	/* the test thread must not hold back suspensions */
	fx.thr.Waiting(func() {
		for i := 0; i < threads; i++ {
			require.NoError(t, <-done)
		}
	})
}
