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

package rt

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadList_SuspendAll(t *testing.T) {
	var wg sync.WaitGroup
	var stop atomic.Bool
	var ticks atomic.Int64
	tl := NewThreadList()

	/* start a few mutators polling at safe points */
	for i := 0; i < 4; i++ {
		ready := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			thr := tl.Attach()
			defer tl.Detach(thr)
			close(ready)
			for !stop.Load() {
				ticks.Add(1)
				thr.Poll()
			}
		}()
		<-ready
	}

	/* no mutator makes progress while suspended */
	require.Equal(t, 4, tl.Len())
	tl.SuspendAll()
	n := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load()-n, int64(4))
	tl.ResumeAll()

	/* and they resume afterwards */
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, ticks.Load(), n+4)
	stop.Store(true)
	wg.Wait()
	assert.Equal(t, 0, tl.Len())
}

func TestThreadList_WaitingIsSafe(t *testing.T) {
	tl := NewThreadList()
	thr := tl.Attach()
	done := make(chan struct{})
	thr.Waiting(func() {
		go func() {
			tl.SuspendAll()
			tl.ResumeAll()
			close(done)
		}()
		<-done
	})
	tl.Detach(thr)
}

func TestFrame_Arguments(t *testing.T) {
	reg := dex.NewRegistry()
	cls := reg.DefineClass("LFoo;", nil, reg.NewPool())
	m := reg.AddMethod(cls, "f", "IJI", 0, 6, []uint16{uint16(dex.OP_return_void)})
	require.Equal(t, 4, m.Ins)
	fp := NewFrame(m, []uint32{7, 1, 2, 3})
	assert.Equal(t, []uint32{0, 0, 7, 1, 2, 3}, fp.Regs)
	assert.Equal(t, uint64(2)<<32|1, fp.Wide(3))
	assert.Panics(t, func() { NewFrame(m, nil) })
}

func TestDispatch_Virtual(t *testing.T) {
	reg := dex.NewRegistry()
	pool := reg.NewPool()
	base := reg.DefineClass("LBase;", nil, pool)
	bm := reg.AddMethod(base, "get", "I", 0, 1, []uint16{uint16(dex.OP_return_void)})
	sub := reg.DefineClass("LSub;", base, pool)
	sm := reg.AddMethod(sub, "get", "I", 0, 1, []uint16{uint16(dex.OP_return_void)})
	heap := NewHeap()
	tl := NewThreadList()
	thr := tl.Attach()
	defer tl.Detach(thr)
	thr.Push(&Frame{Method: bm, PC: bm.Base})

	/* receivers select the override */
	assert.Equal(t, bm, Dispatch(thr, heap, dex.OP_invoke_virtual, bm, bm, heap.New(base)))
	assert.Equal(t, sm, Dispatch(thr, heap, dex.OP_invoke_virtual, bm, bm, heap.New(sub)))
	assert.Equal(t, sm, Dispatch(thr, heap, dex.OP_invoke_interface, bm, bm, heap.New(sub)))
	assert.Equal(t, bm, Dispatch(thr, heap, dex.OP_invoke_super, sm, sm, heap.New(sub)))

	/* null receivers throw */
	assert.Nil(t, Dispatch(thr, heap, dex.OP_invoke_virtual, bm, bm, 0))
	require.NotNil(t, thr.Exception)
	assert.Equal(t, ExcNullPointer, thr.Exception.Class)
}

func TestCallNative_WithoutFrame(t *testing.T) {
	reg := dex.NewRegistry()
	cls := reg.DefineClass("LNative;", nil, reg.NewPool())
	m := reg.AddNative(cls, "fail", "II", dex.AccStatic, func(args []uint32) (uint64, error) {
		return 0, errors.New("negative input")
	})
	tl := NewThreadList()
	thr := tl.Attach()
	defer tl.Detach(thr)

	/* no calling frame, the exception is raised at pc 0 */
	assert.NotPanics(t, func() { assert.False(t, CallNative(thr, m, []uint32{1})) })
	require.NotNil(t, thr.Exception)
	assert.Equal(t, ExcNative, thr.Exception.Class)
	assert.Equal(t, dex.PC(0), thr.Exception.PC)
	assert.Equal(t, "fail: negative input", thr.Exception.Message)
}
