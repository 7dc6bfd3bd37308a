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


// Package interp is the bytecode interpreter. It finds hot code, selects
// traces for the compiler and runs their translations when it reaches a
// trace head.
package interp

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit"
	"github.com/cloudwego/tracejit/internal/jit/emu"
	"github.com/cloudwego/tracejit/internal/opts"
	"github.com/cloudwego/tracejit/internal/rt"
	"go.uber.org/zap"
)

const (
	_CounterBits = 12
	_CounterSize = 1 << _CounterBits
)

// Interpreter executes bytecode on behalf of attached threads. It is safe
// for concurrent use, each call to Invoke runs on the calling goroutine.
type Interpreter struct {
	jit      *jit.Runtime
	heap     *rt.Heap
	log      *zap.Logger
	opts     opts.Options
	classes  sync.Map
	counters [_CounterSize]atomic.Int32
	stats    counters
}

// New creates an interpreter. Without a runtime every method is purely
// interpreted.
func New(heap *rt.Heap, j *jit.Runtime, log *zap.Logger) *Interpreter {
	ret := &Interpreter{
		jit:  j,
		heap: heap,
	}

	/* the runtime knows the options */
	if j != nil {
		ret.opts = *j.Options()
	} else {
		ret.opts = opts.GetDefaultOptions()
	}

	/* default logger */
	if log == nil {
		log = zap.NewNop()
	}
	ret.log = log.Named("interp")
	return ret
}

// StackElement is a frame of an exception stack trace.
type StackElement struct {
	Method *dex.Method
	PC     dex.PC
}

func (self StackElement) String() string {
	return fmt.Sprintf("%s@%#x", self.Method, self.PC)
}

// Exception is an exception no frame handled. Exceptions are never caught
// by bytecode, they unwind every frame of the invocation.
type Exception struct {
	Class   string
	Message string
	Object  uint32
	Trace   []StackElement
}

func (self *Exception) Error() string {
	var sb strings.Builder
	sb.WriteString("interp: uncaught exception ")
	sb.WriteString(self.Class)

	/* optional message */
	if self.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(self.Message)
	}

	/* innermost frame */
	if len(self.Trace) != 0 {
		sb.WriteString(" at ")
		sb.WriteString(self.Trace[0].String())
	}
	return sb.String()
}

// state is the interpreter state of one invocation.
type state struct {
	thr    *rt.Thread
	base   int
	mach   *emu.Machine
	sel    *selection
	enter  uint32
	callee *dex.Method
	class  *dex.Class
}

// Invoke calls m with args on thr and returns the raw return value, wide
// values are returned whole.
func (self *Interpreter) Invoke(thr *rt.Thread, m *dex.Method, args []uint32) (uint64, error) {
	if m.IsNative() {
		return self.invokeNative(thr, m, args)
	}

	/* the machine runs translations on behalf of this thread */
	st := &state{thr: thr, base: len(thr.Frames)}
	if self.jit != nil {
		st.mach = emu.New(self.jit.Env(), thr)
	}

	/* run until the frame returns */
	thr.Push(rt.NewFrame(m, args))
	self.stats.invokes.Add(1)
	self.head(st, m.Base, false)

	/* deliver uncaught exceptions */
	if err := self.run(st); err != nil {
		return 0, err
	} else {
		return thr.Retval, nil
	}
}

func (self *Interpreter) invokeNative(thr *rt.Thread, m *dex.Method, args []uint32) (uint64, error) {
	if rt.CallNative(thr, m, args) {
		return thr.Retval, nil
	}

	/* the native failed */
	exc := thr.Exception
	if thr.Exception = nil; exc == nil {
		exc = &rt.Throwable{Class: rt.ExcNative, Message: m.Name}
	}
	self.stats.exceptions.Add(1)
	return 0, &Exception{Class: exc.Class, Message: exc.Message, Trace: []StackElement{{Method: m, PC: m.Base}}}
}

func (self *Interpreter) run(st *state) error {
	for {
		if st.thr.Exception != nil {
			return self.unwind(st)
		}

		/* the invoked frame returned */
		if len(st.thr.Frames) <= st.base {
			self.abandon(st)
			return nil
		}

		/* run the translation if there is one, otherwise interpret */
		if addr := st.enter; addr != 0 {
			st.enter = 0
			self.execute(st, addr)
		} else {
			self.step(st)
		}
	}
}

// unwind pops every frame of the invocation and converts the pending
// exception into an error.
func (self *Interpreter) unwind(st *state) error {
	thr := st.thr
	exc := thr.Exception
	ret := &Exception{Class: exc.Class, Message: exc.Message, Object: exc.Object}

	/* abandon the trace being selected */
	self.abandon(st)
	thr.Exception = nil

	/* pop the frames */
	for len(thr.Frames) > st.base {
		fp := thr.Pop()
		ret.Trace = append(ret.Trace, StackElement{Method: fp.Method, PC: fp.PC})
	}

	/* the caller may have been left by a translation */
	if fp := thr.Top(); fp != nil {
		fp.ReturnAddr = 0
	}

	/* log the exception */
	self.stats.exceptions.Add(1)
	self.log.Debug("uncaught exception", zap.String("class", ret.Class), zap.String("message", ret.Message), zap.Int("depth", len(ret.Trace)))
	return ret
}

// returned continues the caller after the callee frame was popped.
func (self *Interpreter) returned(st *state) {
	if len(st.thr.Frames) <= st.base {
		return
	}

	/* resume the translation that called, if still valid */
	fp := st.thr.Top()
	if addr, ver := fp.ReturnAddr, fp.ReturnVer; addr != 0 {
		fp.ReturnAddr = 0
		if st.mach != nil && ver == self.jit.Cache().Version() {
			st.enter = addr
			return
		}
	}

	/* otherwise interpret past the invoke */
	_, width := dex.Decode(fp.Method.Code, fp.Method.Offset(fp.PC))
	fp.PC += width
}

// classObject returns the instance standing for cls.
func (self *Interpreter) classObject(cls *dex.Class) uint32 {
	if v, ok := self.classes.Load(cls.ID); ok {
		return v.(uint32)
	}
	h := self.heap.NewString(cls.Name)
	v, _ := self.classes.LoadOrStore(cls.ID, h)
	return v.(uint32)
}
