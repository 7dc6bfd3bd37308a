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
	"fmt"
	"sync/atomic"

	"github.com/cloudwego/tracejit/internal/dex"
)

const (
	ExcNullPointer       = "Ljava/lang/NullPointerException;"
	ExcArrayIndex        = "Ljava/lang/ArrayIndexOutOfBoundsException;"
	ExcArithmetic        = "Ljava/lang/ArithmeticException;"
	ExcNegativeArraySize = "Ljava/lang/NegativeArraySizeException;"
	ExcNoClassDef        = "Ljava/lang/NoClassDefFoundError;"
	ExcNoSuchField       = "Ljava/lang/NoSuchFieldError;"
	ExcNoSuchMethod      = "Ljava/lang/NoSuchMethodError;"
	ExcIncompatible      = "Ljava/lang/IncompatibleClassChangeError;"
	ExcNative            = "Ljava/lang/RuntimeException;"
)

// Throwable is a pending exception. Object is the thrown instance for
// exceptions raised by bytecode, and 0 for those raised by the runtime.
type Throwable struct {
	Class   string
	Message string
	Object  uint32
	PC      dex.PC
}

func (self *Throwable) String() string {
	if self.Message == "" {
		return self.Class
	} else {
		return self.Class + ": " + self.Message
	}
}

// Frame is an activation record. Regs is also the home location of every
// virtual register for compiled code, which keeps it exact at any exit.
type Frame struct {
	Method     *dex.Method
	Regs       []uint32
	PC         dex.PC
	ReturnAddr uint32
	ReturnVer  uint32
}

// NewFrame creates a frame for m with the arguments placed in the highest
// numbered registers.
func NewFrame(m *dex.Method, args []uint32) *Frame {
	if len(args) != m.Ins {
		panic(fmt.Sprintf("rt: %s expects %d argument words, got %d", m, m.Ins, len(args)))
	}
	regs := make([]uint32, m.Registers)
	copy(regs[m.Registers-m.Ins:], args)
	return &Frame{Method: m, Regs: regs, PC: m.Base}
}

func (self *Frame) Wide(r uint32) uint64 {
	return uint64(self.Regs[r]) | uint64(self.Regs[r+1])<<32
}

func (self *Frame) SetWide(r uint32, v uint64) {
	self.Regs[r] = uint32(v)
	self.Regs[r+1] = uint32(v >> 32)
}

// Thread is the per-goroutine execution state. Only the owning goroutine
// touches it, except for the in-code-cache word which other goroutines read
// at safe points.
type Thread struct {
	ID        int
	Frames    []*Frame
	Retval    uint64
	Exception *Throwable
	inCache   atomic.Uint32
	list      *ThreadList
}

func (self *Thread) Top() *Frame {
	if n := len(self.Frames); n == 0 {
		return nil
	} else {
		return self.Frames[n-1]
	}
}

func (self *Thread) Push(fp *Frame) {
	self.Frames = append(self.Frames, fp)
}

func (self *Thread) Pop() *Frame {
	n := len(self.Frames) - 1
	fp := self.Frames[n]
	self.Frames[n] = nil
	self.Frames = self.Frames[:n]
	return fp
}

// Throw records a runtime exception raised at pc.
func (self *Thread) Throw(class string, pc dex.PC, format string, args ...interface{}) {
	self.Exception = &Throwable{
		Class:   class,
		Message: fmt.Sprintf(format, args...),
		PC:      pc,
	}
}

func (self *Thread) EnterCodeCache() {
	self.inCache.Store(1)
}

func (self *Thread) LeaveCodeCache() {
	self.inCache.Store(0)
}

// InCodeCache reports whether the thread is executing compiled code.
func (self *Thread) InCodeCache() bool {
	return self.inCache.Load() != 0
}

// Poll is a safe point.
func (self *Thread) Poll() {
	self.list.Poll()
}

// Waiting runs fn as a safe region, during which the thread does not
// hold back a global suspension.
func (self *Thread) Waiting(fn func()) {
	self.list.Waiting(fn)
}
