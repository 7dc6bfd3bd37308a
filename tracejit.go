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


// Package tracejit runs register based bytecode on an interpreter paired
// with a trace compiler. Hot loops are recorded as traces, translated and
// installed into a code cache, where translations chain to each other.
package tracejit

import (
	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/interp"
	"github.com/cloudwego/tracejit/internal/jit"
	"github.com/cloudwego/tracejit/internal/jit/table"
	"github.com/cloudwego/tracejit/internal/opts"
	"github.com/cloudwego/tracejit/internal/rt"
	"go.uber.org/zap"
)

// VM executes the methods of a registry.
type VM struct {
	log     *zap.Logger
	reg     *dex.Registry
	heap    *rt.Heap
	threads *rt.ThreadList
	jit     *jit.Runtime
	interp  *interp.Interpreter
}

// Fragment is a translation installed in the code cache.
type Fragment struct {
	PC     dex.PC
	Method string
	Base   uint32
	Code   []uint32
}

// Stats is a snapshot of the VM counters.
type Stats struct {
	JIT    jit.Stats
	Interp interp.Stats
}

// New creates a VM for the classes of reg and starts its compiler.
func New(reg *dex.Registry, options ...Option) (*VM, error) {
	o := opts.GetDefaultOptions()
	for _, fn := range options {
		fn(&o)
	}

	/* check the options */
	if err := o.Validate(); err != nil {
		return nil, ConfigError{Err: err}
	}

	/* default logger */
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	/* the shared runtime state */
	ret := &VM{
		log:     o.Logger,
		reg:     reg,
		heap:    rt.NewHeap(),
		threads: rt.NewThreadList(),
	}

	/* start the compiler */
	j, err := jit.New(o, reg, ret.heap, ret.threads)
	if err != nil {
		return nil, ConfigError{Err: err}
	}

	/* the interpreter runs the translations */
	ret.jit = j
	ret.interp = interp.New(ret.heap, j, o.Logger)
	return ret, nil
}

func (self *VM) Heap() *rt.Heap {
	return self.heap
}

func (self *VM) Registry() *dex.Registry {
	return self.reg
}

// Call invokes m with the raw argument words on a thread attached for the
// duration of the call. Uncaught exceptions are returned as
// *interp.Exception.
func (self *VM) Call(m *dex.Method, args ...uint32) (uint64, error) {
	thr := self.threads.Attach()
	defer self.threads.Detach(thr)
	return self.interp.Invoke(thr, m, args)
}

// Compile translates the whole body of m and waits for the translation.
func (self *VM) Compile(m *dex.Method) error {
	if !self.jit.CompileMethod(m) {
		return CompileError{Method: m.String(), PC: m.Base, Reason: "request refused"}
	}

	/* wait for the compiler */
	self.jit.Activate()
	thr := self.threads.Attach()
	self.jit.DrainQueue(thr)
	self.threads.Detach(thr)

	/* check the result */
	if e, ok := self.jit.Table().Lookup(m.Base); !ok || e.InProgress {
		return CompileError{Method: m.String(), PC: m.Base, Reason: "translation dropped"}
	} else if e.ISA == table.ISA_none {
		return CompileError{Method: m.String(), PC: m.Base, Reason: "compilation aborted"}
	} else {
		return nil
	}
}

// Reset drops every translation. It returns false if a thread is running
// translations, in which case nothing is dropped.
func (self *VM) Reset() bool {
	return self.jit.ResetCache()
}

func (self *VM) Stats() Stats {
	return Stats{
		JIT:    self.jit.Stats(),
		Interp: self.interp.Stats(),
	}
}

// Fragments returns a snapshot of every installed translation, in code cache
// order.
func (self *VM) Fragments() []Fragment {
	c := self.jit.Cache()
	fv := c.Fragments()
	ret := make([]Fragment, 0, len(fv))

	/* copy out the code words */
	for _, f := range fv {
		name := "?"
		if m := self.reg.MethodAt(f.PC); m != nil {
			name = m.String()
		}
		ret = append(ret, Fragment{
			PC:     f.PC,
			Method: name,
			Base:   f.Base,
			Code:   c.Words(f.Base, f.Size),
		})
	}
	return ret
}

// Close stops the compiler. Running calls are not affected, they continue
// without new translations.
func (self *VM) Close() {
	self.jit.Close()
	_ = self.log.Sync()
}
