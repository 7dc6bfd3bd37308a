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

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit/cache"
	"github.com/cloudwego/tracejit/internal/jit/codegen"
	"github.com/cloudwego/tracejit/internal/jit/emu"
	"github.com/cloudwego/tracejit/internal/jit/lir"
	"github.com/cloudwego/tracejit/internal/jit/mir"
	"github.com/cloudwego/tracejit/internal/jit/table"
	"github.com/cloudwego/tracejit/internal/opts"
	"github.com/cloudwego/tracejit/internal/rt"
	"go.uber.org/zap"
)

// Runtime owns the code cache, the translation table and the compiler
// goroutine. Interpreters request translations with Enqueue and run them
// on machines sharing Env.
type Runtime struct {
	mu      sync.Mutex
	icmu    sync.Mutex
	once    sync.Once
	stop    sync.Once
	opts    opts.Options
	log     *zap.Logger
	reg     *dex.Registry
	threads *rt.ThreadList
	cache   *cache.Cache
	table   *table.Table
	tpl     *codegen.Templates
	env     *emu.Env
	inliner *mir.Inliner
	cgcfg   codegen.Config
	queue   workQueue
	stats   counters
	active  chan struct{}
	halt    chan struct{}
	done    chan struct{}
}

// New creates a runtime and starts its compiler.
func New(o opts.Options, reg *dex.Registry, heap *rt.Heap, threads *rt.ThreadList) (*Runtime, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	/* default logger */
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	/* create the runtime */
	ret := &Runtime{
		opts:    o,
		log:     o.Logger.Named("jit"),
		reg:     reg,
		threads: threads,
		table:   table.New(o.TableSize, o.MaxTableSize),
		active:  make(chan struct{}),
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	/* load the templates */
	ret.cache = cache.New(o.CodeCacheSize, ret.log)
	ret.loadTemplates()

	/* opcodes that are always interpreted */
	var ops []dex.Opcode
	ret.cgcfg = codegen.Config{Profile: o.Profile, SingleStep: o.SingleStepSet()}
	for op, ok := range ret.cgcfg.SingleStep {
		if ok {
			ops = append(ops, dex.Opcode(op))
		}
	}

	/* the inliner and the execution environment */
	ret.inliner = mir.NewInliner(ops)
	ret.env = &emu.Env{Cache: ret.cache, Heap: heap, Reg: reg}
	ret.bindHosts(ret.env)

	/* start the compiler */
	ret.queue.init(o.QueueSize)
	go ret.compiler()
	ret.log.Info("jit started",
		zap.Int("threshold", o.Threshold),
		zap.Uint32("cache_words", ret.cache.Size()),
		zap.Int("table_size", o.TableSize),
	)
	return ret, nil
}

func (self *Runtime) loadTemplates() {
	out, tpl := codegen.BuildTemplates(cache.TemplateBase)
	buf := out.Encode(cache.TemplateBase)
	self.cache.LoadTemplates(buf)
	self.tpl = tpl
	lir.Release(buf)
}

func (self *Runtime) Options() *opts.Options {
	return &self.opts
}

func (self *Runtime) Env() *emu.Env {
	return self.env
}

func (self *Runtime) Cache() *cache.Cache {
	return self.cache
}

func (self *Runtime) Table() *table.Table {
	return self.table
}

func (self *Runtime) Templates() *codegen.Templates {
	return self.tpl
}

func (self *Runtime) Threads() *rt.ThreadList {
	return self.threads
}

// CompileMethod asks for a translation of the whole method m.
func (self *Runtime) CompileMethod(m *dex.Method) bool {
	if m.IsNative() || len(m.Code) == 0 {
		return false
	} else {
		return self.Enqueue(m.Base, KindMethod, &mir.TraceDesc{Method: m})
	}
}

// Close stops the compiler and unchains every translation, pending orders
// are dropped.
func (self *Runtime) Close() {
	self.stop.Do(func() {
		close(self.halt)
		self.queue.stop()
		<-self.done
		self.UnchainAll()
		self.log.Info("jit stopped", zap.Uint64("compiled", self.stats.compiled.Load()), zap.Uint64("installed", self.stats.installed.Load()))
	})
}
