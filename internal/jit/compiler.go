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
	"errors"
	"time"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit/amd64"
	"github.com/cloudwego/tracejit/internal/jit/cache"
	"github.com/cloudwego/tracejit/internal/jit/codegen"
	"github.com/cloudwego/tracejit/internal/jit/lir"
	"github.com/cloudwego/tracejit/internal/jit/mir"
	"github.com/cloudwego/tracejit/internal/jit/table"
	"go.uber.org/zap"
)

const (
	_MaxLoadFactor = 0.75
)

var (
	errLoopRetry = errors.New("jit: loop cannot be optimised")
)

func (self *Runtime) rescue(ep *error) {
	if val := recover(); val != nil {
		if err, ok := val.(error); ok {
			*ep = err
		} else {
			panic(val)
		}
	}
}

// waitStartup holds the compiler back for a while after start, or until
// activated when running in the system server. Requests arriving early
// end the wait.
func (self *Runtime) waitStartup() bool {
	var delay <-chan time.Time
	if !self.opts.SystemServer && !self.opts.Blocking {
		delay = time.After(self.opts.StartupDelay)
	} else if !self.opts.SystemServer {
		return true
	}

	/* wait for any of them */
	select {
	case <-self.active:
		return true
	case <-delay:
		return true
	case <-self.halt:
		return false
	}
}

func (self *Runtime) activate() {
	if !self.opts.SystemServer {
		self.once.Do(func() { close(self.active) })
	}
}

// Activate starts the compiler of a runtime that runs in the system server.
func (self *Runtime) Activate() {
	self.once.Do(func() { close(self.active) })
}

func (self *Runtime) compiler() {
	defer close(self.done)
	if !self.waitStartup() {
		return
	}

	/* compile until halted */
	for {
		w, reset := self.queue.next()
		switch {
		case reset:
			self.ResetCache()
		case w == nil:
			return
		default:
			self.process(w)
			self.queue.finish(w)
		}

		/* reclaim the code cache once it fills up */
		if self.cache.State() == cache.Full {
			self.ResetCache()
		}
	}
}

// process compiles a work order and installs the translation.
func (self *Runtime) process(w *WorkOrder) {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* translations are only valid for the cache version they started with */
	ver := self.cache.Version()
	now := time.Now()
	w.Result, w.Err = self.compile(w)
	self.stats.compiled.Add(1)

	/* discarded orders are only for inspection */
	if w.Discard {
		self.stats.discarded.Add(1)
		return
	}

	/* failed compilations are never retried */
	if w.Err != nil {
		self.stats.aborts.Add(1)
		self.log.Debug("compilation aborted", zap.Uint32("pc", w.PC), zap.Stringer("kind", w.Kind), zap.Error(w.Err))
		self.table.SetCodeAddress(w.PC, self.tpl.Of(lir.H_interpret), table.ISA_none)
		return
	}

	/* install the translation */
	if addr, ok := self.install(w, ver); !ok {
		self.table.ClearInProgress(w.PC)
	} else {
		self.log.Debug("translation installed",
			zap.Uint32("pc", w.PC),
			zap.Stringer("kind", w.Kind),
			zap.Uint32("addr", addr),
			zap.Uint32("size", w.Result.Size),
			zap.Duration("elapsed", time.Since(now)),
		)
	}
}

// descriptor returns the trace a work order compiles.
func (self *Runtime) descriptor(w *WorkOrder) *mir.TraceDesc {
	if w.Kind != KindMethod {
		return w.Info
	}

	/* the whole method, up to the first payload */
	m := w.Info.Method
	n := uint32(0)
	for off := uint32(0); off < uint32(len(m.Code)); n++ {
		if _, width := dex.Decode(m.Code, off); width == 0 {
			break
		} else {
			off += width
		}
	}
	return &mir.TraceDesc{
		Method: m,
		Runs:   []mir.Run{{Offset: 0, Count: n, RunEnd: true}},
	}
}

// compile runs the passes, retrying without loops when the loop cannot be
// optimised and with half the instructions when the fragment cannot be
// assembled. Every retry makes the trace strictly simpler, so this always
// terminates.
func (self *Runtime) compile(w *WorkOrder) (*codegen.Result, error) {
	desc := self.descriptor(w)
	max := min(desc.Len(), self.opts.MaxTraceLen)
	hints := mir.Hints{
		NoLoop:        !self.opts.CanOptimizeLoops(),
		BackwardCells: self.opts.WantsBackwardCells(),
	}

	/* retry until it fits */
	for {
		res, err := self.attempt(w, desc, max, hints)
		switch {
		case errors.Is(err, errLoopRetry) && !hints.NoLoop:
			hints.NoLoop = true
			self.stats.retryNoLoop.Add(1)
		case err != nil:
			return nil, err
		case res.Status == lir.RetryHalve && max > 1:
			max /= 2
			self.stats.retryHalve.Add(1)
		case res.Status != lir.Success:
			return nil, &mir.Abort{Reason: "fragment cannot be assembled"}
		default:
			self.stats.relayouts.Add(uint64(res.Retries))
			self.stats.spills.Add(uint64(res.Spills))
			return res, nil
		}
	}
}

func (self *Runtime) attempt(w *WorkOrder, desc *mir.TraceDesc, max int, hints mir.Hints) (res *codegen.Result, err error) {
	defer self.rescue(&err)
	cu := mir.BuildTrace(desc, max, hints)

	/* fold trivial callees */
	if self.opts.CanInline() {
		self.inliner.Inline(cu)
	}

	/* SSA and loop optimisation */
	cu.BuildSSA()
	if !cu.OptimizeLoop() {
		return nil, errLoopRetry
	}

	/* lower into LIR */
	res = codegen.Generate(cu, self.tpl, &self.cgcfg)
	if self.opts.DumpTraces || w.Discard {
		self.dump(w, cu, res)
	}
	return
}

func (self *Runtime) dump(w *WorkOrder, cu *mir.CompilationUnit, res *codegen.Result) {
	log := self.log.With(zap.Uint32("pc", w.PC), zap.Stringer("kind", w.Kind))
	log.Debug("cfg", zap.String("dot", cu.DumpDot()))
	log.Debug("mir", zap.String("code", cu.Dump()))
	log.Debug("lir", zap.Stringer("result", res), zap.String("code", res.List.String()))

	/* the native rendition */
	if asm, err := amd64.Listing(res.List); err != nil {
		log.Debug("amd64 listing unavailable", zap.Error(err))
	} else {
		log.Debug("amd64", zap.String("code", asm))
	}
}

// install copies the translation into the cache and publishes it. Nothing
// is published if the cache was reset since version was read.
func (self *Runtime) install(w *WorkOrder, version uint32) (uint32, bool) {
	var buf []byte
	var res = w.Result

	/* copy into the cache */
	frag, ok := self.cache.Install(version, cache.Fragment{
		PC:      w.PC,
		Size:    res.Size,
		Entry:   res.Entry,
		Cells:   res.Cells,
		Trailer: res.Trailer,
	}, func(base uint32) []byte {
		buf = res.List.Encode(base)
		return buf
	})

	/* release the code buffer */
	if buf != nil {
		lir.Release(buf)
	}
	if !ok {
		return 0, false
	}

	/* grow the table before it gets crowded */
	if self.table.LoadFactor() > _MaxLoadFactor && !self.table.Resize(self.table.Cap()*2) {
		self.cache.SetState(cache.Full)
	}

	/* publish the translation */
	if !self.table.SetCodeAddress(w.PC, frag.Entry, table.ISA_lir) {
		self.cache.SetState(cache.Full)
		return 0, false
	}
	self.stats.installed.Add(1)
	return frag.Entry, true
}
