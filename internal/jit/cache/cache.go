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

package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/jit/lir"
	"github.com/google/btree"
	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
)

type State int32

const (
	Active State = iota
	Full
	Resetting
)

func (self State) String() string {
	switch self {
	case Active:
		return "active"
	case Full:
		return "full"
	case Resetting:
		return "resetting"
	default:
		return fmt.Sprintf("state_%d", self)
	}
}

const (
	// TemplateBase is the address of the first template. Address 0 always
	// holds a halt, so a zero code address can never be executed.
	TemplateBase = 4

	_DefaultCacheLine = 64
)

// Fragment describes an installed translation. All addresses are word
// addresses in the cache.
type Fragment struct {
	PC      dex.PC
	Base    uint32
	Size    uint32
	Entry   uint32
	Cells   uint32
	Trailer uint32
}

func (self Fragment) Contains(addr uint32) bool {
	return addr >= self.Base && addr < self.Base+self.Size
}

func fragmentLess(a Fragment, b Fragment) bool {
	return a.Base < b.Base
}

// Cache is the code cache, a word addressable region holding the templates
// followed by the translations. Code words are read with atomic loads, since
// chaining cells are patched while other threads execute them.
type Cache struct {
	mu       sync.Mutex
	mem      []uint32
	raw      []byte
	align    uint32
	template uint32
	used     atomic.Uint32
	state    atomic.Int32
	version  atomic.Uint32
	frags    *btree.BTreeG[Fragment]
	log      *zap.Logger
}

// New creates a code cache of size bytes.
func New(size int, log *zap.Logger) *Cache {
	ret := &Cache{
		mem:   make([]uint32, size/4),
		frags: btree.NewG(16, fragmentLess),
		log:   log.Named("cache"),
	}

	/* byte view of the same memory */
	ret.raw = unsafe.Slice((*byte)(unsafe.Pointer(&ret.mem[0])), len(ret.mem)*4)
	ret.align = alignment()
	ret.template = TemplateBase
	ret.used.Store(TemplateBase)
	ret.mem[0] = uint32(lir.OP_halt)
	return ret
}

// alignment returns the fragment alignment in words.
func alignment() uint32 {
	if n := cpuid.CPU.CacheLine; n >= 32 {
		return uint32(n) / 4
	} else {
		return _DefaultCacheLine / 4
	}
}

func (self *Cache) Load(addr uint32) uint32 {
	return atomic.LoadUint32(&self.mem[addr])
}

func (self *Cache) Store(addr uint32, val uint32) {
	atomic.StoreUint32(&self.mem[addr], val)
}

// Increment atomically adds 1 to the word at addr.
func (self *Cache) Increment(addr uint32) uint32 {
	return atomic.AddUint32(&self.mem[addr], 1)
}

// Words returns a snapshot of n words at addr.
func (self *Cache) Words(addr uint32, n uint32) []uint32 {
	ret := make([]uint32, n)
	for i := range ret {
		ret[i] = self.Load(addr + uint32(i))
	}
	return ret
}

func (self *Cache) Size() uint32 {
	return uint32(len(self.mem))
}

// Used returns the high-water mark in words.
func (self *Cache) Used() uint32 {
	return self.used.Load()
}

func (self *Cache) TemplateSize() uint32 {
	return self.template
}

func (self *Cache) Version() uint32 {
	return self.version.Load()
}

func (self *Cache) State() State {
	return State(self.state.Load())
}

func (self *Cache) SetState(st State) {
	self.state.Store(int32(st))
}

func (self *Cache) alignUp(v uint32) uint32 {
	return (v + self.align - 1) / self.align * self.align
}

// LoadTemplates copies the encoded templates right after the guard word.
// It must be called once, before any translation is installed.
func (self *Cache) LoadTemplates(code []byte) {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* check for space */
	n := uint32(len(code)) / 4
	if TemplateBase+n > self.Size() {
		panic("cache: code cache too small for templates")
	}

	/* copy the templates */
	copy(self.raw[TemplateBase*4:], code)
	self.template = self.alignUp(TemplateBase + n)
	self.used.Store(self.template)
}

// Install reserves size words, encodes the fragment at the reserved base and
// records it, all under the cache lock. Nothing is installed if the cache
// was reset since version was read, or if there is no space left, in which
// case the cache becomes full.
func (self *Cache) Install(version uint32, frag Fragment, encode func(base uint32) []byte) (Fragment, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* the cache may have been reset during compilation */
	if self.version.Load() != version || self.State() != Active {
		return Fragment{}, false
	}

	/* reserve the space */
	base := self.alignUp(self.used.Load())
	if base+frag.Size > self.Size() {
		self.SetState(Full)
		self.log.Info("code cache full", zap.Uint32("used", self.used.Load()), zap.Uint32("request", frag.Size))
		return Fragment{}, false
	}

	/* encode and copy the code */
	buf := encode(base)
	copy(self.raw[base*4:(base+frag.Size)*4], buf)

	/* relocate the fragment */
	frag.Base = base
	frag.Entry += base
	frag.Cells += base
	frag.Trailer += base

	/* commit */
	self.used.Store(base + frag.Size)
	self.frags.ReplaceOrInsert(frag)
	return frag, true
}

// Lookup finds the fragment containing addr.
func (self *Cache) Lookup(addr uint32) (Fragment, bool) {
	var ret Fragment
	var hit bool

	/* find the closest fragment */
	self.mu.Lock()
	self.frags.DescendLessOrEqual(Fragment{Base: addr}, func(f Fragment) bool {
		ret, hit = f, f.Contains(addr)
		return false
	})

	/* check for the range */
	self.mu.Unlock()
	return ret, hit
}

// Fragments returns all the installed fragments in address order.
func (self *Cache) Fragments() []Fragment {
	self.mu.Lock()
	defer self.mu.Unlock()
	ret := make([]Fragment, 0, self.frags.Len())
	self.frags.Ascend(func(f Fragment) bool {
		ret = append(ret, f)
		return true
	})
	return ret
}

// Reset zeroes everything past the templates and bumps the version. The
// caller must guarantee no thread is executing translations.
func (self *Cache) Reset() {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* wipe the translations */
	used := self.used.Load()
	clear(self.raw[self.template*4 : used*4])

	/* start over */
	self.frags.Clear(false)
	self.used.Store(self.template)
	self.version.Add(1)
	self.SetState(Active)
	self.log.Info("code cache reset", zap.Uint32("version", self.version.Load()), zap.Uint32("freed", used-self.template))
}
