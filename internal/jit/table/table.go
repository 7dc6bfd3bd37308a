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

package table

import (
	"sync"
	"sync/atomic"

	"github.com/cloudwego/tracejit/internal/dex"
)

// ISA tells how the code address of an entry is executed.
type ISA uint8

const (
	ISA_none ISA = iota // no usable translation, always interpret
	ISA_lir             // translation in the code cache
)

const (
	_InProgress = 1 << 8
)

// Entry is a snapshot of a table entry.
type Entry struct {
	PC         dex.PC
	Code       uint32
	ISA        ISA
	InProgress bool
}

type slot struct {
	pc   atomic.Uint32
	code atomic.Uint32
	info atomic.Uint32
}

func (self *slot) load() Entry {
	info := self.info.Load()
	return Entry{
		PC:         self.pc.Load(),
		Code:       self.code.Load(),
		ISA:        ISA(info),
		InProgress: info&_InProgress != 0,
	}
}

type data struct {
	mask  uint32
	slots []slot
}

func newData(size int) *data {
	return &data{
		mask:  uint32(size - 1),
		slots: make([]slot, size),
	}
}

func hash(pc dex.PC) uint32 {
	return pc * 0x9e3779b1
}

// probe finds the slot of pc, or the empty slot where it would go. Returns
// nil if the table is full.
func (self *data) probe(pc dex.PC) *slot {
	i := hash(pc) & self.mask
	for n := uint32(0); n <= self.mask; n++ {
		p := &self.slots[(i+n)&self.mask]
		if v := p.pc.Load(); v == pc || v == 0 {
			return p
		}
	}
	return nil
}

// Table maps trace head PCs to translations. Readers never lock, writers are
// serialised by the table lock. Entries are never removed one by one, the
// whole table is reset at once.
type Table struct {
	mu   sync.Mutex
	max  int
	used atomic.Int32
	data atomic.Pointer[data]
}

// New creates a table with size entries that grows up to max entries. Both
// must be powers of 2.
func New(size int, max int) *Table {
	if size <= 0 || size&(size-1) != 0 {
		panic("table: table size must be a power of 2")
	}
	ret := &Table{max: max}
	ret.data.Store(newData(size))
	return ret
}

func (self *Table) Cap() int {
	return len(self.data.Load().slots)
}

func (self *Table) Len() int {
	return int(self.used.Load())
}

// LoadFactor returns the fraction of used entries.
func (self *Table) LoadFactor() float64 {
	return float64(self.Len()) / float64(self.Cap())
}

// Lookup returns the entry of pc.
func (self *Table) Lookup(pc dex.PC) (Entry, bool) {
	if p := self.data.Load().probe(pc); p == nil || p.pc.Load() != pc {
		return Entry{}, false
	} else {
		return p.load(), true
	}
}

// GetCodeAddress returns the entry point of the translation of pc, or 0 if
// there is none that can be executed.
func (self *Table) GetCodeAddress(pc dex.PC) uint32 {
	if e, ok := self.Lookup(pc); !ok || e.ISA == ISA_none {
		return 0
	} else {
		return e.Code
	}
}

func (self *Table) addLocked(pc dex.PC) *slot {
	p := self.data.Load().probe(pc)
	if p == nil {
		return nil
	}
	if p.pc.Load() == 0 {
		p.pc.Store(pc)
		self.used.Add(1)
	}
	return p
}

// LookupAndAdd makes sure pc has an entry. It fails only when the table is
// full.
func (self *Table) LookupAndAdd(pc dex.PC) bool {
	if pc == 0 {
		panic("table: invalid trace head")
	}
	if _, ok := self.Lookup(pc); ok {
		return true
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.addLocked(pc) != nil
}

// MarkInProgress flags pc as being selected or compiled. Returns false if
// it is already flagged or the table is full.
func (self *Table) MarkInProgress(pc dex.PC) bool {
	if pc == 0 {
		panic("table: invalid trace head")
	}

	/* serialised with Resize, which copies the flags */
	self.mu.Lock()
	defer self.mu.Unlock()
	p := self.addLocked(pc)
	if p == nil {
		return false
	}

	/* already flagged */
	old := p.info.Load()
	if old&_InProgress != 0 {
		return false
	}
	p.info.Store(old | _InProgress)
	return true
}

// ClearInProgress drops the in progress flag of pc.
func (self *Table) ClearInProgress(pc dex.PC) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if p := self.data.Load().probe(pc); p != nil && p.pc.Load() == pc {
		for {
			old := p.info.Load()
			if p.info.CompareAndSwap(old, old&^_InProgress) {
				break
			}
		}
	}
}

// SetCodeAddress installs a translation for pc and clears the in progress
// flag.
func (self *Table) SetCodeAddress(pc dex.PC, addr uint32, isa ISA) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	p := self.addLocked(pc)
	if p == nil {
		return false
	}
	p.code.Store(addr)
	p.info.Store(uint32(isa))
	return true
}

// Resize rehashes the table into size entries. It fails if size exceeds
// the maximum.
func (self *Table) Resize(size int) bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* check the new size */
	if size > self.max || size&(size-1) != 0 {
		return false
	}

	/* rehash everything */
	old := self.data.Load()
	neu := newData(size)
	for i := range old.slots {
		if e := old.slots[i].load(); e.PC != 0 {
			p := neu.probe(e.PC)
			if p == nil {
				return false
			}
			p.pc.Store(e.PC)
			p.code.Store(e.Code)
			p.info.Store(old.slots[i].info.Load())
		}
	}

	/* swap the tables */
	self.data.Store(neu)
	return true
}

// Reset drops every entry.
func (self *Table) Reset() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.data.Store(newData(self.Cap()))
	self.used.Store(0)
}

// Each calls fn for every used entry.
func (self *Table) Each(fn func(e Entry)) {
	d := self.data.Load()
	for i := range d.slots {
		if e := d.slots[i].load(); e.PC != 0 {
			fn(e)
		}
	}
}
