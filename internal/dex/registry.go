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

package dex

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

const (
	CodeBase  PC = 0x1000
	CodeAlign    = 16
)

// Registry owns every class, method and field, assigns their IDs and maps
// code addresses back to methods. Classes must be defined after their super
// classes are complete, since the vtable and field slots are inherited when
// the class is defined.
type Registry struct {
	mu      sync.RWMutex
	next    PC
	names   map[string]*Class
	classes []*Class
	fields  []*Field
	methods []*Method
	code    *btree.BTreeG[*Method]
}

func methodLess(a *Method, b *Method) bool {
	return a.Base < b.Base
}

func NewRegistry() *Registry {
	return &Registry{
		next:  CodeBase,
		names: make(map[string]*Class),
		code:  btree.NewG(8, methodLess),
	}
}

// NewPool creates an empty constant pool resolving against this registry.
func (self *Registry) NewPool() *Pool {
	return newPool(self)
}

// DefineClass creates a class deriving from super, which may be nil.
func (self *Registry) DefineClass(name string, super *Class, pool *Pool, ifaces ...*Class) *Class {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* class names are unique */
	if _, ok := self.names[name]; ok {
		panic("dex: duplicated class: " + name)
	}

	/* create the class */
	cls := &Class{
		ID:         uint32(len(self.classes)) + 1,
		Name:       name,
		Super:      super,
		Pool:       pool,
		Interfaces: ifaces,
	}

	/* inherit from the super class */
	if super != nil {
		cls.NumSlots = super.NumSlots
		cls.Vtable = append([]*Method(nil), super.Vtable...)
	}

	/* register the class */
	self.names[name] = cls
	self.classes = append(self.classes, cls)
	return cls
}

// AddField adds an instance or static field and assigns its slot.
func (self *Registry) AddField(cls *Class, name string, kind Kind, static bool) *Field {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* create the field */
	fv := &Field{
		ID:     uint32(len(self.fields)) + 1,
		Name:   name,
		Kind:   kind,
		Class:  cls,
		Static: static,
	}

	/* static fields live in the class */
	if static {
		fv.Slot = len(cls.Statics)
		cls.SFields = append(cls.SFields, fv)
		cls.Statics = append(cls.Statics, make([]uint32, kind.Slots())...)
	} else {
		fv.Slot = cls.NumSlots
		cls.NumSlots += kind.Slots()
		cls.IFields = append(cls.IFields, fv)
	}

	/* register the field */
	self.fields = append(self.fields, fv)
	return fv
}

func (self *Registry) addMethod(cls *Class, mm *Method) *Method {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* assign ID and code address */
	mm.Class = cls
	mm.VtableIndex = -1
	mm.ID = uint32(len(self.methods)) + 1
	mm.Ins = mm.InsSize()

	/* lay out the code in the global address space */
	if len(mm.Code) != 0 {
		mm.Base = self.next
		self.next += (uint32(len(mm.Code)) + CodeAlign) &^ (CodeAlign - 1)
		self.code.ReplaceOrInsert(mm)
	}

	/* virtual methods either override or extend the vtable */
	if !mm.IsDirect() {
		mm.VtableIndex = len(cls.Vtable)
		for i, v := range cls.Vtable {
			if v.Name == mm.Name {
				mm.VtableIndex = i
				break
			}
		}
		if mm.VtableIndex == len(cls.Vtable) {
			cls.Vtable = append(cls.Vtable, mm)
		} else {
			cls.Vtable[mm.VtableIndex] = mm
		}
	}

	/* register the method */
	cls.Methods = append(cls.Methods, mm)
	self.methods = append(self.methods, mm)
	return mm
}

// AddMethod adds a bytecode method with the specified register count.
func (self *Registry) AddMethod(cls *Class, name string, shorty string, access AccessFlags, regs int, code []uint16) *Method {
	if len(code) == 0 {
		panic("dex: empty method body: " + name)
	}
	return self.addMethod(cls, &Method{
		Name:      name,
		Shorty:    shorty,
		Access:    access,
		Registers: regs,
		Code:      code,
	})
}

// AddNative adds a method implemented by fn.
func (self *Registry) AddNative(cls *Class, name string, shorty string, access AccessFlags, fn NativeFunc) *Method {
	return self.addMethod(cls, &Method{
		Name:   name,
		Shorty: shorty,
		Access: access | AccNative,
		Native: fn,
	})
}

func (self *Registry) ClassByName(name string) *Class {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.names[name]
}

func (self *Registry) Class(id uint32) *Class {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if id == 0 || id > uint32(len(self.classes)) {
		return nil
	}
	return self.classes[id-1]
}

func (self *Registry) Method(id uint32) *Method {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if id == 0 || id > uint32(len(self.methods)) {
		return nil
	}
	return self.methods[id-1]
}

func (self *Registry) Field(id uint32) *Field {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if id == 0 || id > uint32(len(self.fields)) {
		return nil
	}
	return self.fields[id-1]
}

// MethodAt returns the method whose code contains pc, or nil.
func (self *Registry) MethodAt(pc PC) *Method {
	var ret *Method
	self.mu.RLock()

	/* find the closest method starting at or before pc */
	self.code.DescendLessOrEqual(&Method{Base: pc}, func(m *Method) bool {
		ret = m
		return false
	})

	/* check the code range */
	self.mu.RUnlock()
	if ret == nil || !ret.Contains(pc) {
		return nil
	}
	return ret
}

// MustMethodAt is like MethodAt, but panics if pc does not belong to any method.
func (self *Registry) MustMethodAt(pc PC) *Method {
	if m := self.MethodAt(pc); m != nil {
		return m
	} else {
		panic(fmt.Sprintf("dex: no method at pc %#x", pc))
	}
}
