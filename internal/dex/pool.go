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
	"sync/atomic"
)

type RefKind uint8

const (
	RefClass RefKind = iota
	RefField
	RefMethod
	RefString
)

func (self RefKind) String() string {
	switch self {
	case RefClass:
		return "class"
	case RefField:
		return "field"
	case RefMethod:
		return "method"
	case RefString:
		return "string"
	default:
		return "unknown"
	}
}

// ResolveError is returned when a symbolic reference cannot be resolved.
type ResolveError struct {
	Kind RefKind
	Name string
}

func (self ResolveError) Error() string {
	return fmt.Sprintf("dex: cannot resolve %s %s", self.Kind, self.Name)
}

type classEntry struct {
	name string
	cls  atomic.Pointer[Class]
}

type memberEntry struct {
	cls  string
	name string
}

type fieldEntry struct {
	memberEntry
	field atomic.Pointer[Field]
}

type methodEntry struct {
	memberEntry
	method atomic.Pointer[Method]
}

type stringEntry struct {
	value  string
	handle atomic.Uint32
}

// Pool is the constant pool shared by the classes of one code unit. It holds
// symbolic references along with their lazily resolved values. Lookups never
// resolve and return nil for unresolved entries, the Resolve* methods do.
type Pool struct {
	mu      sync.Mutex
	reg     *Registry
	classes []*classEntry
	fields  []*fieldEntry
	methods []*methodEntry
	strings []*stringEntry
	index   map[string]uint32
}

func newPool(reg *Registry) *Pool {
	return &Pool{
		reg:   reg,
		index: make(map[string]uint32),
	}
}

func (self *Pool) intern(key string, add func() uint32) uint32 {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* check for existing references */
	if idx, ok := self.index[key]; ok {
		return idx
	}

	/* add a new one */
	idx := add()
	self.index[key] = idx
	return idx
}

// ClassRef interns a class reference and returns its pool index.
func (self *Pool) ClassRef(name string) uint32 {
	return self.intern("C"+name, func() uint32 {
		self.classes = append(self.classes, &classEntry{name: name})
		return uint32(len(self.classes) - 1)
	})
}

// FieldRef interns a field reference and returns its pool index.
func (self *Pool) FieldRef(cls string, name string) uint32 {
	return self.intern("F"+cls+"."+name, func() uint32 {
		self.fields = append(self.fields, &fieldEntry{memberEntry: memberEntry{cls, name}})
		return uint32(len(self.fields) - 1)
	})
}

// MethodRef interns a method reference and returns its pool index.
func (self *Pool) MethodRef(cls string, name string) uint32 {
	return self.intern("M"+cls+"."+name, func() uint32 {
		self.methods = append(self.methods, &methodEntry{memberEntry: memberEntry{cls, name}})
		return uint32(len(self.methods) - 1)
	})
}

// StringRef interns a string constant and returns its pool index.
func (self *Pool) StringRef(value string) uint32 {
	return self.intern("S"+value, func() uint32 {
		self.strings = append(self.strings, &stringEntry{value: value})
		return uint32(len(self.strings) - 1)
	})
}

func (self *Pool) classEntry(idx uint32) *classEntry {
	self.mu.Lock()
	defer self.mu.Unlock()
	if idx >= uint32(len(self.classes)) {
		panic(fmt.Sprintf("dex: class index %d out of range", idx))
	}
	return self.classes[idx]
}

func (self *Pool) fieldEntry(idx uint32) *fieldEntry {
	self.mu.Lock()
	defer self.mu.Unlock()
	if idx >= uint32(len(self.fields)) {
		panic(fmt.Sprintf("dex: field index %d out of range", idx))
	}
	return self.fields[idx]
}

func (self *Pool) methodEntry(idx uint32) *methodEntry {
	self.mu.Lock()
	defer self.mu.Unlock()
	if idx >= uint32(len(self.methods)) {
		panic(fmt.Sprintf("dex: method index %d out of range", idx))
	}
	return self.methods[idx]
}

func (self *Pool) stringEntry(idx uint32) *stringEntry {
	self.mu.Lock()
	defer self.mu.Unlock()
	if idx >= uint32(len(self.strings)) {
		panic(fmt.Sprintf("dex: string index %d out of range", idx))
	}
	return self.strings[idx]
}

// Class returns the resolved class at idx, or nil.
func (self *Pool) Class(idx uint32) *Class {
	return self.classEntry(idx).cls.Load()
}

// Field returns the resolved field at idx, or nil.
func (self *Pool) Field(idx uint32) *Field {
	return self.fieldEntry(idx).field.Load()
}

// Method returns the resolved method at idx, or nil.
func (self *Pool) Method(idx uint32) *Method {
	return self.methodEntry(idx).method.Load()
}

// String returns the interned string handle at idx, or 0 if the string
// object has not been created yet.
func (self *Pool) String(idx uint32) uint32 {
	return self.stringEntry(idx).handle.Load()
}

// ClassName returns the descriptor of the class reference at idx.
func (self *Pool) ClassName(idx uint32) string {
	return self.classEntry(idx).name
}

func (self *Pool) StringValue(idx uint32) string {
	return self.stringEntry(idx).value
}

// SetString records the heap handle of the string object at idx.
func (self *Pool) SetString(idx uint32, handle uint32) {
	self.stringEntry(idx).handle.Store(handle)
}

func (self *Pool) ResolveClass(idx uint32) (*Class, error) {
	e := self.classEntry(idx)
	if c := e.cls.Load(); c != nil {
		return c, nil
	}
	if c := self.reg.ClassByName(e.name); c == nil {
		return nil, ResolveError{RefClass, e.name}
	} else {
		e.cls.Store(c)
		return c, nil
	}
}

func (self *Pool) ResolveField(idx uint32) (*Field, error) {
	e := self.fieldEntry(idx)
	if f := e.field.Load(); f != nil {
		return f, nil
	}
	if c := self.reg.ClassByName(e.cls); c == nil {
		return nil, ResolveError{RefClass, e.cls}
	} else if f := c.FindField(e.name); f == nil {
		return nil, ResolveError{RefField, e.cls + "." + e.name}
	} else {
		e.field.Store(f)
		return f, nil
	}
}

func (self *Pool) ResolveMethod(idx uint32) (*Method, error) {
	e := self.methodEntry(idx)
	if m := e.method.Load(); m != nil {
		return m, nil
	}
	if c := self.reg.ClassByName(e.cls); c == nil {
		return nil, ResolveError{RefClass, e.cls}
	} else if m := c.FindMethod(e.name); m == nil {
		return nil, ResolveError{RefMethod, e.cls + "." + e.name}
	} else {
		e.method.Store(m)
		return m, nil
	}
}

// ResolveAll resolves every class, field and method reference in the pool.
// Strings need a heap and are left alone.
func (self *Pool) ResolveAll() error {
	self.mu.Lock()
	nc, nf, nm := len(self.classes), len(self.fields), len(self.methods)
	self.mu.Unlock()

	/* resolve classes */
	for i := 0; i < nc; i++ {
		if _, err := self.ResolveClass(uint32(i)); err != nil {
			return err
		}
	}

	/* resolve fields */
	for i := 0; i < nf; i++ {
		if _, err := self.ResolveField(uint32(i)); err != nil {
			return err
		}
	}

	/* resolve methods */
	for i := 0; i < nm; i++ {
		if _, err := self.ResolveMethod(uint32(i)); err != nil {
			return err
		}
	}
	return nil
}
