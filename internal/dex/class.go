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
)

// PC is an address in the global code-unit space shared by all methods.
type PC = uint32

type Kind uint8

const (
	KindInt Kind = iota
	KindWide
	KindObject
)

func (self Kind) Slots() int {
	if self == KindWide {
		return 2
	} else {
		return 1
	}
}

type Field struct {
	ID     uint32
	Name   string
	Kind   Kind
	Class  *Class
	Slot   int
	Static bool
}

func (self *Field) String() string {
	return self.Class.Name + "." + self.Name
}

// NativeFunc implements a native method. Arguments are the raw 32-bit
// argument words, wide values occupy two of them, low word first.
type NativeFunc func(args []uint32) (uint64, error)

type AccessFlags uint16

const (
	AccStatic AccessFlags = 1 << iota
	AccPrivate
	AccFinal
	AccConstructor
	AccNative
)

type Method struct {
	ID          uint32
	Name        string
	Shorty      string
	Class       *Class
	Access      AccessFlags
	Registers   int
	Ins         int
	Code        []uint16
	Base        PC
	Native      NativeFunc
	VtableIndex int
}

func (self *Method) String() string {
	return fmt.Sprintf("%s.%s:%s", self.Class.Name, self.Name, self.Shorty)
}

func (self *Method) IsStatic() bool {
	return self.Access&AccStatic != 0
}

func (self *Method) IsNative() bool {
	return self.Native != nil
}

// IsDirect reports methods that are never dispatched through the vtable.
func (self *Method) IsDirect() bool {
	return self.Access&(AccStatic|AccPrivate|AccConstructor) != 0
}

// ReturnKind returns the kind of the returned value, and false for void.
func (self *Method) ReturnKind() (Kind, bool) {
	switch self.Shorty[0] {
	case 'V':
		return 0, false
	case 'J', 'D':
		return KindWide, true
	case 'L', '[':
		return KindObject, true
	default:
		return KindInt, true
	}
}

// InsSize returns the number of argument words, the receiver included.
func (self *Method) InsSize() int {
	n := 0
	if !self.IsStatic() {
		n++
	}
	for _, c := range self.Shorty[1:] {
		if c == 'J' || c == 'D' {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// PC returns the absolute address of the code unit at off.
func (self *Method) PC(off uint32) PC {
	return self.Base + off
}

// Offset converts an absolute address to a code unit offset in this method.
func (self *Method) Offset(pc PC) uint32 {
	return pc - self.Base
}

// Contains reports whether pc lies within this method's code.
func (self *Method) Contains(pc PC) bool {
	return pc >= self.Base && pc < self.Base+uint32(len(self.Code))
}

type Class struct {
	ID         uint32
	Name       string
	Super      *Class
	Interfaces []*Class
	Pool       *Pool
	Methods    []*Method
	Vtable     []*Method
	IFields    []*Field
	SFields    []*Field
	Statics    []uint32
	NumSlots   int
}

func (self *Class) String() string {
	return self.Name
}

// IsSubclassOf reports whether self is cls or derives from it.
func (self *Class) IsSubclassOf(cls *Class) bool {
	for p := self; p != nil; p = p.Super {
		if p == cls {
			return true
		}
	}
	return false
}

// Implements reports whether self or any of its super classes lists iface.
func (self *Class) Implements(iface *Class) bool {
	for p := self; p != nil; p = p.Super {
		for _, v := range p.Interfaces {
			if v == iface {
				return true
			}
		}
	}
	return false
}

// FindMethod looks a method up by name along the super class chain.
func (self *Class) FindMethod(name string) *Method {
	for p := self; p != nil; p = p.Super {
		for _, m := range p.Methods {
			if m.Name == name {
				return m
			}
		}
	}
	return nil
}

// FindVirtual returns the vtable entry overriding the named method.
func (self *Class) FindVirtual(name string) *Method {
	for _, m := range self.Vtable {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func (self *Class) FindField(name string) *Field {
	for p := self; p != nil; p = p.Super {
		for _, f := range p.IFields {
			if f.Name == name {
				return f
			}
		}
		for _, f := range p.SFields {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}
