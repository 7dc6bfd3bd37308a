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

// Package sample defines a small set of classes exercising every part of
// the trace compiler. It is used by the tests and the demo command.
package sample

import (
	"errors"

	"github.com/cloudwego/tracejit/internal/dex"
)

const (
	Main    = "LMain;"
	Point   = "LPoint;"
	Base    = "LBase;"
	Derived = "LDerived;"
	Math    = "LMath;"
)

// World is a registry populated with the sample classes.
type World struct {
	Reg     *dex.Registry
	Pool    *dex.Pool
	Main    *dex.Class
	Point   *dex.Class
	Base    *dex.Class
	Derived *dex.Class
	Math    *dex.Class
}

// Method returns the named method of the Main class.
func (self *World) Method(name string) *dex.Method {
	if m := self.Main.FindMethod(name); m != nil {
		return m
	} else {
		panic("sample: no such method: " + name)
	}
}

// New builds the sample world. Constant pool references are resolved
// unless resolve is false.
func New(resolve bool) *World {
	reg := dex.NewRegistry()
	ret := &World{Reg: reg, Pool: reg.NewPool()}

	/* classes with accessors and overrides */
	ret.definePoint()
	ret.defineBase()
	ret.defineMath()

	/* the methods being traced */
	ret.Main = reg.DefineClass(Main, nil, ret.Pool)
	ret.defineLoops()
	ret.defineCalls()
	ret.defineMisc()

	/* resolve everything if needed */
	if resolve {
		if err := ret.Pool.ResolveAll(); err != nil {
			panic("sample: " + err.Error())
		}
	}
	return ret
}

func (self *World) definePoint() {
	self.Point = self.Reg.DefineClass(Point, nil, self.Pool)
	self.Reg.AddField(self.Point, "x", dex.KindInt, false)
	self.Reg.AddField(self.Point, "w", dex.KindWide, false)

	/* int getX() */
	b := dex.NewMethodBuilder(self.Pool)
	b.IGet(dex.OP_iget, 0, 1, Point, "x")
	b.Return(0)
	self.Reg.AddMethod(self.Point, "getX", "I", 0, 2, b.Build())

	/* void setX(int) */
	b = dex.NewMethodBuilder(self.Pool)
	b.IPut(dex.OP_iput, 1, 0, Point, "x")
	b.ReturnVoid()
	self.Reg.AddMethod(self.Point, "setX", "VI", 0, 2, b.Build())

	/* long getW() */
	b = dex.NewMethodBuilder(self.Pool)
	b.IGet(dex.OP_iget_wide, 0, 2, Point, "w")
	b.ReturnWide(0)
	self.Reg.AddMethod(self.Point, "getW", "J", 0, 3, b.Build())

	/* void touch() */
	b = dex.NewMethodBuilder(self.Pool)
	b.ReturnVoid()
	self.Reg.AddMethod(self.Point, "touch", "V", 0, 1, b.Build())
}

func (self *World) defineBase() {
	self.Base = self.Reg.DefineClass(Base, nil, self.Pool)

	/* int value() { return 1; } */
	b := dex.NewMethodBuilder(self.Pool)
	b.Const(0, 1)
	b.Return(0)
	self.Reg.AddMethod(self.Base, "value", "I", 0, 2, b.Build())

	/* int value() { return 2; } */
	self.Derived = self.Reg.DefineClass(Derived, self.Base, self.Pool)
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 2)
	b.Return(0)
	self.Reg.AddMethod(self.Derived, "value", "I", 0, 2, b.Build())
}

func (self *World) defineMath() {
	self.Math = self.Reg.DefineClass(Math, nil, self.Pool)

	/* static int twice(int v) { return v * 2; } */
	b := dex.NewMethodBuilder(self.Pool)
	b.Lit(dex.OP_mul_int_lit8, 0, 1, 2)
	b.Return(0)
	self.Reg.AddMethod(self.Math, "twice", "II", dex.AccStatic, 2, b.Build())

	/* static native int abs(int v) */
	self.Reg.AddNative(self.Math, "abs", "II", dex.AccStatic, func(args []uint32) (uint64, error) {
		if v := int32(args[0]); v < 0 {
			return uint64(uint32(-v)), nil
		} else {
			return uint64(uint32(v)), nil
		}
	})

	/* static native int check(int v), fails on negative values */
	self.Reg.AddNative(self.Math, "check", "II", dex.AccStatic, func(args []uint32) (uint64, error) {
		if int32(args[0]) < 0 {
			return 0, errors.New("negative value")
		}
		return uint64(args[0]), nil
	})
}

func (self *World) defineLoops() {
	/* static int sum(int[] a) */
	b := dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Const(1, 0)
	b.ArrayLength(2, 4)
	b.Label("loop")
	b.If(dex.OP_if_ge, 1, 2, "done")
	b.Op23x(dex.OP_aget, 3, 4, 1)
	b.Op12x(dex.OP_add_int_2addr, 0, 3)
	b.Lit(dex.OP_add_int_lit8, 1, 1, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "sum", "IL", dex.AccStatic, 5, b.Build())

	/* static int sumDown(int[] a) */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.ArrayLength(1, 4)
	b.Lit(dex.OP_add_int_lit8, 1, 1, -1)
	b.Label("loop")
	b.IfZ(dex.OP_if_ltz, 1, "done")
	b.Op23x(dex.OP_aget, 3, 4, 1)
	b.Op12x(dex.OP_add_int_2addr, 0, 3)
	b.Lit(dex.OP_add_int_lit8, 1, 1, -1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "sumDown", "IL", dex.AccStatic, 5, b.Build())

	/* static int sumPairs(int[] a), adds a[i] * a[i + 1] */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Const(1, 0)
	b.ArrayLength(2, 5)
	b.Lit(dex.OP_add_int_lit8, 2, 2, -1)
	b.Label("loop")
	b.If(dex.OP_if_ge, 1, 2, "done")
	b.Op23x(dex.OP_aget, 3, 5, 1)
	b.Lit(dex.OP_add_int_lit8, 4, 1, 1)
	b.Op23x(dex.OP_aget, 4, 5, 4)
	b.Op12x(dex.OP_mul_int_2addr, 3, 4)
	b.Op12x(dex.OP_add_int_2addr, 0, 3)
	b.Lit(dex.OP_add_int_lit8, 1, 1, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "sumPairs", "IL", dex.AccStatic, 6, b.Build())

	/* static int fill(int[] a, int n), stores i into a[i] for i < n */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Label("loop")
	b.If(dex.OP_if_ge, 0, 3, "done")
	b.Op23x(dex.OP_aput, 0, 2, 0)
	b.Lit(dex.OP_add_int_lit8, 0, 0, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "fill", "ILI", dex.AccStatic, 4, b.Build())

	/* static long longSum(int n) */
	b = dex.NewMethodBuilder(self.Pool)
	b.ConstWide(0, 0)
	b.Const(2, 0)
	b.Label("loop")
	b.If(dex.OP_if_ge, 2, 5, "done")
	b.Op12x(dex.OP_int_to_long, 3, 2)
	b.Op12x(dex.OP_add_long_2addr, 0, 3)
	b.Lit(dex.OP_add_int_lit8, 2, 2, 1)
	b.Goto("loop")
	b.Label("done")
	b.ReturnWide(0)
	self.Reg.AddMethod(self.Main, "longSum", "JI", dex.AccStatic, 6, b.Build())

	/* static int countDown(int n) */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Label("loop")
	b.IfZ(dex.OP_if_lez, 2, "done")
	b.Op12x(dex.OP_add_int_2addr, 0, 2)
	b.Lit(dex.OP_add_int_lit8, 2, 2, -1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "countDown", "II", dex.AccStatic, 3, b.Build())
}

func (self *World) defineCalls() {
	/* static int sumX(Point p, int n), p.setX(i) then accumulates p.getX() */
	b := dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Const(1, 0)
	b.Label("loop")
	b.If(dex.OP_if_ge, 1, 5, "done")
	b.Invoke(dex.OP_invoke_virtual, Point, "setX", 4, 1)
	b.Invoke(dex.OP_invoke_virtual, Point, "getX", 4)
	b.MoveResult(2)
	b.Op12x(dex.OP_add_int_2addr, 0, 2)
	b.Invoke(dex.OP_invoke_virtual, Point, "touch", 4)
	b.Lit(dex.OP_add_int_lit8, 1, 1, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "sumX", "ILI", dex.AccStatic, 6, b.Build())

	/* static int sumValues(Base[] a), accumulates a[i].value() */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Const(1, 0)
	b.ArrayLength(2, 5)
	b.Label("loop")
	b.If(dex.OP_if_ge, 1, 2, "done")
	b.Op23x(dex.OP_aget_object, 3, 5, 1)
	b.Invoke(dex.OP_invoke_virtual, Base, "value", 3)
	b.MoveResult(4)
	b.Op12x(dex.OP_add_int_2addr, 0, 4)
	b.Lit(dex.OP_add_int_lit8, 1, 1, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "sumValues", "IL", dex.AccStatic, 6, b.Build())

	/* static int sumTwice(int n), accumulates twice(i) and abs(-i) */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Const(1, 0)
	b.Label("loop")
	b.If(dex.OP_if_ge, 1, 4, "done")
	b.Invoke(dex.OP_invoke_static, Math, "twice", 1)
	b.MoveResult(2)
	b.Op12x(dex.OP_add_int_2addr, 0, 2)
	b.Op12x(dex.OP_neg_int, 3, 1)
	b.Invoke(dex.OP_invoke_static, Math, "abs", 3)
	b.MoveResult(2)
	b.Op12x(dex.OP_add_int_2addr, 0, 2)
	b.Lit(dex.OP_add_int_lit8, 1, 1, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "sumTwice", "II", dex.AccStatic, 5, b.Build())
}

func (self *World) defineMisc() {
	/* static int select(int k, int n), sums a switch over k + i */
	b := dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Const(1, 0)
	b.Label("loop")
	b.If(dex.OP_if_ge, 1, 5, "done")
	b.Op23x(dex.OP_add_int, 2, 4, 1)
	b.Lit(dex.OP_and_int_lit8, 2, 2, 3)
	b.PackedSwitch(2, 0, "c0", "c1", "c2")
	b.Lit(dex.OP_add_int_lit8, 0, 0, 100)
	b.Goto("next")
	b.Label("c0")
	b.Lit(dex.OP_add_int_lit8, 0, 0, 1)
	b.Goto("next")
	b.Label("c1")
	b.Lit(dex.OP_add_int_lit8, 0, 0, 10)
	b.Goto("next")
	b.Label("c2")
	b.Lit(dex.OP_add_int_lit8, 0, 0, 20)
	b.Label("next")
	b.Lit(dex.OP_add_int_lit8, 1, 1, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "select", "III", dex.AccStatic, 6, b.Build())

	/* static int divide(int a, int b, int n), sums a / b n times */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Const(1, 0)
	b.Label("loop")
	b.If(dex.OP_if_ge, 1, 6, "done")
	b.Op23x(dex.OP_div_int, 2, 4, 5)
	b.Op12x(dex.OP_add_int_2addr, 0, 2)
	b.Lit(dex.OP_add_int_lit8, 1, 1, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "divide", "IIII", dex.AccStatic, 7, b.Build())

	/* static int divZero(int a), always throws */
	b = dex.NewMethodBuilder(self.Pool)
	b.Lit(dex.OP_div_int_lit8, 0, 1, 0)
	b.Return(0)
	self.Reg.AddMethod(self.Main, "divZero", "II", dex.AccStatic, 2, b.Build())

	/* static int strings(int n), loads a constant string n times */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Label("loop")
	b.If(dex.OP_if_ge, 0, 2, "done")
	b.ConstString(1, "hello")
	b.Lit(dex.OP_add_int_lit8, 0, 0, 1)
	b.Goto("loop")
	b.Label("done")
	b.Return(0)
	self.Reg.AddMethod(self.Main, "strings", "II", dex.AccStatic, 3, b.Build())

	/* static int checked(int n), counts down calling a native that throws below zero */
	b = dex.NewMethodBuilder(self.Pool)
	b.Const(0, 0)
	b.Label("loop")
	b.Invoke(dex.OP_invoke_static, Math, "check", 2)
	b.MoveResult(1)
	b.Op12x(dex.OP_add_int_2addr, 0, 1)
	b.Lit(dex.OP_add_int_lit8, 2, 2, -1)
	b.Goto("loop")
	self.Reg.AddMethod(self.Main, "checked", "II", dex.AccStatic, 3, b.Build())
}
