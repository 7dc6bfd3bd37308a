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

package mir

import (
    `strings`

    `github.com/launix-de/NonLockingReadMap`

    `github.com/cloudwego/tracejit/internal/dex`
)

// Attr describes what a callee does, as far as inlining is concerned.
type Attr uint8

const (
    AttrLeaf Attr = 1 << iota
    AttrThrowFree
    AttrGetter
    AttrSetter
    AttrEmpty
)

func (self Attr) String() string {
    var ret []string
    for i, v := range []string{"leaf", "throw-free", "getter", "setter", "empty"} {
        if self&(1<<i) != 0 {
            ret = append(ret, v)
        }
    }
    return strings.Join(ret, "|")
}

type calleeInfo struct {
    id    uint32
    attrs Attr
    op    dex.Opcode
    field *dex.Field
}

func (self calleeInfo) GetKey() uint32 {
    return self.id
}

func (self calleeInfo) ComputeSize() uint {
    return 24
}

// Inliner folds trivial callees into the invoking trace. Callee analysis
// results are shared by every compilation and never change.
type Inliner struct {
    memo NonLockingReadMap.NonLockingReadMap[calleeInfo, uint32]
    step [dex.OP_max]bool
}

// NewInliner creates an inliner, callees using any of the single stepped
// opcodes are never inlined.
func NewInliner(singleStep []dex.Opcode) *Inliner {
    ret := &Inliner{memo: NonLockingReadMap.New[calleeInfo, uint32]()}
    for _, op := range singleStep {
        ret.step[op] = true
    }
    return ret
}

// CanIncludeInstruction reports whether every constant pool reference of
// ins is resolved in the pool of m.
func CanIncludeInstruction(m *dex.Method, ins dex.Instr) bool {
    pool := m.Class.Pool
    switch ins.Op {
    case dex.OP_const_string:
        return pool.String(ins.B) != 0
    case dex.OP_const_class, dex.OP_new_instance:
        return pool.Class(ins.B) != nil
    case dex.OP_new_array:
        return pool.Class(ins.C) != nil
    case dex.OP_sget, dex.OP_sget_object, dex.OP_sput, dex.OP_sput_object:
        return pool.Field(ins.B) != nil
    }

    /* instance fields and methods */
    switch {
    case ins.Op.IsFieldGet(), ins.Op.IsFieldPut():
        return pool.Field(ins.C) != nil
    case ins.Op.IsInvoke():
        return pool.Method(ins.B) != nil
    default:
        return true
    }
}

func (self *Inliner) analyze(m *dex.Method) *calleeInfo {
    var n int
    var code []dex.Instr
    var ret = &calleeInfo{id: m.ID, attrs: AttrLeaf | AttrThrowFree}

    /* native methods are opaque */
    if m.IsNative() {
        ret.attrs = 0
        return ret
    }

    /* decode the whole method */
    for off := uint32(0); off < uint32(len(m.Code)); off += uint32(n) {
        ins, width := dex.Decode(m.Code, off)
        if width == 0 {
            width = dex.PayloadWidth(m.Code, off)
        } else {
            code = append(code, ins)
        }
        if n = int(width); ins.Op.IsInvoke() {
            ret.attrs &^= AttrLeaf
        }
        if ins.Op.Flags()&dex.CanThrow != 0 {
            ret.attrs &^= AttrThrowFree
        }
    }

    /* a bare return-void */
    if len(code) == 1 && code[0].Op == dex.OP_return_void {
        ret.attrs |= AttrEmpty
        return ret
    }

    /* getters and setters are one field access and a return */
    if len(code) != 2 || m.IsStatic() || self.step[code[0].Op] || !CanIncludeInstruction(m, code[0]) {
        return ret
    }

    /* the receiver is the first argument */
    this := uint32(m.Registers - m.InsSize())
    body, exit := code[0], code[1]

    /* classify the method */
    switch {
    case body.Op.IsFieldGet() && body.B == this && exit.Op.IsReturn() && exit.Op != dex.OP_return_void && exit.A == body.A:
        ret.attrs |= AttrGetter
    case body.Op.IsFieldPut() && body.B == this && body.A == this+1 && exit.Op == dex.OP_return_void:
        ret.attrs |= AttrSetter
    default:
        return ret
    }

    /* remember the accessed field */
    ret.op = body.Op
    ret.field = m.Class.Pool.Field(body.C)
    return ret
}

func (self *Inliner) info(m *dex.Method) *calleeInfo {
    if v := self.memo.Get(m.ID); v != nil {
        return v
    }
    v := self.analyze(m)
    self.memo.Set(v)
    return v
}

// Analyze returns the attributes of a callee.
func (self *Inliner) Analyze(m *dex.Method) Attr {
    return self.info(m).attrs
}

// Inline inlines the trivial callees of the unit and returns how many call
// sites were inlined. It must run before BuildSSA.
func (self *Inliner) Inline(cu *CompilationUnit) int {
    for _, bb := range cu.Blocks {
        if bb.Kind == BlockCode && bb.Last != nil && bb.Last.Ins.Op.IsInvoke() && bb.Last.Flags&Inlined == 0 {
            self.inlineSite(cu, bb, bb.Last)
        }
    }
    return cu.Inlined
}

func (self *Inliner) inlineSite(cu *CompilationUnit, bb *BasicBlock, p *MIR) {
    var cls *dex.Class
    var callee *dex.Method

    /* find out the callee */
    switch cell := bb.Taken; {
    case cell == nil:
        return
    case cell.Kind == CellSingleton:
        callee = cell.Callee
    case cell.Kind == CellPredicted && p.Site != nil && p.Site.Callee != nil && p.Site.Class != nil:
        callee, cls = p.Site.Callee, p.Site.Class
    default:
        return
    }

    /* check the callee */
    ci := self.info(callee)
    args := p.Ins.Operands()

    /* build the inlined body */
    var body *MIR
    var result *MIR

    /* empty methods need a receiver check, which only the prediction guard provides */
    switch {
    case ci.attrs&AttrEmpty != 0:
        if !callee.IsStatic() && cls == nil {
            return
        }
    case ci.attrs&AttrGetter != 0:
        if result = moveResultOf(bb); result == nil {
            return
        }
        body = &MIR{
            Ins:   dex.Instr{Op: ci.op, A: result.Ins.A, B: args[0]},
            Field: ci.field,
        }
    case ci.attrs&AttrSetter != 0:
        body = &MIR{
            Ins:   dex.Instr{Op: ci.op, A: args[1], B: args[0]},
            Field: ci.field,
        }
    default:
        return
    }

    /* the invoke itself generates nothing */
    p.Flags |= Inlined
    at := p

    /* guard the predicted receiver class */
    if cls != nil {
        guard := &MIR{
            Ext:    EXT_check_inline_prediction,
            Ins:    dex.Instr{C: args[0]},
            Class:  cls,
            Callee: callee,
            Offset: p.Offset,
            Width:  p.Width,
        }
        bb.InsertAfter(at, guard)
        at = guard
    }

    /* insert the body */
    if body != nil {
        body.Offset = p.Offset
        body.Width = p.Width
        body.Callee = callee
        if cls != nil {
            body.Flags |= InlinedPred
        }
        bb.InsertAfter(at, body)
    }

    /* the result is already in place */
    if result != nil {
        result.Flags |= Inlined
    }

    /* drop the invoke cell */
    SetTaken(bb, nil)
    cu.Inlined++
}

func moveResultOf(bb *BasicBlock) *MIR {
    if ft := bb.FallThrough; ft != nil && ft.Kind == BlockCode && ft.First != nil && ft.First.Ins.Op.IsMoveResult() {
        return ft.First
    } else {
        return nil
    }
}
