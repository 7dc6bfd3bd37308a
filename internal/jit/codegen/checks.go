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

package codegen

import (
    `math`

    `github.com/cloudwego/tracejit/internal/dex`
    `github.com/cloudwego/tracejit/internal/jit/lir`
    `github.com/cloudwego/tracejit/internal/jit/mir`
    `github.com/cloudwego/tracejit/internal/jit/ralloc`
)

func (self *generator) lowerExt(p *mir.MIR) {
    switch p.Ext {
    case mir.EXT_null_range_up_check:
        self.lowerRangeUp(p.Check)
    case mir.EXT_null_range_down_check:
        self.lowerRangeDown(p.Check)
    case mir.EXT_lower_bound_check:
        self.lowerLowerBound(p.Check)
    case mir.EXT_punt:
        self.puntLabel()
    case mir.EXT_check_inline_prediction:
        self.lowerPrediction(p)
    default:
        panic("codegen: unexpected extended op: " + p.Ext.String())
    }
}

// entry returns a register holding the value reg had when entering the
// trace. Entry values are named after their registers.
func (self *generator) entry(reg uint32) uint8 {
    return self.ra.Use(int(reg), reg)
}

// checkArray verifies that the array is not null and that the highest index
// of the first iteration is in range. It leaves the length in r0.
func (self *generator) checkArray(c *mir.Check) {
    punt := self.puntLabel()
    arr := self.entry(c.Array)
    idx := self.entry(c.Index)
    self.out.BccZ(lir.EQ, arr, punt)
    self.out.R2(lir.OP_alen, ralloc.R0, arr)
    self.out.R2I(lir.OP_addi, ralloc.R1, idx, uint32(c.MaxC))
    self.out.Bcc(lir.GEU, ralloc.R1, ralloc.R0, punt)
}

// lowerRangeUp checks a count up loop. The last iteration accesses at most
// index end - delta + maxc, one more if the loop exits on greater than.
func (self *generator) lowerRangeUp(c *mir.Check) {
    punt := self.puntLabel()
    self.checkArray(c)

    /* the offset of the last index */
    k := int64(c.MaxC) - int64(c.Delta)
    if c.Exit == dex.OP_if_gt {
        k++
    }

    /* constant bounds are folded */
    if !c.Const {
        end := self.entry(c.Bound)
        self.out.R2I(lir.OP_addi, ralloc.R2, end, uint32(int32(k)))
        self.out.Bcc(lir.GEU, ralloc.R2, ralloc.R0, punt)
    } else if v := int64(c.Value) + k; v < 0 || v > math.MaxInt32 {
        self.out.B(punt)
    } else {
        self.out.RI(lir.OP_movi, ralloc.R2, uint32(v))
        self.out.Bcc(lir.GEU, ralloc.R2, ralloc.R0, punt)
    }
}

// lowerRangeDown checks a count down loop, the first iteration accesses the
// highest index.
func (self *generator) lowerRangeDown(c *mir.Check) {
    self.checkArray(c)
}

// lowerLowerBound checks that no iteration accesses a negative index.
func (self *generator) lowerLowerBound(c *mir.Check) {
    punt := self.puntLabel()
    idx := self.entry(c.Index)
    self.out.R2I(lir.OP_addi, ralloc.R1, idx, uint32(c.MinC))
    self.out.BccZ(lir.LT, ralloc.R1, punt)

    /* count up loops only move away from zero, constant bounds were verified at compile time */
    if !c.CountDown() || c.Const {
        return
    }

    /* the offset of the last index */
    k := int64(c.MinC) - int64(c.Delta)
    if c.Exit == dex.OP_if_lt {
        k--
    }

    /* the bound must be high enough to not overflow */
    end := self.entry(c.Bound)
    low := int32(mir.MinLoopBound)
    self.out.RI(lir.OP_movi, ralloc.R2, uint32(low))
    self.out.Bcc(lir.LT, end, ralloc.R2, punt)
    self.out.R2I(lir.OP_addi, ralloc.R3, end, uint32(int32(k)))
    self.out.BccZ(lir.LT, ralloc.R3, punt)
}

// lowerPrediction guards an inlined virtual call. A null receiver has no
// class and fails the guard as well.
func (self *generator) lowerPrediction(p *mir.MIR) {
    name := p.SSA.Uses[0]
    obj := self.ra.Use(name, p.Ins.C)
    self.out.R2(lir.OP_clsid, ralloc.R0, obj)
    self.out.RI(lir.OP_movi, ralloc.R1, p.Class.ID)
    self.out.Bcc(lir.NE, ralloc.R0, ralloc.R1, self.pcrAt(p.Offset))
    self.ra.SetNullChecked(name)
}
