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
    `fmt`
    `strings`

    `github.com/cloudwego/tracejit/internal/dex`
)

// ExtOp is an extended opcode, for instructions that have no bytecode
// counterpart.
type ExtOp uint8

const (
    EXT_none                    ExtOp = iota
    EXT_phi                           // SSA merge
    EXT_null_range_up_check           // hoisted null and range check, count up loops
    EXT_null_range_down_check         // hoisted null and range check, count down loops
    EXT_lower_bound_check             // hoisted lower bound check
    EXT_punt                          // deoptimise to the trace head
    EXT_check_inline_prediction       // receiver class guard of a predicted inline
)

var extNames = [...]string{
    EXT_none:                    "none",
    EXT_phi:                     "phi",
    EXT_null_range_up_check:     "null_range_up_check",
    EXT_null_range_down_check:   "null_range_down_check",
    EXT_lower_bound_check:       "lower_bound_check",
    EXT_punt:                    "punt",
    EXT_check_inline_prediction: "check_inline_prediction",
}

func (self ExtOp) String() string {
    return extNames[self]
}

type Flags uint8

const (
    IgnoreNullCheck Flags = 1 << iota
    IgnoreRangeCheck
    Inlined     // folded into another instruction, generates nothing
    InlinedPred // belongs to the body of a predicted inline
)

// Check is the operand of a hoisted loop check. Registers are virtual
// registers read at the trace head.
type Check struct {
    Array uint32     // array register
    Index uint32     // register holding the initial index
    Bound uint32     // register holding the loop bound
    Const bool       // the bound is the constant Value
    Value int32      // constant loop bound
    Exit  dex.Opcode // normalised exit branch, if-ge, if-gt, if-lt or if-le
    Delta int32      // offset of the compared induction variable
    MinC  int32
    MaxC  int32
}

// CountDown reports whether the checked loop counts down.
func (self *Check) CountDown() bool {
    return self.Exit == dex.OP_if_lt || self.Exit == dex.OP_if_le
}

// MIR is one mid-level instruction. A MIR is never removed from its block,
// instructions that should not generate code are flagged Inlined instead.
type MIR struct {
    Ins    dex.Instr
    Ext    ExtOp
    Offset uint32
    Width  uint32
    Flags  Flags
    SSA    *SSARep
    Check  *Check
    Site   *CallSite
    Field  *dex.Field
    Class  *dex.Class
    Callee *dex.Method
    Block  *BasicBlock
    Prev   *MIR
    Next   *MIR
}

func (self *MIR) IsExt() bool {
    return self.Ext != EXT_none
}

// Active reports whether the instruction generates any code.
func (self *MIR) Active() bool {
    return self.Flags&Inlined == 0 && self.Ext != EXT_phi
}

func (self *MIR) String() string {
    var buf strings.Builder
    if self.Ext != EXT_none {
        buf.WriteString(self.Ext.String())
        switch self.Ext {
        case EXT_check_inline_prediction:
            fmt.Fprintf(&buf, " v%d, %s", self.Ins.C, self.Class)
        case EXT_null_range_up_check, EXT_null_range_down_check:
            fmt.Fprintf(&buf, " v%d[v%d..], %s, maxc=%d", self.Check.Array, self.Check.Index, self.Check.Exit, self.Check.MaxC)
        case EXT_lower_bound_check:
            fmt.Fprintf(&buf, " v%d, minc=%d", self.Check.Index, self.Check.MinC)
        }
    } else {
        buf.WriteString(self.Ins.Disassemble(self.Offset))
    }
    if self.SSA != nil && len(self.SSA.Defs)+len(self.SSA.Uses) != 0 {
        fmt.Fprintf(&buf, "  %s", self.SSA)
    }
    if self.Flags&Inlined != 0 {
        buf.WriteString("  (inlined)")
    }
    if self.Flags&(IgnoreNullCheck|IgnoreRangeCheck) != 0 {
        buf.WriteString("  (checks hoisted)")
    }
    return buf.String()
}

// DataFlow describes which virtual registers an opcode reads and writes.
type DataFlow uint16

const (
    DF_DA DataFlow = 1 << iota
    DF_UA
    DF_UB
    DF_UC
    DF_A_WIDE
    DF_B_WIDE
    DF_C_WIDE
    DF_NULL_CHK_B
    DF_RANGE_CHK_C
    DF_SETS_CONST
    DF_FORMAT_35C
    DF_NULL_CHK_ARG0
)

const (
    _DF_DA_UB     = DF_DA | DF_UB
    _DF_DA_UB_UC  = DF_DA | DF_UB | DF_UC
    _DF_WIDE_ALL  = DF_A_WIDE | DF_B_WIDE | DF_C_WIDE
    _DF_ARRAY_GET = DF_DA | DF_UB | DF_UC | DF_NULL_CHK_B | DF_RANGE_CHK_C
    _DF_ARRAY_PUT = DF_UA | DF_UB | DF_UC | DF_NULL_CHK_B | DF_RANGE_CHK_C
)

var dataFlowTab = [dex.OP_max]DataFlow{
    dex.OP_move:               _DF_DA_UB,
    dex.OP_move_wide:          _DF_DA_UB | DF_A_WIDE | DF_B_WIDE,
    dex.OP_move_object:        _DF_DA_UB,
    dex.OP_move_result:        DF_DA,
    dex.OP_move_result_wide:   DF_DA | DF_A_WIDE,
    dex.OP_move_result_object: DF_DA,
    dex.OP_return:             DF_UA,
    dex.OP_return_wide:        DF_UA | DF_A_WIDE,
    dex.OP_return_object:      DF_UA,
    dex.OP_const_4:            DF_DA | DF_SETS_CONST,
    dex.OP_const_16:           DF_DA | DF_SETS_CONST,
    dex.OP_const:              DF_DA | DF_SETS_CONST,
    dex.OP_const_wide_16:      DF_DA | DF_A_WIDE | DF_SETS_CONST,
    dex.OP_const_wide_32:      DF_DA | DF_A_WIDE | DF_SETS_CONST,
    dex.OP_const_string:       DF_DA,
    dex.OP_const_class:        DF_DA,
    dex.OP_new_instance:       DF_DA,
    dex.OP_new_array:          _DF_DA_UB,
    dex.OP_array_length:       _DF_DA_UB | DF_NULL_CHK_B,
    dex.OP_throw:              DF_UA,
    dex.OP_packed_switch:      DF_UA,
    dex.OP_sparse_switch:      DF_UA,
    dex.OP_cmp_long:           _DF_DA_UB_UC | DF_B_WIDE | DF_C_WIDE,
    dex.OP_if_eq:              DF_UA | DF_UB,
    dex.OP_if_ne:              DF_UA | DF_UB,
    dex.OP_if_lt:              DF_UA | DF_UB,
    dex.OP_if_ge:              DF_UA | DF_UB,
    dex.OP_if_gt:              DF_UA | DF_UB,
    dex.OP_if_le:              DF_UA | DF_UB,
    dex.OP_if_eqz:             DF_UA,
    dex.OP_if_nez:             DF_UA,
    dex.OP_if_ltz:             DF_UA,
    dex.OP_if_gez:             DF_UA,
    dex.OP_if_gtz:             DF_UA,
    dex.OP_if_lez:             DF_UA,
    dex.OP_aget:               _DF_ARRAY_GET,
    dex.OP_aget_wide:          _DF_ARRAY_GET | DF_A_WIDE,
    dex.OP_aget_object:        _DF_ARRAY_GET,
    dex.OP_aput:               _DF_ARRAY_PUT,
    dex.OP_aput_wide:          _DF_ARRAY_PUT | DF_A_WIDE,
    dex.OP_aput_object:        _DF_ARRAY_PUT,
    dex.OP_iget:               _DF_DA_UB | DF_NULL_CHK_B,
    dex.OP_iget_wide:          _DF_DA_UB | DF_NULL_CHK_B | DF_A_WIDE,
    dex.OP_iget_object:        _DF_DA_UB | DF_NULL_CHK_B,
    dex.OP_iput:               DF_UA | DF_UB | DF_NULL_CHK_B,
    dex.OP_iput_wide:          DF_UA | DF_UB | DF_NULL_CHK_B | DF_A_WIDE,
    dex.OP_iput_object:        DF_UA | DF_UB | DF_NULL_CHK_B,
    dex.OP_sget:               DF_DA,
    dex.OP_sget_object:        DF_DA,
    dex.OP_sput:               DF_UA,
    dex.OP_sput_object:        DF_UA,
    dex.OP_invoke_virtual:     DF_FORMAT_35C | DF_NULL_CHK_ARG0,
    dex.OP_invoke_super:       DF_FORMAT_35C | DF_NULL_CHK_ARG0,
    dex.OP_invoke_direct:      DF_FORMAT_35C | DF_NULL_CHK_ARG0,
    dex.OP_invoke_static:      DF_FORMAT_35C,
    dex.OP_invoke_interface:   DF_FORMAT_35C | DF_NULL_CHK_ARG0,
    dex.OP_neg_int:            _DF_DA_UB,
    dex.OP_not_int:            _DF_DA_UB,
    dex.OP_neg_long:           _DF_DA_UB | DF_A_WIDE | DF_B_WIDE,
    dex.OP_int_to_long:        _DF_DA_UB | DF_A_WIDE,
    dex.OP_long_to_int:        _DF_DA_UB | DF_B_WIDE,
    dex.OP_add_int:            _DF_DA_UB_UC,
    dex.OP_sub_int:            _DF_DA_UB_UC,
    dex.OP_mul_int:            _DF_DA_UB_UC,
    dex.OP_div_int:            _DF_DA_UB_UC,
    dex.OP_rem_int:            _DF_DA_UB_UC,
    dex.OP_and_int:            _DF_DA_UB_UC,
    dex.OP_or_int:             _DF_DA_UB_UC,
    dex.OP_xor_int:            _DF_DA_UB_UC,
    dex.OP_shl_int:            _DF_DA_UB_UC,
    dex.OP_shr_int:            _DF_DA_UB_UC,
    dex.OP_ushr_int:           _DF_DA_UB_UC,
    dex.OP_add_long:           _DF_DA_UB_UC | _DF_WIDE_ALL,
    dex.OP_sub_long:           _DF_DA_UB_UC | _DF_WIDE_ALL,
    dex.OP_mul_long:           _DF_DA_UB_UC | _DF_WIDE_ALL,
    dex.OP_and_long:           _DF_DA_UB_UC | _DF_WIDE_ALL,
    dex.OP_or_long:            _DF_DA_UB_UC | _DF_WIDE_ALL,
    dex.OP_xor_long:           _DF_DA_UB_UC | _DF_WIDE_ALL,
    dex.OP_add_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_sub_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_mul_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_div_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_rem_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_and_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_or_int_2addr:       DF_DA | DF_UA | DF_UB,
    dex.OP_xor_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_shl_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_shr_int_2addr:      DF_DA | DF_UA | DF_UB,
    dex.OP_ushr_int_2addr:     DF_DA | DF_UA | DF_UB,
    dex.OP_add_long_2addr:     DF_DA | DF_UA | DF_UB | DF_A_WIDE | DF_B_WIDE,
    dex.OP_sub_long_2addr:     DF_DA | DF_UA | DF_UB | DF_A_WIDE | DF_B_WIDE,
    dex.OP_add_int_lit16:      _DF_DA_UB,
    dex.OP_rsub_int:           _DF_DA_UB,
    dex.OP_mul_int_lit16:      _DF_DA_UB,
    dex.OP_div_int_lit16:      _DF_DA_UB,
    dex.OP_rem_int_lit16:      _DF_DA_UB,
    dex.OP_and_int_lit16:      _DF_DA_UB,
    dex.OP_or_int_lit16:       _DF_DA_UB,
    dex.OP_xor_int_lit16:      _DF_DA_UB,
    dex.OP_add_int_lit8:       _DF_DA_UB,
    dex.OP_rsub_int_lit8:      _DF_DA_UB,
    dex.OP_mul_int_lit8:       _DF_DA_UB,
    dex.OP_div_int_lit8:       _DF_DA_UB,
    dex.OP_rem_int_lit8:       _DF_DA_UB,
    dex.OP_and_int_lit8:       _DF_DA_UB,
    dex.OP_or_int_lit8:        _DF_DA_UB,
    dex.OP_xor_int_lit8:       _DF_DA_UB,
    dex.OP_shl_int_lit8:       _DF_DA_UB,
    dex.OP_shr_int_lit8:       _DF_DA_UB,
    dex.OP_ushr_int_lit8:      _DF_DA_UB,
}

// DataFlowOf returns the data flow attributes of an opcode.
func DataFlowOf(op dex.Opcode) DataFlow {
    return dataFlowTab[op]
}

func regs(buf []uint32, r uint32, wide bool) []uint32 {
    if wide {
        return append(buf, r, r+1)
    } else {
        return append(buf, r)
    }
}

// Uses lists the virtual registers read by the instruction, in operand
// order. Wide operands contribute both halves.
func (self *MIR) Uses() []uint32 {
    var ret []uint32
    switch self.Ext {
    case EXT_none:
        break
    case EXT_check_inline_prediction:
        return []uint32{self.Ins.C}
    default:
        return nil
    }

    /* invoke arguments */
    df := dataFlowTab[self.Ins.Op]
    if df&DF_FORMAT_35C != 0 {
        return append(ret, self.Ins.Operands()...)
    }

    /* regular operands */
    if df&DF_UA != 0 {
        ret = regs(ret, self.Ins.A, df&DF_A_WIDE != 0)
    }
    if df&DF_UB != 0 {
        ret = regs(ret, self.Ins.B, df&DF_B_WIDE != 0)
    }
    if df&DF_UC != 0 {
        ret = regs(ret, self.Ins.C, df&DF_C_WIDE != 0)
    }
    return ret
}

// Defs lists the virtual registers written by the instruction.
func (self *MIR) Defs() []uint32 {
    if self.Ext != EXT_none {
        return nil
    }
    if df := dataFlowTab[self.Ins.Op]; df&DF_DA == 0 {
        return nil
    } else {
        return regs(nil, self.Ins.A, df&DF_A_WIDE != 0)
    }
}
