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

type Opcode uint8

const (
	OP_nop                Opcode = iota // no operation
	OP_move                             // vB -> vA
	OP_move_wide                        // vB:vB+1 -> vA:vA+1
	OP_move_object                      // vB -> vA
	OP_move_result                      // retval -> vAA
	OP_move_result_wide                 // retval -> vAA:vAA+1
	OP_move_result_object               // retval -> vAA
	OP_return_void                      // return
	OP_return                           // return vAA
	OP_return_wide                      // return vAA:vAA+1
	OP_return_object                    // return vAA
	OP_const_4                          // #+B -> vA
	OP_const_16                         // #+BBBB -> vAA
	OP_const                            // #+BBBBBBBB -> vAA
	OP_const_wide_16                    // #+BBBB -> vAA:vAA+1
	OP_const_wide_32                    // #+BBBBBBBB -> vAA:vAA+1
	OP_const_string                     // string@BBBB -> vAA
	OP_const_class                      // type@BBBB -> vAA
	OP_new_instance                     // new type@BBBB -> vAA
	OP_new_array                        // new type@CCCC[vB] -> vA
	OP_array_length                     // len(vB) -> vA
	OP_throw                            // throw vAA
	OP_goto                             // goto +AA
	OP_goto_16                          // goto +AAAA
	OP_packed_switch                    // switch vAA, +BBBBBBBB
	OP_sparse_switch                    // switch vAA, +BBBBBBBB
	OP_cmp_long                         // cmp(vBB, vCC) -> vAA
	OP_if_eq                            // if vA == vB goto +CCCC
	OP_if_ne                            // if vA != vB goto +CCCC
	OP_if_lt                            // if vA <  vB goto +CCCC
	OP_if_ge                            // if vA >= vB goto +CCCC
	OP_if_gt                            // if vA >  vB goto +CCCC
	OP_if_le                            // if vA <= vB goto +CCCC
	OP_if_eqz                           // if vAA == 0 goto +BBBB
	OP_if_nez                           // if vAA != 0 goto +BBBB
	OP_if_ltz                           // if vAA <  0 goto +BBBB
	OP_if_gez                           // if vAA >= 0 goto +BBBB
	OP_if_gtz                           // if vAA >  0 goto +BBBB
	OP_if_lez                           // if vAA <= 0 goto +BBBB
	OP_aget                             // vBB[vCC] -> vAA
	OP_aget_wide                        // vBB[vCC] -> vAA:vAA+1
	OP_aget_object                      // vBB[vCC] -> vAA
	OP_aput                             // vAA -> vBB[vCC]
	OP_aput_wide                        // vAA:vAA+1 -> vBB[vCC]
	OP_aput_object                      // vAA -> vBB[vCC]
	OP_iget                             // vB.field@CCCC -> vA
	OP_iget_wide                        // vB.field@CCCC -> vA:vA+1
	OP_iget_object                      // vB.field@CCCC -> vA
	OP_iput                             // vA -> vB.field@CCCC
	OP_iput_wide                        // vA:vA+1 -> vB.field@CCCC
	OP_iput_object                      // vA -> vB.field@CCCC
	OP_sget                             // field@BBBB -> vAA
	OP_sget_object                      // field@BBBB -> vAA
	OP_sput                             // vAA -> field@BBBB
	OP_sput_object                      // vAA -> field@BBBB
	OP_invoke_virtual                   // vtable dispatch on {vC, ...}
	OP_invoke_super                     // super.meth@BBBB {vC, ...}
	OP_invoke_direct                    // meth@BBBB {vC, ...}
	OP_invoke_static                    // meth@BBBB {vC, ...}
	OP_invoke_interface                 // interface dispatch on {vC, ...}
	OP_neg_int                          // -vB -> vA
	OP_not_int                          // ^vB -> vA
	OP_neg_long                         // -vB:vB+1 -> vA:vA+1
	OP_int_to_long                      // i64(vB) -> vA:vA+1
	OP_long_to_int                      // i32(vB:vB+1) -> vA
	OP_add_int                          // vBB + vCC -> vAA
	OP_sub_int                          // vBB - vCC -> vAA
	OP_mul_int                          // vBB * vCC -> vAA
	OP_div_int                          // vBB / vCC -> vAA
	OP_rem_int                          // vBB % vCC -> vAA
	OP_and_int                          // vBB & vCC -> vAA
	OP_or_int                           // vBB | vCC -> vAA
	OP_xor_int                          // vBB ^ vCC -> vAA
	OP_shl_int                          // vBB << (vCC & 31) -> vAA
	OP_shr_int                          // vBB >> (vCC & 31) -> vAA
	OP_ushr_int                         // vBB >>> (vCC & 31) -> vAA
	OP_add_long                         // vBB + vCC -> vAA (wide)
	OP_sub_long                         // vBB - vCC -> vAA (wide)
	OP_mul_long                         // vBB * vCC -> vAA (wide)
	OP_and_long                         // vBB & vCC -> vAA (wide)
	OP_or_long                          // vBB | vCC -> vAA (wide)
	OP_xor_long                         // vBB ^ vCC -> vAA (wide)
	OP_add_int_2addr                    // vA + vB -> vA
	OP_sub_int_2addr                    // vA - vB -> vA
	OP_mul_int_2addr                    // vA * vB -> vA
	OP_div_int_2addr                    // vA / vB -> vA
	OP_rem_int_2addr                    // vA % vB -> vA
	OP_and_int_2addr                    // vA & vB -> vA
	OP_or_int_2addr                     // vA | vB -> vA
	OP_xor_int_2addr                    // vA ^ vB -> vA
	OP_shl_int_2addr                    // vA << (vB & 31) -> vA
	OP_shr_int_2addr                    // vA >> (vB & 31) -> vA
	OP_ushr_int_2addr                   // vA >>> (vB & 31) -> vA
	OP_add_long_2addr                   // vA + vB -> vA (wide)
	OP_sub_long_2addr                   // vA - vB -> vA (wide)
	OP_add_int_lit16                    // vB + #+CCCC -> vA
	OP_rsub_int                         // #+CCCC - vB -> vA
	OP_mul_int_lit16                    // vB * #+CCCC -> vA
	OP_div_int_lit16                    // vB / #+CCCC -> vA
	OP_rem_int_lit16                    // vB % #+CCCC -> vA
	OP_and_int_lit16                    // vB & #+CCCC -> vA
	OP_or_int_lit16                     // vB | #+CCCC -> vA
	OP_xor_int_lit16                    // vB ^ #+CCCC -> vA
	OP_add_int_lit8                     // vBB + #+CC -> vAA
	OP_rsub_int_lit8                    // #+CC - vBB -> vAA
	OP_mul_int_lit8                     // vBB * #+CC -> vAA
	OP_div_int_lit8                     // vBB / #+CC -> vAA
	OP_rem_int_lit8                     // vBB % #+CC -> vAA
	OP_and_int_lit8                     // vBB & #+CC -> vAA
	OP_or_int_lit8                      // vBB | #+CC -> vAA
	OP_xor_int_lit8                     // vBB ^ #+CC -> vAA
	OP_shl_int_lit8                     // vBB << #+CC -> vAA
	OP_shr_int_lit8                     // vBB >> #+CC -> vAA
	OP_ushr_int_lit8                    // vBB >>> #+CC -> vAA
	OP_max
)

// Format is the encoding layout of an instruction, named after the number of
// code units, the number of registers and the kind of the extra operand.
type Format uint8

const (
	F10x Format = iota
	F12x
	F11n
	F11x
	F10t
	F20t
	F21t
	F21s
	F21c
	F22b
	F22c
	F22s
	F22t
	F23x
	F31i
	F31t
	F35c
)

var formatWidth = [...]uint32{
	F10x: 1,
	F12x: 1,
	F11n: 1,
	F11x: 1,
	F10t: 1,
	F20t: 2,
	F21t: 2,
	F21s: 2,
	F21c: 2,
	F22b: 2,
	F22c: 2,
	F22s: 2,
	F22t: 2,
	F23x: 2,
	F31i: 3,
	F31t: 3,
	F35c: 3,
}

func (self Format) Width() uint32 {
	return formatWidth[self]
}

// Flags describes how an instruction may transfer control.
type Flags uint16

const (
	CanBranch Flags = 1 << iota
	CanContinue
	CanSwitch
	CanThrow
	CanReturn
	Invoke
	Unconditional
	SingleStep
)

type opInfo struct {
	name  string
	fmt   Format
	flags Flags
}

const (
	_Cont   = CanContinue
	_Throw  = CanContinue | CanThrow
	_Branch = CanBranch | CanContinue
	_Invoke = CanContinue | CanThrow | Invoke
)

var opTab = [OP_max]opInfo{
	OP_nop:                {"nop", F10x, _Cont},
	OP_move:               {"move", F12x, _Cont},
	OP_move_wide:          {"move-wide", F12x, _Cont},
	OP_move_object:        {"move-object", F12x, _Cont},
	OP_move_result:        {"move-result", F11x, _Cont},
	OP_move_result_wide:   {"move-result-wide", F11x, _Cont},
	OP_move_result_object: {"move-result-object", F11x, _Cont},
	OP_return_void:        {"return-void", F10x, CanReturn},
	OP_return:             {"return", F11x, CanReturn},
	OP_return_wide:        {"return-wide", F11x, CanReturn},
	OP_return_object:      {"return-object", F11x, CanReturn},
	OP_const_4:            {"const/4", F11n, _Cont},
	OP_const_16:           {"const/16", F21s, _Cont},
	OP_const:              {"const", F31i, _Cont},
	OP_const_wide_16:      {"const-wide/16", F21s, _Cont},
	OP_const_wide_32:      {"const-wide/32", F31i, _Cont},
	OP_const_string:       {"const-string", F21c, _Throw | SingleStep},
	OP_const_class:        {"const-class", F21c, _Throw | SingleStep},
	OP_new_instance:       {"new-instance", F21c, _Throw | SingleStep},
	OP_new_array:          {"new-array", F22c, _Throw | SingleStep},
	OP_array_length:       {"array-length", F12x, _Throw},
	OP_throw:              {"throw", F11x, CanThrow},
	OP_goto:               {"goto", F10t, CanBranch | Unconditional},
	OP_goto_16:            {"goto/16", F20t, CanBranch | Unconditional},
	OP_packed_switch:      {"packed-switch", F31t, CanContinue | CanSwitch},
	OP_sparse_switch:      {"sparse-switch", F31t, CanContinue | CanSwitch},
	OP_cmp_long:           {"cmp-long", F23x, _Cont},
	OP_if_eq:              {"if-eq", F22t, _Branch},
	OP_if_ne:              {"if-ne", F22t, _Branch},
	OP_if_lt:              {"if-lt", F22t, _Branch},
	OP_if_ge:              {"if-ge", F22t, _Branch},
	OP_if_gt:              {"if-gt", F22t, _Branch},
	OP_if_le:              {"if-le", F22t, _Branch},
	OP_if_eqz:             {"if-eqz", F21t, _Branch},
	OP_if_nez:             {"if-nez", F21t, _Branch},
	OP_if_ltz:             {"if-ltz", F21t, _Branch},
	OP_if_gez:             {"if-gez", F21t, _Branch},
	OP_if_gtz:             {"if-gtz", F21t, _Branch},
	OP_if_lez:             {"if-lez", F21t, _Branch},
	OP_aget:               {"aget", F23x, _Throw},
	OP_aget_wide:          {"aget-wide", F23x, _Throw},
	OP_aget_object:        {"aget-object", F23x, _Throw},
	OP_aput:               {"aput", F23x, _Throw},
	OP_aput_wide:          {"aput-wide", F23x, _Throw},
	OP_aput_object:        {"aput-object", F23x, _Throw},
	OP_iget:               {"iget", F22c, _Throw},
	OP_iget_wide:          {"iget-wide", F22c, _Throw},
	OP_iget_object:        {"iget-object", F22c, _Throw},
	OP_iput:               {"iput", F22c, _Throw},
	OP_iput_wide:          {"iput-wide", F22c, _Throw},
	OP_iput_object:        {"iput-object", F22c, _Throw},
	OP_sget:               {"sget", F21c, _Throw},
	OP_sget_object:        {"sget-object", F21c, _Throw},
	OP_sput:               {"sput", F21c, _Throw},
	OP_sput_object:        {"sput-object", F21c, _Throw},
	OP_invoke_virtual:     {"invoke-virtual", F35c, _Invoke},
	OP_invoke_super:       {"invoke-super", F35c, _Invoke},
	OP_invoke_direct:      {"invoke-direct", F35c, _Invoke},
	OP_invoke_static:      {"invoke-static", F35c, _Invoke},
	OP_invoke_interface:   {"invoke-interface", F35c, _Invoke},
	OP_neg_int:            {"neg-int", F12x, _Cont},
	OP_not_int:            {"not-int", F12x, _Cont},
	OP_neg_long:           {"neg-long", F12x, _Cont},
	OP_int_to_long:        {"int-to-long", F12x, _Cont},
	OP_long_to_int:        {"long-to-int", F12x, _Cont},
	OP_add_int:            {"add-int", F23x, _Cont},
	OP_sub_int:            {"sub-int", F23x, _Cont},
	OP_mul_int:            {"mul-int", F23x, _Cont},
	OP_div_int:            {"div-int", F23x, _Throw},
	OP_rem_int:            {"rem-int", F23x, _Throw},
	OP_and_int:            {"and-int", F23x, _Cont},
	OP_or_int:             {"or-int", F23x, _Cont},
	OP_xor_int:            {"xor-int", F23x, _Cont},
	OP_shl_int:            {"shl-int", F23x, _Cont},
	OP_shr_int:            {"shr-int", F23x, _Cont},
	OP_ushr_int:           {"ushr-int", F23x, _Cont},
	OP_add_long:           {"add-long", F23x, _Cont},
	OP_sub_long:           {"sub-long", F23x, _Cont},
	OP_mul_long:           {"mul-long", F23x, _Cont},
	OP_and_long:           {"and-long", F23x, _Cont},
	OP_or_long:            {"or-long", F23x, _Cont},
	OP_xor_long:           {"xor-long", F23x, _Cont},
	OP_add_int_2addr:      {"add-int/2addr", F12x, _Cont},
	OP_sub_int_2addr:      {"sub-int/2addr", F12x, _Cont},
	OP_mul_int_2addr:      {"mul-int/2addr", F12x, _Cont},
	OP_div_int_2addr:      {"div-int/2addr", F12x, _Throw},
	OP_rem_int_2addr:      {"rem-int/2addr", F12x, _Throw},
	OP_and_int_2addr:      {"and-int/2addr", F12x, _Cont},
	OP_or_int_2addr:       {"or-int/2addr", F12x, _Cont},
	OP_xor_int_2addr:      {"xor-int/2addr", F12x, _Cont},
	OP_shl_int_2addr:      {"shl-int/2addr", F12x, _Cont},
	OP_shr_int_2addr:      {"shr-int/2addr", F12x, _Cont},
	OP_ushr_int_2addr:     {"ushr-int/2addr", F12x, _Cont},
	OP_add_long_2addr:     {"add-long/2addr", F12x, _Cont},
	OP_sub_long_2addr:     {"sub-long/2addr", F12x, _Cont},
	OP_add_int_lit16:      {"add-int/lit16", F22s, _Cont},
	OP_rsub_int:           {"rsub-int", F22s, _Cont},
	OP_mul_int_lit16:      {"mul-int/lit16", F22s, _Cont},
	OP_div_int_lit16:      {"div-int/lit16", F22s, _Throw},
	OP_rem_int_lit16:      {"rem-int/lit16", F22s, _Throw},
	OP_and_int_lit16:      {"and-int/lit16", F22s, _Cont},
	OP_or_int_lit16:       {"or-int/lit16", F22s, _Cont},
	OP_xor_int_lit16:      {"xor-int/lit16", F22s, _Cont},
	OP_add_int_lit8:       {"add-int/lit8", F22b, _Cont},
	OP_rsub_int_lit8:      {"rsub-int/lit8", F22b, _Cont},
	OP_mul_int_lit8:       {"mul-int/lit8", F22b, _Cont},
	OP_div_int_lit8:       {"div-int/lit8", F22b, _Throw},
	OP_rem_int_lit8:       {"rem-int/lit8", F22b, _Throw},
	OP_and_int_lit8:       {"and-int/lit8", F22b, _Cont},
	OP_or_int_lit8:        {"or-int/lit8", F22b, _Cont},
	OP_xor_int_lit8:       {"xor-int/lit8", F22b, _Cont},
	OP_shl_int_lit8:       {"shl-int/lit8", F22b, _Cont},
	OP_shr_int_lit8:       {"shr-int/lit8", F22b, _Cont},
	OP_ushr_int_lit8:      {"ushr-int/lit8", F22b, _Cont},
}

func (self Opcode) String() string {
	if self < OP_max {
		return opTab[self].name
	} else {
		return fmt.Sprintf("op-%#02x", uint8(self))
	}
}

func (self Opcode) Format() Format {
	return opTab[self].fmt
}

func (self Opcode) Flags() Flags {
	return opTab[self].flags
}

// Width returns the number of code units the instruction occupies.
func (self Opcode) Width() uint32 {
	return opTab[self].fmt.Width()
}

// OpcodeByName looks an opcode up by its mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	for i := Opcode(0); i < OP_max; i++ {
		if opTab[i].name == name {
			return i, true
		}
	}
	return 0, false
}

func (self Opcode) IsGoto() bool {
	return self == OP_goto || self == OP_goto_16
}

func (self Opcode) IsInvoke() bool {
	return self >= OP_invoke_virtual && self <= OP_invoke_interface
}

func (self Opcode) IsReturn() bool {
	return self >= OP_return_void && self <= OP_return_object
}

func (self Opcode) IsSwitch() bool {
	return self == OP_packed_switch || self == OP_sparse_switch
}

func (self Opcode) IsMoveResult() bool {
	return self >= OP_move_result && self <= OP_move_result_object
}

func (self Opcode) IsIfTest() bool {
	return self >= OP_if_eq && self <= OP_if_le
}

func (self Opcode) IsIfTestZ() bool {
	return self >= OP_if_eqz && self <= OP_if_lez
}

// IsFieldGet reports instance field reads, the only body a getter may have.
func (self Opcode) IsFieldGet() bool {
	return self >= OP_iget && self <= OP_iget_object
}

func (self Opcode) IsFieldPut() bool {
	return self >= OP_iput && self <= OP_iput_object
}

func (self Opcode) IsWideResult() bool {
	switch self {
	case OP_move_wide, OP_move_result_wide, OP_return_wide, OP_const_wide_16, OP_const_wide_32:
		return true
	case OP_aget_wide, OP_iget_wide, OP_neg_long, OP_int_to_long:
		return true
	case OP_add_long, OP_sub_long, OP_mul_long, OP_and_long, OP_or_long, OP_xor_long:
		return true
	case OP_add_long_2addr, OP_sub_long_2addr:
		return true
	default:
		return false
	}
}

// ALU is the arithmetic operation carried by a binary or literal opcode.
type ALU uint8

const (
	ALU_none ALU = iota
	ALU_add
	ALU_sub
	ALU_mul
	ALU_div
	ALU_rem
	ALU_and
	ALU_or
	ALU_xor
	ALU_shl
	ALU_shr
	ALU_ushr
	ALU_rsub
)

var aluTab = [OP_max]ALU{
	OP_add_int: ALU_add, OP_sub_int: ALU_sub, OP_mul_int: ALU_mul, OP_div_int: ALU_div,
	OP_rem_int: ALU_rem, OP_and_int: ALU_and, OP_or_int: ALU_or, OP_xor_int: ALU_xor,
	OP_shl_int: ALU_shl, OP_shr_int: ALU_shr, OP_ushr_int: ALU_ushr,
	OP_add_long: ALU_add, OP_sub_long: ALU_sub, OP_mul_long: ALU_mul,
	OP_and_long: ALU_and, OP_or_long: ALU_or, OP_xor_long: ALU_xor,
	OP_add_int_2addr: ALU_add, OP_sub_int_2addr: ALU_sub, OP_mul_int_2addr: ALU_mul,
	OP_div_int_2addr: ALU_div, OP_rem_int_2addr: ALU_rem, OP_and_int_2addr: ALU_and,
	OP_or_int_2addr: ALU_or, OP_xor_int_2addr: ALU_xor, OP_shl_int_2addr: ALU_shl,
	OP_shr_int_2addr: ALU_shr, OP_ushr_int_2addr: ALU_ushr,
	OP_add_long_2addr: ALU_add, OP_sub_long_2addr: ALU_sub,
	OP_add_int_lit16: ALU_add, OP_rsub_int: ALU_rsub, OP_mul_int_lit16: ALU_mul,
	OP_div_int_lit16: ALU_div, OP_rem_int_lit16: ALU_rem, OP_and_int_lit16: ALU_and,
	OP_or_int_lit16: ALU_or, OP_xor_int_lit16: ALU_xor,
	OP_add_int_lit8: ALU_add, OP_rsub_int_lit8: ALU_rsub, OP_mul_int_lit8: ALU_mul,
	OP_div_int_lit8: ALU_div, OP_rem_int_lit8: ALU_rem, OP_and_int_lit8: ALU_and,
	OP_or_int_lit8: ALU_or, OP_xor_int_lit8: ALU_xor, OP_shl_int_lit8: ALU_shl,
	OP_shr_int_lit8: ALU_shr, OP_ushr_int_lit8: ALU_ushr,
}

// ALU returns the arithmetic carried by the opcode, or ALU_none.
func (self Opcode) ALU() ALU {
	return aluTab[self]
}

func (self Opcode) IsLit() bool {
	return self >= OP_add_int_lit16 && self <= OP_ushr_int_lit8
}

func (self Opcode) Is2Addr() bool {
	return self >= OP_add_int_2addr && self <= OP_sub_long_2addr
}

func (self Opcode) IsLongALU() bool {
	return (self >= OP_add_long && self <= OP_xor_long) || self == OP_add_long_2addr || self == OP_sub_long_2addr
}

// EvalInt applies the 32-bit arithmetic. Division by zero is the caller's
// business and must be checked before.
func (self ALU) EvalInt(a int32, b int32) int32 {
	switch self {
	case ALU_add:
		return a + b
	case ALU_sub:
		return a - b
	case ALU_mul:
		return a * b
	case ALU_div:
		if b == -1 {
			return -a
		}
		return a / b
	case ALU_rem:
		if b == -1 {
			return 0
		}
		return a % b
	case ALU_and:
		return a & b
	case ALU_or:
		return a | b
	case ALU_xor:
		return a ^ b
	case ALU_shl:
		return a << (uint32(b) & 31)
	case ALU_shr:
		return a >> (uint32(b) & 31)
	case ALU_ushr:
		return int32(uint32(a) >> (uint32(b) & 31))
	case ALU_rsub:
		return b - a
	default:
		panic("dex: invalid int ALU operation")
	}
}

func (self ALU) EvalLong(a int64, b int64) int64 {
	switch self {
	case ALU_add:
		return a + b
	case ALU_sub:
		return a - b
	case ALU_mul:
		return a * b
	case ALU_and:
		return a & b
	case ALU_or:
		return a | b
	case ALU_xor:
		return a ^ b
	default:
		panic("dex: invalid long ALU operation")
	}
}

func (self ALU) CanThrow() bool {
	return self == ALU_div || self == ALU_rem
}
