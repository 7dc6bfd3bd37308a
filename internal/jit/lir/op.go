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

package lir

import (
    `fmt`
)

// Op is a target machine opcode. Every instruction is one word, with an
// optional immediate word following it:
//
//	word0 = Op | A << 8 | B << 16 | C << 24
//	word1 = Imm (ops with the I flag only)
//
// Short branches keep a signed word displacement in C, relative to the next
// instruction. Conditional branches keep the condition in the low nibble of A
// and the second register in the high nibble, long branches keep the
// displacement in Imm instead.
type Op uint8

const (
    OP_nop    Op = iota // no operation
    OP_halt             // invalid code, stops the machine
    OP_movi             // Im -> Ra
    OP_mov              // Rb -> Ra
    OP_ldv              // fp[Im] -> Ra
    OP_stv              // Ra -> fp[Im]
    OP_ldret            // lo(retval) -> Ra
    OP_ldreth           // hi(retval) -> Ra
    OP_stret            // Ra -> lo(retval)
    OP_streth           // Ra -> hi(retval)
    OP_add              // Rb + Rc -> Ra
    OP_sub              // Rb - Rc -> Ra
    OP_mul              // Rb * Rc -> Ra
    OP_div              // Rb / Rc -> Ra
    OP_rem              // Rb % Rc -> Ra
    OP_and              // Rb & Rc -> Ra
    OP_or               // Rb | Rc -> Ra
    OP_xor              // Rb ^ Rc -> Ra
    OP_shl              // Rb << (Rc & 31) -> Ra
    OP_shr              // Rb >> (Rc & 31) -> Ra
    OP_ushr             // Rb >>> (Rc & 31) -> Ra
    OP_addi             // Rb + Im -> Ra
    OP_muli             // Rb * Im -> Ra
    OP_divi             // Rb / Im -> Ra
    OP_remi             // Rb % Im -> Ra
    OP_andi             // Rb & Im -> Ra
    OP_ori              // Rb | Im -> Ra
    OP_xori             // Rb ^ Im -> Ra
    OP_shli             // Rb << (Im & 31) -> Ra
    OP_shri             // Rb >> (Im & 31) -> Ra
    OP_ushri            // Rb >>> (Im & 31) -> Ra
    OP_rsubi            // Im - Rb -> Ra
    OP_neg              // -Rb -> Ra
    OP_not              // ^Rb -> Ra
    OP_addw             // Rb:Rb+1 + Rc:Rc+1 -> Ra:Ra+1
    OP_subw             // Rb:Rb+1 - Rc:Rc+1 -> Ra:Ra+1
    OP_mulw             // Rb:Rb+1 * Rc:Rc+1 -> Ra:Ra+1
    OP_andw             // Rb:Rb+1 & Rc:Rc+1 -> Ra:Ra+1
    OP_orw              // Rb:Rb+1 | Rc:Rc+1 -> Ra:Ra+1
    OP_xorw             // Rb:Rb+1 ^ Rc:Rc+1 -> Ra:Ra+1
    OP_negw             // -Rb:Rb+1 -> Ra:Ra+1
    OP_cmpw             // cmp(Rb:Rb+1, Rc:Rc+1) -> Ra
    OP_i2l              // sx(Rb) -> Ra:Ra+1
    OP_alen             // len(Rb) -> Ra
    OP_aget             // Rb[Rc] -> Ra
    OP_agetw            // Rb[Rc] -> Ra:Ra+1
    OP_aput             // Ra -> Rb[Rc]
    OP_aputw            // Ra:Ra+1 -> Rb[Rc]
    OP_iget             // Rb.slot[Im] -> Ra
    OP_igetw            // Rb.slot[Im] -> Ra:Ra+1
    OP_iput             // Ra -> Rb.slot[Im]
    OP_iputw            // Ra:Ra+1 -> Rb.slot[Im]
    OP_sget             // field[Im] -> Ra
    OP_sput             // Ra -> field[Im]
    OP_clsid            // class(Rb) -> Ra
    OP_b                // goto C (short)
    OP_bl               // goto Im (long)
    OP_bcc              // if (Ra <cond> Rb) goto C (short)
    OP_bccl             // if (Ra <cond> Rb) goto Im (long)
    OP_bccz             // if (Ra <cond> 0) goto C (short)
    OP_bcczl            // if (Ra <cond> 0) goto Im (long)
    OP_jmp              // goto absolute Im
    OP_jal              // next -> LR; goto absolute Im
    OP_adr              // absolute address of Im -> Ra
    OP_setpc            // Im -> rPC
    OP_hcall            // call host function A
    OP_incm             // atomic increment of the word at absolute Im
    OP_max
)

/* pseudo instructions, never encoded as such */
const (
    OP_label    Op = 0x80 + iota // binds a label
    OP_boundary                  // bytecode boundary marker
    OP_word                      // raw data word, or a label address
    OP_align                     // pad to Im words with nops
)

type Cond uint8

const (
    EQ Cond = iota
    NE
    LT
    GE
    GT
    LE
    LTU
    GEU
)

var condNames = [...]string{
    EQ:  "eq",
    NE:  "ne",
    LT:  "lt",
    GE:  "ge",
    GT:  "gt",
    LE:  "le",
    LTU: "ltu",
    GEU: "geu",
}

func (self Cond) String() string {
    return condNames[self]
}

// Eval compares a with b under the condition.
func (self Cond) Eval(a uint32, b uint32) bool {
    switch self {
    case EQ:
        return a == b
    case NE:
        return a != b
    case LT:
        return int32(a) < int32(b)
    case GE:
        return int32(a) >= int32(b)
    case GT:
        return int32(a) > int32(b)
    case LE:
        return int32(a) <= int32(b)
    case LTU:
        return a < b
    case GEU:
        return a >= b
    default:
        panic("lir: invalid condition")
    }
}

// Negate returns the condition that holds when self does not.
func (self Cond) Negate() Cond {
    switch self {
    case EQ:
        return NE
    case NE:
        return EQ
    case LT:
        return GE
    case GE:
        return LT
    case GT:
        return LE
    case LE:
        return GT
    case LTU:
        return GEU
    case GEU:
        return LTU
    default:
        panic("lir: invalid condition")
    }
}

// Host selects the host function called by HCALL.
type Host uint8

const (
    H_interpret Host = iota
    H_normal
    H_hot
    H_backward
    H_singleton
    H_predicted
    H_native
    H_punt
    H_singlestep
    H_exception
    H_switch
    H_return
    H_max
)

var hostNames = [...]string{
    H_interpret:  "interpret",
    H_normal:     "to_interp_normal",
    H_hot:        "to_interp_hot",
    H_backward:   "to_interp_backward",
    H_singleton:  "invoke_singleton",
    H_predicted:  "invoke_predicted",
    H_native:     "invoke_native",
    H_punt:       "punt",
    H_singlestep: "single_step",
    H_exception:  "exception",
    H_switch:     "switch",
    H_return:     "return",
}

func (self Host) String() string {
    if self < H_max {
        return hostNames[self]
    } else {
        return fmt.Sprintf("host_%d", self)
    }
}

type opFlags uint8

const (
    _F_imm opFlags = 1 << iota
    _F_branch
    _F_long
    _F_cond
    _F_zero
)

type opInfo struct {
    name  string
    flags opFlags
}

var opTab = [OP_max]opInfo{
    OP_nop:    {"nop", 0},
    OP_halt:   {"halt", 0},
    OP_movi:   {"movi", _F_imm},
    OP_mov:    {"mov", 0},
    OP_ldv:    {"ldv", _F_imm},
    OP_stv:    {"stv", _F_imm},
    OP_ldret:  {"ldret", 0},
    OP_ldreth: {"ldreth", 0},
    OP_stret:  {"stret", 0},
    OP_streth: {"streth", 0},
    OP_add:    {"add", 0},
    OP_sub:    {"sub", 0},
    OP_mul:    {"mul", 0},
    OP_div:    {"div", 0},
    OP_rem:    {"rem", 0},
    OP_and:    {"and", 0},
    OP_or:     {"or", 0},
    OP_xor:    {"xor", 0},
    OP_shl:    {"shl", 0},
    OP_shr:    {"shr", 0},
    OP_ushr:   {"ushr", 0},
    OP_addi:   {"addi", _F_imm},
    OP_muli:   {"muli", _F_imm},
    OP_divi:   {"divi", _F_imm},
    OP_remi:   {"remi", _F_imm},
    OP_andi:   {"andi", _F_imm},
    OP_ori:    {"ori", _F_imm},
    OP_xori:   {"xori", _F_imm},
    OP_shli:   {"shli", _F_imm},
    OP_shri:   {"shri", _F_imm},
    OP_ushri:  {"ushri", _F_imm},
    OP_rsubi:  {"rsubi", _F_imm},
    OP_neg:    {"neg", 0},
    OP_not:    {"not", 0},
    OP_addw:   {"addw", 0},
    OP_subw:   {"subw", 0},
    OP_mulw:   {"mulw", 0},
    OP_andw:   {"andw", 0},
    OP_orw:    {"orw", 0},
    OP_xorw:   {"xorw", 0},
    OP_negw:   {"negw", 0},
    OP_cmpw:   {"cmpw", 0},
    OP_i2l:    {"i2l", 0},
    OP_alen:   {"alen", 0},
    OP_aget:   {"aget", 0},
    OP_agetw:  {"agetw", 0},
    OP_aput:   {"aput", 0},
    OP_aputw:  {"aputw", 0},
    OP_iget:   {"iget", _F_imm},
    OP_igetw:  {"igetw", _F_imm},
    OP_iput:   {"iput", _F_imm},
    OP_iputw:  {"iputw", _F_imm},
    OP_sget:   {"sget", _F_imm},
    OP_sput:   {"sput", _F_imm},
    OP_clsid:  {"clsid", 0},
    OP_b:      {"b", _F_branch},
    OP_bl:     {"b.l", _F_branch | _F_long | _F_imm},
    OP_bcc:    {"b", _F_branch | _F_cond},
    OP_bccl:   {"b", _F_branch | _F_cond | _F_long | _F_imm},
    OP_bccz:   {"b", _F_branch | _F_cond | _F_zero},
    OP_bcczl:  {"b", _F_branch | _F_cond | _F_zero | _F_long | _F_imm},
    OP_jmp:    {"jmp", _F_imm},
    OP_jal:    {"jal", _F_imm},
    OP_adr:    {"adr", _F_imm},
    OP_setpc:  {"setpc", _F_imm},
    OP_hcall:  {"hcall", 0},
    OP_incm:   {"incm", _F_imm},
}

func (self Op) String() string {
    switch {
    case self < OP_max:
        return opTab[self].name
    case self == OP_label:
        return ".label"
    case self == OP_boundary:
        return ".boundary"
    case self == OP_word:
        return ".word"
    case self == OP_align:
        return ".align"
    default:
        return fmt.Sprintf("op_%#02x", uint8(self))
    }
}

// HasImm reports whether the instruction is followed by an immediate word.
func (self Op) HasImm() bool {
    return self < OP_max && opTab[self].flags&_F_imm != 0
}

func (self Op) IsBranch() bool {
    return self < OP_max && opTab[self].flags&_F_branch != 0
}

func (self Op) IsLong() bool {
    return self < OP_max && opTab[self].flags&_F_long != 0
}

func (self Op) IsPseudo() bool {
    return self >= OP_label
}

// Long returns the long form of a short branch.
func (self Op) Long() Op {
    switch self {
    case OP_b:
        return OP_bl
    case OP_bcc:
        return OP_bccl
    case OP_bccz:
        return OP_bcczl
    default:
        panic("lir: not a short branch: " + self.String())
    }
}

// Size returns the encoded size in words, pseudo instructions excluded.
func (self Op) Size() uint32 {
    if self.IsPseudo() {
        return 0
    } else if self.HasImm() {
        return 2
    } else {
        return 1
    }
}

// Encode packs the first word of an instruction.
func Encode(op Op, a uint8, b uint8, c uint8) uint32 {
    return uint32(op) | uint32(a)<<8 | uint32(b)<<16 | uint32(c)<<24
}

// Decode unpacks the first word of an instruction.
func Decode(w uint32) (op Op, a uint8, b uint8, c uint8) {
    return Op(w), uint8(w >> 8), uint8(w >> 16), uint8(w >> 24)
}
