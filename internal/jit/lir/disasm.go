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
    `strings`
)

// Branch describes the control transfer of an encoded branch.
type Branch struct {
    Cond   Cond
    Ra     uint8
    Rb     uint8
    Zero   bool
    Always bool
}

// DecodeBranch extracts the operands of a branch from its first word.
func DecodeBranch(w uint32) Branch {
    op, a, b, _ := Decode(w)
    switch op {
    case OP_b, OP_bl:
        return Branch{Always: true}
    case OP_bcc, OP_bccl:
        return Branch{Cond: Cond(a & 0xf), Ra: b, Rb: a >> 4}
    case OP_bccz, OP_bcczl:
        return Branch{Cond: Cond(a), Ra: b, Zero: true}
    default:
        panic("lir: not a branch: " + op.String())
    }
}

func formatIns(op Op, a uint8, b uint8, c uint8, imm uint32, target string) string {
    switch op {
    case OP_nop, OP_halt:
        return op.String()
    case OP_movi, OP_ldv, OP_stv:
        return fmt.Sprintf("%-8s r%d, #%d", op, a, int32(imm))
    case OP_mov, OP_neg, OP_not, OP_negw, OP_i2l, OP_alen, OP_clsid:
        return fmt.Sprintf("%-8s r%d, r%d", op, a, b)
    case OP_ldret, OP_ldreth, OP_stret, OP_streth:
        return fmt.Sprintf("%-8s r%d", op, a)
    case OP_jmp, OP_jal, OP_setpc:
        return fmt.Sprintf("%-8s %#x", op, imm)
    case OP_adr, OP_incm:
        if target == "" {
            target = fmt.Sprintf("%#x", imm)
        }
        if op == OP_incm {
            return fmt.Sprintf("%-8s [%s]", op, target)
        }
        return fmt.Sprintf("%-8s r%d, %s", op, a, target)
    case OP_hcall:
        return fmt.Sprintf("%-8s %s", op, Host(a))
    case OP_b, OP_bl:
        return fmt.Sprintf("%-8s %s", op, target)
    case OP_bcc, OP_bccl:
        br := DecodeBranch(Encode(op, a, b, c))
        return fmt.Sprintf("%-8s r%d, r%d, %s", op.String()+"."+br.Cond.String(), br.Ra, br.Rb, target)
    case OP_bccz, OP_bcczl:
        br := DecodeBranch(Encode(op, a, b, c))
        return fmt.Sprintf("%-8s r%d, %s", op.String()+"z."+br.Cond.String(), br.Ra, target)
    }

    /* everything else is either Ra, Rb, Rc or Ra, Rb, #Im */
    if op.HasImm() {
        return fmt.Sprintf("%-8s r%d, r%d, #%d", op, a, b, int32(imm))
    } else {
        return fmt.Sprintf("%-8s r%d, r%d, r%d", op, a, b, c)
    }
}

// String renders the list with offsets and labels, for trace dumps.
func (self *List) String() string {
    var buf []string
    for p := self.Head; p != nil; p = p.Next {
        switch p.Op {
        case OP_label:
            buf = append(buf, p.Target.Name+":")
        case OP_boundary:
            buf = append(buf, fmt.Sprintf("    ; -------- %#x: %s", p.Imm, p.Note))
        case OP_align:
            buf = append(buf, fmt.Sprintf("%04x:   .align %d", p.Offset, p.Imm))
        case OP_word:
            if p.Target != nil {
                buf = append(buf, fmt.Sprintf("%04x:   .word %s", p.Offset, p.Target.Name))
            } else {
                buf = append(buf, fmt.Sprintf("%04x:   .word %#x", p.Offset, p.Imm))
            }
        default:
            a, b, c := p.A, p.B, p.C
            if p.Op.IsBranch() && p.Op != OP_b && p.Op != OP_bl {
                if p.Op == OP_bcc || p.Op == OP_bccl {
                    a, b = uint8(p.Cond)|p.B<<4, p.A
                } else {
                    a, b = uint8(p.Cond), p.A
                }
            }
            name := ""
            if p.Target != nil {
                name = p.Target.Name
            }
            line := fmt.Sprintf("%04x:   %s", p.Offset, formatIns(p.Op, a, b, c, p.Imm, name))
            if p.Note != "" {
                line += "    ; " + p.Note
            }
            buf = append(buf, line)
        }
    }
    return strings.Join(buf, "\n")
}

// Disassemble decodes raw code words located at base. Data words cannot be
// told apart from instructions, they are shown as whatever they decode to.
func Disassemble(words []uint32, base uint32) string {
    var buf []string
    for i := 0; i < len(words); {
        op, a, b, c := Decode(words[i])
        addr := base + uint32(i)

        /* unknown opcodes are data */
        if op >= OP_max {
            buf = append(buf, fmt.Sprintf("%08x:  %08x  .word %#x", addr, words[i], words[i]))
            i++
            continue
        }

        /* fetch the immediate if any */
        imm := uint32(0)
        size := int(op.Size())
        if size == 2 && i+1 < len(words) {
            imm = words[i+1]
        }

        /* resolve branch targets */
        target := ""
        if op.IsBranch() {
            disp := int32(int8(c))
            if op.IsLong() {
                disp = int32(imm)
            }
            target = fmt.Sprintf("%#x", int64(addr)+int64(size)+int64(disp))
        }

        /* format the instruction */
        buf = append(buf, fmt.Sprintf("%08x:  %08x  %s", addr, words[i], formatIns(op, a, b, c, imm, target)))
        i += size
    }
    return strings.Join(buf, "\n")
}
