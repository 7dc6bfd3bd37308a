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


package amd64

import (
    `testing`

    `github.com/cloudwego/tracejit/internal/jit/lir`
    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`
)

func loop() *lir.List {
    var p lir.List
    top, done := lir.NewLabel("top"), lir.NewLabel("done")
    p.Boundary(0x10, "loop")
    p.RI(lir.OP_ldv, 0, 0)
    p.RI(lir.OP_movi, 1, 0)
    p.Bind(top)
    p.Bcc(lir.GE, 1, 0, done)
    p.R2I(lir.OP_addi, 1, 1, 1)
    p.R2I(lir.OP_muli, 13, 1, 3)
    p.B(top)
    p.Bind(done)
    p.RI(lir.OP_stv, 1, 1)
    p.R3(lir.OP_div, 2, 1, 0)
    p.SetPC(0x20)
    p.Jmp(4)
    p.Word(0x1234)
    return &p
}

func TestAssemble_Marks(t *testing.T) {
    buf, marks, data, err := Assemble(loop())
    require.NoError(t, err)
    require.NotEmpty(t, buf)
    assert.Equal(t, "pc 0x10 loop", marks[0])
    assert.Len(t, data, 1)
}

func TestListing(t *testing.T) {
    out, err := Listing(loop())
    require.NoError(t, err)
    println(out)
    assert.Contains(t, out, "; pc 0x10 loop")
    assert.Contains(t, out, ".long 0x1234")
    assert.Contains(t, out, "ret")
}
