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

package ralloc

import (
    `testing`

    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`

    `github.com/cloudwego/tracejit/internal/jit/lir`
    `github.com/cloudwego/tracejit/internal/jit/mir`
)

func ops(l *lir.List) []lir.Op {
    var ret []lir.Op
    for p := l.Head; p != nil; p = p.Next {
        ret = append(ret, p.Op)
    }
    return ret
}

func TestAllocator_CachesNames(t *testing.T) {
    var l lir.List
    ra := New(&l, 16)

    /* the first use loads */
    r := ra.Use(3, 3)
    assert.GreaterOrEqual(t, r, uint8(NumTemps))
    ra.Unlock()

    /* the second use hits */
    assert.Equal(t, r, ra.Use(3, 3))
    ra.Unlock()
    assert.Equal(t, []lir.Op{lir.OP_ldv}, ops(&l))
    assert.Equal(t, uint32(3), l.Head.Imm)

    /* a new block forgets */
    ra.StartBlock()
    ra.Use(3, 3)
    assert.Equal(t, []lir.Op{lir.OP_ldv, lir.OP_ldv}, ops(&l))
}

func TestAllocator_DefCommits(t *testing.T) {
    var l lir.List
    ra := New(&l, 16)
    a := ra.Use(0, 0)
    d := ra.Def(9, 1)
    require.NotEqual(t, a, d)
    ra.Commit(d)
    ra.Unlock()

    /* the store goes to the home of the register */
    require.Equal(t, []lir.Op{lir.OP_ldv, lir.OP_stv}, ops(&l))
    assert.Equal(t, d, l.Tail.A)
    assert.Equal(t, uint32(1), l.Tail.Imm)

    /* and the definition is cached */
    assert.Equal(t, d, ra.Use(9, 1))
    assert.Len(t, ops(&l), 2)
}

func TestAllocator_EvictsLRU(t *testing.T) {
    var l lir.List
    ra := New(&l, 64)
    regs := make([]uint8, NumRegs-NumTemps)
    for i := range regs {
        regs[i] = ra.Use(i, uint32(i))
        ra.Unlock()
    }

    /* touch everything but the first one */
    for i := 1; i < len(regs); i++ {
        ra.Use(i, uint32(i))
        ra.Unlock()
    }

    /* the next one takes the oldest register */
    r := ra.Use(40, 40)
    assert.Equal(t, regs[0], r)
    assert.Equal(t, 1, ra.Spills)
    assert.Equal(t, 40, ra.Slot(r).Name)
}

func TestAllocator_OutOfRegisters(t *testing.T) {
    var l lir.List
    var ab *mir.Abort
    ra := New(&l, 64)

    /* lock every register */
    func() {
        defer func() { ab, _ = recover().(*mir.Abort) }()
        for i := 0; i <= NumRegs-NumTemps; i++ {
            ra.Use(i, uint32(i))
        }
    }()
    require.NotNil(t, ab)
    assert.Contains(t, ab.Error(), "out of registers")
}

func TestAllocator_WidePairs(t *testing.T) {
    var l lir.List
    ra := New(&l, 16)
    r := ra.UseWide(2, 3, 2)
    assert.Equal(t, uint8(0), r%2)
    ra.Unlock()

    /* cached pairs are reused */
    assert.Equal(t, r, ra.UseWide(2, 3, 2))
    ra.Unlock()
    assert.Equal(t, []lir.Op{lir.OP_ldv, lir.OP_ldv}, ops(&l))

    /* wide definitions commit both halves */
    d := ra.DefWide(10, 11, 4)
    assert.Equal(t, uint8(0), d%2)
    ra.CommitWide(d)
    assert.Equal(t, uint32(5), l.Tail.Imm)
    assert.Equal(t, d+1, l.Tail.A)
}

func TestAllocator_NullChecks(t *testing.T) {
    var l lir.List
    ra := New(&l, 8)
    assert.False(t, ra.NullChecked(4))
    ra.SetNullChecked(4)
    assert.True(t, ra.NullChecked(4))
    ra.ClobberAll()
    assert.True(t, ra.NullChecked(4))
    ra.StartBlock()
    assert.False(t, ra.NullChecked(4))
    assert.False(t, ra.NullChecked(100))
}

func TestCopyWide(t *testing.T) {
    var l lir.List

    /* same place */
    CopyWide(&l, 4, 5, 4, 5)
    assert.Nil(t, l.Head)

    /* swapped halves go through a temp */
    CopyWide(&l, 4, 5, 5, 4)
    assert.Equal(t, []lir.Op{lir.OP_mov, lir.OP_mov, lir.OP_mov}, ops(&l))
    assert.Equal(t, R0, l.Head.A)

    /* overlapping, the high half moves first */
    l = lir.List{}
    CopyWide(&l, 6, 7, 5, 6)
    require.Equal(t, []lir.Op{lir.OP_mov, lir.OP_mov}, ops(&l))
    assert.Equal(t, uint8(7), l.Head.A)
    assert.Equal(t, uint8(6), l.Head.B)
    assert.Equal(t, uint8(6), l.Tail.A)
    assert.Equal(t, uint8(5), l.Tail.B)
}
