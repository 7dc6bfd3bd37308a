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

package table

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_SetAndGet(t *testing.T) {
	tab := New(8, 64)
	assert.Zero(t, tab.GetCodeAddress(0x1000))
	require.True(t, tab.SetCodeAddress(0x1000, 100, ISA_lir))
	require.True(t, tab.SetCodeAddress(0x1010, 4, ISA_none))
	assert.Equal(t, uint32(100), tab.GetCodeAddress(0x1000))
	assert.Zero(t, tab.GetCodeAddress(0x1010))
	e, ok := tab.Lookup(0x1010)
	require.True(t, ok)
	assert.Equal(t, Entry{PC: 0x1010, Code: 4, ISA: ISA_none}, e)
	assert.Equal(t, 2, tab.Len())
}

func TestTable_InProgress(t *testing.T) {
	tab := New(8, 64)
	require.True(t, tab.MarkInProgress(0x1000))
	assert.False(t, tab.MarkInProgress(0x1000))
	e, _ := tab.Lookup(0x1000)
	assert.True(t, e.InProgress)
	assert.Zero(t, tab.GetCodeAddress(0x1000))

	/* installing clears the flag */
	tab.SetCodeAddress(0x1000, 64, ISA_lir)
	e, _ = tab.Lookup(0x1000)
	assert.False(t, e.InProgress)
	assert.True(t, tab.MarkInProgress(0x1000))
	tab.ClearInProgress(0x1000)
	e, _ = tab.Lookup(0x1000)
	assert.False(t, e.InProgress)
	assert.Equal(t, uint32(64), e.Code)
}

func TestTable_FullAndResize(t *testing.T) {
	tab := New(4, 8)
	for i := 0; i < 4; i++ {
		require.True(t, tab.LookupAndAdd(uint32(0x1000+i*16)))
	}
	assert.False(t, tab.LookupAndAdd(0x2000))
	assert.Equal(t, 1.0, tab.LoadFactor())

	/* grow and keep the entries */
	tab.SetCodeAddress(0x1010, 77, ISA_lir)
	require.True(t, tab.Resize(8))
	assert.Equal(t, 8, tab.Cap())
	assert.Equal(t, uint32(77), tab.GetCodeAddress(0x1010))
	assert.True(t, tab.LookupAndAdd(0x2000))
	assert.False(t, tab.Resize(16))
}

func TestTable_Reset(t *testing.T) {
	tab := New(16, 16)
	for i := 0; i < 10; i++ {
		tab.SetCodeAddress(uint32(0x1000+i), uint32(i+1), ISA_lir)
	}
	tab.Reset()
	assert.Zero(t, tab.Len())
	n := 0
	tab.Each(func(Entry) { n++ })
	assert.Zero(t, n)
	assert.Zero(t, tab.GetCodeAddress(0x1001))
}

func TestTable_ConcurrentReaders(t *testing.T) {
	tab := New(16, 1024)
	wg := sync.WaitGroup{}
	stop := make(chan struct{})

	/* readers must only see complete entries */
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for pc := uint32(0x1000); pc < 0x1100; pc++ {
					if v := tab.GetCodeAddress(pc); v != 0 && v != pc*2 {
						t.Errorf("torn entry for %#x: %#x", pc, v)
					}
				}
			}
		}()
	}

	/* a single writer that grows the table */
	for pc := uint32(0x1000); pc < 0x1100; pc++ {
		if tab.LoadFactor() > 0.75 {
			require.True(t, tab.Resize(tab.Cap()*2))
		}
		require.True(t, tab.SetCodeAddress(pc, pc*2, ISA_lir))
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 0x100, tab.Len())
}

func TestTable_InProgressDuringResize(t *testing.T) {
	tab := New(8, 1024)
	wg := sync.WaitGroup{}
	wins := make([]int32, 0x100)
	mu := sync.Mutex{}

	/* markers race with a growing table */
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pc := uint32(0x1000); pc < 0x1100; pc++ {
				if tab.MarkInProgress(pc) {
					mu.Lock()
					wins[pc-0x1000]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for size := 16; size <= 1024; size *= 2 {
			tab.Resize(size)
		}
	}()
	wg.Wait()

	/* every flag survived, and each head was claimed once */
	for pc := uint32(0x1000); pc < 0x1100; pc++ {
		if e, ok := tab.Lookup(pc); ok {
			assert.True(t, e.InProgress, "pc %#x", pc)
			assert.Equal(t, int32(1), wins[pc-0x1000], "pc %#x", pc)
		} else {
			assert.Zero(t, wins[pc-0x1000], "pc %#x", pc)
		}
	}
}
