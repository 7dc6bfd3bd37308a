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

package cache

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fill(n uint32, v uint32) func(uint32) []byte {
	return func(uint32) []byte {
		buf := make([]byte, n*4)
		for i := uint32(0); i < n; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], v)
		}
		return buf
	}
}

func TestCache_InstallAndLookup(t *testing.T) {
	c := New(4096, zap.NewNop())
	c.LoadTemplates(make([]byte, 40))
	require.Equal(t, uint32(0), c.TemplateSize()%c.align)
	require.GreaterOrEqual(t, c.TemplateSize(), uint32(TemplateBase+10))

	/* install two fragments */
	f1, ok := c.Install(c.Version(), Fragment{PC: 0x1000, Size: 10, Entry: 2}, fill(10, 0x11))
	require.True(t, ok)
	f2, ok := c.Install(c.Version(), Fragment{PC: 0x2000, Size: 5, Entry: 2}, fill(5, 0x22))
	require.True(t, ok)
	assert.Equal(t, f1.Base+2, f1.Entry)
	assert.Equal(t, uint32(0), f2.Base%c.align)
	assert.Equal(t, uint32(0x11), c.Load(f1.Base+9))
	assert.Equal(t, uint32(0x22), c.Load(f2.Base))

	/* lookup by any address inside */
	f, hit := c.Lookup(f1.Base + 5)
	assert.True(t, hit)
	assert.Equal(t, f1, f)
	_, hit = c.Lookup(f1.Base + 10)
	assert.False(t, hit)
	assert.Len(t, c.Fragments(), 2)
}

func TestCache_StaleVersionIsDiscarded(t *testing.T) {
	c := New(4096, zap.NewNop())
	v := c.Version()
	c.Reset()
	_, ok := c.Install(v, Fragment{Size: 4}, fill(4, 1))
	assert.False(t, ok)
	assert.Empty(t, c.Fragments())
}

func TestCache_FullAndReset(t *testing.T) {
	c := New(4096, zap.NewNop())
	c.LoadTemplates(make([]byte, 16))
	tmpl := c.TemplateSize()

	/* fill the cache up */
	_, ok := c.Install(c.Version(), Fragment{Size: 900}, fill(900, 0xff))
	require.True(t, ok)
	_, ok = c.Install(c.Version(), Fragment{Size: 900}, fill(900, 0xff))
	require.False(t, ok)
	assert.Equal(t, Full, c.State())

	/* a full cache refuses everything */
	_, ok = c.Install(c.Version(), Fragment{Size: 1}, fill(1, 0xff))
	assert.False(t, ok)

	/* reset wipes everything past the templates */
	v := c.Version()
	c.Reset()
	assert.Equal(t, Active, c.State())
	assert.Equal(t, v+1, c.Version())
	assert.Equal(t, tmpl, c.Used())
	for i := tmpl; i < c.Size(); i++ {
		require.Zero(t, c.Load(i), "word %d", i)
	}
	assert.Empty(t, c.Fragments())
}

func TestCache_GuardWord(t *testing.T) {
	c := New(1024, zap.NewNop())
	assert.NotZero(t, c.Load(0))
	c.Store(8, 41)
	assert.Equal(t, uint32(42), c.Increment(8))
}
