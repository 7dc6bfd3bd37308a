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


package tracejit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cloudwego/tracejit/internal/interp"
	"github.com/cloudwego/tracejit/internal/opts"
	"github.com/cloudwego/tracejit/internal/rt"
	"github.com/cloudwego/tracejit/internal/sample"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newVM(t *testing.T, options ...Option) (*VM, *sample.World) {
	world := sample.New(true)
	options = append([]Option{
		WithBlocking(true),
		WithStartupDelay(0),
		WithThreshold(2),
		WithLogger(zaptest.NewLogger(t)),
	}, options...)

	/* create the vm */
	vm, err := New(world.Reg, options...)
	require.NoError(t, err)
	t.Cleanup(vm.Close)
	return vm, world
}

func TestVM_Call(t *testing.T) {
	vm, world := newVM(t)
	n := gofakeit.Number(100, 1000)
	for i := 0; i < 3; i++ {
		ret, err := vm.Call(world.Method("countDown"), uint32(n))
		require.NoError(t, err)
		assert.Equal(t, uint64(n*(n+1)/2), ret)
	}

	/* the loop was translated */
	st := vm.Stats()
	spew.Dump(st)
	assert.NotZero(t, st.JIT.Installed)
	assert.NotZero(t, st.Interp.Entries)
}

func TestVM_Exception(t *testing.T) {
	vm, world := newVM(t)
	_, err := vm.Call(world.Method("divZero"), 1)
	var exc *interp.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, rt.ExcArithmetic, exc.Class)
}

func TestVM_Compile(t *testing.T) {
	vm, world := newVM(t)
	require.NoError(t, vm.Compile(world.Method("countDown")))

	/* natives have no bytecode */
	err := vm.Compile(world.Math.FindMethod("abs"))
	var ce CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "request refused", ce.Reason)

	/* compiled methods are entered right away */
	ret, err := vm.Call(world.Method("countDown"), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(55), ret)
	assert.NotZero(t, vm.Stats().Interp.Entries)
}

func TestVM_Reset(t *testing.T) {
	vm, world := newVM(t)
	_, err := vm.Call(world.Method("countDown"), 100)
	require.NoError(t, err)
	require.True(t, vm.Reset())
	assert.Equal(t, uint64(1), vm.Stats().JIT.Resets)
	assert.Zero(t, vm.Stats().JIT.TableLen)
}

func TestVM_InvalidOptions(t *testing.T) {
	_, err := New(sample.New(true).Reg, func(o *opts.Options) { o.TableSize = 3 })
	var ce ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "invalid config")

	/* setters check their values */
	assert.Panics(t, func() { WithThreshold(0) })
	assert.Panics(t, func() { WithCodeCacheSize(16) })
	assert.Panics(t, func() { WithTableSize(16, 8) })
	assert.Panics(t, func() { WithSingleStepOps("bogus") })
	assert.Panics(t, func() { WithConfig("threshold = \"x\"")(new(opts.Options)) })
}

func TestVM_Config(t *testing.T) {
	o := opts.GetDefaultOptions()
	WithConfig("threshold = 7\ncode_cache_size = \"64KiB\"")(&o)
	WithLoopOptimization(false)(&o)
	assert.Equal(t, 7, o.Threshold)
	assert.Equal(t, 64<<10, o.CodeCacheSize)
	assert.True(t, o.NoLoopOpt)
}

func TestVM_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracejit.toml")
	require.NoError(t, os.WriteFile(path, []byte("threshold = 3\nblocking = true\n"), 0o644))

	/* the file is applied */
	opt, err := WithConfigFile(path)
	require.NoError(t, err)
	o := opts.GetDefaultOptions()
	opt(&o)
	assert.Equal(t, 3, o.Threshold)
	assert.True(t, o.Blocking)

	/* missing files are reported */
	_, err = WithConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	var ce ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestVM_NativeFailure(t *testing.T) {
	vm, world := newVM(t)
	check := world.Math.FindMethod("check")

	/* natives called directly report their failure as an exception */
	var err error
	require.NotPanics(t, func() { _, err = vm.Call(check, 0xffffffff) })
	var exc *interp.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, rt.ExcNative, exc.Class)

	/* and the VM keeps working */
	ret, err := vm.Call(check, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ret)
}
