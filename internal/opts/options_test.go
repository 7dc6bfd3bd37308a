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

package opts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestOptions_Defaults(t *testing.T) {
	o := GetDefaultOptions()
	require.NoError(t, o.Validate())
	assert.Equal(t, 64, o.RechainThreshold)
	assert.Equal(t, 1<<20, o.CodeCacheSize)
	assert.NotNil(t, o.Logger)
	assert.False(t, o.WantsBackwardCells())
	assert.True(t, o.CanInline())
}

func TestOptions_ParseEnv(t *testing.T) {
	t.Setenv("TRACEJIT_TEST_SIZE", "2MiB")
	t.Setenv("TRACEJIT_TEST_INT", "0x10")
	t.Setenv("TRACEJIT_TEST_BAD", "abc")
	assert.Equal(t, 2<<20, parseSizeOrDefault("TRACEJIT_TEST_SIZE", 0, 0))
	assert.Equal(t, 16, parseOrDefault("TRACEJIT_TEST_INT", 0, 0))
	assert.Equal(t, 5, parseOrDefault("TRACEJIT_TEST_UNSET", 5, 0))
	assert.PanicsWithValue(t, "tracejit: invalid value for TRACEJIT_TEST_BAD", func() {
		parseOrDefault("TRACEJIT_TEST_BAD", 0, 0)
	})
	assert.PanicsWithValue(t, "tracejit: value too small for TRACEJIT_TEST_INT", func() {
		parseOrDefault("TRACEJIT_TEST_INT", 0, 100)
	})
}

func TestOptions_ValidateAggregates(t *testing.T) {
	o := GetDefaultOptions()
	o.Threshold = 0
	o.TableSize = 100
	o.SingleStepOps = []string{"bogus"}
	err := o.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
}

func TestOptions_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
threshold = 2
code_cache_size = "64KiB"
startup_delay = "10ms"
no_loop_opt = true
single_step_ops = ["iget"]
`), 0644))

	/* only the listed keys change */
	o := GetDefaultOptions()
	require.NoError(t, o.LoadFile(path))
	assert.Equal(t, 2, o.Threshold)
	assert.Equal(t, 64<<10, o.CodeCacheSize)
	assert.Equal(t, 10*time.Millisecond, o.StartupDelay)
	assert.True(t, o.NoLoopOpt)
	assert.Equal(t, MaxTraceLen, o.MaxTraceLen)

	/* the single-step set includes the intrinsic ones */
	set := o.SingleStepSet()
	assert.True(t, set[dex.OP_iget])
	assert.True(t, set[dex.OP_new_instance])
	assert.False(t, set[dex.OP_iput])
}

func TestOptions_LoadFileErrors(t *testing.T) {
	o := GetDefaultOptions()
	err := o.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Error(t, o.Apply(`code_cache_size = "lots"`))
}
