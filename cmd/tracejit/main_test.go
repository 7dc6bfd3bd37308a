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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setFlags(t *testing.T, config string, dumpAll bool) {
	oc, on, ocnt, oth, od := *configFile, *iterations, *count, *threshold, *dump
	t.Cleanup(func() { *configFile, *iterations, *count, *threshold, *dump = oc, on, ocnt, oth, od })
	*configFile, *iterations, *count, *threshold, *dump = config, 3, 50, 2, dumpAll
}

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracejit.toml")
	require.NoError(t, os.WriteFile(path, []byte("blocking = true\nstartup_delay = \"0s\"\n"), 0o644))
	setFlags(t, path, true)

	/* every method runs and the translations are dumped */
	var buf bytes.Buffer
	require.Equal(t, 0, run(zaptest.NewLogger(t), &buf))
	for _, c := range calls {
		assert.Contains(t, buf.String(), c.name)
	}
	assert.Contains(t, buf.String(), "Traces")
	assert.Contains(t, buf.String(), " @ pc ")
}

func TestRun_BadConfig(t *testing.T) {
	setFlags(t, filepath.Join(t.TempDir(), "missing.toml"), false)
	var buf bytes.Buffer
	assert.Equal(t, 2, run(zaptest.NewLogger(t), &buf))
	assert.Zero(t, buf.Len())
}
