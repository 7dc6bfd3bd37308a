/*
 * Copyright 2022 CloudWeGo Authors
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
	"strconv"
	"time"

	"github.com/docker/go-units"
)

const (
	_DefaultThreshold        = 40      // hot counter threshold for trace heads
	_DefaultMaxTraceLen      = 100     // instructions per trace
	_DefaultQueueSize        = 100     // pending compiler work orders
	_DefaultCodeCacheSize    = 1 << 20 // 1MiB of code cache
	_DefaultTableSize        = 512     // initial JIT entry table size
	_DefaultMaxTableSize     = 1 << 16 // entry table stops growing here
	_DefaultRechainThreshold = 64      // predicted chain mismatches before rechaining
	_DefaultStartupDelay     = time.Second
)

var (
	Threshold        = parseOrDefault("TRACEJIT_THRESHOLD", _DefaultThreshold, 0)
	MaxTraceLen      = parseOrDefault("TRACEJIT_MAX_TRACE_LEN", _DefaultMaxTraceLen, 1)
	QueueSize        = parseOrDefault("TRACEJIT_QUEUE_SIZE", _DefaultQueueSize, 0)
	CodeCacheSize    = parseSizeOrDefault("TRACEJIT_CODE_CACHE_SIZE", _DefaultCodeCacheSize, 4096)
	TableSize        = parseOrDefault("TRACEJIT_TABLE_SIZE", _DefaultTableSize, 1)
	MaxTableSize     = parseOrDefault("TRACEJIT_MAX_TABLE_SIZE", _DefaultMaxTableSize, 1)
	RechainThreshold = parseOrDefault("TRACEJIT_RECHAIN_THRESHOLD", _DefaultRechainThreshold, -1)
	StartupDelay     = parseDurationOrDefault("TRACEJIT_STARTUP_DELAY", _DefaultStartupDelay)
	Blocking         = parseBoolOrDefault("TRACEJIT_BLOCKING", false)
	DumpTraces       = parseBoolOrDefault("TRACEJIT_DUMP_TRACES", false)
)

func parseOrDefault(key string, def int, min int) int {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.ParseUint(env, 0, 64); err != nil {
		panic("tracejit: invalid value for " + key)
	} else if ret := int(val); ret <= min {
		panic("tracejit: value too small for " + key)
	} else {
		return ret
	}
}

func parseSizeOrDefault(key string, def int, min int) int {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := units.RAMInBytes(env); err != nil {
		panic("tracejit: invalid size for " + key)
	} else if ret := int(val); ret <= min {
		panic("tracejit: size too small for " + key)
	} else {
		return ret
	}
}

func parseDurationOrDefault(key string, def time.Duration) time.Duration {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := time.ParseDuration(env); err != nil || val < 0 {
		panic("tracejit: invalid duration for " + key)
	} else {
		return val
	}
}

func parseBoolOrDefault(key string, def bool) bool {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.ParseBool(env); err != nil {
		panic("tracejit: invalid value for " + key)
	} else {
		return val
	}
}
