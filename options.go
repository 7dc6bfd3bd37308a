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
	"fmt"
	"time"

	"github.com/cloudwego/tracejit/internal/dex"
	"github.com/cloudwego/tracejit/internal/opts"
	"go.uber.org/zap"
)

// Option is the property setter function for opts.Options.
type Option func(*opts.Options)

const (
	_MinCodeCacheSize = 4096
)

// WithThreshold sets how many times a trace head is reached before a trace
// is selected there.
//
// Lower thresholds compile more code sooner, which costs compiler time and
// code cache space on code that may never be hot.
//
// The default value of this option is "40".
func WithThreshold(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("tracejit: invalid threshold: %d", n))
	} else {
		return func(o *opts.Options) { o.Threshold = n }
	}
}

// WithMaxTraceLen sets the maximum number of instructions of a trace.
//
// The default value of this option is "100".
func WithMaxTraceLen(n int) Option {
	if n <= 1 {
		panic(fmt.Sprintf("tracejit: invalid max trace length: %d", n))
	} else {
		return func(o *opts.Options) { o.MaxTraceLen = n }
	}
}

// WithQueueSize sets the capacity of the compiler work queue. Traces
// selected while the queue is full are dropped and selected again later.
//
// The default value of this option is "100".
func WithQueueSize(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("tracejit: invalid queue size: %d", n))
	} else {
		return func(o *opts.Options) { o.QueueSize = n }
	}
}

// WithCodeCacheSize sets the size of the code cache in bytes. A full code
// cache is reset once no thread is running translations.
//
// This value can also be configured with the `TRACEJIT_CODE_CACHE_SIZE`
// environment variable, which accepts human readable sizes such as "1MiB".
//
// The default value of this option is "1MiB".
func WithCodeCacheSize(size int) Option {
	if size < _MinCodeCacheSize {
		panic(fmt.Sprintf("tracejit: invalid code cache size: %d", size))
	} else {
		return func(o *opts.Options) { o.CodeCacheSize = size }
	}
}

// WithTableSize sets the initial and maximum number of entries of the
// translation table. Both must be powers of 2.
func WithTableSize(size int, max int) Option {
	if size <= 0 || size&(size-1) != 0 || max < size || max&(max-1) != 0 {
		panic(fmt.Sprintf("tracejit: invalid table size: %d, %d", size, max))
	} else {
		return func(o *opts.Options) { o.TableSize, o.MaxTableSize = size, max }
	}
}

// WithRechainThreshold sets how many mispredictions a predicted chaining
// cell tolerates before it is trained on another class.
//
// The default value of this option is "64".
func WithRechainThreshold(n int) Option {
	if n < 0 {
		panic(fmt.Sprintf("tracejit: invalid rechain threshold: %d", n))
	} else {
		return func(o *opts.Options) { o.RechainThreshold = n }
	}
}

// WithStartupDelay sets how long the compiler waits before it starts
// serving requests, unless activity is signalled earlier.
func WithStartupDelay(d time.Duration) Option {
	return func(o *opts.Options) { o.StartupDelay = d }
}

// WithSystemServer makes the compiler wait for the first request, without
// any delay.
func WithSystemServer(v bool) Option {
	return func(o *opts.Options) { o.SystemServer = v }
}

// WithBlocking makes the threads requesting a translation wait for it.
// Mostly useful for tests and benchmarks.
func WithBlocking(v bool) Option {
	return func(o *opts.Options) { o.Blocking = v }
}

// WithInlining enables or disables inlining of getters, setters and empty
// methods into traces.
func WithInlining(v bool) Option {
	return func(o *opts.Options) { o.NoInline = !v }
}

// WithLoopOptimization enables or disables the loop optimizer.
func WithLoopOptimization(v bool) Option {
	return func(o *opts.Options) { o.NoLoopOpt = !v }
}

// WithProfiling makes every translation count its executions.
func WithProfiling(v bool) Option {
	return func(o *opts.Options) { o.Profile = v }
}

// WithVerification makes every loop iteration go back through the
// backward-branch cells.
func WithVerification(v bool) Option {
	return func(o *opts.Options) { o.Verify = v }
}

// WithTraceDumps logs the CFG, MIR, LIR and native listing of every
// translation at debug level.
func WithTraceDumps(v bool) Option {
	return func(o *opts.Options) { o.DumpTraces = v }
}

// WithSingleStepOps lists opcodes, by name, that translations always hand
// back to the interpreter.
func WithSingleStepOps(names ...string) Option {
	for _, name := range names {
		if _, ok := dex.OpcodeByName(name); !ok {
			panic("tracejit: unknown opcode: " + name)
		}
	}
	return func(o *opts.Options) { o.SingleStepOps = append([]string(nil), names...) }
}

// WithLogger sets the logger of every component.
func WithLogger(log *zap.Logger) Option {
	return func(o *opts.Options) { o.Logger = log }
}

// WithConfig applies the TOML document data on top of the options built so
// far. Invalid documents panic, use opts.LoadFile to handle them.
func WithConfig(data string) Option {
	return func(o *opts.Options) {
		if err := o.Apply(data); err != nil {
			panic("tracejit: invalid config: " + err.Error())
		}
	}
}

// WithConfigFile is like WithConfig, but reads the document from path. The
// file is checked right away, so errors are returned instead of panicking.
func WithConfigFile(path string) (Option, error) {
	var chk opts.Options
	if err := chk.LoadFile(path); err != nil {
		return nil, ConfigError{Err: err}
	}

	/* the file is read again when the option is applied */
	return func(o *opts.Options) {
		if err := o.LoadFile(path); err != nil {
			panic(err.Error())
		}
	}, nil
}

// SetThreshold sets the default threshold for every runtime created from
// now on.
//
// This value can also be configured with the `TRACEJIT_THRESHOLD`
// environment variable.
//
// Returns the old opts.Threshold value.
func SetThreshold(n int) int {
	n, opts.Threshold = opts.Threshold, n
	return n
}

// SetCodeCacheSize sets the default code cache size for every runtime
// created from now on.
//
// This value can also be configured with the `TRACEJIT_CODE_CACHE_SIZE`
// environment variable.
//
// Returns the old opts.CodeCacheSize value.
func SetCodeCacheSize(size int) int {
	size, opts.CodeCacheSize = opts.CodeCacheSize, size
	return size
}
