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
	"fmt"
	"time"

	"github.com/cloudwego/tracejit/internal/dex"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Options struct {
	Threshold        int
	MaxTraceLen      int
	QueueSize        int
	CodeCacheSize    int
	TableSize        int
	MaxTableSize     int
	RechainThreshold int
	StartupDelay     time.Duration
	SystemServer     bool
	Blocking         bool
	NoInline         bool
	NoLoopOpt        bool
	Profile          bool
	Verify           bool
	DumpTraces       bool
	SingleStepOps    []string
	Logger           *zap.Logger
}

// CanInline reports whether the inliner runs.
func (self *Options) CanInline() bool {
	return !self.NoInline
}

func (self *Options) CanOptimizeLoops() bool {
	return !self.NoLoopOpt
}

// WantsBackwardCells reports whether loop back edges go through a
// backward-branch cell instead of jumping straight to the loop head.
func (self *Options) WantsBackwardCells() bool {
	return self.Profile || self.Verify
}

// SingleStepSet returns the opcodes that must always be interpreted, as a
// bitmap indexed by opcode.
func (self *Options) SingleStepSet() (ret [dex.OP_max]bool) {
	for op := dex.Opcode(0); op < dex.OP_max; op++ {
		ret[op] = op.Flags()&dex.SingleStep != 0
	}
	for _, name := range self.SingleStepOps {
		if op, ok := dex.OpcodeByName(name); ok {
			ret[op] = true
		}
	}
	return
}

// Validate checks every option and reports all problems at once.
func (self *Options) Validate() (err error) {
	if self.Threshold <= 0 {
		err = multierr.Append(err, fmt.Errorf("threshold must be positive: %d", self.Threshold))
	}
	if self.MaxTraceLen <= 1 {
		err = multierr.Append(err, fmt.Errorf("max trace length too small: %d", self.MaxTraceLen))
	}
	if self.QueueSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("queue size must be positive: %d", self.QueueSize))
	}
	if self.CodeCacheSize < 4096 {
		err = multierr.Append(err, fmt.Errorf("code cache too small: %d", self.CodeCacheSize))
	}
	if self.TableSize <= 0 || self.TableSize&(self.TableSize-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("table size must be a power of 2: %d", self.TableSize))
	}
	if self.MaxTableSize < self.TableSize {
		err = multierr.Append(err, fmt.Errorf("max table size %d smaller than table size %d", self.MaxTableSize, self.TableSize))
	}
	if self.RechainThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("rechain threshold must not be negative: %d", self.RechainThreshold))
	}
	for _, name := range self.SingleStepOps {
		if _, ok := dex.OpcodeByName(name); !ok {
			err = multierr.Append(err, fmt.Errorf("unknown single-step opcode: %s", name))
		}
	}
	return
}

func GetDefaultOptions() Options {
	return Options{
		Threshold:        Threshold,
		MaxTraceLen:      MaxTraceLen,
		QueueSize:        QueueSize,
		CodeCacheSize:    CodeCacheSize,
		TableSize:        TableSize,
		MaxTableSize:     MaxTableSize,
		RechainThreshold: RechainThreshold,
		StartupDelay:     StartupDelay,
		Blocking:         Blocking,
		DumpTraces:       DumpTraces,
		Logger:           zap.NewNop(),
	}
}
