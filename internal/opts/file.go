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
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
)

type fileConfig struct {
	Threshold        *int     `toml:"threshold"`
	MaxTraceLen      *int     `toml:"max_trace_len"`
	QueueSize        *int     `toml:"queue_size"`
	CodeCacheSize    *string  `toml:"code_cache_size"`
	TableSize        *int     `toml:"table_size"`
	MaxTableSize     *int     `toml:"max_table_size"`
	RechainThreshold *int     `toml:"rechain_threshold"`
	StartupDelay     *string  `toml:"startup_delay"`
	SystemServer     *bool    `toml:"system_server"`
	Blocking         *bool    `toml:"blocking"`
	NoInline         *bool    `toml:"no_inline"`
	NoLoopOpt        *bool    `toml:"no_loop_opt"`
	Profile          *bool    `toml:"profile"`
	Verify           *bool    `toml:"verify"`
	DumpTraces       *bool    `toml:"dump_traces"`
	SingleStepOps    []string `toml:"single_step_ops"`
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Apply decodes a TOML document and overrides the options it names.
func (self *Options) Apply(data string) error {
	var cfg fileConfig
	if _, err := toml.Decode(data, &cfg); err != nil {
		return fmt.Errorf("tracejit: invalid config: %w", err)
	}
	return self.apply(cfg)
}

func (self *Options) apply(cfg fileConfig) error {
	/* plain values */
	setInt(&self.Threshold, cfg.Threshold)
	setInt(&self.MaxTraceLen, cfg.MaxTraceLen)
	setInt(&self.QueueSize, cfg.QueueSize)
	setInt(&self.TableSize, cfg.TableSize)
	setInt(&self.MaxTableSize, cfg.MaxTableSize)
	setInt(&self.RechainThreshold, cfg.RechainThreshold)
	setBool(&self.SystemServer, cfg.SystemServer)
	setBool(&self.Blocking, cfg.Blocking)
	setBool(&self.NoInline, cfg.NoInline)
	setBool(&self.NoLoopOpt, cfg.NoLoopOpt)
	setBool(&self.Profile, cfg.Profile)
	setBool(&self.Verify, cfg.Verify)
	setBool(&self.DumpTraces, cfg.DumpTraces)

	/* sizes are human readable */
	if cfg.CodeCacheSize != nil {
		if val, err := units.RAMInBytes(*cfg.CodeCacheSize); err != nil {
			return fmt.Errorf("tracejit: invalid code_cache_size: %w", err)
		} else {
			self.CodeCacheSize = int(val)
		}
	}

	/* so are durations */
	if cfg.StartupDelay != nil {
		if val, err := time.ParseDuration(*cfg.StartupDelay); err != nil {
			return fmt.Errorf("tracejit: invalid startup_delay: %w", err)
		} else {
			self.StartupDelay = val
		}
	}

	/* single-step opcode list replaces the current one */
	if cfg.SingleStepOps != nil {
		self.SingleStepOps = cfg.SingleStepOps
	}
	return nil
}

// LoadFile reads a TOML config file and overrides the options it names.
func (self *Options) LoadFile(path string) error {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return fmt.Errorf("tracejit: cannot load config %s: %w", path, err)
	}
	return self.apply(cfg)
}
