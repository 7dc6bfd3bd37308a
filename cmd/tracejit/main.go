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

// Command tracejit runs the sample methods on a VM until their loops are
// translated, then prints the compiler statistics.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cloudwego/tracejit"
	"github.com/cloudwego/tracejit/debug"
	"github.com/cloudwego/tracejit/internal/sample"
	"github.com/dc0d/onexit"
	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "", "TOML config file")
	iterations = flag.Int("n", 10, "number of calls per method")
	count      = flag.Int("count", 1000, "loop count passed to every method")
	threshold  = flag.Int("threshold", 0, "trace threshold, 0 keeps the configured one")
	dump       = flag.Bool("dump", false, "disassemble the translations")
	verbose    = flag.Bool("v", false, "development logging")
)

type call struct {
	name string
	args func(vm *tracejit.VM, n int) []uint32
}

func scalar(_ *tracejit.VM, n int) []uint32 {
	return []uint32{uint32(n)}
}

func array(vm *tracejit.VM, n int) []uint32 {
	buf := make([]int32, n)
	for i := range buf {
		buf[i] = int32(i)
	}
	return []uint32{vm.Heap().NewIntArray(buf)}
}

var calls = []call{
	{"countDown", scalar},
	{"longSum", scalar},
	{"sumTwice", scalar},
	{"strings", scalar},
	{"sum", array},
	{"sumDown", array},
	{"sumPairs", array},
	{"select", func(_ *tracejit.VM, n int) []uint32 { return []uint32{3, uint32(n)} }},
	{"divide", func(_ *tracejit.VM, n int) []uint32 { return []uint32{100, 7, uint32(n)} }},
}

func logger() *zap.Logger {
	if !*verbose {
		return zap.NewNop()
	} else if log, err := zap.NewDevelopment(); err != nil {
		panic(err)
	} else {
		return log
	}
}

func options(log *zap.Logger) ([]tracejit.Option, error) {
	ret := []tracejit.Option{tracejit.WithLogger(log)}

	/* the config file goes first, flags override it */
	if *configFile != "" {
		if opt, err := tracejit.WithConfigFile(*configFile); err != nil {
			return nil, err
		} else {
			ret = append(ret, opt)
		}
	}

	/* the threshold */
	if *threshold > 0 {
		ret = append(ret, tracejit.WithThreshold(*threshold))
	}
	return ret, nil
}

// run executes the demo and returns the exit code.
func run(log *zap.Logger, out io.Writer) int {
	opts, err := options(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	/* create the VM */
	world := sample.New(true)
	vm, err := tracejit.New(world.Reg, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	/* run every method */
	defer vm.Close()
	for _, c := range calls {
		m := world.Method(c.name)
		for i := 0; i < *iterations; i++ {
			if ret, err := vm.Call(m, c.args(vm, *count)...); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", c.name, err)
				return 1
			} else if i == *iterations-1 {
				fmt.Fprintf(out, "%-10s %d\n", c.name, int64(ret))
			}
		}
	}

	/* report */
	spew.Fdump(out, debug.GetStats(vm))
	if *dump {
		if err = debug.Dump(out, vm); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return 0
}

func main() {
	flag.Parse()
	log := logger()
	onexit.Register(func() { _ = log.Sync() })
	onexit.ForceExit(run(log, os.Stdout))
}
