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

package debug

import (
	"fmt"
	"io"

	"github.com/cloudwego/tracejit"
	"github.com/cloudwego/tracejit/internal/jit/lir"
)

// A Stats records statistics about the trace compiler.
type Stats struct {
	Memory MemStats
	Table  TableStats
	Calls  CacheStats
	Traces TraceStats
}

// A MemStats records statistics about the code cache.
type MemStats struct {
	Alloc int
	Count int
	Size  int
}

// A TableStats records statistics about the translation table.
type TableStats struct {
	Len int
	Cap int
}

// A CacheStats records statistics about the inline caches of call sites.
type CacheStats struct {
	Hit   int
	Miss  int
	Patch int
}

// A TraceStats records how traces were selected and compiled.
type TraceStats struct {
	Selected  int
	Abandoned int
	Compiled  int
	Aborted   int
	Dropped   int
	Chained   int
	Resets    int
}

// GetStats returns statistics of the trace compiler of vm.
func GetStats(vm *tracejit.VM) Stats {
	st := vm.Stats()
	return Stats{
		Memory: MemStats{
			Alloc: int(st.JIT.CacheUsed) * 4,
			Count: int(st.JIT.Installed),
			Size:  int(st.JIT.CacheSize) * 4,
		},
		Table: TableStats{
			Len: st.JIT.TableLen,
			Cap: st.JIT.TableCap,
		},
		Calls: CacheStats{
			Hit:   int(st.JIT.ICHits),
			Miss:  int(st.JIT.ICMisses),
			Patch: int(st.JIT.ICPatches),
		},
		Traces: TraceStats{
			Selected:  int(st.Interp.Selections),
			Abandoned: int(st.Interp.Abandoned),
			Compiled:  int(st.JIT.Compiled),
			Aborted:   int(st.JIT.Aborts),
			Dropped:   int(st.JIT.Dropped + st.Interp.Dropped),
			Chained:   int(st.JIT.Chains),
			Resets:    int(st.JIT.Resets),
		},
	}
}

// Dump writes the disassembly of every installed translation to w.
func Dump(w io.Writer, vm *tracejit.VM) error {
	for _, f := range vm.Fragments() {
		if _, err := fmt.Fprintf(w, "; %s @ pc %#x\n%s\n\n", f.Method, f.PC, lir.Disassemble(f.Code, f.Base)); err != nil {
			return err
		}
	}
	return nil
}
