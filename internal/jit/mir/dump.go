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

package mir

import (
    `fmt`
    `strings`
)

// Dump renders the blocks and their instructions as text.
func (self *CompilationUnit) Dump() string {
    var buf strings.Builder
    fmt.Fprintf(&buf, "trace %s @ %#x, %d insts", self.Method, self.Desc.Head(), self.NumInsts)
    if self.HasLoop {
        buf.WriteString(", loop")
    }
    if self.Inlined != 0 {
        fmt.Fprintf(&buf, ", %d inlined", self.Inlined)
    }
    buf.WriteByte('\n')

    /* dump every block */
    for _, bb := range self.Blocks {
        fmt.Fprintf(&buf, "%s:", bb)
        if bb.Callee != nil {
            fmt.Fprintf(&buf, " callee=%s", bb.Callee)
        }
        if bb.Taken != nil {
            fmt.Fprintf(&buf, " taken=%s", bb.Taken)
        }
        if bb.FallThrough != nil {
            fmt.Fprintf(&buf, " fallthrough=%s", bb.FallThrough)
        }
        if len(bb.Cases) != 0 {
            fmt.Fprintf(&buf, " cases=%d", len(bb.Cases))
        }
        buf.WriteByte('\n')
        for p := bb.First; p != nil; p = p.Next {
            fmt.Fprintf(&buf, "    %04x  %s\n", p.Offset, p)
        }
    }
    return buf.String()
}

// DumpDot renders the CFG in graphviz format.
func (self *CompilationUnit) DumpDot() string {
    var buf strings.Builder
    fmt.Fprintf(&buf, "digraph trace_%x {\n", self.Desc.Head())
    buf.WriteString("    node [shape=box fontname=monospace];\n")

    /* nodes */
    for _, bb := range self.Blocks {
        var label []string
        label = append(label, bb.String())
        for p := bb.First; p != nil; p = p.Next {
            label = append(label, strings.ReplaceAll(p.String(), `"`, `\"`))
        }
        fmt.Fprintf(&buf, "    bb_%d [label=\"%s\\l\"];\n", bb.ID, strings.Join(label, "\\l"))
    }

    /* edges */
    for _, bb := range self.Blocks {
        if bb.Taken != nil {
            fmt.Fprintf(&buf, "    bb_%d -> bb_%d [label=taken];\n", bb.ID, bb.Taken.ID)
        }
        if bb.FallThrough != nil {
            fmt.Fprintf(&buf, "    bb_%d -> bb_%d;\n", bb.ID, bb.FallThrough.ID)
        }
        for i, c := range bb.Cases {
            if c != bb.FallThrough {
                fmt.Fprintf(&buf, "    bb_%d -> bb_%d [label=case%d style=dashed];\n", bb.ID, c.ID, i)
            }
        }
    }

    /* all done */
    buf.WriteString("}\n")
    return buf.String()
}
