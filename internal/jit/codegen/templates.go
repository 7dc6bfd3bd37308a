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

package codegen

import (
    `github.com/cloudwego/tracejit/internal/jit/lir`
)

// Templates holds the absolute addresses of the handler templates. Every
// template is a host call followed by a halt, since host calls that return
// an exit never fall through.
type Templates struct {
    Addr [lir.H_max]uint32
}

func (self *Templates) Of(h lir.Host) uint32 {
    return self.Addr[h]
}

// Host returns the host function whose template starts at addr.
func (self *Templates) Host(addr uint32) (lir.Host, bool) {
    for h, v := range self.Addr {
        if v == addr {
            return lir.Host(h), true
        }
    }
    return 0, false
}

// BuildTemplates lays out every template for loading at base.
func BuildTemplates(base uint32) (*lir.List, *Templates) {
    var out lir.List
    var labels [lir.H_max]*lir.Label

    /* one template per host function */
    for h := lir.Host(0); h < lir.H_max; h++ {
        labels[h] = lir.NewLabel(h.String())
        out.Bind(labels[h])
        out.HCall(h)
        out.Op0(lir.OP_halt)
    }

    /* resolve the addresses */
    ret := new(Templates)
    out.Layout()
    for h, lb := range labels {
        ret.Addr[h] = base + lb.Offset
    }
    return &out, ret
}
