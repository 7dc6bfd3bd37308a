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

package rt

import (
	"sync"

	"github.com/cloudwego/tracejit/internal/dex"
)

// Object is either a class instance, an array or a string. Wide fields and
// wide array elements take two consecutive words, low word first.
type Object struct {
	Class  *dex.Class
	Fields []uint32
	Array  []uint32
	Wide   bool
	Str    string
}

// Len returns the number of array elements.
func (self *Object) Len() int {
	if self.Wide {
		return len(self.Array) / 2
	} else {
		return len(self.Array)
	}
}

// Heap maps object handles to objects. Handle 0 is the null reference.
// Objects are never collected.
type Heap struct {
	mu   sync.RWMutex
	objs []*Object
}

func NewHeap() *Heap {
	return new(Heap)
}

func (self *Heap) add(obj *Object) uint32 {
	self.mu.Lock()
	self.objs = append(self.objs, obj)
	ret := uint32(len(self.objs))
	self.mu.Unlock()
	return ret
}

// New allocates an instance of cls with all fields zeroed.
func (self *Heap) New(cls *dex.Class) uint32 {
	return self.add(&Object{
		Class:  cls,
		Fields: make([]uint32, cls.NumSlots),
	})
}

// NewArray allocates an array of n elements.
func (self *Heap) NewArray(n int, wide bool) uint32 {
	if wide {
		return self.add(&Object{Array: make([]uint32, n*2), Wide: true})
	} else {
		return self.add(&Object{Array: make([]uint32, n)})
	}
}

// NewIntArray allocates an int array holding a copy of v.
func (self *Heap) NewIntArray(v []int32) uint32 {
	buf := make([]uint32, len(v))
	for i, x := range v {
		buf[i] = uint32(x)
	}
	return self.add(&Object{Array: buf})
}

func (self *Heap) NewString(s string) uint32 {
	return self.add(&Object{Str: s})
}

// Get returns the object referenced by handle, or nil for null and dangling
// handles.
func (self *Heap) Get(handle uint32) *Object {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if handle == 0 || handle > uint32(len(self.objs)) {
		return nil
	}
	return self.objs[handle-1]
}

// Size returns the number of live objects.
func (self *Heap) Size() int {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return len(self.objs)
}
