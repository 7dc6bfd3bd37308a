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
)

// ConfigError occurs when the options of a VM are invalid.
type ConfigError struct {
	Err error
}

func (self ConfigError) Error() string {
	return "invalid config: " + self.Err.Error()
}

func (self ConfigError) Unwrap() error {
	return self.Err
}

// CompileError occurs when a method explicitly asked for could not be
// translated. Translations requested by the interpreter never fail this
// way, they are simply not used.
type CompileError struct {
	Method string
	PC     uint32
	Reason string
}

func (self CompileError) Error() string {
	return fmt.Sprintf("cannot compile %s at %#x: %s", self.Method, self.PC, self.Reason)
}
