// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"time"
)

// k8sJSONLog is one line of K8sJSONEmitter output. The message is keyed
// "log", as container runtimes expect; fields are flattened into the line.
type k8sJSONLog struct {
	Log   string    `json:"log"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
}

// K8sJSONEmitter logs messages in json format that is compatible with
// Kubernetes fluent configuration.
type K8sJSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e K8sJSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	e.EmitFields(depth+1, level, timestamp, nil, format, v...)
}

// EmitFields implements FieldEmitter.EmitFields. A field named after one of
// the standard keys does not replace it.
func (e K8sJSONEmitter) EmitFields(depth int, level Level, timestamp time.Time, fields []Field, format string, v ...any) {
	line := k8sJSONLog{
		Log:   callerLine(depth, format, v...),
		Level: level,
		Time:  timestamp,
	}
	if len(fields) == 0 {
		writeJSON(e.Writer, line)
		return
	}
	m := fieldMap(fields)
	m["log"] = line.Log
	m["level"] = line.Level
	m["time"] = line.Time
	writeJSON(e.Writer, m)
}
