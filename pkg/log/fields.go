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
	"fmt"
	"time"
)

// Field is a key and value attached to a log statement, such as the thread
// and syscall a proxy trace belongs to.
type Field struct {
	Key   string
	Value any
}

// F returns a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// FieldEmitter is implemented by emitters that record fields apart from the
// message. Other emitters receive the fields appended to the message as
// key=value pairs.
type FieldEmitter interface {
	EmitFields(depth int, level Level, timestamp time.Time, fields []Field, format string, v ...any)
}

// emitFields emits a statement with fields through e.
func emitFields(e Emitter, depth int, level Level, timestamp time.Time, fields []Field, format string, v ...any) {
	if fe, ok := e.(FieldEmitter); ok {
		fe.EmitFields(depth+1, level, timestamp, fields, format, v...)
		return
	}
	if len(fields) == 0 {
		e.Emit(depth+1, level, timestamp, format, v...)
		return
	}
	e.Emit(depth+1, level, timestamp, "%s%s", fmt.Sprintf(format, v...), appendFields(nil, fields))
}

// appendFields appends " key=value" for each field to b.
func appendFields(b []byte, fields []Field) []byte {
	for _, f := range fields {
		b = fmt.Appendf(b, " %s=%v", f.Key, f.Value)
	}
	return b
}

// fieldMap returns fields as a map for the JSON emitters. Errors and
// Stringers are recorded as strings.
func fieldMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			m[f.Key] = v.Error()
		case fmt.Stringer:
			m[f.Key] = v.String()
		default:
			m[f.Key] = v
		}
	}
	return m
}

// FieldLogger is a Logger that attaches fields to every statement.
type FieldLogger struct {
	// base is the logger written to. If nil, the global logger is used.
	base   *BasicLogger
	fields []Field
}

// WithFields returns a FieldLogger writing to the global logger.
func WithFields(fields ...Field) *FieldLogger {
	return &FieldLogger{fields: fields}
}

// WithFields returns a FieldLogger writing to l.
func (l *BasicLogger) WithFields(fields ...Field) *FieldLogger {
	return &FieldLogger{base: l, fields: fields}
}

// With returns a FieldLogger with fields added to those of l.
func (l *FieldLogger) With(fields ...Field) *FieldLogger {
	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	return &FieldLogger{base: l.base, fields: append(all, fields...)}
}

// Fields returns the fields attached by l.
func (l *FieldLogger) Fields() []Field {
	return l.fields
}

func (l *FieldLogger) logger() *BasicLogger {
	if l.base != nil {
		return l.base
	}
	return Log()
}

// Debugf implements Logger.Debugf.
func (l *FieldLogger) Debugf(format string, v ...any) {
	l.logger().EmitFieldsAtDepth(1, Debug, l.fields, format, v...)
}

// Infof implements Logger.Infof.
func (l *FieldLogger) Infof(format string, v ...any) {
	l.logger().EmitFieldsAtDepth(1, Info, l.fields, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *FieldLogger) Warningf(format string, v ...any) {
	l.logger().EmitFieldsAtDepth(1, Warning, l.fields, format, v...)
}

// IsLogging implements Logger.IsLogging.
func (l *FieldLogger) IsLogging(level Level) bool {
	return l.logger().IsLogging(level)
}
