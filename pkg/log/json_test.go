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
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, test := range []struct {
		in   string
		want Level
	}{
		{in: "0", want: Warning},
		{in: "1", want: Info},
		{in: "2", want: Debug},
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
	} {
		var lv Level
		if err := json.Unmarshal([]byte(test.in), &lv); err != nil {
			t.Errorf("Unmarshal(%s): %v", test.in, err)
			continue
		}
		if lv != test.want {
			t.Errorf("Unmarshal(%s): got %v, want %v", test.in, lv, test.want)
		}
		b, err := json.Marshal(lv)
		if err != nil {
			t.Errorf("Marshal(%v): %v", lv, err)
		}
		var back Level
		if err := json.Unmarshal(b, &back); err != nil || back != lv {
			t.Errorf("Unmarshal(%s): got (%v, %v), want %v", b, back, err, lv)
		}
	}
	var lv Level
	if err := json.Unmarshal([]byte(`"trace"`), &lv); err == nil {
		t.Errorf("Unmarshal accepted an unknown level")
	}
}

var traceFields = []Field{
	F("tid", int32(3)),
	F("syscall", "write"),
	F("disposition", "proxied"),
	F("err", errors.New("bad address")),
}

func TestJSONEmitterFields(t *testing.T) {
	tw := &testWriter{}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)
	JSONEmitter{&Writer{Next: tw}}.EmitFields(0, Debug, ts, traceFields, "proxy: %s = %d", "write", 5)
	if len(tw.lines) != 2 || tw.lines[1] != "\n" {
		t.Fatalf("got lines %q, want one JSON line", tw.lines)
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%s): %v", tw.lines[0], err)
	}
	if !strings.HasPrefix(got.Msg, "json_test.go:") || !strings.HasSuffix(got.Msg, "] proxy: write = 5") {
		t.Errorf("unexpected message %q", got.Msg)
	}
	want := map[string]any{
		"tid":         float64(3),
		"syscall":     "write",
		"disposition": "proxied",
		"err":         "bad address",
	}
	if diff := cmp.Diff(want, got.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	if got.Level != Debug || !got.Time.Equal(ts) {
		t.Errorf("got level %v time %v, want %v %v", got.Level, got.Time, Debug, ts)
	}
}

func TestJSONEmitterWithoutFields(t *testing.T) {
	tw := &testWriter{}
	JSONEmitter{&Writer{Next: tw}}.Emit(0, Info, time.Now(), "plain")
	if strings.Contains(tw.lines[0], "fields") {
		t.Errorf("line without fields has a fields key: %s", tw.lines[0])
	}
}

func TestK8sJSONEmitterFields(t *testing.T) {
	tw := &testWriter{}
	fields := append([]Field{F("log", "shadowed")}, traceFields...)
	K8sJSONEmitter{&Writer{Next: tw}}.EmitFields(0, Warning, time.Now(), fields, "refused %s", "execve")
	var got map[string]any
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%s): %v", tw.lines[0], err)
	}
	if msg, _ := got["log"].(string); !strings.HasSuffix(msg, "] refused execve") {
		t.Errorf("log: got %q", got["log"])
	}
	if got["level"] != "warning" || got["syscall"] != "write" || got["tid"] != float64(3) {
		t.Errorf("unexpected line %v", got)
	}
}

func TestFieldLogger(t *testing.T) {
	for _, test := range []struct {
		name    string
		emitter func(*testWriter) Emitter
		suffix  string
	}{
		{
			name:    "writer",
			emitter: func(tw *testWriter) Emitter { return &Writer{Next: tw} },
			suffix:  "refused 100% tid=3 syscall=execve",
		},
		{
			name:    "google",
			emitter: func(tw *testWriter) Emitter { return GoogleEmitter{&Writer{Next: tw}} },
			suffix:  "] refused 100% tid=3 syscall=execve\n",
		},
		{
			name: "multi",
			emitter: func(tw *testWriter) Emitter {
				return &MultiEmitter{GoogleEmitter{&Writer{Next: tw}}}
			},
			suffix: "] refused 100% tid=3 syscall=execve\n",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			tw := &testWriter{}
			l := (&BasicLogger{Level: Info, Emitter: test.emitter(tw)}).WithFields(F("tid", 3))
			l.With(F("syscall", "execve")).Warningf("refused %d%%", 100)
			l.Debugf("hidden")
			if len(tw.lines) == 0 || !strings.HasSuffix(tw.lines[0], test.suffix) {
				t.Errorf("got lines %q, want suffix %q", tw.lines, test.suffix)
			}
			if test.name == "google" && !strings.Contains(tw.lines[0], "json_test.go:") {
				t.Errorf("missing caller in %q", tw.lines[0])
			}
			if diff := cmp.Diff([]Field{F("tid", 3)}, l.Fields()); diff != "" {
				t.Errorf("With modified its parent (-want +got):\n%s", diff)
			}
		})
	}
}
