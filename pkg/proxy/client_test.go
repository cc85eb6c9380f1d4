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

package proxy

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/log"
)

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// captureJSONLog logs to a JSON emitter at Debug for the rest of the test.
func captureJSONLog(t *testing.T) *lockedBuffer {
	out := &lockedBuffer{}
	old := log.Log()
	level := old.Level
	log.SetTarget(log.JSONEmitter{Writer: &log.Writer{Next: out}})
	log.SetLevel(log.Debug)
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(level)
	})
	return out
}

func TestTraceFields(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = echoLength
	c, _ := f.newClient(t, nil)
	out := captureJSONLog(t)

	if _, err := c.Call(unix.SYS_GETPID, Args{}); err != nil {
		t.Fatalf("getpid: %v", err)
	}
	if _, err := c.Call(unix.SYS_WRITE, Args{1, 0, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}

	type line struct {
		Msg    string         `json:"msg"`
		Fields map[string]any `json:"fields"`
	}
	var got []map[string]any
	out.mu.Lock()
	dec := json.NewDecoder(bytes.NewReader(out.buf.Bytes()))
	out.mu.Unlock()
	for dec.More() {
		var l line
		if err := dec.Decode(&l); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := l.Fields["syscall"]; ok {
			got = append(got, l.Fields)
		}
	}
	want := []map[string]any{
		{"tid": float64(c.TID()), "syscall": "getpid", "disposition": "emulated"},
		{"tid": float64(c.TID()), "syscall": "write", "disposition": "proxied"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("traced fields mismatch (-want +got):\n%s", diff)
	}
}
