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

package cmd

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"gvisor.dev/keep/pkg/syscalls"
)

func TestOutputFormats(t *testing.T) {
	want := getTableInfo(syscalls.Linux64())
	if len(want.Syscalls) == 0 {
		t.Fatalf("empty table")
	}

	for _, test := range []struct {
		format string
		parse  func([]byte) (TableInfo, error)
	}{
		{
			format: "json",
			parse: func(b []byte) (TableInfo, error) {
				var info TableInfo
				err := json.Unmarshal(b, &info)
				return info, err
			},
		},
		{
			format: "yaml",
			parse: func(b []byte) (TableInfo, error) {
				var info TableInfo
				err := yaml.Unmarshal(b, &info)
				return info, err
			},
		},
	} {
		t.Run(test.format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := outputMap[test.format](&buf, want); err != nil {
				t.Fatalf("output: %v", err)
			}
			got, err := test.parse(buf.Bytes())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOutputCSV(t *testing.T) {
	info := getTableInfo(syscalls.Linux64())
	var buf bytes.Buffer
	if err := outputCSV(&buf, info); err != nil {
		t.Fatalf("outputCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got, want := len(rows), len(info.Syscalls)+1; got != want {
		t.Fatalf("got %d rows, want %d", got, want)
	}
	if diff := cmp.Diff([]string{"Arch", "Num", "Name", "Policy", "Shape", "Rules", "Errno"}, rows[0]); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputTable(t *testing.T) {
	var buf bytes.Buffer
	if err := outputTable(&buf, getTableInfo(syscalls.Linux64())); err != nil {
		t.Fatalf("outputTable: %v", err)
	}
	out := buf.String()
	for _, s := range []string{"NUM", "read", "proxied", "emulated", "EPERM"} {
		if !strings.Contains(out, s) {
			t.Errorf("table output lacks %q", s)
		}
	}
}

func TestTableInfo(t *testing.T) {
	info := getTableInfo(syscalls.Linux64())
	byName := make(map[string]SyscallDoc)
	for _, sc := range info.Syscalls {
		byName[sc.Name] = sc
	}
	if sc := byName["write"]; sc.Policy != "proxied" || sc.Shape == "" || sc.Errno != "" {
		t.Errorf("write: got %+v", sc)
	}
	if sc := byName["execve"]; sc.Policy != "rejected" || sc.Errno != "EPERM" || sc.Shape != "" {
		t.Errorf("execve: got %+v", sc)
	}
}

func TestSyscallsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Keep.toml")
	if err := os.WriteFile(path, []byte("[syscalls]\nreject = [\"write\"]\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := &Syscalls{config: path}
	table, err := s.table()
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	e, ok := table.ByName("write")
	if !ok || e.Policy != syscalls.Rejected {
		t.Errorf("write: got (%+v, %t), want rejected", e, ok)
	}
	if table.Digest() == syscalls.Linux64().Digest() {
		t.Errorf("restricted table has the default digest")
	}
}
