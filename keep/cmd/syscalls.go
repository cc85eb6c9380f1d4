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
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
	"gvisor.dev/keep/pkg/syscalls"
	"gvisor.dev/keep/pkg/workload"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output string
	config string
}

// TableInfo describes an allow-list.
type TableInfo struct {
	Arch     string       `json:"arch" yaml:"arch"`
	Digest   string       `json:"digest" yaml:"digest"`
	Syscalls []SyscallDoc `json:"syscalls" yaml:"syscalls"`
}

// SyscallDoc represents a single allow-list entry.
type SyscallDoc struct {
	Num    uint64  `json:"num" yaml:"num"`
	Name   string  `json:"name" yaml:"name"`
	Policy string  `json:"policy" yaml:"policy"`
	Shape  string  `json:"shape,omitempty" yaml:"shape,omitempty"`
	Rules  string  `json:"rules,omitempty" yaml:"rules,omitempty"`
	Errno  string  `json:"errno,omitempty" yaml:"errno,omitempty"`
}

type outputFunc func(io.Writer, TableInfo) error

// A map of output type names to output functions.
var outputMap = map[string]outputFunc{
	"table": outputTable,
	"json":  outputJSON,
	"csv":   outputCSV,
	"yaml":  outputYAML,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "Print the syscall allow-list."
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [options] - Print the syscall allow-list.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, csv, json, yaml).")
	f.StringVar(&s.config, "config", "", "Path to a "+workload.ConfigName+" whose restrictions are applied.")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := outputMap[s.output]
	if !ok {
		Fatalf("Unsupported output format %q", s.output)
	}
	t, err := s.table()
	if err != nil {
		Fatalf("%v", err)
	}
	if err := out(os.Stdout, getTableInfo(t)); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// table returns the allow-list, restricted by s.config if set.
func (s *Syscalls) table() (*syscalls.Table, error) {
	t := syscalls.Linux64()
	if s.config == "" {
		return t, nil
	}
	data, err := os.ReadFile(s.config)
	if err != nil {
		return nil, err
	}
	conf, err := workload.ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return conf.Table(t)
}

func getTableInfo(t *syscalls.Table) TableInfo {
	info := TableInfo{
		Arch:   runtime.GOARCH,
		Digest: t.Digest().String(),
	}
	for _, e := range t.Entries() {
		doc := SyscallDoc{
			Num:    uint64(e.Nr),
			Name:   e.Name,
			Policy: e.Policy.String(),
		}
		if e.Policy == syscalls.Rejected {
			errno := e.Errno
			if errno == 0 {
				errno = unix.EPERM
			}
			doc.Errno = unix.ErrnoName(errno)
		} else {
			doc.Shape = e.Shape.String()
		}
		if len(e.Rules) > 0 {
			doc.Rules = fmt.Sprint(e.Rules)
		}
		info.Syscalls = append(info.Syscalls, doc)
	}
	return info
}

// outputTable outputs the syscall info in tabular format.
func outputTable(w io.Writer, info TableInfo) error {
	fmt.Fprintf(w, "linux/%s (digest %s):\n\n", info.Arch, info.Digest)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", "NUM", "NAME", "POLICY", "SHAPE", "NOTE"); err != nil {
		return err
	}
	for _, sc := range info.Syscalls {
		note := sc.Errno
		if sc.Rules != "" {
			note = sc.Rules
		}
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", sc.Num, sc.Name, sc.Policy, sc.Shape, note); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// outputJSON outputs the syscall info in JSON format.
func outputJSON(w io.Writer, info TableInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(info)
}

// outputCSV outputs the syscall info in CSV format.
func outputCSV(w io.Writer, info TableInfo) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"Arch", "Num", "Name", "Policy", "Shape", "Rules", "Errno"}); err != nil {
		return err
	}
	for _, sc := range info.Syscalls {
		row := []string{
			info.Arch,
			strconv.FormatUint(sc.Num, 10),
			sc.Name,
			sc.Policy,
			sc.Shape,
			sc.Rules,
			sc.Errno,
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// outputYAML outputs the syscall info in YAML format.
func outputYAML(w io.Writer, info TableInfo) error {
	e := yaml.NewEncoder(w)
	e.SetIndent(2)
	if err := e.Encode(info); err != nil {
		return err
	}
	return e.Close()
}
