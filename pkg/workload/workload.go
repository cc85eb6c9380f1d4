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

// Package workload loads the packages run by a keep: a WebAssembly module
// and an optional Keep.toml configuration.
package workload

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/syscalls"
)

const (
	// MaxWasmSize is the maximum size of a WebAssembly module in bytes.
	MaxWasmSize = 100_000_000

	// MaxConfigSize is the maximum size of Keep.toml in bytes.
	MaxConfigSize = 1_000_000

	// ConfigName is the conventional name of the configuration file.
	ConfigName = "Keep.toml"
)

// wasmMagic is the preamble of every binary WebAssembly module.
var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// Config is the configuration of a keep.
type Config struct {
	// Args are the guest's command line arguments, excluding the program
	// name.
	Args []string `toml:"args"`

	// Env is the guest's environment.
	Env map[string]string `toml:"env"`

	// Steward is the URL of an attestation steward. Attestation is
	// performed outside of the keep; the value is accepted and ignored.
	Steward string `toml:"steward"`

	// Files are the guest's file descriptors, in order. If empty,
	// DefaultFiles is used.
	Files []File `toml:"files"`

	// Syscalls narrows the syscall allow-list.
	Syscalls SyscallsConfig `toml:"syscalls"`
}

// FileKind is the kind of a guest file.
type FileKind string

// File kinds.
const (
	// FileNull reads as empty and discards writes.
	FileNull FileKind = "null"

	// FileStdin, FileStdout and FileStderr are the host's standard streams.
	FileStdin  FileKind = "stdin"
	FileStdout FileKind = "stdout"
	FileStderr FileKind = "stderr"

	// FileListen is a listening TCP socket.
	FileListen FileKind = "listen"

	// FileConnect is a connected TCP socket.
	FileConnect FileKind = "connect"
)

// ProtTCP is the only supported socket protocol. TLS is terminated by the
// guest, if at all.
const ProtTCP = "tcp"

// stdioFiles is the number of leading files that are standard streams.
const stdioFiles = 3

// Environment variables describing the guest's files. They are set by the
// runtime and may not be configured.
const (
	EnvFDCount = "FD_COUNT"
	EnvFDNames = "FD_NAMES"
	EnvFDHost  = "FD_HOST"
)

// File is a file descriptor handed to the guest.
type File struct {
	// Kind is the file kind.
	Kind FileKind `toml:"kind"`

	// Name identifies the file to the guest. It defaults to Kind.
	Name string `toml:"name"`

	// Prot is the socket protocol. It defaults to ProtTCP.
	Prot string `toml:"prot"`

	// Addr is the local address of a listening socket. It defaults to
	// "::", which accepts IPv4 connections too.
	Addr string `toml:"addr"`

	// Host is the peer address of a connected socket. It must be an IP
	// address; names are not resolved.
	Host string `toml:"host"`

	// Port is the socket port. A listening socket may use 0 for an
	// ephemeral port.
	Port uint16 `toml:"port"`
}

// AddrPort returns the socket address of a listen or connect file.
func (f *File) AddrPort() (netip.AddrPort, error) {
	var s string
	switch f.Kind {
	case FileListen:
		s = f.Addr
		if s == "" {
			s = "::"
		}
	case FileConnect:
		s = f.Host
	default:
		return netip.AddrPort{}, fmt.Errorf("file %q: %s is not a socket", f.Name, f.Kind)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("file %q: %w", f.Name, err)
	}
	return netip.AddrPortFrom(addr.Unmap(), f.Port), nil
}

// DefaultFiles are the files of a guest without a files configuration.
func DefaultFiles() []File {
	return []File{
		{Kind: FileStdin, Name: string(FileStdin)},
		{Kind: FileStdout, Name: string(FileStdout)},
		{Kind: FileStderr, Name: string(FileStderr)},
	}
}

// validate checks f, the file at index i, and fills in defaults.
func (f *File) validate(i int) error {
	if f.Name == "" {
		f.Name = string(f.Kind)
	}
	if strings.ContainsRune(f.Name, ':') {
		return fmt.Errorf("file %d: name %q contains ':'", i, f.Name)
	}
	switch f.Kind {
	case FileNull, FileStdin, FileStdout, FileStderr:
		if i >= stdioFiles {
			return fmt.Errorf("file %d: %s must be one of the first %d files", i, f.Kind, stdioFiles)
		}
		if f.Kind == FileStdin && i != 0 || (f.Kind == FileStdout || f.Kind == FileStderr) && i == 0 {
			return fmt.Errorf("file %d: %s cannot be fd %d", i, f.Kind, i)
		}
		if f.Prot != "" || f.Addr != "" || f.Host != "" || f.Port != 0 {
			return fmt.Errorf("file %d: %s takes no socket options", i, f.Kind)
		}
		return nil
	case FileListen, FileConnect:
		if i < stdioFiles {
			return fmt.Errorf("file %d: sockets follow the %d standard streams", i, stdioFiles)
		}
	default:
		return fmt.Errorf("file %d: unknown kind %q", i, f.Kind)
	}
	if f.Prot == "" {
		f.Prot = ProtTCP
	}
	if f.Prot != ProtTCP {
		return fmt.Errorf("file %d: unsupported protocol %q", i, f.Prot)
	}
	if f.Kind == FileConnect && f.Port == 0 {
		return fmt.Errorf("file %d: connect requires a port", i)
	}
	if f.Kind == FileListen && f.Host != "" || f.Kind == FileConnect && f.Addr != "" {
		return fmt.Errorf("file %d: %s does not take that address field", i, f.Kind)
	}
	_, err := f.AddrPort()
	return err
}

// SyscallsConfig narrows the syscall allow-list. It can never widen it.
type SyscallsConfig struct {
	// Reject names syscalls to refuse with EPERM.
	Reject []string `toml:"reject"`
}

// Workload is an acquired workload.
type Workload struct {
	// Wasm is the WebAssembly module.
	Wasm []byte

	// Config is the keep configuration. It is never nil.
	Config *Config
}

// readLimited reads all of r, failing if it holds more than max bytes.
func readLimited(r io.Reader, max int64, what string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", what, err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%s exceeds the maximum size of %d bytes", what, max)
	}
	return data, nil
}

// ParseConfig parses a Keep.toml. Unknown keys are an error.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&c)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigName, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("parsing %s: unknown keys %s", ConfigName, strings.Join(keys, ", "))
	}
	for i := range c.Files {
		if err := c.Files[i].validate(i); err != nil {
			return nil, fmt.Errorf("%s: %w", ConfigName, err)
		}
	}
	if len(c.Files) != 0 && len(c.Files) < stdioFiles {
		return nil, fmt.Errorf("%s: the first %d files must be given", ConfigName, stdioFiles)
	}
	for _, name := range []string{EnvFDCount, EnvFDNames, EnvFDHost} {
		if _, ok := c.Env[name]; ok {
			return nil, fmt.Errorf("%s: env %s is reserved", ConfigName, name)
		}
	}
	if c.Steward != "" {
		log.Warningf("%s: steward %q ignored, attestation is not performed by the keep", ConfigName, c.Steward)
	}
	return &c, nil
}

// Load reads a workload. conf may be nil, in which case the default
// configuration is used.
func Load(wasm, conf io.Reader) (*Workload, error) {
	module, err := readLimited(wasm, MaxWasmSize, "WebAssembly module")
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(module, wasmMagic) {
		return nil, fmt.Errorf("not a WebAssembly module")
	}
	w := &Workload{Wasm: module, Config: &Config{}}
	if conf == nil {
		return w, nil
	}
	data, err := readLimited(conf, MaxConfigSize, ConfigName)
	if err != nil {
		return nil, err
	}
	if w.Config, err = ParseConfig(data); err != nil {
		return nil, err
	}
	return w, nil
}

// LoadFiles reads a workload from files. confPath may be empty.
func LoadFiles(wasmPath, confPath string) (*Workload, error) {
	wf, err := os.Open(wasmPath)
	if err != nil {
		return nil, err
	}
	defer wf.Close()
	if confPath == "" {
		return Load(wf, nil)
	}
	cf, err := os.Open(confPath)
	if err != nil {
		return nil, err
	}
	defer cf.Close()
	return Load(wf, cf)
}

// Table returns t narrowed by the configuration.
func (c *Config) Table(t *syscalls.Table) (*syscalls.Table, error) {
	if len(c.Syscalls.Reject) == 0 {
		return t, nil
	}
	nt, err := t.Restrict(c.Syscalls.Reject...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigName, err)
	}
	return nt, nil
}

// FileList returns the configured files, or DefaultFiles.
func (c *Config) FileList() []File {
	if len(c.Files) == 0 {
		return DefaultFiles()
	}
	return c.Files
}

// Environ returns the environment as sorted KEY=VALUE pairs.
func (c *Config) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
