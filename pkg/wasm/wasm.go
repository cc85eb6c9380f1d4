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

// Package wasm runs WebAssembly guests whose syscalls are proxied.
//
// A guest imports a single host function, keep.syscall(nr, a0, ..., a5 i64)
// i64, with native Linux syscall numbers. The guest's linear memory is the
// trusted memory of the proxy session: the ledger covers all of it and grows
// with it. Failures are returned to the guest as -errno.
//
// The WASI preview1 module is linked so guests can read their arguments and
// environment and use the standard streams configured as the workload's
// first three files. Stream I/O is proxied like any other syscall, on a
// channel of the runtime's own. There are no preopened directories: files
// are opened with keep.syscall.
package wasm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"gvisor.dev/keep/pkg/cleanup"
	"gvisor.dev/keep/pkg/errors/linuxerr"
	"gvisor.dev/keep/pkg/ledger"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/platform"
	"gvisor.dev/keep/pkg/proxy"
	"gvisor.dev/keep/pkg/syscalls"
	"gvisor.dev/keep/pkg/workload"
)

const (
	// HostModule is the name of the module guests import syscall from.
	HostModule = "keep"

	// SyscallFunction is the name of the syscall host function.
	SyscallFunction = "syscall"

	// DefaultMemoryLimitPages caps linear memory at 1 GiB.
	DefaultMemoryLimitPages = 1 << 14

	// programName is argv[0] of every guest.
	programName = "main.wasm"
)

// Dialer returns the trusted end of a new channel whose window is at least
// size bytes long. Whoever serves the other end is up to the caller.
type Dialer func(size int) (platform.Gate, error)

// Config configures a Keep.
type Config struct {
	// Table is the allow-list. It is required.
	Table *syscalls.Table

	// Dial establishes the guest's channel. It is required.
	Dial Dialer

	// Capacity is the Block data capacity. Zero selects the default.
	Capacity uint64

	// MemoryLimitPages caps linear memory, in Wasm pages. Zero selects
	// DefaultMemoryLimitPages.
	MemoryLimitPages uint32

	// Identity is reported by getpid and friends.
	Identity proxy.Identity
}

// Keep is a wazero runtime wired to one proxy session.
//
// Guests are single threaded, so a Keep holds one Client for the guest, and
// one more for the I/O it performs on the guest's behalf.
type Keep struct {
	runtime wazero.Runtime
	session *proxy.Session
	client  *proxy.Client
	memory  *Memory
	io      *hostIO
}

// New creates a runtime, establishes its channel and links the host module.
func New(ctx context.Context, cfg Config) (*Keep, error) {
	if cfg.Table == nil || cfg.Dial == nil {
		return nil, fmt.Errorf("wasm: a table and a dialer are required")
	}
	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}

	// Linear memory is covered entirely by the ledger, so there is no room
	// for an mmap arena or a heap outside it: the guest grows its memory
	// with memory.grow, and anonymous mmap and brk fail.
	mem := NewMemory(ledger.New())
	session, err := proxy.NewSession(proxy.SessionOpts{
		Table:    cfg.Table,
		Ledger:   mem.ledger,
		Memory:   mem,
		Capacity: cfg.Capacity,
		Identity: cfg.Identity,
	})
	if err != nil {
		return nil, fmt.Errorf("wasm: %w", err)
	}
	gate, err := cfg.Dial(session.WindowSize())
	if err != nil {
		return nil, fmt.Errorf("wasm: dialing channel: %w", err)
	}
	client, err := session.NewClient(gate)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("wasm: %w", err)
	}
	hio, err := newHostIO(cfg)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("wasm: %w", err)
	}

	k := &Keep{
		runtime: wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithMemoryLimitPages(pages)),
		session: session,
		client:  client,
		memory:  mem,
		io:      hio,
	}
	cu := cleanup.Make(func() { k.Close(ctx) })
	defer cu.Clean()

	if err := k.linkHostModule(ctx); err != nil {
		return nil, err
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, k.runtime); err != nil {
		return nil, fmt.Errorf("wasm: instantiating WASI: %w", err)
	}
	cu.Release()
	return k, nil
}

func (k *Keep) linkHostModule(ctx context.Context) error {
	params := make([]api.ValueType, 1+syscalls.NumSlots)
	for i := range params {
		params[i] = api.ValueTypeI64
	}
	_, err := k.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(k.syscall), params, []api.ValueType{api.ValueTypeI64}).
		WithParameterNames("nr", "a0", "a1", "a2", "a3", "a4", "a5").
		Export(SyscallFunction).
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("wasm: linking %s: %w", HostModule, err)
	}
	return nil
}

// syscall implements keep.syscall. stack holds nr followed by the six
// arguments, and receives the result.
func (k *Keep) syscall(_ context.Context, mod api.Module, stack []uint64) {
	stack[0] = uint64(k.call(mod, stack))
}

func (k *Keep) call(mod api.Module, stack []uint64) int64 {
	m := mod.Memory()
	if m == nil {
		return -int64(linuxerr.ToUnix(linuxerr.EFAULT))
	}
	if err := k.memory.bind(m); err != nil {
		log.Warningf("wasm: recording linear memory: %v", err)
		return -int64(linuxerr.ToUnix(linuxerr.EFAULT))
	}
	var args proxy.Args
	copy(args[:], stack[1:1+syscalls.NumSlots])
	r, err := k.client.Call(uintptr(stack[0]), args)
	if err != nil {
		return -int64(linuxerr.ToUnix(err))
	}
	return int64(r)
}

// Run instantiates w's module, which runs its _start function, and returns
// the guest's exit code. A guest that returns from _start exits with 0.
func (k *Keep) Run(ctx context.Context, w *workload.Workload) (uint32, error) {
	compiled, err := k.runtime.CompileModule(ctx, w.Wasm)
	if err != nil {
		return 0, fmt.Errorf("wasm: compiling module: %w", err)
	}
	mc := wazero.NewModuleConfig().
		WithArgs(append([]string{programName}, w.Config.Args...)...).
		WithRandSource(rand.Reader)
	for name, value := range w.Config.Env {
		mc = mc.WithEnv(name, value)
	}
	files, err := k.io.openFiles(w.Config.FileList())
	if err != nil {
		return 0, fmt.Errorf("wasm: opening files: %w", err)
	}
	defer files.close()
	mc = files.configure(mc)
	if _, err := k.runtime.InstantiateModule(ctx, compiled, mc); err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			log.Debugf("wasm: guest exited with %d", exit.ExitCode())
			return exit.ExitCode(), nil
		}
		return 0, fmt.Errorf("wasm: running module: %w", err)
	}
	return 0, nil
}

// Memory returns the guest's linear memory.
func (k *Keep) Memory() *Memory { return k.memory }

// Session returns the proxy session.
func (k *Keep) Session() *proxy.Session { return k.session }

// Close releases the runtime and shuts the channel down.
func (k *Keep) Close(ctx context.Context) error {
	err := k.runtime.Close(ctx)
	k.io.close()
	k.client.Close()
	k.session.Close()
	return err
}
