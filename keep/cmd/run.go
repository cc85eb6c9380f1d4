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
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/keep/keep/config"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/metric"
	"gvisor.dev/keep/pkg/platform"
	"gvisor.dev/keep/pkg/proxy"
	"gvisor.dev/keep/pkg/syscalls"
	"gvisor.dev/keep/pkg/wasm"
	"gvisor.dev/keep/pkg/workload"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	platform  string
	blockSize uint64
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a WebAssembly workload with proxied syscalls"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <module.wasm> [Keep.toml] - run a workload.

The untrusted executor runs in this process and performs the proxied
syscalls on the host.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.platform, "platform", "", "platform to run on, overriding the global flag.")
	f.Uint64Var(&r.blockSize, "block-size", 0, "data capacity of each syscall block, overriding the global flag.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	exitCode := args[1].(*uint32)

	if r.platform != "" {
		conf.Platform = r.platform
	}
	if r.blockSize != 0 {
		conf.BlockSize = r.blockSize
	}

	var confPath string
	if f.NArg() == 2 {
		confPath = f.Arg(1)
	}
	w, err := workload.LoadFiles(f.Arg(0), confPath)
	if err != nil {
		Fatalf("loading workload: %v", err)
	}

	code, err := run(ctx, conf, w)
	if err != nil {
		Fatalf("running workload: %v", err)
	}
	if err := writeMetrics(conf.MetricsFile); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	*exitCode = code
	return subcommands.ExitSuccess
}

// run runs w to completion with an in-process executor serving each channel.
func run(ctx context.Context, conf *config.Config, w *workload.Workload) (uint32, error) {
	table, err := w.Config.Table(syscalls.Linux64())
	if err != nil {
		return 0, err
	}
	p, err := platform.New(conf.Platform)
	if err != nil {
		return 0, err
	}
	log.Infof("Running workload on platform %s, allow-list digest %s", p.Name(), table.Digest())

	var executors proxy.ExecutorGroup
	dial := func(size int) (platform.Gate, error) {
		gate, port, err := p.NewChannel(size)
		if err != nil {
			return nil, err
		}
		e, err := proxy.NewExecutor(port, table, conf.BlockSize, proxy.UnixHost{})
		if err != nil {
			gate.Close()
			return nil, err
		}
		executors.Serve(e)
		return gate, nil
	}

	k, err := wasm.New(ctx, wasm.Config{
		Table:    table,
		Dial:     dial,
		Capacity: conf.BlockSize,
	})
	if err != nil {
		return 0, errors.Join(err, executors.Wait())
	}
	code, err := k.Run(ctx, w)
	if cerr := k.Close(ctx); err == nil {
		err = cerr
	}
	if serr := executors.Wait(); serr != nil {
		return 0, fmt.Errorf("executor: %w", serr)
	}
	log.Infof("Workload exited with status %d", code)
	return code, err
}

// writeMetrics writes all metrics to path, if set.
func writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := metric.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
