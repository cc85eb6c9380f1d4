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

package platform_test

import (
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/keep/pkg/platform"
	"gvisor.dev/keep/pkg/platform/platforms"
)

func TestList(t *testing.T) {
	got := platform.List()
	want := []string{platforms.CVM, platforms.Enclave}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("List(): got %v, want %v", got, want)
	}
	if _, err := platform.Lookup("sgx2"); err == nil {
		t.Errorf("Lookup of unknown platform succeeded")
	}
}

// echo serves port until it is shut down, replying to every request with
// the first byte of the window incremented.
func echo(port platform.Port) error {
	w := port.Window()
	for {
		if err := port.Wait(); err != nil {
			if errors.Is(err, platform.ErrShutdown) {
				return nil
			}
			return err
		}
		w[1] = w[0] + 1
		if err := port.Reply(); err != nil {
			return err
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, name := range platform.List() {
		t.Run(name, func(t *testing.T) {
			p, err := platform.New(name)
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			gate, port, err := p.NewChannel(8192)
			if err != nil {
				t.Fatalf("NewChannel: %v", err)
			}
			if got := len(gate.Window()); got != 8192 {
				t.Errorf("gate window: got %d bytes, want 8192", got)
			}
			var g errgroup.Group
			g.Go(func() error { return echo(port) })

			w := gate.Window()
			for i := 0; i < 100; i++ {
				w[0] = byte(i)
				if err := gate.Cross(); err != nil {
					t.Fatalf("Cross %d: %v", i, err)
				}
				if got, want := w[1], byte(i+1); got != want {
					t.Fatalf("reply %d: got %d, want %d", i, got, want)
				}
			}
			if err := gate.Close(); err != nil {
				t.Errorf("Gate.Close: %v", err)
			}
			if err := g.Wait(); err != nil {
				t.Errorf("port loop: %v", err)
			}
			if err := gate.Cross(); !errors.Is(err, platform.ErrShutdown) {
				t.Errorf("Cross after Close: got %v, want %v", err, platform.ErrShutdown)
			}
			if err := port.Close(); err != nil {
				t.Errorf("Port.Close: %v", err)
			}
		})
	}
}

func TestPortCloseUnblocksGate(t *testing.T) {
	for _, name := range platform.List() {
		t.Run(name, func(t *testing.T) {
			p, err := platform.New(name)
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			gate, port, err := p.NewChannel(4096)
			if err != nil {
				t.Fatalf("NewChannel: %v", err)
			}
			defer gate.Close()

			var g errgroup.Group
			g.Go(func() error {
				// Take the request, but close instead of replying.
				if err := port.Wait(); err != nil {
					return err
				}
				return port.Close()
			})
			if err := gate.Cross(); !errors.Is(err, platform.ErrShutdown) {
				t.Errorf("Cross: got %v, want %v", err, platform.ErrShutdown)
			}
			if err := g.Wait(); err != nil {
				t.Errorf("port: %v", err)
			}
		})
	}
}
