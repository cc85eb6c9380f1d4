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

package enclave

import (
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/keep/pkg/platform"
)

func TestInterruptEvery(t *testing.T) {
	e := &Enclave{InterruptEvery: 3}
	gate, port, err := e.NewChannel(4096)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	served := 0
	var g errgroup.Group
	g.Go(func() error {
		for {
			if err := port.Wait(); err != nil {
				if errors.Is(err, platform.ErrShutdown) {
					return nil
				}
				return err
			}
			served++
			if err := port.Reply(); err != nil {
				return err
			}
		}
	})

	interrupted := 0
	for i := 1; i <= 9; i++ {
		err := gate.Cross()
		switch {
		case err == nil:
		case errors.Is(err, platform.ErrInterrupted):
			interrupted++
			if i%3 != 0 {
				t.Errorf("crossing %d interrupted", i)
			}
		default:
			t.Fatalf("Cross %d: %v", i, err)
		}
	}
	gate.Close()
	if err := g.Wait(); err != nil {
		t.Fatalf("port: %v", err)
	}
	if interrupted != 3 || served != 6 {
		t.Errorf("got %d interrupted and %d served crossings, want 3 and 6", interrupted, served)
	}
}

func TestInvalidSize(t *testing.T) {
	if _, _, err := (&Enclave{}).NewChannel(0); err == nil {
		t.Errorf("NewChannel(0) succeeded")
	}
}
