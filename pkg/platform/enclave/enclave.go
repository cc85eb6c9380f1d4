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

// Package enclave implements a platform for process-based enclaves, in which
// the trusted side runs on goroutines that cannot issue syscalls and hands
// each request to an untrusted goroutine through an ocall queue.
//
// The shared window is ordinary heap memory: both sides of an enclave share
// an address space, and only the Block inside it is exchanged.
package enclave

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/platform"
)

// Name is the registered name of this platform.
const Name = "enclave"

func init() {
	platform.Register(Name, func() (platform.Platform, error) {
		return &Enclave{}, nil
	})
}

// Enclave implements platform.Platform.
type Enclave struct {
	// InterruptEvery, if non-zero, makes every InterruptEvery'th crossing
	// of each channel fail once with platform.ErrInterrupted before control
	// is handed over, as an asynchronous enclave exit would.
	InterruptEvery uint64
}

// Name implements platform.Platform.Name.
func (*Enclave) Name() string { return Name }

// NewChannel implements platform.Platform.NewChannel.
func (e *Enclave) NewChannel(size int) (platform.Gate, platform.Port, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("invalid window size %d", size)
	}
	c := &channel{
		window:         make([]byte, size),
		ocall:          make(chan struct{}),
		ret:            make(chan struct{}),
		done:           make(chan struct{}),
		interruptEvery: e.InterruptEvery,
	}
	return (*gate)(c), (*port)(c), nil
}

// channel is the state shared by a gate and its port.
type channel struct {
	window []byte

	// ocall carries a request to the untrusted side; ret carries the reply
	// back.
	ocall chan struct{}
	ret   chan struct{}

	// done is closed when the channel is shut down.
	done      chan struct{}
	closeOnce sync.Once

	interruptEvery uint64

	// crossings counts calls to gate.Cross.
	crossings atomic.Uint64
}

func (c *channel) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

type gate channel

// Window implements platform.Gate.Window.
func (g *gate) Window() []byte { return g.window }

// Cross implements platform.Gate.Cross.
func (g *gate) Cross() error {
	n := g.crossings.Add(1)
	if g.interruptEvery != 0 && n%g.interruptEvery == 0 {
		log.Debugf("enclave: injecting asynchronous exit on crossing %d", n)
		return platform.ErrInterrupted
	}
	select {
	case g.ocall <- struct{}{}:
	case <-g.done:
		return platform.ErrShutdown
	}
	select {
	case <-g.ret:
		return nil
	case <-g.done:
		return platform.ErrShutdown
	}
}

// Close implements platform.Gate.Close.
func (g *gate) Close() error {
	(*channel)(g).shutdown()
	return nil
}

type port channel

// Window implements platform.Port.Window.
func (p *port) Window() []byte { return p.window }

// Wait implements platform.Port.Wait.
func (p *port) Wait() error {
	select {
	case <-p.ocall:
		return nil
	case <-p.done:
		return platform.ErrShutdown
	}
}

// Reply implements platform.Port.Reply.
func (p *port) Reply() error {
	select {
	case p.ret <- struct{}{}:
		return nil
	case <-p.done:
		return platform.ErrShutdown
	}
}

// Close implements platform.Port.Close.
func (p *port) Close() error {
	(*channel)(p).shutdown()
	return nil
}
