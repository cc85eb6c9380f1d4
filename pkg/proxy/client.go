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
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/platform"
	"gvisor.dev/keep/pkg/syscalls"
)

// maxCrossingRetries bounds the number of times an interrupted crossing is
// retried before the call fails.
const maxCrossingRetries = 64

// rejectLimit limits reports of refused syscalls, per syscall. A guest
// probing the allow-list must not be able to flood the log.
var rejectLimit = log.NewKeyedRateLimiter(time.Second)

// Client is the trusted end of one proxy channel. It is the call surface
// used by one guest execution context instead of a direct syscall.
//
// A Client may be shared by several goroutines; calls are serialized so
// that at most one request is in flight on its Block.
type Client struct {
	session *Session
	gate    platform.Gate
	tid     int32

	// log carries the tid of every statement about this channel.
	log *log.FieldLogger

	// mu serializes request/reply cycles on block.
	mu     sync.Mutex
	block  *block.Block
	m      marshaler
	closed bool
}

// TID returns the thread ID reported to the guest by gettid.
func (c *Client) TID() int32 { return c.tid }

// Session returns the session c belongs to.
func (c *Client) Session() *Session { return c.session }

// Call performs syscall nr with args on behalf of the guest.
//
// Rejected syscalls fail with a KindPolicy error without side effects.
// Emulated syscalls are answered locally and never cross the boundary.
// Proxied syscalls block until the host has serviced them. Host failures
// are returned as KindHost errors carrying the native errno.
func (c *Client) Call(nr uintptr, args Args) (uintptr, error) {
	e := c.session.table.Lookup(nr)
	if err := e.Check([syscalls.NumSlots]uint64(args)); err != nil {
		callsMetric.Increment(dispositionRejected)
		countError(err)
		l := c.log.With(log.F("syscall", e.Name), log.F("disposition", syscalls.Rejected))
		rejectLimit.Logger(e.Name, l).Warningf("proxy: refused syscall %d: %v", nr, err)
		return 0, err
	}
	if e.Policy == syscalls.Emulated {
		callsMetric.Increment(dispositionEmulated)
		r, err := c.emulate(e, args)
		countError(err)
		c.trace(e, args, r, err)
		return r, err
	}
	callsMetric.Increment(dispositionProxied)
	r, err := c.proxy(e, args)
	countError(err)
	c.trace(e, args, r, err)
	return r, err
}

// proxy performs one request/reply cycle for e.
func (c *Client) proxy(e syscalls.Entry, args Args) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%s: %w", e.Name, platform.ErrShutdown)
	}

	op := latencyMetric.Start()
	req, err := c.m.marshal(e, args)
	if err != nil {
		return 0, err
	}
	bytesMetric.IncrementBy(req.copiedIn, directionIn)
	c.block.SetPhase(block.PhaseRequest)
	if err := c.cross(); err != nil {
		return 0, fmt.Errorf("%s: %w", e.Name, err)
	}
	r, copiedOut, err := c.m.unmarshal(req)
	bytesMetric.IncrementBy(copiedOut, directionOut)
	op.Finish()
	if errors.Is(err, errors.KindProtocol) {
		c.log.With(log.F("syscall", e.Name)).Warningf("proxy: %v", err)
	}
	return r, err
}

// cross transfers control to the untrusted side, retrying crossings that the
// platform aborted before they took effect. The syscall itself is never
// retried.
func (c *Client) cross() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Microsecond
	bo.MaxInterval = time.Millisecond
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.Retry(func() error {
		err := c.gate.Cross()
		if err == nil {
			return nil
		}
		if stderrors.Is(err, platform.ErrInterrupted) {
			crossingRetriesMetric.Increment()
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(bo, maxCrossingRetries))
}

// handshake exchanges hellos with the executor.
func (c *Client) handshake() error {
	b := c.block
	b.Init()
	local := newHello(c.session.capacity, c.session.table)
	if err := writeHelloRequest(b, local); err != nil {
		return err
	}
	b.SetPhase(block.PhaseRequest)
	if err := c.cross(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if p := b.Phase(); p != block.PhaseReply {
		return errors.Protocolf("handshake: reply in phase %v", p)
	}
	peer, err := readHelloReply(b)
	if err != nil {
		return err
	}
	if err := local.check(peer); err != nil {
		return err
	}
	if st := b.Status(); st != block.StatusOK {
		return errors.Protocolf("handshake refused by executor: %v", st)
	}
	b.Reset()
	return nil
}

// trace logs a completed call at Debug, with its syscall and disposition as
// fields.
func (c *Client) trace(e syscalls.Entry, args Args, r uintptr, err error) {
	if !c.log.IsLogging(log.Debug) {
		return
	}
	l := c.log.With(log.F("syscall", e.Name), log.F("disposition", e.Policy))
	if err != nil {
		l.Debugf("proxy: %s%v = %v", e.Name, args, err)
		return
	}
	l.Debugf("proxy: %s%v = %#x", e.Name, args, r)
}

// Close tears the channel down. It waits for an in-flight call to finish.
func (c *Client) Close() error {
	err := c.close()
	c.session.forget(c)
	return err
}

func (c *Client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.gate.Close()
}
