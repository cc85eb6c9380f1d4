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

// Package cvm implements a platform for confidential VMs, in which the
// trusted and untrusted sides share a window of memory backed by a sealed
// memfd and hand control back and forth through a futex in the window's
// header.
//
// Each end maps the window separately, as a guest and its host would map a
// shared (unencrypted) region at unrelated addresses.
package cvm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/cleanup"
	"gvisor.dev/keep/pkg/platform"
)

// Name is the registered name of this platform.
const Name = "cvm"

func init() {
	platform.Register(Name, func() (platform.Platform, error) {
		return &CVM{}, nil
	})
}

// ctrlHeaderBytes is the size of the control header that precedes the part
// of the window handed to callers. It holds the connection state word.
const ctrlHeaderBytes = 64

var pageSize = os.Getpagesize()

func roundUpToPage(x int) int {
	return (x + pageSize - 1) &^ (pageSize - 1)
}

// CVM implements platform.Platform.
type CVM struct{}

// Name implements platform.Platform.Name.
func (*CVM) Name() string { return Name }

// NewChannel implements platform.Platform.NewChannel.
func (*CVM) NewChannel(size int) (platform.Gate, platform.Port, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("invalid window size %d", size)
	}
	length := roundUpToPage(ctrlHeaderBytes + size)
	fd, err := newWindowFile(length)
	if err != nil {
		return nil, nil, err
	}
	// The mappings keep the file alive.
	defer unix.Close(fd)

	gm, err := mapWindow(fd, length)
	if err != nil {
		return nil, nil, err
	}
	cu := cleanup.Make(func() { unix.Munmap(gm) })
	defer cu.Clean()
	pm, err := mapWindow(fd, length)
	if err != nil {
		return nil, nil, err
	}
	cu.Release()

	g := &gate{endpoint: newEndpoint(gm, size, csClientActive, csServerActive)}
	p := &port{endpoint: newEndpoint(pm, size, csServerActive, csClientActive)}
	return g, p, nil
}

// newWindowFile returns a memfd of the given length that neither side can
// shrink.
func newWindowFile(length int) (int, error) {
	fd, err := unix.MemfdCreate("keep_block_window", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("failed to create memfd: %w", err)
	}
	// Apply F_SEAL_SHRINK to prevent either party from causing SIGBUS in the
	// other by truncating the file, and F_SEAL_SEAL to prevent either party
	// from applying F_SEAL_GROW or F_SEAL_WRITE.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to apply memfd seals: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(length)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to extend memfd to %d bytes: %w", length, err)
	}
	return fd, nil
}

func mapWindow(fd, length int) ([]byte, error) {
	m, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap window: %w", err)
	}
	return m, nil
}

type gate struct {
	*endpoint
}

// Cross implements platform.Gate.Cross.
func (g *gate) Cross() error {
	if err := g.switchToPeer(); err != nil {
		return err
	}
	return g.switchFromPeer()
}

// Close implements platform.Gate.Close.
func (g *gate) Close() error {
	return g.destroy()
}

type port struct {
	*endpoint
}

// Wait implements platform.Port.Wait.
func (p *port) Wait() error {
	return p.switchFromPeer()
}

// Reply implements platform.Port.Reply.
func (p *port) Reply() error {
	return p.switchToPeer()
}

// Close implements platform.Port.Close.
func (p *port) Close() error {
	return p.destroy()
}
