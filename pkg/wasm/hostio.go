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

package wasm

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/cleanup"
	"gvisor.dev/keep/pkg/hostarch"
	"gvisor.dev/keep/pkg/ledger"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/proxy"
	"gvisor.dev/keep/pkg/usermem"
	"gvisor.dev/keep/pkg/workload"
)

// ScratchOwner is the ledger owner of the runtime's own I/O buffer.
const ScratchOwner = "scratch"

// listenBacklog is the backlog of listening sockets.
const listenBacklog = 128

// hostIO performs I/O for the runtime itself, such as the guest's WASI
// stdio, through a proxy session of its own. Its trusted memory is a scratch
// buffer the size of a Block's data area, so every request fits.
type hostIO struct {
	session *proxy.Session

	// mu serializes use of scratch and client.
	mu      sync.Mutex
	scratch *usermem.BytesIO
	client  *proxy.Client
}

func newHostIO(cfg Config) (*hostIO, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = block.DefaultCapacity
	}
	scratch := &usermem.BytesIO{Bytes: make([]byte, capacity)}
	l := ledger.New()
	if err := l.Insert(hostarch.AddrRange{Start: 0, End: hostarch.Addr(capacity)}, hostarch.ReadWrite, ScratchOwner); err != nil {
		return nil, err
	}
	session, err := proxy.NewSession(proxy.SessionOpts{
		Table:    cfg.Table,
		Ledger:   l,
		Memory:   scratch,
		Capacity: capacity,
		Identity: cfg.Identity,
	})
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(session.Close)
	defer cu.Clean()
	gate, err := cfg.Dial(session.WindowSize())
	if err != nil {
		return nil, fmt.Errorf("dialing host I/O channel: %w", err)
	}
	client, err := session.NewClient(gate)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &hostIO{session: session, scratch: scratch, client: client}, nil
}

func (h *hostIO) close() {
	h.client.Close()
	h.session.Close()
}

// write writes p to host file descriptor fd, in chunks that fit the scratch
// buffer.
func (h *hostIO) write(fd int32, p []byte) (int, error) {
	var done int
	for done < len(p) {
		n, err := h.writeChunk(fd, p[done:])
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, io.ErrShortWrite
		}
		done += n
	}
	return done, nil
}

func (h *hostIO) writeChunk(fd int32, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := copy(h.scratch.Bytes, p)
	r, err := h.client.Call(unix.SYS_WRITE, proxy.Args{uint64(fd), 0, uint64(n)})
	return int(r), err
}

// read reads from host file descriptor fd into p. It returns io.EOF at the
// end of the file.
func (h *hostIO) read(fd int32, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := min(len(p), len(h.scratch.Bytes))
	r, err := h.client.Call(unix.SYS_READ, proxy.Args{uint64(fd), 0, uint64(n)})
	if err != nil {
		return 0, err
	}
	if r == 0 {
		return 0, io.EOF
	}
	return copy(p, h.scratch.Bytes[:r]), nil
}

// sockaddr encodes ap as a struct sockaddr_in or sockaddr_in6 at the start
// of the scratch buffer, and returns its length.
//
// Preconditions: h.mu must be locked.
func (h *hostIO) sockaddr(ap netip.AddrPort) uint64 {
	b := h.scratch.Bytes
	clear(b[:unix.SizeofSockaddrInet6])
	binary.BigEndian.PutUint16(b[2:], ap.Port())
	if ap.Addr().Is4() {
		binary.NativeEndian.PutUint16(b, unix.AF_INET)
		a := ap.Addr().As4()
		copy(b[4:], a[:])
		return unix.SizeofSockaddrInet4
	}
	binary.NativeEndian.PutUint16(b, unix.AF_INET6)
	a := ap.Addr().As16()
	copy(b[8:], a[:])
	return unix.SizeofSockaddrInet6
}

// socket opens the socket described by f, which is a listen or connect
// file, and returns its host file descriptor.
func (h *hostIO) socket(f *workload.File) (int32, error) {
	ap, err := f.AddrPort()
	if err != nil {
		return -1, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	family := unix.AF_INET
	if !ap.Addr().Is4() {
		family = unix.AF_INET6
	}
	r, err := h.client.Call(unix.SYS_SOCKET, proxy.Args{uint64(family), unix.SOCK_STREAM | unix.SOCK_CLOEXEC})
	if err != nil {
		return -1, fmt.Errorf("file %q: socket: %w", f.Name, err)
	}
	fd := int32(r)
	cu := cleanup.Make(func() { h.client.Call(unix.SYS_CLOSE, proxy.Args{uint64(fd)}) })
	defer cu.Clean()

	switch f.Kind {
	case workload.FileListen:
		binary.NativeEndian.PutUint32(h.scratch.Bytes, 1)
		if _, err := h.client.Call(unix.SYS_SETSOCKOPT, proxy.Args{uint64(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 0, 4}); err != nil {
			return -1, fmt.Errorf("file %q: setsockopt: %w", f.Name, err)
		}
		n := h.sockaddr(ap)
		if _, err := h.client.Call(unix.SYS_BIND, proxy.Args{uint64(fd), 0, n}); err != nil {
			return -1, fmt.Errorf("file %q: bind %v: %w", f.Name, ap, err)
		}
		if _, err := h.client.Call(unix.SYS_LISTEN, proxy.Args{uint64(fd), listenBacklog}); err != nil {
			return -1, fmt.Errorf("file %q: listen: %w", f.Name, err)
		}
	case workload.FileConnect:
		n := h.sockaddr(ap)
		if _, err := h.client.Call(unix.SYS_CONNECT, proxy.Args{uint64(fd), 0, n}); err != nil {
			return -1, fmt.Errorf("file %q: connect %v: %w", f.Name, ap, err)
		}
	}
	cu.Release()
	return fd, nil
}

// hostFile is an io.ReadWriter over a host file descriptor.
type hostFile struct {
	h  *hostIO
	fd int32
}

// Read implements io.Reader.Read.
func (f hostFile) Read(p []byte) (int, error) { return f.h.read(f.fd, p) }

// Write implements io.Writer.Write.
func (f hostFile) Write(p []byte) (int, error) { return f.h.write(f.fd, p) }

// guestFiles are the files opened for one run of a guest.
type guestFiles struct {
	h     *hostIO
	files []workload.File

	// hostFDs holds the host file descriptor of each file, or -1 for null
	// files.
	hostFDs []int32
}

// openFiles opens files. The standard streams map to the host's; sockets
// are created through the proxy.
func (h *hostIO) openFiles(files []workload.File) (*guestFiles, error) {
	g := &guestFiles{h: h, files: files}
	cu := cleanup.Make(g.close)
	defer cu.Clean()
	for i := range files {
		f := &files[i]
		fd := int32(-1)
		switch f.Kind {
		case workload.FileStdin:
			fd = int32(unix.Stdin)
		case workload.FileStdout:
			fd = int32(unix.Stdout)
		case workload.FileStderr:
			fd = int32(unix.Stderr)
		case workload.FileListen, workload.FileConnect:
			var err error
			if fd, err = h.socket(f); err != nil {
				return nil, err
			}
			log.Infof("wasm: file %d (%s) is %s socket %d", i, f.Name, f.Kind, fd)
		}
		g.hostFDs = append(g.hostFDs, fd)
	}
	cu.Release()
	return g, nil
}

// configure routes the guest's WASI stdio to the first three files and
// describes all files in the environment.
func (g *guestFiles) configure(mc wazero.ModuleConfig) wazero.ModuleConfig {
	for i, fd := range g.hostFDs {
		if fd < 0 {
			continue
		}
		switch i {
		case 0:
			mc = mc.WithStdin(hostFile{g.h, fd})
		case 1:
			mc = mc.WithStdout(hostFile{g.h, fd})
		case 2:
			mc = mc.WithStderr(hostFile{g.h, fd})
		}
	}
	for name, value := range g.environ() {
		mc = mc.WithEnv(name, value)
	}
	return mc
}

// environ returns the variables describing the files: their count, their
// names, and their host file descriptors, which the guest passes to
// keep.syscall.
func (g *guestFiles) environ() map[string]string {
	names := make([]string, len(g.files))
	fds := make([]string, len(g.hostFDs))
	for i := range g.files {
		names[i] = g.files[i].Name
		fds[i] = strconv.Itoa(int(g.hostFDs[i]))
	}
	return map[string]string{
		workload.EnvFDCount: strconv.Itoa(len(g.files)),
		workload.EnvFDNames: strings.Join(names, ":"),
		workload.EnvFDHost:  strings.Join(fds, ":"),
	}
}

// close closes the sockets opened for the guest.
func (g *guestFiles) close() {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	for i, fd := range g.hostFDs {
		switch g.files[i].Kind {
		case workload.FileListen, workload.FileConnect:
			if _, err := g.h.client.Call(unix.SYS_CLOSE, proxy.Args{uint64(fd)}); err != nil {
				log.Warningf("wasm: closing file %q: %v", g.files[i].Name, err)
			}
		}
	}
}
