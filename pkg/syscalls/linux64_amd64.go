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

//go:build amd64
// +build amd64

package syscalls

import (
	"golang.org/x/sys/unix"
)

var archProxied = []Entry{
	{Nr: unix.SYS_NEWFSTATAT, Name: "newfstatat", Shape: shape(imm, path, out(Fixed(statSize), uint64(statSize)), imm)},
	{Nr: unix.SYS_POLL, Name: "poll", Shape: shape(inout(FromArgScaled(1, pollFdSize), maxPollFds*uint64(pollFdSize)), imm, imm)},
}

var archRejected = []Entry{
	{Nr: unix.SYS_FORK, Name: "fork"},
	{Nr: unix.SYS_VFORK, Name: "vfork"},
}
