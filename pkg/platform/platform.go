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

// Package platform provides a Platform abstraction over the mechanisms that
// move control between the trusted and untrusted sides of a TEE.
//
// See Platform for more information.
package platform

import (
	"errors"
	"fmt"
	"sort"
)

// Platform creates channels across one kind of isolation boundary.
type Platform interface {
	// Name returns the name the platform is registered under.
	Name() string

	// NewChannel returns the two ends of a new channel whose shared window
	// is at least size bytes long. The window is initially zero.
	NewChannel(size int) (Gate, Port, error)
}

// Gate is the trusted end of a channel.
//
// A Gate is used by one execution context at a time; callers serialize
// concurrent use themselves.
type Gate interface {
	// Window returns the trusted side's view of the shared window.
	Window() []byte

	// Cross transfers control to the untrusted side and blocks until it
	// calls Port.Reply. Cross may return ErrInterrupted if the crossing
	// was aborted before control was transferred, in which case it may be
	// retried. It returns ErrShutdown once either end has been closed.
	Cross() error

	// Close shuts the channel down. Concurrent and future calls to Cross
	// and Port.Wait return ErrShutdown.
	Close() error
}

// Port is the untrusted end of a channel.
type Port interface {
	// Window returns the untrusted side's view of the shared window.
	Window() []byte

	// Wait blocks until the trusted side calls Gate.Cross.
	Wait() error

	// Reply returns control to the trusted side.
	Reply() error

	// Close shuts the channel down, as Gate.Close.
	Close() error
}

var (
	// ErrShutdown is returned by channel operations after either end has
	// been closed.
	ErrShutdown = errors.New("channel shut down")

	// ErrInterrupted is returned by Gate.Cross when the boundary
	// mechanism aborted the crossing before the untrusted side observed
	// it, e.g. because of an asynchronous enclave exit.
	ErrInterrupted = errors.New("boundary crossing interrupted")
)

// Constructor creates a Platform.
type Constructor func() (Platform, error)

// platforms contains all available platform types.
var platforms = map[string]Constructor{}

// Register registers a new platform type.
func Register(name string, c Constructor) {
	if _, ok := platforms[name]; ok {
		panic(fmt.Sprintf("platform %q registered twice", name))
	}
	platforms[name] = c
}

// List lists available platforms.
func List() []string {
	available := make([]string, 0, len(platforms))
	for name := range platforms {
		available = append(available, name)
	}
	sort.Strings(available)
	return available
}

// Lookup looks up the platform constructor by name.
func Lookup(name string) (Constructor, error) {
	p, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %v", name)
	}
	return p, nil
}

// New creates the platform registered under name.
func New(name string) (Platform, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return c()
}
