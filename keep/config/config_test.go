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

package config

import (
	"flag"
	"testing"

	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/platform/platforms"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if c.Platform != platforms.Enclave {
		t.Errorf("Platform=%v, want: %v", c.Platform, platforms.Enclave)
	}
	if c.BlockSize != 0 || c.Debug {
		t.Errorf("unexpected defaults: %+v", c)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"-debug", "-platform=cvm", "-block-size=8192", "-log-format=json"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := platforms.CVM; c.Platform != want {
		t.Errorf("Platform=%v, want: %v", c.Platform, want)
	}
	if want := uint64(8192); c.BlockSize != want {
		t.Errorf("BlockSize=%v, want: %v", c.BlockSize, want)
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
}

func TestValidation(t *testing.T) {
	for _, args := range [][]string{
		{"-platform=ptrace"},
		{"-log-format=xml"},
		{"-debug-log-format=xml"},
		{"-block-size=1"},
	} {
		testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
		RegisterFlags(testFlags)
		if err := testFlags.Parse(args); err != nil {
			t.Fatalf("Parse(%v): %v", args, err)
		}
		if _, err := NewFromFlags(testFlags); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("block-size", "4096")
	if _, err := NewFromFlags(testFlags); err != nil && block.MinCapacity <= 4096 {
		t.Errorf("NewFromFlags with the minimum block size: %v", err)
	}
}
