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

// Package config provides basic infrastructure to set configuration settings
// for keep. Each setting that can be changed from the command line has a flag
// registered by RegisterFlags and a matching field in Config.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/platform"
)

// Config holds configuration that is not part of a workload's Keep.toml.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Platform is the platform to run on.
	Platform string `flag:"platform"`

	// BlockSize is the data capacity of each Block in bytes. Zero selects
	// the default.
	BlockSize uint64 `flag:"block-size"`

	// MetricsFile is where metrics are written in the Prometheus text
	// format when a workload exits, if not empty.
	MetricsFile string `flag:"metrics-file"`
}

func (c *Config) validate() error {
	for _, format := range []string{c.LogFormat, c.DebugLogFormat} {
		switch format {
		case "text", "json", "json-k8s":
		default:
			return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
		}
	}
	if _, err := platform.Lookup(c.Platform); err != nil {
		return err
	}
	if c.BlockSize != 0 && c.BlockSize < block.MinCapacity {
		return fmt.Errorf("block size %d is below the minimum of %d", c.BlockSize, block.MinCapacity)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Platform: %v", c.Platform)
	log.Infof("BlockSize: %d", c.BlockSize)
	log.Infof("Debug: %t", c.Debug)
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
