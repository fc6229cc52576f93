// Copyright 2026 The KMX Authors.
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
	"fmt"

	"github.com/BurntSushi/toml"
	"kmx.dev/kmx/kmxd/flag"
)

// fileConfig mirrors the Config fields that may be set from a TOML file.
// Pointers distinguish keys absent from the file from keys set to a zero
// value.
type fileConfig struct {
	Log             *string `toml:"log"`
	LogFormat       *string `toml:"log-format"`
	DebugLog        *string `toml:"debug-log"`
	Debug           *bool   `toml:"debug"`
	AlsoLogToStderr *bool   `toml:"alsologtostderr"`
	MutexTableBytes *int64  `toml:"mutex-table-bytes"`
}

// applyFile loads c.ConfigFile over c. The file only replaces defaults: flags
// set explicitly on the command line keep their values.
func (c *Config) applyFile(flagSet *flag.FlagSet) error {
	var file fileConfig
	md, err := toml.DecodeFile(c.ConfigFile, &file)
	if err != nil {
		return fmt.Errorf("decoding config file %q: %w", c.ConfigFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config file %q: %v", c.ConfigFile, undecoded)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if file.Log != nil && !set["log"] {
		c.LogFilename = *file.Log
	}
	if file.LogFormat != nil && !set["log-format"] {
		c.LogFormat = *file.LogFormat
	}
	if file.DebugLog != nil && !set["debug-log"] {
		c.DebugLog = *file.DebugLog
	}
	if file.Debug != nil && !set["debug"] {
		c.Debug = *file.Debug
	}
	if file.AlsoLogToStderr != nil && !set["alsologtostderr"] {
		c.AlsoLogToStderr = *file.AlsoLogToStderr
	}
	if file.MutexTableBytes != nil && !set["mutex-table-bytes"] {
		c.MutexTableBytes = *file.MutexTableBytes
	}
	return nil
}
