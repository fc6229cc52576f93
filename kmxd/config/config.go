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

// Package config provides configuration for kmxd as a whole. Command specific
// options belong in each command's own flags.
package config

import (
	"fmt"
	"reflect"

	"kmx.dev/kmx/pkg/log"
)

// Config holds kmxd configuration. It is populated from command line flags,
// optionally overlaid with values from a TOML file.
//
// Fields are tagged with the name of the flag that populates them. The
// reflection helpers in flags.go rely on the tags, so every tagged field must
// have a registered flag of the same name and a compatible type.
type Config struct {
	// LogFilename is the filename to log to, if set.
	LogFilename string `flag:"log"`

	// LogFormat is the log message format.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty. The
	// path may be a pattern, see util.LogOpts.
	DebugLog string `flag:"debug-log"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to dump log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ConfigFile is the path of a TOML file providing defaults for the other
	// fields. Flags set explicitly on the command line keep their values.
	ConfigFile string `flag:"config"`

	// MutexTableBytes is the approximate memory budget for the mutex table.
	// It determines the slot count, and with it the number of mutexes that
	// can exist at once.
	MutexTableBytes int64 `flag:"mutex-table-bytes"`
}

func (c *Config) validate() error {
	if c.MutexTableBytes <= 0 {
		return fmt.Errorf("invalid flag --mutex-table-bytes=%d: must be positive", c.MutexTableBytes)
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid flag --log-format=%q: must be 'text', 'json' or 'json-k8s'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the debug log.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("Config.%s (--%s): %v", f.Name, name, obj.Field(i).Interface())
		} else {
			log.Infof("Config.%s: %v", f.Name, obj.Field(i).Interface())
		}
	}
}
