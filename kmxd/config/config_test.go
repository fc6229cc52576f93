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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kmx.dev/kmx/kmxd/flag"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Lookup("log").Value.Set("some-path"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("debug").Value.Set("true"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("mutex-table-bytes").Value.Set("8388608"); err != nil {
		t.Errorf("Flag set: %v", err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "some-path"; c.LogFilename != want {
		t.Errorf("LogFilename=%v, want: %v", c.LogFilename, want)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := int64(8388608); c.MutexTableBytes != want {
		t.Errorf("MutexTableBytes=%v, want: %v", c.MutexTableBytes, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("log", "some-path")
	testFlags.Set("debug", "true")
	testFlags.Set("mutex-table-bytes", "8388608")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	if len(flags) != 3 {
		t.Errorf("wrong number of flags set, want: 3, got: %d: %s", len(flags), flags)
	}
	t.Logf("Flags: %s", flags)
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.SplitN(f, "=", 2)
		fm[kv[0]] = kv[1]
	}
	for name, want := range map[string]string{
		"--log":               "some-path",
		"--debug":             "true",
		"--mutex-table-bytes": "8388608",
	} {
		if got, ok := fm[name]; ok {
			if got != want {
				t.Errorf("flag %q, want: %q, got: %q", name, want, got)
			}
		} else {
			t.Errorf("flag %q not set", name)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flag  string
		value string
	}{
		{name: "zero table", flag: "mutex-table-bytes", value: "0"},
		{name: "negative table", flag: "mutex-table-bytes", value: "-1"},
		{name: "bad format", flag: "log-format", value: "yaml"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if err := testFlags.Set(tc.flag, tc.value); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags accepted --%s=%s", tc.flag, tc.value)
			}
		})
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kmxd.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, "debug = true\nmutex-table-bytes = 8388608\ndebug-log = \"/tmp/kmxd/\"\n")

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("config", path)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := int64(8388608); c.MutexTableBytes != want {
		t.Errorf("MutexTableBytes=%v, want: %v", c.MutexTableBytes, want)
	}
	if want := "/tmp/kmxd/"; c.DebugLog != want {
		t.Errorf("DebugLog=%q, want: %q", c.DebugLog, want)
	}
	// Keys absent from the file keep their defaults.
	if c.LogFormat != "text" {
		t.Errorf("LogFormat=%q, want: %q", c.LogFormat, "text")
	}
}

func TestConfigFileFlagWins(t *testing.T) {
	path := writeConfigFile(t, "mutex-table-bytes = 8388608\n")

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("config", path)
	testFlags.Set("mutex-table-bytes", "1048576")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(1048576); c.MutexTableBytes != want {
		t.Errorf("MutexTableBytes=%v, want: %v", c.MutexTableBytes, want)
	}
}

func TestConfigFileUnknownKey(t *testing.T) {
	path := writeConfigFile(t, "bogus = 1\n")

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("config", path)
	if _, err := NewFromFlags(testFlags); err == nil {
		t.Errorf("NewFromFlags accepted unknown config file key")
	} else if !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("unexpected error: %v", err)
	}
}
