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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestJSONEmit(t *testing.T) {
	var sb strings.Builder
	e := JSONEmitter{&Writer{Next: &sb}}
	stamp := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	e.Emit(0, Info, stamp, "hello %d", 42)

	var got struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}
	if err := json.Unmarshal([]byte(sb.String()), &got); err != nil {
		t.Fatalf("emitted line does not decode: %v\n%s", err, sb.String())
	}
	if !strings.Contains(got.Msg, "hello 42") {
		t.Errorf("msg: got %q, want it to contain %q", got.Msg, "hello 42")
	}
	if got.Level != "info" {
		t.Errorf("level: got %q, want %q", got.Level, "info")
	}
	if !got.Time.Equal(stamp) {
		t.Errorf("time: got %v, want %v", got.Time, stamp)
	}
}

func TestK8sJSONEmit(t *testing.T) {
	var sb strings.Builder
	e := K8sJSONEmitter{&Writer{Next: &sb}}
	e.Emit(0, Warning, time.Now(), "disk on fire")

	var got struct {
		Log   string `json:"log"`
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(sb.String()), &got); err != nil {
		t.Fatalf("emitted line does not decode: %v\n%s", err, sb.String())
	}
	if !strings.Contains(got.Log, "disk on fire") {
		t.Errorf("log: got %q, want it to contain %q", got.Log, "disk on fire")
	}
	if got.Level != "warning" {
		t.Errorf("level: got %q, want %q", got.Level, "warning")
	}
}

func TestLevelUnmarshalForms(t *testing.T) {
	// Levels decode from both names and the numeric wire form.
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{`"warning"`, Warning},
		{`"info"`, Info},
		{`"debug"`, Debug},
		{`0`, Warning},
		{`1`, Info},
		{`2`, Debug},
	} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalJSON(%s) failed: %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("UnmarshalJSON(%s): got %v, want %v", tc.in, lv, tc.want)
		}
	}
	var lv Level
	if err := lv.UnmarshalJSON([]byte(`"loud"`)); err == nil {
		t.Errorf("UnmarshalJSON of unknown level succeeded")
	}
}
