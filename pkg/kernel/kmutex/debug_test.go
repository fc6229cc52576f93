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

package kmutex

import (
	"strings"
	"testing"
)

func TestList(t *testing.T) {
	r := newTestRegistry(t)
	t1 := newTestThread(10, newTestTeam(2))
	t2 := newTestThread(20, newTestTeam(3))

	mustCreate(t, r, t1, "apple", 0)
	mustCreate(t, r, t1, "apricot", 0)
	mustCreate(t, r, t2, "banana", 0)

	var sb strings.Builder
	r.List(&sb, ListFilter{})
	out := sb.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("unfiltered List returned %d lines, want 4:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "slots: ") {
		t.Errorf("List header: got %q", lines[0])
	}

	sb.Reset()
	r.List(&sb, ListFilter{Team: 2})
	if out := sb.String(); strings.Contains(out, "banana") || !strings.Contains(out, "apple") {
		t.Errorf("List filtered by team 2:\n%s", out)
	}

	sb.Reset()
	r.List(&sb, ListFilter{Name: "ap"})
	out = sb.String()
	if !strings.Contains(out, "apple") || !strings.Contains(out, "apricot") || strings.Contains(out, "banana") {
		t.Errorf("List filtered by name \"ap\":\n%s", out)
	}
}

func TestDump(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	t1 := newTestThread(10, team)
	t2 := newTestThread(11, team)

	id := mustCreate(t, r, t1, "inspected", Recursive)
	if err := r.Acquire(t1, id, 0, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ch := acquireAsync(r, t2, id, 0, 0)
	waitForWaiters(t, r, id, 1)

	var sb strings.Builder
	if err := r.Dump(&sb, id); err != nil {
		t.Fatalf("Dump(%d) failed: %v", id, err)
	}
	out := sb.String()
	for _, want := range []string{"\"inspected\"", "team 2", "thread 10", "thread 11", "recursive"} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump output missing %q:\n%s", want, out)
		}
	}

	if err := r.Dump(&sb, id+ID(r.TableSize())); err == nil {
		t.Errorf("Dump of bogus id succeeded")
	}

	if err := r.Release(t1, id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := recvErr(t, ch); err != nil {
		t.Fatalf("blocked Acquire failed: %v", err)
	}
}
