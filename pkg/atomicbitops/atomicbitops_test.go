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

package atomicbitops

import (
	"testing"

	"kmx.dev/kmx/pkg/sync"
)

const iterations = 100

func detectRaces32(val, target int32, fn func(*Int32, int32)) bool {
	runs := make([]int32, iterations)
	for n := 0; n < iterations; n++ {
		x := FromInt32(val)
		var wg sync.WaitGroup
		for i := int32(0); i < 32; i++ {
			wg.Add(1)
			go func(x *Int32, i int32) {
				defer wg.Done()
				fn(x, i)
			}(&x, i)
		}
		wg.Wait()
		runs[n] = x.Load()
	}
	for n := 0; n < iterations; n++ {
		if runs[n] != target {
			return false
		}
	}
	return true
}

func detectRacesU64(val, target uint64, fn func(*Uint64, uint64)) bool {
	runs := make([]uint64, iterations)
	for n := 0; n < iterations; n++ {
		x := FromUint64(val)
		var wg sync.WaitGroup
		for i := uint64(0); i < 32; i++ {
			wg.Add(1)
			go func(x *Uint64, i uint64) {
				defer wg.Done()
				fn(x, i)
			}(&x, i)
		}
		wg.Wait()
		runs[n] = x.Load()
	}
	for n := 0; n < iterations; n++ {
		if runs[n] != target {
			return false
		}
	}
	return true
}

func TestAddInt32(t *testing.T) {
	if !detectRaces32(0, 32, func(x *Int32, i int32) { x.Add(1) }) {
		t.Error("concurrent increments raced")
	}
}

func TestAddUint64(t *testing.T) {
	if !detectRacesU64(0, 32, func(x *Uint64, i uint64) { x.Add(1) }) {
		t.Error("concurrent increments raced")
	}
}

func TestCompareAndSwapInt32(t *testing.T) {
	x := FromInt32(1)
	if !x.CompareAndSwap(1, 2) {
		t.Errorf("CompareAndSwap(1, 2) failed, got %d", x.Load())
	}
	if x.CompareAndSwap(1, 3) {
		t.Errorf("CompareAndSwap(1, 3) succeeded, got %d", x.Load())
	}
	if got, want := x.Load(), int32(2); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestSwapUint64(t *testing.T) {
	x := FromUint64(7)
	if got, want := x.Swap(11), uint64(7); got != want {
		t.Errorf("Swap returned %d, want %d", got, want)
	}
	if got, want := x.Load(), uint64(11); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Error("FromBool(true).Load() = false")
	}
	b.Store(false)
	if b.Load() {
		t.Error("Load() = true after Store(false)")
	}
	if b.Swap(true) {
		t.Error("Swap(true) = true, want false")
	}
	if !b.Load() {
		t.Error("Load() = false after Swap(true)")
	}
}
