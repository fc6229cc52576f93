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

// Package cmd holds implementations of the kmxd commands.
package cmd

import (
	"kmx.dev/kmx/kmxd/cmd/util"
	"kmx.dev/kmx/kmxd/config"
	"kmx.dev/kmx/pkg/kernel"
)

// bootKernel boots a kernel sized from the configuration.
func bootKernel(conf *config.Config) *kernel.Kernel {
	k, err := kernel.Boot(kernel.Config{MemoryHint: conf.MutexTableBytes})
	if err != nil {
		util.Fatalf("booting kernel: %v", err)
	}
	return k
}
