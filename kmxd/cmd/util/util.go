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

// Package util groups common helpers used by kmxd commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"kmx.dev/kmx/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by whoever drives the binary and show up to users.
var ErrorLogger io.Writer

// Infof logs to stdout and the debug log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs an error to the debug log, the error logger and stderr, and
// returns ExitFailure for the caller to return from Execute.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	logError(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way Errorf does, then exits the process.
func Fatalf(format string, args ...any) {
	logError(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

func logError(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
}
