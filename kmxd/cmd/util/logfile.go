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

package util

import (
	"strings"
	"time"
)

// LogOpts builds debug log paths for log.OpenFile. If the pattern ends with
// '/', it's used as a directory with a default file name. The pattern can
// contain variables that are substituted:
//   - %TIMESTAMP%: is replaced with a timestamp using the following format:
//     <yyyymmdd-hhmmss.uuuuuu>
//   - %COMMAND%: is replaced with Command
type LogOpts struct {
	// Command is the name of the subcommand being run.
	Command string
}

// Build implements log.FileOpts.Build.
func (o LogOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		// Default format: <debug-log>/kmxd.log.<yyyymmdd-hhmmss.uuuuuu>.<command>.txt
		logPattern += "kmxd.log.%TIMESTAMP%.%COMMAND%.txt"
	}
	logPattern = strings.Replace(logPattern, "%TIMESTAMP%", time.Now().Format("20060102-150405.000000"), -1)
	logPattern = strings.Replace(logPattern, "%COMMAND%", o.Command, -1)
	return logPattern
}
