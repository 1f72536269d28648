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

package log

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log messages to a logrus logger, so that the output
// follows the logrus formatter (logfmt text or JSON) of the host tooling.
//
// The logrus level still applies; leave it at DebugLevel to filter only in
// BasicLogger.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	var l logrus.Level
	switch level {
	case Warning:
		l = logrus.WarnLevel
	case Info:
		l = logrus.InfoLevel
	default:
		l = logrus.DebugLevel
	}
	e.Logger.WithTime(timestamp).Log(l, fmt.Sprintf(format, v...))
}
