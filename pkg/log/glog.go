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
	"runtime"
	"strconv"
	"strings"
	"time"
)

// defaultTag fills the thread column when GoogleEmitter.Tag is empty. There is
// a single boot CPU, so a process or thread ID carries no information.
const defaultTag = "cpu0"

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu tag file:line] msg
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter

	// Tag replaces the thread ID column.
	Tag string
}

// levelChar returns the glog severity letter.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// caller returns "file:line" for the frame depth+1 above the caller.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// header formats the glog prefix into dst.
func (g GoogleEmitter) header(dst []byte, depth int, level Level, timestamp time.Time) []byte {
	tag := g.Tag
	if tag == "" {
		tag = defaultTag
	}
	dst = append(dst, levelChar(level))
	dst = timestamp.AppendFormat(dst, "0102 15:04:05.000000")
	dst = append(dst, ' ')
	// glog pads the thread column to 7.
	dst = fmt.Appendf(dst, "%7s ", tag)
	dst = append(dst, caller(depth+1)...)
	return append(dst, "] "...)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := g.header(local[:0], depth+1, level, timestamp)
	// The format string is passed through, so args are expanded only once
	// by the underlying emitter.
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
