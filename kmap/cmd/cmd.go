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

// Package cmd holds implementations of the kmap commands.
package cmd

import (
	"fmt"
	"os"

	"gvisor.dev/kmap/kmap/config"
	"gvisor.dev/kmap/pkg/log"
	"gvisor.dev/kmap/pkg/paging"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "kmap: %s\n", msg)
	os.Exit(128)
}

// build runs the whole paging sequence for conf.
func build(conf *config.Config) (*paging.Paging, error) {
	pc, err := conf.Paging()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return paging.Init(pc)
}

// mustBuild is build, exiting on failure.
func mustBuild(conf *config.Config) *paging.Paging {
	p, err := build(conf)
	if err != nil {
		Fatalf("building memory map: %v", err)
	}
	return p
}
