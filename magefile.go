// Copyright 2023 LiveKit, Inc.
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

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"

	"github.com/livekit/mageutil"
)

const (
	binary     = "bin/svc-sim"
	reportsDir = "bin/reports"
)

var Default = Build

// builds the simulator
func Build() error {
	fmt.Println("building", binary)
	if err := os.MkdirAll(filepath.Dir(binary), 0755); err != nil {
		return err
	}
	return mageutil.RunDir(context.Background(), "cmd/svc-sim", "go build -o ../../"+binary)
}

// run unit tests
func Test() error {
	return mageutil.Run(context.Background(), "go test -short ./... -count=1")
}

// run tests with the race detector
func TestRace() error {
	return mageutil.Run(context.Background(), "go test -race ./... -count=1 -timeout=4m")
}

// runs config-sample.yaml and writes its frame report to bin/reports
func Sample() error {
	mg.Deps(Build)
	return simulate("sample.txt", "--config config-sample.yaml")
}

// compares every scalability mode and writes the summary to bin/reports
func Compare() error {
	mg.Deps(Build)
	return simulate("compare.txt", "compare")
}

func simulate(report, args string) error {
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(reportsDir, report)
	fmt.Println("writing", path)
	return mageutil.Run(context.Background(), fmt.Sprintf("%s --report_file %s %s", binary, path, args))
}

// cleans up builds and reports
func Clean() {
	fmt.Println("cleaning...")
	os.RemoveAll("bin")
}
