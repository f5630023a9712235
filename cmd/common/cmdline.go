// Copyright 2025 Blink Labs Software
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

package common

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

type GlobalFlags struct {
	Flagset   *flag.FlagSet
	URI       string
	Timeout   time.Duration
	QueueSize int
	Debug     bool
}

func NewGlobalFlags() *GlobalFlags {
	f := &GlobalFlags{
		Flagset: flag.NewFlagSet(os.Args[0], flag.ExitOnError),
	}
	f.Flagset.StringVar(
		&f.URI,
		"uri",
		"",
		"URI of the Blockbook server to connect to",
	)
	f.Flagset.DurationVar(
		&f.Timeout,
		"timeout",
		30*time.Second,
		"per-request response timeout",
	)
	f.Flagset.IntVar(
		&f.QueueSize,
		"queue-size",
		50,
		"maximum number of in-flight requests",
	)
	f.Flagset.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	return f
}

func (f *GlobalFlags) Parse() {
	if err := f.Flagset.Parse(os.Args[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}
	if f.URI == "" {
		fmt.Printf("no server URI specified\n")
		os.Exit(1)
	}
}

// Logger builds the process logger based on the debug flag
func (f *GlobalFlags) Logger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if f.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Printf("failed to create logger: %s\n", err)
		os.Exit(1)
	}
	return logger
}
