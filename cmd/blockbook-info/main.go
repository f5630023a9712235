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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	blockbook "github.com/blinklabs-io/goblockbook"
	"github.com/blinklabs-io/goblockbook/cmd/common"
)

type serverInfo struct {
	Name       string `json:"name"`
	Shortcut   string `json:"shortcut"`
	Decimals   int    `json:"decimals"`
	Version    string `json:"version"`
	BestHeight int    `json:"bestHeight"`
	BestHash   string `json:"bestHash"`
	Testnet    bool   `json:"testnet"`
}

func main() {
	// Parse commandline
	f := common.NewGlobalFlags()
	f.Parse()
	logger := f.Logger()
	defer logger.Sync() //nolint:errcheck
	s, err := blockbook.NewSocket(
		f.URI,
		blockbook.WithLogger(logger),
		blockbook.WithTimeout(f.Timeout),
		blockbook.WithQueueSize(f.QueueSize),
	)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	defer s.Disconnect()

	task := blockbook.NewTask(
		"getInfo",
		nil,
		func(data json.RawMessage) (any, error) {
			var info serverInfo
			if err := json.Unmarshal(data, &info); err != nil {
				return nil, err
			}
			return info, nil
		},
	)
	s.SubmitTask(task)
	result, err := task.Deferred.Wait(ctx)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	info := result.(serverInfo)

	fmt.Print("Server info:\n\n")
	fmt.Printf("Name: %s (%s)\n", info.Name, info.Shortcut)
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Decimals: %d\n", info.Decimals)
	fmt.Printf("Testnet: %v\n", info.Testnet)
	fmt.Printf("Best height: %d\n", info.BestHeight)
	fmt.Printf("Best hash: %s\n", info.BestHash)
}
