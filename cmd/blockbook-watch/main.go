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
	"os/signal"
	"strings"
	"syscall"

	blockbook "github.com/blinklabs-io/goblockbook"
	"github.com/blinklabs-io/goblockbook/cmd/common"
	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"
)

type watchFlags struct {
	*common.GlobalFlags
	addresses string
}

type newBlock struct {
	Height int    `json:"height"`
	Hash   string `json:"hash"`
}

func main() {
	// Parse commandline
	f := watchFlags{
		GlobalFlags: common.NewGlobalFlags(),
	}
	f.Flagset.StringVar(
		&f.addresses,
		"addresses",
		"",
		"comma-separated addresses to watch for transactions",
	)
	f.Parse()
	logger := f.Logger()
	defer logger.Sync() //nolint:errcheck

	closed := make(chan struct{}, 1)
	s, err := blockbook.NewSocket(
		f.URI,
		blockbook.WithLogger(logger),
		blockbook.WithTimeout(f.Timeout),
		blockbook.WithQueueSize(f.QueueSize),
		blockbook.WithEventFunc(func(event blockbook.Event) error {
			if event.Type == blockbook.EventConnectionClose {
				select {
				case closed <- struct{}{}:
				default:
				}
			}
			return nil
		}),
	)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// Reconnect with exponential backoff until interrupted. Subscriptions
	// don't survive a close, so they are re-established on each connect
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		err := backoff.Retry(
			func() error {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return s.Connect(ctx)
			},
			backoff.WithContext(b, ctx),
		)
		if err != nil {
			break
		}
		b.Reset()
		logger.Info("connected", zap.String("uri", s.URI()))
		var addresses []string
		if f.addresses != "" {
			addresses = strings.Split(f.addresses, ",")
		}
		subscribe(s, logger, addresses)
		select {
		case <-ctx.Done():
			s.Disconnect()
			return
		case <-closed:
			logger.Warn("connection lost, reconnecting")
		}
	}
}

func subscribe(s *blockbook.Socket, logger *zap.Logger, addresses []string) {
	blockSub := blockbook.NewSubscription(
		"subscribeNewBlock",
		nil,
		func(data json.RawMessage) (any, error) {
			var block newBlock
			if err := json.Unmarshal(data, &block); err != nil {
				return nil, err
			}
			return block, nil
		},
		func(update any) error {
			block := update.(newBlock)
			fmt.Printf(
				"New block: height %d, hash %s\n",
				block.Height,
				block.Hash,
			)
			return nil
		},
	)
	s.Subscribe(blockSub)
	fiatSub := blockbook.NewSubscription(
		"subscribeFiatRates",
		map[string]any{"currency": "usd"},
		nil,
		func(update any) error {
			data, ok := update.(json.RawMessage)
			if !ok {
				return nil
			}
			fmt.Printf("Fiat rates: %s\n", string(data))
			return nil
		},
	)
	s.Subscribe(fiatSub)
	if len(addresses) > 0 {
		addressSub := blockbook.NewSubscription(
			"subscribeAddresses",
			map[string]any{"addresses": addresses},
			nil,
			func(update any) error {
				data, ok := update.(json.RawMessage)
				if !ok {
					return nil
				}
				fmt.Printf("Address activity: %s\n", string(data))
				return nil
			},
		)
		s.Subscribe(addressSub)
	}
	logger.Debug("subscriptions sent")
}
