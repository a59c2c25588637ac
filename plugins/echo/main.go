// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command echo is an example Feature plugin for the console host. Build it
// with `go build -o plugins/echo/echo ./plugins/echo` and drop the binary
// into the watched plugins directory; the console host will load it, call
// Start, and log on every tick until the artifact is removed or replaced.
package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forgehost/pluginhost/pkg/pluginapi"
	"github.com/forgehost/pluginhost/pkg/pluginsdk"
)

type echoFeature struct {
	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
}

func (e *echoFeature) Name() string { return "echo" }

func (e *echoFeature) Version() string { return "0.1.0" }

func (e *echoFeature) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ticker = time.NewTicker(5 * time.Second)
	e.stop = make(chan struct{})
	go e.run()
	return nil
}

func (e *echoFeature) run() {
	for {
		select {
		case <-e.ticker.C:
			slog.Info("echo plugin tick")
		case <-e.stop:
			return
		}
	}
}

func (e *echoFeature) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ticker != nil {
		e.ticker.Stop()
	}
	if e.stop != nil {
		close(e.stop)
	}
	return nil
}

var _ pluginapi.Feature = (*echoFeature)(nil)

func main() {
	pluginsdk.ServeFeature(&echoFeature{})
}
