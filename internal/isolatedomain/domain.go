// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package isolatedomain wraps a single plugin artifact as an OS child
// process loaded through HashiCorp's go-plugin. It is the unloadable-module
// boundary: Load spawns the process and drives the capability handshake,
// Unload kills it and runs a best-effort finalizer sweep on the host side.
package isolatedomain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/forgehost/pluginhost/pkg/pluginapi"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrCorruptModule is returned when the artifact cannot be exec'd at all
	// (missing, not executable, still being written).
	ErrCorruptModule = errors.New("isolatedomain: plugin artifact could not be started")
	// ErrTypeLoad is returned when the handshake succeeds but the dispensed
	// value does not satisfy the capability client contract.
	ErrTypeLoad = errors.New("isolatedomain: plugin did not present a valid capability")
	// ErrAlreadyDisposed is returned by any call made after Unload.
	ErrAlreadyDisposed = errors.New("isolatedomain: domain already unloaded")
)

// loadAttempts/loadBackoff bound the exec retry loop; waitUntilStable
// tolerates a build tool still flushing the artifact to disk.
const (
	loadAttempts      = 5
	loadBackoff       = 100 * time.Millisecond
	stabilityInterval = 75 * time.Millisecond
	stabilityBudget   = 5 * time.Second
)

// PluginClient wraps go-plugin's client for testability, mirroring the
// teacher's goplugin.Host split between PluginClient and ClientFactory.
type PluginClient interface {
	Client() (goplugin.ClientProtocol, error)
	Kill()
}

// ClientFactory creates PluginClients. Swapped for a fake in tests so the
// lifecycle suite never has to exec a real compiled binary.
type ClientFactory interface {
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory builds real go-plugin subprocess clients.
type DefaultClientFactory struct{}

// NewClient launches execPath as a go-plugin child process over net/rpc.
func (DefaultClientFactory) NewClient(execPath string) PluginClient {
	return goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  pluginapi.Handshake,
		Plugins:          pluginapi.PluginMap(),
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath resolved from the watched plugins directory, not user input
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})
}

// Domain is one loaded plugin artifact: a child process plus whichever
// capability it declared over the Kind RPC.
type Domain struct {
	artifactPath string
	client       PluginClient
	kind         pluginapi.Kind
	feature      pluginapi.Feature
	endpoint     pluginapi.EndpointModule
	disposed     bool
}

// ArtifactPath returns the canonical path this domain was loaded from.
func (d *Domain) ArtifactPath() string { return d.artifactPath }

// Kind reports which capability the plugin process declared.
func (d *Domain) Kind() pluginapi.Kind { return d.kind }

// Feature returns the loaded Feature, or nil if this domain's plugin
// declared EndpointModule instead.
func (d *Domain) Feature() pluginapi.Feature { return d.feature }

// Endpoint returns the loaded EndpointModule, or nil if this domain's
// plugin declared Feature instead.
func (d *Domain) Endpoint() pluginapi.EndpointModule { return d.endpoint }

// Load waits for the artifact to stop changing size, then spawns it as a
// go-plugin child process and dispenses its single capability.
func Load(ctx context.Context, factory ClientFactory, artifactPath string) (*Domain, error) {
	if err := waitUntilStable(ctx, artifactPath); err != nil {
		return nil, oops.With("artifact", artifactPath).Wrap(err)
	}

	var client PluginClient
	// WithMaxRetries counts retries after the first attempt.
	backoff := retry.WithMaxRetries(loadAttempts-1, retry.NewConstant(loadBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c := factory.NewClient(artifactPath)
		if _, statErr := c.Client(); statErr != nil {
			c.Kill()
			return retry.RetryableError(fmt.Errorf("%w: %w", ErrCorruptModule, statErr))
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, oops.With("artifact", artifactPath).Wrap(err)
	}

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, oops.With("artifact", artifactPath).Wrapf(ErrCorruptModule, "dial: %v", err)
	}

	dispensed, err := rpcClient.Dispense(pluginapi.ServiceName)
	if err != nil {
		client.Kill()
		return nil, oops.With("artifact", artifactPath).Wrapf(ErrCorruptModule, "dispense: %v", err)
	}

	kind, feature, endpoint, err := pluginapi.Open(dispensed)
	if err != nil {
		client.Kill()
		return nil, oops.With("artifact", artifactPath).Wrap(fmt.Errorf("%w: %w", ErrTypeLoad, err))
	}

	return &Domain{
		artifactPath: artifactPath,
		client:       client,
		kind:         kind,
		feature:      feature,
		endpoint:     endpoint,
	}, nil
}

// Unload disposes the plugin-side instance, kills the child process, and
// runs a two-pass collection cycle to flush host-side finalizers pinned on
// the now-closed pipes (exec.Cmd wait goroutines, stdio buffers). Unload is
// only ever called after Load succeeded; a failed Load already killed its
// own client and never produced a Domain.
func (d *Domain) Unload() error {
	if d.disposed {
		return ErrAlreadyDisposed
	}
	d.disposed = true

	var disposeErr error
	if d.feature != nil {
		disposeErr = d.feature.Dispose()
	} else if d.endpoint != nil {
		disposeErr = d.endpoint.Dispose()
	}

	d.client.Kill()

	runtime.GC()
	time.Sleep(10 * time.Millisecond)
	runtime.GC()

	if disposeErr != nil {
		return oops.With("artifact", d.artifactPath).Wrapf(disposeErr, "plugin dispose")
	}
	return nil
}

// waitUntilStable polls the artifact's size until it stops changing across
// two consecutive stat calls, covering a build tool that is still flushing
// the binary to disk when the watcher's create event fires.
func waitUntilStable(ctx context.Context, path string) error {
	deadline := time.Now().Add(stabilityBudget)
	var lastSize int64 = -1

	for {
		info, err := os.Stat(path)
		if err != nil {
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: %w", ErrCorruptModule, err)
			}
			if err := sleepOrDone(ctx, stabilityInterval); err != nil {
				return err
			}
			continue
		}

		if info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: artifact size never stabilized", ErrCorruptModule)
		}
		if err := sleepOrDone(ctx, stabilityInterval); err != nil {
			return err
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
