// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle_test

import (
	"errors"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"testing"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/forgehost/pluginhost/internal/isolatedomain"
	"github.com/forgehost/pluginhost/pkg/pluginapi"
)

// fakeFeature is a minimal in-process pluginapi.Feature for driving the
// lifecycle manager without a real child process.
type fakeFeature struct {
	name     string
	mu       sync.Mutex
	started  bool
	disposed bool
}

func (f *fakeFeature) Name() string { return f.name }

func (f *fakeFeature) Version() string { return "0.1.0-test" }

func (f *fakeFeature) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeFeature) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
	return nil
}

func (f *fakeFeature) wasDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// fakeEndpoint is a minimal in-process pluginapi.EndpointModule.
type fakeEndpoint struct {
	name     string
	routes   []pluginapi.RouteDescriptor
	reply    func(route pluginapi.RouteDescriptor, params map[string]string) ([]byte, error)
	mu       sync.Mutex
	disposed bool
}

func (e *fakeEndpoint) Name() string { return e.name }

func (e *fakeEndpoint) Version() string { return "0.1.0-test" }

func (e *fakeEndpoint) Routes() ([]pluginapi.RouteDescriptor, error) { return e.routes, nil }

func (e *fakeEndpoint) Invoke(route pluginapi.RouteDescriptor, params map[string]string, _ []byte) ([]byte, error) {
	return e.reply(route, params)
}

func (e *fakeEndpoint) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
	return nil
}

func (e *fakeEndpoint) wasDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// badKindServer answers the Kind/Name RPC calls every dispensed client
// makes, but with a kind neither Feature nor EndpointModule recognizes —
// simulating an artifact with no implementing type (scenario 4).
type badKindServer struct{}

func (badKindServer) Kind(_ pluginapi.Empty, resp *string) error {
	*resp = "unknown"
	return nil
}

func (badKindServer) Name(_ pluginapi.Empty, resp *string) error {
	*resp = "bad"
	return nil
}

// inProcessClient wires a capability RPC server (for a pluginapi.Feature, a
// pluginapi.EndpointModule, or badKindServer for the "bad plugin" case)
// to a net/rpc client over a loopback socket, and implements
// isolatedomain.PluginClient so Manager never has to exec anything.
type inProcessClient struct {
	listener net.Listener
	killed   bool

	once     sync.Once
	protocol goplugin.ClientProtocol
	dialErr  error
}

func newFeatureClient(impl pluginapi.Feature) *inProcessClient {
	c := &inProcessClient{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	c.listener = ln
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		server := rpc.NewServer()
		plug := &pluginapi.FeaturePlugin{Impl: impl}
		svc, _ := plug.Server(nil)
		_ = server.RegisterName("Plugin", svc)
		server.ServeConn(conn)
	}()
	return c
}

func newBadKindClient() *inProcessClient {
	c := &inProcessClient{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	c.listener = ln
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		server := rpc.NewServer()
		_ = server.RegisterName("Plugin", badKindServer{})
		server.ServeConn(conn)
	}()
	return c
}

func newEndpointClient(impl pluginapi.EndpointModule) *inProcessClient {
	c := &inProcessClient{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	c.listener = ln
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		server := rpc.NewServer()
		plug := &pluginapi.EndpointPlugin{Impl: impl}
		svc, _ := plug.Server(nil)
		_ = server.RegisterName("Plugin", svc)
		server.ServeConn(conn)
	}()
	return c
}

// Client mirrors go-plugin's real ClientProtocol contract, which caches and
// reuses a single connection across repeated calls: isolatedomain.Load calls
// Client() once to probe reachability and again to obtain the connection it
// actually uses, so a fake that dialed anew each time would open a second
// connection the single-Accept server above never serves.
func (c *inProcessClient) Client() (goplugin.ClientProtocol, error) {
	c.once.Do(func() {
		conn, err := net.Dial("tcp", c.listener.Addr().String())
		if err != nil {
			c.dialErr = err
			return
		}
		c.protocol = &fakeClientProtocol{rpcClient: rpc.NewClient(conn)}
	})
	return c.protocol, c.dialErr
}

func (c *inProcessClient) Kill() {
	c.killed = true
	_ = c.listener.Close()
}

type fakeClientProtocol struct {
	goplugin.ClientProtocol
	rpcClient *rpc.Client
}

func (f *fakeClientProtocol) Dispense(string) (interface{}, error) {
	return newDispensedProxy(f.rpcClient), nil
}

func (f *fakeClientProtocol) Ping() error  { return nil }
func (f *fakeClientProtocol) Close() error { return f.rpcClient.Close() }

// dispensedProxy satisfies whichever adapter pluginapi.Open asks for by
// delegating straight to the rpc client: pluginapi.Open type-switches the
// dispensed value against FeaturePlugin/EndpointPlugin's own
// (*rpc.Client).Dispense result, so reuse those exactly.
func newDispensedProxy(client *rpc.Client) interface{} {
	featurePlug := &pluginapi.FeaturePlugin{}
	v, _ := featurePlug.Client(nil, client)
	return v
}

// failingClient always fails to connect; pathKeyedFactory hands it out for
// any artifact name that has no registered fake.
type failingClient struct{}

func (failingClient) Client() (goplugin.ClientProtocol, error) {
	return nil, errors.New("connection refused")
}
func (failingClient) Kill() {}

// pathKeyedFactory dispatches isolatedomain.ClientFactory.NewClient based on
// the artifact's base file name, so a test can register a different fake
// client per plugin artifact written into a temp directory.
type pathKeyedFactory struct {
	mu      sync.Mutex
	clients map[string]func() isolatedomain.PluginClient
}

func newPathKeyedFactory() *pathKeyedFactory {
	return &pathKeyedFactory{clients: make(map[string]func() isolatedomain.PluginClient)}
}

func (f *pathKeyedFactory) register(baseName string, maker func() isolatedomain.PluginClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[baseName] = maker
}

func (f *pathKeyedFactory) NewClient(path string) isolatedomain.PluginClient {
	f.mu.Lock()
	maker, ok := f.clients[filepath.Base(path)]
	f.mu.Unlock()
	if !ok {
		return failingClient{}
	}
	return maker()
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("fake-binary"), 0o755); err != nil {
		t.Fatalf("write artifact %s: %v", path, err)
	}
	return path
}
