// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package isolatedomain_test

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehost/pluginhost/internal/isolatedomain"
	"github.com/forgehost/pluginhost/pkg/pluginapi"
)

// fakeFeature is an in-process pluginapi.Feature used to drive the RPC
// server/client pair without spawning a real child process.
type fakeFeature struct {
	name      string
	startErr  error
	startedCh chan struct{}
	disposed  bool
}

func (f *fakeFeature) Name() string { return f.name }

func (f *fakeFeature) Version() string { return "0.1.0-test" }

func (f *fakeFeature) Start() error {
	if f.startedCh != nil {
		close(f.startedCh)
	}
	return f.startErr
}

func (f *fakeFeature) Dispose() error {
	f.disposed = true
	return nil
}

// inProcessClient wires a pluginapi.FeaturePlugin server to a net/rpc client
// over an in-memory pipe, and implements isolatedomain.PluginClient so
// Domain.Load never has to exec anything.
type inProcessClient struct {
	impl     pluginapi.Feature
	listener net.Listener
	killed   bool

	once     sync.Once
	protocol goplugin.ClientProtocol
	dialErr  error
}

func newInProcessClient(impl pluginapi.Feature) *inProcessClient {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	c := &inProcessClient{impl: impl, listener: ln}
	go c.serveOne()
	return c
}

func (c *inProcessClient) serveOne() {
	conn, err := c.listener.Accept()
	if err != nil {
		return
	}
	server := rpc.NewServer()
	plug := &pluginapi.FeaturePlugin{Impl: c.impl}
	svc, _ := plug.Server(nil)
	_ = server.RegisterName("Plugin", svc)
	server.ServeConn(conn)
}

// Client mirrors go-plugin's real ClientProtocol contract, which caches and
// reuses a single connection across repeated calls: Domain.Load calls
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

// fakeClientProtocol implements just enough of goplugin.ClientProtocol for
// Domain.Load: Dispense returns the capability client proxy.
type fakeClientProtocol struct {
	goplugin.ClientProtocol
	rpcClient *rpc.Client
}

func (f *fakeClientProtocol) Dispense(string) (interface{}, error) {
	plug := &pluginapi.FeaturePlugin{}
	return plug.Client(nil, f.rpcClient)
}

func (f *fakeClientProtocol) Ping() error { return nil }

func (f *fakeClientProtocol) Close() error { return f.rpcClient.Close() }

type fakeFactory struct {
	client isolatedomain.PluginClient
}

func (f *fakeFactory) NewClient(string) isolatedomain.PluginClient { return f.client }

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("fake-binary"), 0o755))
}

func TestLoad_DiscoversFeatureCapability(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "greeter")
	writeExecutable(t, artifact)

	feature := &fakeFeature{name: "greeter"}
	factory := &fakeFactory{client: newInProcessClient(feature)}

	domain, err := isolatedomain.Load(context.Background(), factory, artifact)
	require.NoError(t, err)
	require.NotNil(t, domain)

	assert.Equal(t, pluginapi.KindFeature, domain.Kind())
	assert.Equal(t, "greeter", domain.Feature().Name())
	assert.Nil(t, domain.Endpoint())
	assert.Equal(t, artifact, domain.ArtifactPath())
}

func TestLoad_StartDelegatesToPluginProcess(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "greeter")
	writeExecutable(t, artifact)

	started := make(chan struct{})
	feature := &fakeFeature{name: "greeter", startedCh: started}
	factory := &fakeFactory{client: newInProcessClient(feature)}

	domain, err := isolatedomain.Load(context.Background(), factory, artifact)
	require.NoError(t, err)

	require.NoError(t, domain.Feature().Start())
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Start() did not reach the plugin process")
	}
}

func TestUnload_KillsClientAndDisposesPlugin(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "greeter")
	writeExecutable(t, artifact)

	feature := &fakeFeature{name: "greeter"}
	ipc := newInProcessClient(feature)
	factory := &fakeFactory{client: ipc}

	domain, err := isolatedomain.Load(context.Background(), factory, artifact)
	require.NoError(t, err)

	require.NoError(t, domain.Unload())
	assert.True(t, ipc.killed, "Unload() should kill the underlying client")
	assert.True(t, feature.disposed, "Unload() should dispose the plugin instance")
}

func TestUnload_SecondCallReturnsErrAlreadyDisposed(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "greeter")
	writeExecutable(t, artifact)

	feature := &fakeFeature{name: "greeter"}
	factory := &fakeFactory{client: newInProcessClient(feature)}

	domain, err := isolatedomain.Load(context.Background(), factory, artifact)
	require.NoError(t, err)

	require.NoError(t, domain.Unload())
	err = domain.Unload()
	assert.ErrorIs(t, err, isolatedomain.ErrAlreadyDisposed)
}

// failingClient always fails to connect, exercising the bounded-retry path.
type failingClient struct{ attempts *int }

func (f *failingClient) Client() (goplugin.ClientProtocol, error) {
	*f.attempts++
	return nil, errors.New("connection refused")
}

func (f *failingClient) Kill() {}

func TestLoad_RetriesThenFailsOnUnreachablePlugin(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "broken")
	writeExecutable(t, artifact)

	attempts := 0
	factory := &fakeFactory{client: &failingClient{attempts: &attempts}}

	_, err := isolatedomain.Load(context.Background(), factory, artifact)
	require.Error(t, err)
	assert.ErrorIs(t, err, isolatedomain.ErrCorruptModule)
	assert.Equal(t, 5, attempts, "Load() should retry up to the configured attempt cap")
}

func TestLoad_WaitsForArtifactSizeToStabilize(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "growing")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o755))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(artifact, []byte("xxxxxxxxxx"), 0o755)
	}()

	feature := &fakeFeature{name: "growing"}
	factory := &fakeFactory{client: newInProcessClient(feature)}

	start := time.Now()
	domain, err := isolatedomain.Load(context.Background(), factory, artifact)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
	assert.Equal(t, "growing", domain.Feature().Name())
}
