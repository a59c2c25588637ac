package pluginapi

import (
	"fmt"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is the go-plugin handshake configuration. Both host and plugin
// processes must use this identical value — it is the version-stamped ABI
// spec.md §9 calls for in place of shared-loader type identity. A plugin
// built against a different ProtocolVersion fails the handshake before any
// RPC is attempted.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINHOST_MAGIC_COOKIE",
	MagicCookieValue: "pluginhost-v1",
}

// Empty is the args/reply type for RPC methods that carry no payload.
type Empty struct{}

// RoutesReply carries the result of a Routes RPC call.
type RoutesReply struct {
	Routes []RouteDescriptor
}

// InvokeArgs carries the arguments of an Invoke RPC call.
type InvokeArgs struct {
	Route  RouteDescriptor
	Params map[string]string
	Body   []byte
}

// InvokeReply carries the result of an Invoke RPC call.
type InvokeReply struct {
	Body []byte
}

// capabilityRPCServer is registered on the plugin side. Exactly one of
// feature/endpoint is non-nil; calls for the other kind return ErrWrongKind.
type capabilityRPCServer struct {
	feature  Feature
	endpoint EndpointModule
}

func (s *capabilityRPCServer) Kind(_ Empty, resp *string) error {
	if s.feature != nil {
		*resp = string(KindFeature)
		return nil
	}
	*resp = string(KindEndpoint)
	return nil
}

func (s *capabilityRPCServer) Name(_ Empty, resp *string) error {
	if s.feature != nil {
		*resp = s.feature.Name()
		return nil
	}
	*resp = s.endpoint.Name()
	return nil
}

func (s *capabilityRPCServer) Version(_ Empty, resp *string) error {
	if s.feature != nil {
		*resp = s.feature.Version()
		return nil
	}
	*resp = s.endpoint.Version()
	return nil
}

func (s *capabilityRPCServer) Start(_ Empty, _ *Empty) error {
	if s.feature == nil {
		return ErrWrongKind
	}
	return s.feature.Start()
}

func (s *capabilityRPCServer) Routes(_ Empty, resp *RoutesReply) error {
	if s.endpoint == nil {
		return ErrWrongKind
	}
	routes, err := s.endpoint.Routes()
	if err != nil {
		return err
	}
	resp.Routes = routes
	return nil
}

func (s *capabilityRPCServer) Invoke(args InvokeArgs, resp *InvokeReply) error {
	if s.endpoint == nil {
		return ErrWrongKind
	}
	body, err := s.endpoint.Invoke(args.Route, args.Params, args.Body)
	if err != nil {
		return err
	}
	resp.Body = body
	return nil
}

func (s *capabilityRPCServer) Dispose(_ Empty, _ *Empty) error {
	if s.feature != nil {
		return s.feature.Dispose()
	}
	return s.endpoint.Dispose()
}

// capabilityRPCClient is the host-side proxy wrapping the net/rpc
// connection. Its method set covers both capabilities; Open (below) wraps
// it in the narrower Feature/EndpointModule view once Kind is known.
type capabilityRPCClient struct {
	client *rpc.Client
}

func (c *capabilityRPCClient) kind() (Kind, error) {
	var resp string
	if err := c.client.Call("Plugin.Kind", Empty{}, &resp); err != nil {
		return "", err
	}
	return Kind(resp), nil
}

func (c *capabilityRPCClient) name() (string, error) {
	var resp string
	err := c.client.Call("Plugin.Name", Empty{}, &resp)
	return resp, err
}

func (c *capabilityRPCClient) version() (string, error) {
	var resp string
	err := c.client.Call("Plugin.Version", Empty{}, &resp)
	return resp, err
}

func (c *capabilityRPCClient) start() error {
	return c.client.Call("Plugin.Start", Empty{}, &Empty{})
}

func (c *capabilityRPCClient) routes() ([]RouteDescriptor, error) {
	var resp RoutesReply
	err := c.client.Call("Plugin.Routes", Empty{}, &resp)
	return resp.Routes, err
}

func (c *capabilityRPCClient) invoke(route RouteDescriptor, params map[string]string, body []byte) ([]byte, error) {
	var resp InvokeReply
	err := c.client.Call("Plugin.Invoke", InvokeArgs{Route: route, Params: params, Body: body}, &resp)
	return resp.Body, err
}

func (c *capabilityRPCClient) dispose() error {
	return c.client.Call("Plugin.Dispose", Empty{}, &Empty{})
}

// featureAdapter and endpointAdapter present the narrow spec interfaces over
// the shared RPC client, fixing the self-declared name at construction time
// so Name() never needs a round trip once Open has already fetched it.
type featureAdapter struct {
	c       *capabilityRPCClient
	name    string
	version string
}

func (a *featureAdapter) Name() string    { return a.name }
func (a *featureAdapter) Version() string { return a.version }
func (a *featureAdapter) Start() error    { return a.c.start() }
func (a *featureAdapter) Dispose() error  { return a.c.dispose() }

type endpointAdapter struct {
	c       *capabilityRPCClient
	name    string
	version string
}

func (a *endpointAdapter) Name() string    { return a.name }
func (a *endpointAdapter) Version() string { return a.version }

func (a *endpointAdapter) Routes() ([]RouteDescriptor, error) { return a.c.routes() }

func (a *endpointAdapter) Invoke(route RouteDescriptor, params map[string]string, body []byte) ([]byte, error) {
	return a.c.invoke(route, params, body)
}

func (a *endpointAdapter) Dispose() error { return a.c.dispose() }

// FeaturePlugin is the go-plugin Plugin implementation for Feature plugins.
// Impl is set only on the plugin-side process; the host dispenses a zero
// value and only ever calls Client.
type FeaturePlugin struct {
	Impl Feature
}

func (p *FeaturePlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &capabilityRPCServer{feature: p.Impl}, nil
}

func (p *FeaturePlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &capabilityRPCClient{client: c}, nil
}

// EndpointPlugin is the go-plugin Plugin implementation for EndpointModule
// plugins, mirroring FeaturePlugin.
type EndpointPlugin struct {
	Impl EndpointModule
}

func (p *EndpointPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &capabilityRPCServer{endpoint: p.Impl}, nil
}

func (p *EndpointPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &capabilityRPCClient{client: c}, nil
}

// PluginMap is the host-side go-plugin plugin set. Every artifact dispenses
// under ServiceName; which capability it actually implements is discovered
// at runtime via Open.
func PluginMap() map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{
		ServiceName: &FeaturePlugin{},
	}
}

// Open takes the value returned by a go-plugin ClientProtocol's
// Dispense(ServiceName) call and returns the capability the plugin process
// declares. Exactly one of the returned Feature/EndpointModule is non-nil.
// This is the Go-subprocess translation of spec.md §4.5.2 step 3 ("search
// the module's exported types for exactly one concrete type assignable to
// the expected interface"): the plugin process self-declares its kind
// instead of being reflected into.
func Open(dispensed interface{}) (Kind, Feature, EndpointModule, error) {
	proxy, ok := dispensed.(*capabilityRPCClient)
	if !ok {
		return "", nil, nil, fmt.Errorf("pluginapi: dispensed value is %T, not a capability client", dispensed)
	}

	kind, err := proxy.kind()
	if err != nil {
		return "", nil, nil, err
	}
	name, err := proxy.name()
	if err != nil {
		return "", nil, nil, err
	}

	switch kind {
	case KindFeature:
		version, err := proxy.version()
		if err != nil {
			return "", nil, nil, err
		}
		return kind, &featureAdapter{c: proxy, name: name, version: version}, nil, nil
	case KindEndpoint:
		version, err := proxy.version()
		if err != nil {
			return "", nil, nil, err
		}
		return kind, nil, &endpointAdapter{c: proxy, name: name, version: version}, nil
	default:
		return kind, nil, nil, ErrWrongKind
	}
}
