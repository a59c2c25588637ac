// Package pluginapi defines the capability interfaces shared by the host
// and every plugin process: Feature (console host) and EndpointModule (web
// host). It is the "contracts module" of the design — compiled once into
// this module and imported, unmodified, by every plugin's own go.mod, so
// that host and plugin always agree on the wire format. See SPEC_FULL.md §0
// for why this is a process boundary rather than a shared-heap boundary.
package pluginapi

import "errors"

// ServiceName is the single go-plugin dispense key every plugin process
// registers under, regardless of which capability it implements. The host
// discovers the concrete capability by calling Kind over RPC rather than by
// probing multiple dispense names (see rpc.go).
const ServiceName = "plugin"

// Kind identifies which capability interface a plugin process implements.
type Kind string

const (
	KindFeature  Kind = "feature"
	KindEndpoint Kind = "endpoint"
)

// Feature is implemented by console-host plugins: start on load, dispose on
// unload. Dispose must release any held external resource (timers, sockets,
// caches, HTTP clients) and detach all event subscriptions. Version is the
// plugin's self-declared module version, logged by the host at load success;
// it need not be valid semver, but plugins should use it if they want the
// host to log a normalized form.
type Feature interface {
	Name() string
	Version() string
	Start() error
	Dispose() error
}

// EndpointModule is implemented by web-host plugins: it declares the routes
// it wants to publish and answers invocations for them. Dispose carries the
// same release contract as Feature. Version carries the same meaning as
// Feature.Version.
type EndpointModule interface {
	Name() string
	Version() string
	Routes() ([]RouteDescriptor, error)
	Invoke(route RouteDescriptor, params map[string]string, body []byte) ([]byte, error)
	Dispose() error
}

// RouteDescriptor names one HTTP route an EndpointModule wants published.
// Pattern uses "{name}" and typed "{name:int}" / "{name:bool}" parameter
// syntax, compiled by internal/routepattern.
type RouteDescriptor struct {
	Method  string
	Pattern string
}

// ErrWrongKind is returned by the RPC server when the host calls a method
// that belongs to the other capability (e.g. Start on an EndpointModule).
var ErrWrongKind = errors.New("pluginapi: method does not apply to this plugin's kind")
