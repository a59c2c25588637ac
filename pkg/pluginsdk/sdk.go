// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk is what a plugin author's main package imports to
// become a loadable artifact: implement pluginapi.Feature or
// pluginapi.EndpointModule, then call ServeFeature or ServeEndpoint from
// main().
//
// Example usage:
//
//	package main
//
//	import (
//		"github.com/forgehost/pluginhost/pkg/pluginsdk"
//	)
//
//	type Greeter struct{}
//
//	func (Greeter) Name() string    { return "greeter" }
//	func (Greeter) Version() string { return "0.1.0" }
//	func (Greeter) Start() error    { return nil }
//	func (Greeter) Dispose() error  { return nil }
//
//	func main() {
//		pluginsdk.ServeFeature(Greeter{})
//	}
package pluginsdk

import (
	"encoding/json"
	"fmt"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/forgehost/pluginhost/pkg/pluginapi"
)

// ServeFeature blocks serving impl as a console-host Feature plugin. Call
// it from main() and nothing else; go-plugin takes over the process.
func ServeFeature(impl pluginapi.Feature) {
	if impl == nil {
		panic("pluginsdk: impl cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: pluginapi.Handshake,
		Plugins: map[string]hashiplug.Plugin{
			pluginapi.ServiceName: &pluginapi.FeaturePlugin{Impl: impl},
		},
	})
}

// ServeEndpoint blocks serving impl as a web-host EndpointModule plugin.
func ServeEndpoint(impl pluginapi.EndpointModule) {
	if impl == nil {
		panic("pluginsdk: impl cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: pluginapi.Handshake,
		Plugins: map[string]hashiplug.Plugin{
			pluginapi.ServiceName: &pluginapi.EndpointPlugin{Impl: impl},
		},
	})
}

// JSON marshals v for an EndpointModule.Invoke return value, so plugin
// authors can write `return pluginsdk.JSON(map[string]any{...})` the way a
// reflection-bound handler would just return a struct.
func JSON(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pluginsdk: marshal response: %w", err)
	}
	return body, nil
}
