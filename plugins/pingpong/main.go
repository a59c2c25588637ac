// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command pingpong is an example EndpointModule plugin for the web host.
// It publishes two routes: GET /a/ping, which replies {"pong":true}, and
// GET /b/sum/{x:int}/{y:int}, which replies {"sum": x+y}.
package main

import (
	"net/http"
	"strconv"

	"github.com/forgehost/pluginhost/pkg/pluginapi"
	"github.com/forgehost/pluginhost/pkg/pluginsdk"
)

type pingpongEndpoint struct{}

func (pingpongEndpoint) Name() string { return "pingpong" }

func (pingpongEndpoint) Version() string { return "0.1.0" }

func (pingpongEndpoint) Routes() ([]pluginapi.RouteDescriptor, error) {
	return []pluginapi.RouteDescriptor{
		{Method: http.MethodGet, Pattern: "/a/ping"},
		{Method: http.MethodGet, Pattern: "/b/sum/{x:int}/{y:int}"},
	}, nil
}

func (pingpongEndpoint) Invoke(route pluginapi.RouteDescriptor, params map[string]string, _ []byte) ([]byte, error) {
	switch route.Pattern {
	case "/a/ping":
		return pluginsdk.JSON(map[string]any{"pong": true})
	case "/b/sum/{x:int}/{y:int}":
		x, _ := strconv.Atoi(params["x"])
		y, _ := strconv.Atoi(params["y"])
		return pluginsdk.JSON(map[string]any{"sum": x + y})
	default:
		return pluginsdk.JSON(map[string]any{"error": "unknown route"})
	}
}

func (pingpongEndpoint) Dispose() error { return nil }

var _ pluginapi.EndpointModule = (*pingpongEndpoint)(nil)

func main() {
	pluginsdk.ServeEndpoint(pingpongEndpoint{})
}
