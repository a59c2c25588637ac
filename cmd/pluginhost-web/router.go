// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/forgehost/pluginhost/internal/routeregistry"
)

// pluginRouter dispatches incoming requests against the routes currently
// published in a routeregistry.Registry. It follows the change-token
// protocol's read order: ServeHTTP takes the token before the endpoint
// snapshot and serves each request from a fresh snapshot. The token itself
// is not checked, so a mutation that lands after a request has read its
// snapshot is seen by the next request, not by that one.
type pluginRouter struct {
	registry *routeregistry.Registry
}

func newPluginRouter(registry *routeregistry.Registry) *pluginRouter {
	return &pluginRouter{registry: registry}
}

func (rt *pluginRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/_plugins" {
		rt.serveIntrospection(w, r)
		return
	}

	// Read the token before the snapshot: see package docs on the
	// change-token protocol in internal/routeregistry.
	_ = rt.registry.ChangeToken()
	entries := rt.registry.Endpoints()

	path := strings.Trim(r.URL.Path, "/")
	for _, e := range entries {
		if !strings.EqualFold(e.Method, r.Method) {
			continue
		}
		params, ok := e.Pattern.Match(path)
		if !ok {
			continue
		}
		rt.invoke(w, r, e, params)
		return
	}

	http.NotFound(w, r)
}

func (rt *pluginRouter) invoke(w http.ResponseWriter, r *http.Request, e routeregistry.Entry, params map[string]string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	result, err := e.Invoke(params, body)
	if err != nil {
		slog.Warn("plugin invoke failed", "plugin", e.PluginName, "route", e.DisplayLabel, "error", err)
		http.Error(w, "plugin invocation failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result)
}

type introspectionPlugin struct {
	Name     string   `json:"name"`
	Route    string   `json:"route"`
	Metadata []string `json:"metadata"`
}

type introspectionResponse struct {
	Count   int                   `json:"count"`
	Plugins []introspectionPlugin `json:"plugins"`
}

func (rt *pluginRouter) serveIntrospection(w http.ResponseWriter, _ *http.Request) {
	entries := rt.registry.Endpoints()

	resp := introspectionResponse{
		Count:   len(entries),
		Plugins: make([]introspectionPlugin, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Plugins = append(resp.Plugins, introspectionPlugin{
			Name:     e.PluginName,
			Route:    e.Method + " " + e.Pattern.String(),
			Metadata: []string{e.DisplayLabel},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// withCORS applies a permissive-but-bounded CORS policy driven by config's
// allowed_origins list. An empty list disables CORS headers entirely
// rather than defaulting open.
func withCORS(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}

	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := allowed[origin]; ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
