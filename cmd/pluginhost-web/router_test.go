// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehost/pluginhost/internal/routepattern"
	"github.com/forgehost/pluginhost/internal/routeregistry"
)

func TestPluginRouter_DispatchesMatchingRoute(t *testing.T) {
	registry := routeregistry.New()
	pattern, err := routepattern.Compile("/a/ping")
	require.NoError(t, err)
	registry.AddForPlugin("pingpong", []routeregistry.Entry{{
		PluginName: "pingpong",
		Method:     http.MethodGet,
		Pattern:    pattern,
		Invoke: func(map[string]string, []byte) ([]byte, error) {
			return []byte(`{"pong":true}`), nil
		},
	}})

	router := newPluginRouter(registry)
	req := httptest.NewRequest(http.MethodGet, "/a/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pong":true}`, rec.Body.String())
}

func TestPluginRouter_PassesTypedParams(t *testing.T) {
	registry := routeregistry.New()
	pattern, err := routepattern.Compile("/b/sum/{x:int}/{y:int}")
	require.NoError(t, err)

	var gotParams map[string]string
	registry.AddForPlugin("sum", []routeregistry.Entry{{
		PluginName: "sum",
		Method:     http.MethodGet,
		Pattern:    pattern,
		Invoke: func(params map[string]string, _ []byte) ([]byte, error) {
			gotParams = params
			return []byte(`{"sum":7}`), nil
		},
	}})

	router := newPluginRouter(registry)
	req := httptest.NewRequest(http.MethodGet, "/b/sum/3/4", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", gotParams["x"])
	assert.Equal(t, "4", gotParams["y"])
}

func TestPluginRouter_ReturnsNotFoundForUnknownRoute(t *testing.T) {
	registry := routeregistry.New()
	router := newPluginRouter(registry)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPluginRouter_ServesIntrospection(t *testing.T) {
	registry := routeregistry.New()
	pattern, err := routepattern.Compile("/a/ping")
	require.NoError(t, err)
	registry.AddForPlugin("pingpong", []routeregistry.Entry{{
		PluginName:   "pingpong",
		Method:       http.MethodGet,
		Pattern:      pattern,
		DisplayLabel: "Plugin:/a/ping",
		Invoke: func(map[string]string, []byte) ([]byte, error) {
			return []byte(`{}`), nil
		},
	}})

	router := newPluginRouter(registry)
	req := httptest.NewRequest(http.MethodGet, "/_plugins", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":1,"plugins":[{"name":"pingpong","route":"GET /a/ping","metadata":["Plugin:/a/ping"]}]}`, rec.Body.String())
}

func TestWithCORS_AllowsConfiguredOrigin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := withCORS([]string{"https://example.com"}, next)

	req := httptest.NewRequest(http.MethodGet, "/a/ping", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWithCORS_NoOriginsConfiguredSkipsMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := withCORS(nil, next)

	req := httptest.NewRequest(http.MethodGet, "/a/ping", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
