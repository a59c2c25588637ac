// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package routepattern compiles the route patterns an EndpointModule
// declares ("/a/ping", "/b/sum/{x:int}/{y:int}") into a matcher that turns
// a request path into a typed, pre-validated parameter map.
package routepattern

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// patternLexer tokenizes "{name}" / "{name:int}" / "{name:bool}" segments
// plus the literal path segments surrounding them.
var patternLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "LBrace", Pattern: `\{`},
	{Name: "RBrace", Pattern: `\}`},
	{Name: "Colon", Pattern: `:`},
	{Name: "Slash", Pattern: `/`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
})

// grammar is the participle AST for a compiled pattern.
type grammar struct {
	Pos      lexer.Position `parser:""`
	Segments []*segment     `parser:"@@ (Slash @@)*"`
}

type segment struct {
	Pos     lexer.Position `parser:""`
	Param   *param         `parser:"  LBrace @@ RBrace"`
	Literal string         `parser:"| @Ident"`
}

type param struct {
	Pos  lexer.Position `parser:""`
	Name string         `parser:"@Ident"`
	Type string         `parser:"(Colon @Ident)?"`
}

var parser = participle.MustBuild[grammar](participle.Lexer(patternLexer))

// ParamType is the declared type of a typed path parameter.
type ParamType int

const (
	// ParamString is the default when no ":type" suffix is given.
	ParamString ParamType = iota
	ParamInt
	ParamBool
)

// segmentKind distinguishes a literal path segment from a parameter one.
type segmentKind int

const (
	kindLiteral segmentKind = iota
	kindParam
)

type compiledSegment struct {
	kind    segmentKind
	literal string
	name    string
	typ     ParamType
}

// Pattern is a compiled route pattern ready to match request paths.
type Pattern struct {
	raw      string
	segments []compiledSegment
}

// Compile parses pattern (e.g. "/b/sum/{x:int}/{y:int}") into a Pattern.
func Compile(pattern string) (*Pattern, error) {
	trimmed := strings.Trim(pattern, "/")

	ast, err := parser.ParseString("", trimmed)
	if err != nil {
		return nil, fmt.Errorf("routepattern: invalid pattern %q: %w", pattern, err)
	}

	segs := make([]compiledSegment, 0, len(ast.Segments))
	for _, s := range ast.Segments {
		if s.Param != nil {
			typ, err := paramType(s.Param.Type)
			if err != nil {
				return nil, fmt.Errorf("routepattern: pattern %q: %w", pattern, err)
			}
			segs = append(segs, compiledSegment{kind: kindParam, name: s.Param.Name, typ: typ})
			continue
		}
		segs = append(segs, compiledSegment{kind: kindLiteral, literal: s.Literal})
	}

	return &Pattern{raw: pattern, segments: segs}, nil
}

func paramType(suffix string) (ParamType, error) {
	switch suffix {
	case "", "string":
		return ParamString, nil
	case "int":
		return ParamInt, nil
	case "bool":
		return ParamBool, nil
	default:
		return 0, fmt.Errorf("unknown parameter type %q", suffix)
	}
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Match attempts to match path against the pattern, returning the typed
// parameters (already type-validated, passed on as strings per the wire
// contract with the plugin process) on success.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		parts = nil
	}
	if len(parts) != len(p.segments) {
		return nil, false
	}

	params := make(map[string]string, len(p.segments))
	for i, seg := range p.segments {
		part := parts[i]
		switch seg.kind {
		case kindLiteral:
			if part != seg.literal {
				return nil, false
			}
		case kindParam:
			if !validates(seg.typ, part) {
				return nil, false
			}
			params[seg.name] = part
		}
	}
	return params, true
}

func validates(typ ParamType, value string) bool {
	switch typ {
	case ParamInt:
		_, err := strconv.ParseInt(value, 10, 64)
		return err == nil
	case ParamBool:
		_, err := strconv.ParseBool(value)
		return err == nil
	default:
		return true
	}
}
