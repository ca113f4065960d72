// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package routepattern compiles the ":name"-capture route patterns
// used by the router's inbound and outbound layers into a matcher
// that decodes a concrete path into positional and named parameters.
package routepattern

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentRE matches a single ":name" path segment capture.
var segmentRE = regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)

// clientRouteRE is the syntax a client is permitted to send over the
// wire for a route.verb body: no colons, since a client must never be
// able to smuggle a capture pattern into a concrete request path.
var clientRouteRE = regexp.MustCompile(`^[a-zA-Z0-9_/-]+$`)

// Pattern is a compiled route pattern: a regular expression plus the
// ordered list of parameter names captured by it.
type Pattern struct {
	raw        string
	re         *regexp.Regexp
	paramNames []string
}

// Compile translates a ":name"-style pattern into a Pattern. Each
// ":name" segment becomes a named capture group matching one or more
// non-slash characters.
func Compile(pattern string) (*Pattern, error) {
	var names []string

	// Walk the raw pattern segment by segment, quoting literal runs and
	// splicing in a named capture group for each ":name" occurrence.
	var b strings.Builder
	last := 0
	for _, loc := range segmentRE.FindAllStringSubmatchIndex(pattern, -1) {
		start, end := loc[0], loc[1]
		name := pattern[loc[2]:loc[3]]
		names = append(names, name)
		b.WriteString(regexp.QuoteMeta(pattern[last:start]))
		b.WriteString(fmt.Sprintf(`(?P<%s>[^/]+)`, name))
		last = end
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))

	re, err := regexp.Compile("^" + b.String() + "$")
	if err != nil {
		return nil, fmt.Errorf("routepattern: compiling %q: %w", pattern, err)
	}
	return &Pattern{raw: pattern, re: re, paramNames: names}, nil
}

// String returns the original, uncompiled pattern.
func (p *Pattern) String() string { return p.raw }

// ParamNames returns the ordered list of parameter names this pattern
// captures.
func (p *Pattern) ParamNames() []string { return append([]string(nil), p.paramNames...) }

// Match reports whether path matches the pattern, returning the
// captured named parameters on success.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(p.paramNames))
	for i, name := range p.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		params[name] = m[i]
	}
	return params, true
}

// PositionalParams returns the captured parameter values for path, in
// the pattern's declared parameter order, for use in the router's
// positional-equality subscription matching: two subscriptions to the
// same pattern match the same broadcasts when their captured values
// agree positionally, regardless of parameter name.
func (p *Pattern) PositionalParams(path string) ([]string, bool) {
	params, ok := p.Match(path)
	if !ok {
		return nil, false
	}
	out := make([]string, len(p.paramNames))
	for i, name := range p.paramNames {
		out[i] = params[name]
	}
	return out, true
}

// ValidateClientRoute checks a route string received from a client
// against the required concrete-path syntax, [a-zA-Z0-9_/-]+, with a
// dedicated error when a colon is present (colons would let a client
// send a capture pattern instead of a concrete path).
func ValidateClientRoute(route string) error {
	if strings.Contains(route, ":") {
		return fmt.Errorf("route %q must not contain ':' (capture syntax is reserved for server-registered patterns)", route)
	}
	if !clientRouteRE.MatchString(route) {
		return fmt.Errorf("route %q must match [a-zA-Z0-9_/-]+", route)
	}
	return nil
}
