// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"fmt"

	ijsonschema "github.com/google/jsonschema-go/jsonschema"
)

// HeaderSchema is an optional JSON Schema gate on the string-keyed
// "headers" map carried by a route body. It is off by default (a
// Router with no HeaderSchema installed never rejects a header set);
// installing one lets an operator require, say, a tenant id or
// API version header on every inbound request before it ever reaches
// a route handler.
type HeaderSchema struct {
	resolved *ijsonschema.Resolved
}

// NewHeaderSchema resolves schema once so repeated Validate calls
// don't re-walk $ref chains.
func NewHeaderSchema(schema *ijsonschema.Schema) (*HeaderSchema, error) {
	resolved, err := schema.Resolve(&ijsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("wireline: resolving header schema: %w", err)
	}
	return &HeaderSchema{resolved: resolved}, nil
}

// Validate reports whether headers satisfies the schema. A nil
// receiver always validates successfully, so call sites can hold an
// optional *HeaderSchema without a separate nil check.
func (h *HeaderSchema) Validate(headers map[string]string) error {
	if h == nil {
		return nil
	}
	asAny := make(map[string]any, len(headers))
	for k, v := range headers {
		asAny[k] = v
	}
	if err := h.resolved.Validate(asAny); err != nil {
		return fmt.Errorf("wireline: headers failed validation: %w", err)
	}
	return nil
}

// SetHeaderSchema installs (or, with nil, removes) the header schema
// enforced on every inbound route body before it reaches a handler.
func (r *Router) SetHeaderSchema(s *HeaderSchema) {
	r.mu.Lock()
	r.headerSchema = s
	r.mu.Unlock()
}
