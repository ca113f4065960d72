// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// BearerRoundTripper wraps an http.RoundTripper, attaching an
// "Authorization: Bearer <token>" header drawn from an oauth2.TokenSource
// to every outgoing request. It is the perimeter-auth layer for
// PollClient: the wireline protocol's own opaque Secret identifies a
// Connection, while this layer (optionally) authenticates the HTTP
// transport carrying it.
//
// This deliberately covers only the "wrap a TokenSource as a
// RoundTripper" shape. The full interactive authorization-code / PKCE /
// dynamic-client-registration flow belongs to an interactive user
// agent, which a wireline client is not assumed to be; callers that
// need that flow construct their own oauth2.TokenSource (e.g. via
// golang.org/x/oauth2/clientcredentials) and hand it to
// NewBearerRoundTripper.
type BearerRoundTripper struct {
	Source oauth2.TokenSource
	Base   http.RoundTripper
}

// NewBearerRoundTripper returns a BearerRoundTripper drawing tokens
// from source and delegating actual delivery to base (http.DefaultTransport
// if nil).
func NewBearerRoundTripper(source oauth2.TokenSource, base http.RoundTripper) *BearerRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &BearerRoundTripper{Source: source, Base: base}
}

func (rt *BearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := rt.Source.Token()
	if err != nil {
		return nil, fmt.Errorf("wireline: fetching bearer token: %w", err)
	}
	req = req.Clone(req.Context())
	tok.SetAuthHeader(req)
	return rt.Base.RoundTrip(req)
}

// BearerVerifier validates an incoming request's Authorization header
// as a JWT, server side, using keyFunc to resolve the signing key
// (golang-jwt/jwt/v5). It is meant to wrap a DuplexSocketServer's or
// PollServer's ServeHTTP so the perimeter is authenticated before the
// protocol-level Secret handshake ever runs.
type BearerVerifier struct {
	KeyFunc jwt.Keyfunc
	Next    http.Handler
}

func (v *BearerVerifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	token, err := jwt.Parse(tokenStr, v.KeyFunc)
	if err != nil || !token.Valid {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}
	v.Next.ServeHTTP(w, r)
}
