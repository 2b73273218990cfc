// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"fmt"
	"net/url"
	"sync"
)

// Endpoint schemes
const (
	SchemeHTTP  = "http"  // two-stage capable
	SchemeHTTPS = "https" // atomic-call-only
	SchemeGRPC  = "grpc"  // atomic-call-only, requires build tag
)

type endpointFunc func(rawurl string, o *clientOptions) (Endpoint, error)

var (
	schemesMu sync.RWMutex
	schemes   = map[string]endpointFunc{
		SchemeHTTP:  newHTTPEndpoint,
		SchemeHTTPS: newHTTPSEndpoint,
	}
)

// registerScheme registers a new endpoint scheme (used by build tags).
func registerScheme(name string, fn endpointFunc) {
	schemesMu.Lock()
	defer schemesMu.Unlock()
	schemes[name] = fn
}

// AvailableSchemes returns the list of registered endpoint schemes.
func AvailableSchemes() []string {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	result := make([]string, 0, len(schemes))
	for name := range schemes {
		result = append(result, name)
	}
	return result
}

// HasScheme checks whether an endpoint scheme is available.
func HasScheme(name string) bool {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	_, ok := schemes[name]
	return ok
}

// NewEndpoint builds an endpoint for a server URL. http servers get
// two-stage endpoints; https servers get atomic ones.
func NewEndpoint(rawurl string, opts ...Option) (Endpoint, error) {
	return newEndpoint(rawurl, newClientOptions(opts))
}

func newEndpoint(rawurl string, o *clientOptions) (Endpoint, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawurl, err)
	}
	schemesMu.RLock()
	fn, ok := schemes[u.Scheme]
	schemesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, u.Scheme)
	}
	return fn(rawurl, o)
}

func newHTTPEndpoint(rawurl string, o *clientOptions) (Endpoint, error) {
	if o.forceAtomic {
		return newAtomicEndpoint(rawurl, o)
	}
	return newTwoStageEndpoint(rawurl, o)
}

func newHTTPSEndpoint(rawurl string, o *clientOptions) (Endpoint, error) {
	return newAtomicEndpoint(rawurl, o)
}
