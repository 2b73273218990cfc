// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// ErrUnknownProtocol is returned when a server URL uses a scheme no
// endpoint constructor is registered for.
var ErrUnknownProtocol = errors.New("parallelrpc: unsupported protocol scheme")

// DefaultPath is used when a server URL carries no path.
const DefaultPath = "/RPC2"

// Endpoint identifies one remote server and performs complete RPC round
// trips against it. Failures are captured in the Result, never raised.
type Endpoint interface {
	// Addr returns the server URL this endpoint is bound to.
	Addr() string

	// Call performs the entire exchange synchronously.
	Call(ctx context.Context, method string, args interface{}) Result

	// Close releases the endpoint's connection state.
	Close() error
}

// twoStager is the capability interface for endpoints whose exchange splits
// into a start phase and a finish phase. Schedulers probe for it to decide
// whether a job can be multiplexed; it carries exactly what they drive.
type twoStager interface {
	Endpoint
	RequestFormat() string
	MakePayload(method string, args interface{}) ([]byte, error)
	StartRequest(ctx context.Context, payload []byte) *RequestHandle
	Descriptor(h *RequestHandle) (int, bool)
	FinishRequest(h *RequestHandle) (json.RawMessage, error)
}

// TwoStageEndpoint is an http endpoint backed by a TwoStageTransport. It
// owns exactly one transport and so carries at most one in-flight request;
// cross-endpoint concurrency is the scheduler's job.
type TwoStageEndpoint struct {
	rawurl string
	addr   string // host:port
	path   string
	codec  Codec
	tr     *TwoStageTransport
}

var _ twoStager = (*TwoStageEndpoint)(nil)

// NewTwoStageEndpoint builds a two-stage endpoint for an http server URL.
func NewTwoStageEndpoint(rawurl string, opts ...Option) (*TwoStageEndpoint, error) {
	return newTwoStageEndpoint(rawurl, newClientOptions(opts))
}

func newTwoStageEndpoint(rawurl string, o *clientOptions) (*TwoStageEndpoint, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawurl, err)
	}
	if u.Scheme != SchemeHTTP {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}
	path := u.Path
	if path == "" {
		path = DefaultPath
	}
	return &TwoStageEndpoint{
		rawurl: rawurl,
		addr:   addr,
		path:   path,
		codec:  o.codec,
		tr:     NewTwoStageTransport(o.codec, o.logger),
	}, nil
}

// Addr returns the server URL.
func (e *TwoStageEndpoint) Addr() string { return e.rawurl }

// RequestFormat identifies the payload encoding, letting a scheduler group
// endpoints that serialize identically.
func (e *TwoStageEndpoint) RequestFormat() string { return e.codec.FormatKey() }

// MakePayload builds the request body for a call. For a fixed codec it is a
// pure function of (method, args).
func (e *TwoStageEndpoint) MakePayload(method string, args interface{}) ([]byte, error) {
	return e.codec.EncodeRequest(method, args)
}

// StartRequest opens the connection and sends the payload. A failure is
// captured in the returned handle rather than returned, so a batch treats
// every started request uniformly.
func (e *TwoStageEndpoint) StartRequest(ctx context.Context, payload []byte) *RequestHandle {
	h, err := e.tr.Start(ctx, e.addr, e.path, payload)
	if err != nil {
		return &RequestHandle{err: err, fd: -1}
	}
	return h
}

// Descriptor returns the handle's pollable descriptor. ok is false when the
// request failed before a descriptor existed or the handle is stale; such
// handles should be finished immediately, which surfaces the error.
func (e *TwoStageEndpoint) Descriptor(h *RequestHandle) (int, bool) {
	if h.err != nil {
		return -1, false
	}
	fd, err := e.tr.Descriptor(h)
	if err != nil {
		return -1, false
	}
	return fd, true
}

// IsReady reports whether FinishRequest would not block.
func (e *TwoStageEndpoint) IsReady(h *RequestHandle) bool {
	if h.err != nil {
		return true
	}
	return e.tr.IsReady(h)
}

// FinishRequest completes the exchange for h.
func (e *TwoStageEndpoint) FinishRequest(h *RequestHandle) (json.RawMessage, error) {
	if h.err != nil {
		return nil, h.err
	}
	return e.tr.Finish(h)
}

// Call performs a one-shot start-then-finish exchange.
func (e *TwoStageEndpoint) Call(ctx context.Context, method string, args interface{}) Result {
	job := Job{Endpoint: e, Method: method, Args: args}
	payload, err := e.MakePayload(method, args)
	if err != nil {
		return Result{Job: job, Err: fmt.Errorf("encode request: %w", err)}
	}
	value, err := e.FinishRequest(e.StartRequest(ctx, payload))
	return Result{Job: job, Value: value, Err: err}
}

// Close closes the endpoint's transport.
func (e *TwoStageEndpoint) Close() error { return e.tr.Close() }

// AtomicEndpoint performs the whole exchange in a single blocking call over
// net/http. It serves endpoints that cannot split a request into stages:
// https servers, and http servers excluded by scheduling policy.
type AtomicEndpoint struct {
	rawurl string
	uri    *url.URL
	codec  Codec
	client *http.Client
	log    *zap.Logger
}

// NewAtomicEndpoint builds an atomic-call-only endpoint for an http or
// https server URL.
func NewAtomicEndpoint(rawurl string, opts ...Option) (*AtomicEndpoint, error) {
	return newAtomicEndpoint(rawurl, newClientOptions(opts))
}

func newAtomicEndpoint(rawurl string, o *clientOptions) (*AtomicEndpoint, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawurl, err)
	}
	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, u.Scheme)
	}
	if u.Path == "" {
		u.Path = DefaultPath
	}
	client := o.httpClient
	if client == nil {
		client = newHTTPClient()
	}
	return &AtomicEndpoint{
		rawurl: rawurl,
		uri:    u,
		codec:  o.codec,
		client: client,
		log:    o.logger,
	}, nil
}

// newHTTPClient creates an HTTP client with connection reuse disabled;
// endpoints do not pool connections across calls.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// Addr returns the server URL.
func (e *AtomicEndpoint) Addr() string { return e.rawurl }

// Call performs the full round trip synchronously.
func (e *AtomicEndpoint) Call(ctx context.Context, method string, args interface{}) Result {
	job := Job{Endpoint: e, Method: method, Args: args}

	body, err := e.codec.EncodeRequest(method, args)
	if err != nil {
		return Result{Job: job, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.uri.String(), bytes.NewReader(body))
	if err != nil {
		return Result{Job: job, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", e.codec.ContentType())
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Job: job, Err: fmt.Errorf("issue request: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		CleanlyCloseBody(resp.Body)
		return Result{Job: job, Err: fmt.Errorf("received status code: %d", resp.StatusCode)}
	}

	value, err := e.codec.DecodeResponse(resp.Body)
	CleanlyCloseBody(resp.Body)
	e.log.Debug("atomic call done", zap.String("addr", e.rawurl), zap.String("method", method), zap.Error(err))
	return Result{Job: job, Value: value, Err: err}
}

// Close discards any idle connection state.
func (e *AtomicEndpoint) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
