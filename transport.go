// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrRequestInFlight = errors.New("parallelrpc: transport already has a request in flight")
	ErrStaleHandle     = errors.New("parallelrpc: request handle does not match transport state")

	errNoDescriptor = errors.New("parallelrpc: request has no pollable descriptor")
)

const userAgent = "parallelrpc/1.0"

// TwoStageTransport performs one HTTP RPC exchange in two stages: Start
// opens a connection and writes the whole request, Finish reads and decodes
// the response. Between the two, the connection's descriptor can be polled
// for readiness, so many transports can have requests outstanding while a
// single goroutine drives them all.
//
// A transport carries at most one request at a time. Each Start increments a
// sequence token recorded in the returned handle; Descriptor and Finish
// verify the token, so a handle from an earlier exchange can never read
// another request's response.
type TwoStageTransport struct {
	codec  Codec
	dialer net.Dialer
	log    *zap.Logger

	mu       sync.Mutex
	seq      uint64
	inflight bool
	conn     net.Conn
}

// NewTwoStageTransport returns a transport decoding responses with codec.
// A nil codec selects the default JSON codec; a nil logger disables logging.
func NewTwoStageTransport(codec Codec, log *zap.Logger) *TwoStageTransport {
	if codec == nil {
		codec = defaultCodec
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TwoStageTransport{codec: codec, log: log}
}

// RequestHandle is the in-flight state of a started request. It is created
// by Start and consumed exactly once by Finish.
type RequestHandle struct {
	conn net.Conn
	req  *http.Request
	fd   int
	seq  uint64
	err  error // set when the request failed before a connection existed
}

// Failed reports whether the request failed during its start phase. Failed
// handles have nothing to poll; finishing them returns the captured error.
func (h *RequestHandle) Failed() bool { return h.err != nil }

// Start opens a connection to addr and writes the complete request for path
// with the given body. Failures are returned to the caller; once the
// connection has been opened, a failure also closes it. The transport stays
// idle unless Start succeeds.
func (t *TwoStageTransport) Start(ctx context.Context, addr, path string, payload []byte) (*RequestHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inflight {
		return nil, ErrRequestInFlight
	}
	t.seq++

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(payload))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", t.codec.ContentType())
	req.Header.Set("User-Agent", userAgent)

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write request: %w", err)
	}

	fd, err := sockDescriptor(conn)
	if err != nil {
		// The request is on the wire; the handle just has nothing to poll.
		t.log.Debug("no pollable descriptor", zap.String("addr", addr), zap.Error(err))
		fd = -1
	}

	t.inflight = true
	t.conn = conn
	t.log.Debug("request started", zap.String("addr", addr), zap.Uint64("seq", t.seq))
	return &RequestHandle{conn: conn, req: req, fd: fd, seq: t.seq}, nil
}

// Descriptor returns the pollable descriptor for h after verifying that h is
// the transport's current request. A stale handle means two requests were
// driven through one transport at once, which the design forbids.
func (t *TwoStageTransport) Descriptor(h *RequestHandle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h.seq != t.seq {
		return -1, fmt.Errorf("%w: handle seq %d, transport seq %d", ErrStaleHandle, h.seq, t.seq)
	}
	if h.fd < 0 {
		return -1, errNoDescriptor
	}
	return h.fd, nil
}

// IsReady reports whether Finish would not block reading the response.
// Probe failures count as ready so the caller proceeds to Finish, which
// surfaces the real error.
func (t *TwoStageTransport) IsReady(h *RequestHandle) bool {
	fd, err := t.Descriptor(h)
	if err != nil {
		return true
	}
	ready, err := pollProbe(fd)
	if err != nil {
		return true
	}
	return ready
}

// Finish reads and decodes the response for h, closing the connection. The
// transport becomes idle again whether or not the exchange succeeded. A
// non-2xx status or a decode failure is an error; a fault in the body comes
// back as the codec's structured error.
func (t *TwoStageTransport) Finish(h *RequestHandle) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h.seq != t.seq {
		return nil, fmt.Errorf("%w: handle seq %d, transport seq %d", ErrStaleHandle, h.seq, t.seq)
	}
	if h.conn == nil {
		return nil, fmt.Errorf("%w: handle was not produced by Start", ErrStaleHandle)
	}
	defer func() {
		t.inflight = false
		t.conn = nil
		h.conn.Close()
	}()

	resp, err := http.ReadResponse(bufio.NewReader(h.conn), h.req)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		CleanlyCloseBody(resp.Body)
		return nil, fmt.Errorf("received status code: %d", resp.StatusCode)
	}

	value, err := t.codec.DecodeResponse(resp.Body)
	CleanlyCloseBody(resp.Body)
	if err != nil {
		return nil, err
	}
	t.log.Debug("request finished", zap.Uint64("seq", h.seq))
	return value, nil
}

// Close tears down any in-flight connection and leaves the transport idle.
func (t *TwoStageTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inflight = false
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
