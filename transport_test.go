// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func encodeCall(t *testing.T, method string, args interface{}) []byte {
	t.Helper()
	payload, err := JSONCodec{}.EncodeRequest(method, args)
	require.NoError(t, err)
	return payload
}

func TestTwoStageTransportExchange(t *testing.T) {
	srv := newRPCServer(t, func(_ string, params json.RawMessage) (interface{}, error) {
		var args []string
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return args[0], nil
	})

	tr := NewTwoStageTransport(nil, nil)
	h, err := tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "echo", []string{"hello"}))
	require.NoError(t, err)
	require.False(t, h.Failed())

	value, err := tr.Finish(h)
	require.NoError(t, err)
	require.JSONEq(t, `"hello"`, string(value))
}

func TestTwoStageTransportSingleInFlight(t *testing.T) {
	srv := newRPCServer(t, func(string, json.RawMessage) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return "ok", nil
	})

	tr := NewTwoStageTransport(nil, nil)
	h, err := tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "tag", nil))
	require.NoError(t, err)

	_, err = tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "tag", nil))
	require.ErrorIs(t, err, ErrRequestInFlight)

	_, err = tr.Finish(h)
	require.NoError(t, err)
}

func TestTwoStageTransportStaleHandle(t *testing.T) {
	srv := echoServer(t, "ok")

	tr := NewTwoStageTransport(nil, nil)
	h1, err := tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "tag", nil))
	require.NoError(t, err)
	_, err = tr.Finish(h1)
	require.NoError(t, err)

	h2, err := tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "tag", nil))
	require.NoError(t, err)

	// h1 belongs to a completed exchange; it must be rejected, and must not
	// disturb the request h2 refers to.
	_, err = tr.Descriptor(h1)
	require.ErrorIs(t, err, ErrStaleHandle)
	_, err = tr.Finish(h1)
	require.ErrorIs(t, err, ErrStaleHandle)

	_, err = tr.Finish(h2)
	require.NoError(t, err)
}

func TestTwoStageTransportIsReady(t *testing.T) {
	srv := newRPCServer(t, func(string, json.RawMessage) (interface{}, error) {
		time.Sleep(300 * time.Millisecond)
		return "ok", nil
	})

	tr := NewTwoStageTransport(nil, nil)
	h, err := tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "tag", nil))
	require.NoError(t, err)

	require.False(t, tr.IsReady(h), "no response can be in yet")

	deadline := time.Now().Add(5 * time.Second)
	for !tr.IsReady(h) {
		require.True(t, time.Now().Before(deadline), "response never became ready")
		time.Sleep(10 * time.Millisecond)
	}

	_, err = tr.Finish(h)
	require.NoError(t, err)
}

func TestTwoStageTransportHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	tr := NewTwoStageTransport(nil, nil)
	h, err := tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "tag", nil))
	require.NoError(t, err)

	_, err = tr.Finish(h)
	require.ErrorContains(t, err, "status code: 500")
}

func TestTwoStageTransportForeignHandle(t *testing.T) {
	// A handle that never went through Start carries no connection; it must
	// be rejected like any other mismatched handle, not crash the batch.
	tr := NewTwoStageTransport(nil, nil)
	_, err := tr.Finish(&RequestHandle{})
	require.ErrorIs(t, err, ErrStaleHandle)
}

func TestTwoStageTransportDialFailure(t *testing.T) {
	tr := NewTwoStageTransport(nil, nil)
	_, err := tr.Start(context.Background(), refusedAddr(t), "/RPC2", encodeCall(t, "tag", nil))
	require.Error(t, err)

	// The failed start left the transport idle.
	srv := echoServer(t, "ok")
	h, err := tr.Start(context.Background(), hostOf(srv), "/RPC2", encodeCall(t, "tag", nil))
	require.NoError(t, err)
	_, err = tr.Finish(h)
	require.NoError(t, err)
}
