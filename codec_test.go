// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecEncodeRequest(t *testing.T) {
	body, err := JSONCodec{}.EncodeRequest("sum", []int{1, 2})
	require.NoError(t, err)

	var req struct {
		Version string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      json.RawMessage `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	require.Equal(t, "2.0", req.Version)
	require.Equal(t, "sum", req.Method)
	require.JSONEq(t, "[1,2]", string(req.Params))
	require.NotEmpty(t, req.ID)
}

func TestJSONCodecDecodeResult(t *testing.T) {
	value, err := JSONCodec{}.DecodeResponse(strings.NewReader(
		`{"jsonrpc":"2.0","result":{"sum":3},"id":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"sum":3}`, string(value))
}

func TestJSONCodecDecodeFault(t *testing.T) {
	_, err := JSONCodec{}.DecodeResponse(strings.NewReader(
		`{"jsonrpc":"2.0","error":{"code":-32000,"message":"boom"},"id":1}`))
	require.Error(t, err)

	var fault *json2.Error
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "boom", fault.Message)
}

func TestJSONCodecDecodeNullResult(t *testing.T) {
	value, err := JSONCodec{}.DecodeResponse(strings.NewReader(
		`{"jsonrpc":"2.0","result":null,"id":1}`))
	require.NoError(t, err)
	require.Nil(t, value)
}
