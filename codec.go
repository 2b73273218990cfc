// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/gorilla/rpc/v2/json2"
)

// Codec builds request payloads and decodes response bodies. Implementations
// must be safe for concurrent use; endpoints sharing one codec may encode
// from multiple goroutines.
type Codec interface {
	// ContentType is the MIME type sent with every request.
	ContentType() string

	// FormatKey identifies the encoding options of this codec. Two codecs
	// with equal FormatKeys produce byte-identical payloads for the same
	// method and args, which lets a scheduler build each distinct payload
	// once and reuse it across endpoints.
	FormatKey() string

	// EncodeRequest builds the request body for a method call.
	EncodeRequest(method string, args interface{}) ([]byte, error)

	// DecodeResponse reads a response body and returns the raw result. A
	// fault returned by the server decodes into a structured error (for the
	// default codec, a *json2.Error), not a generic I/O error.
	DecodeResponse(r io.Reader) (json.RawMessage, error)
}

// JSONCodec is the default codec: JSON-RPC 2.0 request and response bodies.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) FormatKey() string { return "json2" }

func (JSONCodec) EncodeRequest(method string, args interface{}) ([]byte, error) {
	return json2.EncodeClientRequest(method, args)
}

func (JSONCodec) DecodeResponse(r io.Reader) (json.RawMessage, error) {
	var raw json.RawMessage
	err := json2.DecodeClientResponse(r, &raw)
	if errors.Is(err, json2.ErrNullResult) {
		// A null result is a successful call that returned nothing.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}
