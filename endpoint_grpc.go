//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	// Register the grpc scheme when the build tag is enabled
	registerScheme(SchemeGRPC, newGRPCEndpoint)
}

// grpcEndpoint performs calls over a gRPC client connection. gRPC manages
// its own connection multiplexing, so these endpoints are atomic-call-only
// and run on the fallback scheduler.
type grpcEndpoint struct {
	rawurl string
	conn   *grpc.ClientConn
}

func newGRPCEndpoint(rawurl string, o *clientOptions) (Endpoint, error) {
	target := strings.TrimPrefix(rawurl, "grpc://")
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcEndpoint{rawurl: rawurl, conn: conn}, nil
}

func (e *grpcEndpoint) Addr() string { return e.rawurl }

func (e *grpcEndpoint) Call(ctx context.Context, method string, args interface{}) Result {
	job := Job{Endpoint: e, Method: method, Args: args}
	var reply []byte
	if err := e.conn.Invoke(ctx, method, args, &reply); err != nil {
		return Result{Job: job, Err: err}
	}
	return Result{Job: job, Value: json.RawMessage(reply)}
}

func (e *grpcEndpoint) Close() error { return e.conn.Close() }
