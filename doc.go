// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package parallelrpc dispatches JSON-RPC calls to many servers concurrently,
// minimizing wall-clock latency by overlapping network I/O.
//
// # Two-stage requests
//
// Instead of connect-send-wait-read per server, a request is split into a
// start phase (open connection, write the whole request) and a finish phase
// (read and decode the response). Starting every request before finishing any
// lets a single goroutine keep one request outstanding per server, with
// completions multiplexed through readiness polling on the socket
// descriptors. Endpoints that cannot phase-split (https, grpc) run on a
// fallback scheduler instead.
//
// # Schedulers
//
// Four schedulers share one shape: consume a batch of jobs, return a channel
// yielding exactly one Result per job.
//
//	RunSequential  one at a time, results in job order
//	RunThreaded    a goroutine per job, results in waves as jobs complete
//	RunTwoStage    network multiplexing, sequential fallback
//	RunHybrid      network multiplexing, threaded fallback
//
// A failing job never raises across the batch; every failure is captured in
// its own Result.
//
// # Usage
//
// Fan one call out to a fleet:
//
//	client, err := parallelrpc.NewParallelClient([]string{
//	    "http://127.0.0.1:9001/RPC2",
//	    "http://127.0.0.1:9002/RPC2",
//	    "http://127.0.0.1:9003/RPC2",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	for res := range client.Call(ctx, "status", nil) {
//	    if res.Err != nil {
//	        log.Printf("%s: %v", res.Job.Endpoint.Addr(), res.Err)
//	        continue
//	    }
//	    var status string
//	    res.Decode(&status)
//	}
//
// Heterogeneous batches go through the schedulers directly:
//
//	jobs := []parallelrpc.Job{
//	    {Endpoint: a, Method: "reload", Args: []string{"config"}},
//	    {Endpoint: b, Method: "status", Args: nil},
//	}
//	for res := range parallelrpc.RunTwoStage(ctx, jobs) {
//	    ...
//	}
//
// # Endpoint schemes
//
// http servers get two-stage endpoints; https servers run atomically over
// net/http. Use build tags to enable additional schemes:
//
//	go build -tags grpc  # Enable grpc:// endpoints (atomic-call-only)
//
// # Architecture
//
// The package separates concerns:
//
//   - codec.go: Codec interface and the JSON-RPC 2.0 default
//   - transport.go: two-stage request protocol over a raw connection
//   - poll.go: descriptor extraction and readiness polling
//   - endpoint.go: TwoStageEndpoint and AtomicEndpoint
//   - dial.go: scheme registry and endpoint construction
//   - scheduler.go: the four batch schedulers
//   - client.go: ParallelClient facade and options
package parallelrpc
