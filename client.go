// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Option configures endpoints and clients.
type Option func(*clientOptions)

type clientOptions struct {
	codec            Codec
	policy           Policy
	logger           *zap.Logger
	httpClient       *http.Client
	twoStageAllHosts bool
	forceAtomic      bool
}

func newClientOptions(opts []Option) *clientOptions {
	o := &clientOptions{
		codec:  defaultCodec,
		policy: PolicyHybrid,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets a custom codec.
func WithCodec(c Codec) Option {
	return func(o *clientOptions) { o.codec = c }
}

// WithPolicy selects the scheduling policy for facade calls.
func WithPolicy(p Policy) Option {
	return func(o *clientOptions) { o.policy = p }
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = log }
}

// WithHTTPClient sets the HTTP client used by atomic endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithTwoStageAllHosts lifts the loopback-only restriction the hybrid
// policy places on two-stage dispatch. On high-latency paths thread-based
// concurrency is usually preferable, so this is off by default.
func WithTwoStageAllHosts() Option {
	return func(o *clientOptions) { o.twoStageAllHosts = true }
}

// Policy selects how a batch of jobs is scheduled.
type Policy int

const (
	// PolicyHybrid multiplexes two-stage requests on the network and runs
	// everything else on goroutines. Two-stage dispatch is restricted to
	// loopback servers unless WithTwoStageAllHosts is given.
	PolicyHybrid Policy = iota

	// PolicySequential runs jobs one at a time, in order.
	PolicySequential

	// PolicyThreaded runs every job on its own goroutine.
	PolicyThreaded

	// PolicyTwoStage multiplexes two-stage requests on the network and runs
	// the rest sequentially.
	PolicyTwoStage
)

func (p Policy) String() string {
	switch p {
	case PolicyHybrid:
		return "Hybrid"
	case PolicySequential:
		return "Sequential"
	case PolicyThreaded:
		return "Threaded"
	case PolicyTwoStage:
		return "TwoStage"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func (p Policy) scheduler() Scheduler {
	switch p {
	case PolicySequential:
		return RunSequential
	case PolicyThreaded:
		return RunThreaded
	case PolicyTwoStage:
		return RunTwoStage
	default:
		return RunHybrid
	}
}

// ParallelClient fans one method call out to a set of servers and returns
// the per-server results as they become available.
type ParallelClient struct {
	endpoints []Endpoint
	policy    Policy
	log       *zap.Logger
}

// NewParallelClient builds a client from server URLs. Under the hybrid
// policy, http servers on loopback get two-stage endpoints and everything
// else runs atomically; see WithTwoStageAllHosts.
func NewParallelClient(servers []string, opts ...Option) (*ParallelClient, error) {
	o := newClientOptions(opts)
	endpoints := make([]Endpoint, 0, len(servers))
	for _, s := range servers {
		eo := *o
		if o.policy == PolicyHybrid && !o.twoStageAllHosts && !isLoopbackURL(s) {
			eo.forceAtomic = true
		}
		ep, err := newEndpoint(s, &eo)
		if err != nil {
			closeEndpoints(endpoints)
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return &ParallelClient{endpoints: endpoints, policy: o.policy, log: o.logger}, nil
}

// NewParallelClientFromEndpoints wraps pre-built endpoints. The endpoints
// are owned by the client and closed with it.
func NewParallelClientFromEndpoints(endpoints []Endpoint, opts ...Option) *ParallelClient {
	o := newClientOptions(opts)
	return &ParallelClient{endpoints: endpoints, policy: o.policy, log: o.logger}
}

// Endpoints returns the configured endpoints, in construction order.
func (c *ParallelClient) Endpoints() []Endpoint { return c.endpoints }

// Call invokes method with args on every configured server. Results arrive
// on the returned channel in whatever order the scheduling policy yields
// them, exactly one per endpoint; the caller must consume them all.
func (c *ParallelClient) Call(ctx context.Context, method string, args interface{}) <-chan Result {
	jobs := make([]Job, len(c.endpoints))
	for i, ep := range c.endpoints {
		jobs[i] = Job{Endpoint: ep, Method: method, Args: args}
	}
	c.log.Debug("dispatching batch",
		zap.String("method", method),
		zap.Int("jobs", len(jobs)),
		zap.Stringer("policy", c.policy))
	return c.policy.scheduler()(ctx, jobs)
}

// Close closes all endpoints.
func (c *ParallelClient) Close() error {
	var err error
	for _, ep := range c.endpoints {
		err = multierr.Append(err, ep.Close())
	}
	return err
}

func (c *ParallelClient) String() string {
	return fmt.Sprintf("<%sParallelClient for %d servers>", c.policy, len(c.endpoints))
}

func closeEndpoints(endpoints []Endpoint) {
	for _, ep := range endpoints {
		ep.Close()
	}
}

func isLoopbackURL(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
