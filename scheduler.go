// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Job is one method call against one endpoint within a batch.
type Job struct {
	Endpoint Endpoint
	Method   string
	Args     interface{}
}

// Result is the outcome of one Job: a decoded value or a captured error,
// always paired with the Job that produced it. Schedulers never raise across
// a job boundary; a failing job cannot keep its siblings from completing.
type Result struct {
	Job   Job
	Value json.RawMessage
	Err   error
}

// Decode unmarshals the result value into v. It returns the result's error,
// if any, without touching v.
func (r Result) Decode(v interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Value == nil {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// Scheduler consumes a batch of jobs and produces a finite stream of
// results, exactly one per job. The channel is unbuffered and closed when
// the batch is done; results are yielded as they become available, and the
// caller must consume all of them.
type Scheduler func(ctx context.Context, jobs []Job) <-chan Result

// safeCall performs one complete call, converting a panic in the endpoint
// into an error result.
func safeCall(ctx context.Context, j Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Job: j, Err: fmt.Errorf("job panicked: %v", r)}
		}
	}()
	return j.Endpoint.Call(ctx, j.Method, j.Args)
}

// RunSequential runs jobs one at a time, yielding results in job order. It
// is the default fallback for RunTwoStage.
func RunSequential(ctx context.Context, jobs []Job) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		for _, j := range jobs {
			out <- safeCall(ctx, j)
		}
	}()
	return out
}

// RunThreaded runs every job on its own goroutine. Completed results
// accumulate in a shared list; the scheduler joins goroutines in submission
// order and, after each join, drains everything accumulated so far, so one
// slow job does not hold back results that are already in.
func RunThreaded(ctx context.Context, jobs []Job) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)

		var mu sync.Mutex
		var acc []Result
		done := make([]chan struct{}, len(jobs))
		for i, j := range jobs {
			ch := make(chan struct{})
			done[i] = ch
			go func(j Job) {
				defer close(ch)
				r := safeCall(ctx, j)
				mu.Lock()
				acc = append(acc, r)
				mu.Unlock()
			}(j)
		}
		for _, ch := range done {
			<-ch
			mu.Lock()
			batch := acc
			acc = nil
			mu.Unlock()
			for _, r := range batch {
				out <- r
			}
		}
	}()
	return out
}

// RunTwoStage runs a batch using network multiplexing for every two-stage
// capable endpoint and RunSequential for the rest.
func RunTwoStage(ctx context.Context, jobs []Job) <-chan Result {
	return RunTwoStageWith(ctx, jobs, RunSequential)
}

// RunHybrid is RunTwoStage with RunThreaded as the fallback, so jobs that
// cannot be multiplexed still run concurrently.
func RunHybrid(ctx context.Context, jobs []Job) <-chan Result {
	return RunTwoStageWith(ctx, jobs, RunThreaded)
}

// RunTwoStageWith runs a batch with a caller-chosen fallback scheduler:
//
//  1. split two-stage capable jobs from the rest
//  2. build each distinct payload once and share it (see payloadCache)
//  3. start every two-stage request; a failed start yields a pre-failed
//     handle, never a dropped job
//  4. drain the fallback scheduler over the remaining jobs
//  5. finish started requests as their descriptors become readable
//
// Fallback results are fully drained before the poll loop begins, so work
// that cannot be multiplexed never waits behind it. Completion order for the
// multiplexed portion follows network readiness, not submission order.
func RunTwoStageWith(ctx context.Context, jobs []Job, fallback Scheduler) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		runTwoStage(ctx, jobs, fallback, out)
	}()
	return out
}

type startedRequest struct {
	job    Job
	ep     twoStager
	handle *RequestHandle
}

func finishRequest(sr *startedRequest) Result {
	value, err := sr.ep.FinishRequest(sr.handle)
	return Result{Job: sr.job, Value: value, Err: err}
}

func runTwoStage(ctx context.Context, jobs []Job, fallback Scheduler, out chan<- Result) {
	var pipelined, others []Job
	for _, j := range jobs {
		if _, ok := j.Endpoint.(twoStager); ok {
			pipelined = append(pipelined, j)
		} else {
			others = append(others, j)
		}
	}

	var started []*startedRequest
	if len(pipelined) > 0 {
		cache := newPayloadCache()
		for _, j := range pipelined {
			cache.build(j, j.Endpoint.(twoStager))
		}
		for _, j := range pipelined {
			ep := j.Endpoint.(twoStager)
			payload, err := cache.lookup(j, ep)
			var h *RequestHandle
			if err != nil {
				h = &RequestHandle{err: err, fd: -1}
			} else {
				h = ep.StartRequest(ctx, payload)
			}
			started = append(started, &startedRequest{job: j, ep: ep, handle: h})
		}
	}

	if len(others) > 0 {
		for r := range fallback(ctx, others) {
			out <- r
		}
	}

	// Requests that never produced a descriptor cannot be polled; finish
	// them now so every job still yields a result.
	polling := make(map[int]*startedRequest, len(started))
	for _, sr := range started {
		fd, ok := sr.ep.Descriptor(sr.handle)
		if !ok {
			out <- finishRequest(sr)
			continue
		}
		polling[fd] = sr
	}

	for len(polling) > 0 {
		fds := make([]int, 0, len(polling))
		for fd := range polling {
			fds = append(fds, fd)
		}
		ready, err := pollWait(fds, -1)
		if err != nil {
			// Polling is broken; finish the remainder with blocking reads.
			for fd, sr := range polling {
				delete(polling, fd)
				out <- finishRequest(sr)
			}
			return
		}
		for _, fd := range ready {
			sr, ok := polling[fd]
			if !ok {
				continue
			}
			delete(polling, fd)
			out <- finishRequest(sr)
		}
	}
}

// formatKey groups jobs whose serialized payload is guaranteed identical:
// same method, same args, same encoding options.
type formatKey struct {
	method string
	args   string
	format string
}

// payloadCache builds each distinct payload exactly once per batch. Jobs
// sharing a format key get byte-identical request bodies, so one encode
// serves every endpoint the payload targets.
type payloadCache struct {
	payloads map[formatKey][]byte
	errs     map[formatKey]error
}

func newPayloadCache() *payloadCache {
	return &payloadCache{
		payloads: make(map[formatKey][]byte),
		errs:     make(map[formatKey]error),
	}
}

func cacheKey(j Job, ep twoStager) formatKey {
	return formatKey{method: j.Method, args: canonicalArgs(j.Args), format: ep.RequestFormat()}
}

func (c *payloadCache) build(j Job, ep twoStager) {
	key := cacheKey(j, ep)
	if _, ok := c.payloads[key]; ok {
		return
	}
	if _, ok := c.errs[key]; ok {
		return
	}
	payload, err := ep.MakePayload(j.Method, j.Args)
	if err != nil {
		c.errs[key] = fmt.Errorf("encode request: %w", err)
		return
	}
	c.payloads[key] = payload
}

func (c *payloadCache) lookup(j Job, ep twoStager) ([]byte, error) {
	key := cacheKey(j, ep)
	if err, ok := c.errs[key]; ok {
		return nil, err
	}
	return c.payloads[key], nil
}

// canonicalArgs renders args into a comparable key. Arguments that cannot
// be marshaled key on the error; their jobs fail at encode time anyway.
func canonicalArgs(args interface{}) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "!" + err.Error()
	}
	return string(b)
}
