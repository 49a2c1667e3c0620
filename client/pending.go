// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"

	"github.com/absmach/oilmq/codec"
	jsoniter "github.com/json-iterator/go"
)

// Future is one request waiting for its reply. Replies arrive in request
// order, so futures are completed in the order they were queued.
type Future struct {
	op     codec.Opcode
	done   chan struct{}
	result jsoniter.RawMessage
	err    error
}

func newFuture(op codec.Opcode) *Future {
	return &Future{op: op, done: make(chan struct{})}
}

func (f *Future) complete(result jsoniter.RawMessage, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done is closed when the reply has arrived or the connection failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the reply arrives or ctx expires and returns the error
// reported by the broker, if any.
func (f *Future) Wait(ctx context.Context) error {
	_, err := f.wait(ctx)
	return err
}

// wait blocks until the reply arrives or ctx expires. An abandoned future
// still consumes its reply when it arrives.
func (f *Future) wait(ctx context.Context) (jsoniter.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// decode unmarshals the reply object into v.
func (f *Future) decode(ctx context.Context, v any) error {
	raw, err := f.wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	return codec.Unmarshal(raw, v)
}

// pendingQueue holds the futures of requests written but not yet answered.
type pendingQueue struct {
	mu      sync.Mutex
	futures []*Future
	closed  error
}

func (pq *pendingQueue) push(f *Future) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.closed != nil {
		return pq.closed
	}
	pq.futures = append(pq.futures, f)
	return nil
}

// pop removes the oldest future.
func (pq *pendingQueue) pop() *Future {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.futures) == 0 {
		return nil
	}
	f := pq.futures[0]
	pq.futures[0] = nil
	pq.futures = pq.futures[1:]
	return f
}

// drop removes f if it is still the newest future. It undoes a push whose
// frame could not be written.
func (pq *pendingQueue) drop(f *Future) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if n := len(pq.futures); n > 0 && pq.futures[n-1] == f {
		pq.futures[n-1] = nil
		pq.futures = pq.futures[:n-1]
	}
}

// clear fails every outstanding future and rejects new ones with err.
func (pq *pendingQueue) clear(err error) {
	pq.mu.Lock()
	futures := pq.futures
	pq.futures = nil
	if pq.closed == nil {
		pq.closed = err
	}
	pq.mu.Unlock()

	for _, f := range futures {
		f.complete(nil, err)
	}
}

func (pq *pendingQueue) count() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.futures)
}
