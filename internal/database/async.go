package database

import (
	"context"
	"database/sql"
)

// AsyncPool runs database operations on a bounded pool of worker goroutines,
// so callers on latency-sensitive paths (HTTP handlers, the gateway) never
// block a request goroutine directly on a sqlite call. sqlite itself has no
// discrete "connections" to evict the way a network database pool would, so
// this pool's job is purely to bound concurrent callers, not to manage
// connections (those are already bounded by sql.DB's own pool settings).
type AsyncPool struct {
	work chan func()
	done chan struct{}
}

// NewAsyncPool starts workers goroutines draining a shared work queue.
func NewAsyncPool(workers int) *AsyncPool {
	if workers < 1 {
		workers = 1
	}
	p := &AsyncPool{
		work: make(chan func(), workers*4),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *AsyncPool) loop() {
	for {
		select {
		case fn, ok := <-p.work:
			if !ok {
				return
			}
			fn()
		case <-p.done:
			return
		}
	}
}

// Close stops accepting new work. In-flight submissions already enqueued
// still run to completion.
func (p *AsyncPool) Close() {
	close(p.done)
}

// ExecAsync submits an ExecRetry call to the pool and returns a channel that
// receives the single result once the call completes.
func (db *DB) ExecAsync(pool *AsyncPool, ctx context.Context, query string, args ...interface{}) <-chan AsyncExecResult {
	resultCh := make(chan AsyncExecResult, 1)
	pool.work <- func() {
		res, err := db.ExecRetry(ctx, query, args...)
		resultCh <- AsyncExecResult{Result: res, Err: err}
	}
	return resultCh
}

// AsyncExecResult carries the outcome of an ExecAsync call.
type AsyncExecResult struct {
	Result sql.Result
	Err    error
}

// FetchAllAsync submits a FetchAllRetry call to the pool and returns a
// channel that receives the single error outcome (scan populates its own
// destination via closure).
func (db *DB) FetchAllAsync(pool *AsyncPool, ctx context.Context, scan func(*sql.Rows) error, query string, args ...interface{}) <-chan error {
	errCh := make(chan error, 1)
	pool.work <- func() {
		errCh <- db.FetchAllRetry(ctx, scan, query, args...)
	}
	return errCh
}
