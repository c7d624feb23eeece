//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool is a fixed-size worker pool shared by every in-flight
// operation. It is the global admission control for sub-query
// execution: no matter how many requests are active, at most
// workers sub-queries run at once.
type Pool struct {
	tasks        chan func()
	wg           sync.WaitGroup
	closed       atomic.Bool
	active       atomic.Int32
	panicHandler func(any)
}

// PoolOption configures the pool.
type PoolOption func(*Pool)

// WithPanicHandler sets a handler invoked when a task panics. The
// panic is always recovered so a bad task cannot kill a worker.
func WithPanicHandler(h func(any)) PoolOption {
	return func(p *Pool) {
		p.panicHandler = h
	}
}

// NewPool creates a pool with the given worker count and queue size.
// Workers are started eagerly and live until Close.
func NewPool(workers, queueSize int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		tasks: make(chan func(), queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task, blocking until a queue slot is free or ctx
// is done. A task accepted by Submit always runs, even if the pool is
// closed before it is picked up. Submit must not be called
// concurrently with Close.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveWorkers returns the number of workers currently executing a
// task.
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

// QueuedTasks returns the number of tasks waiting for a worker.
func (p *Pool) QueuedTasks() int {
	return len(p.tasks)
}

// Close stops accepting tasks, drains the queue, and waits for every
// worker to finish.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.active.Add(1)
		p.run(task)
		p.active.Add(-1)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.panicHandler != nil {
			p.panicHandler(r)
		}
	}()
	task()
}
