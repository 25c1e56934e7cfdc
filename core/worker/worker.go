// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides background worker tasks.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines sharing one halt
// signal.  The zero value is ready to use.
type Worker struct {
	wg       sync.WaitGroup
	initOnce sync.Once

	ctx      context.Context
	cancelFn context.CancelFunc
}

func (w *Worker) init() {
	w.ctx, w.cancelFn = context.WithCancel(context.Background())
}

// Go runs fn in a new go routine tracked by the Worker.  fn must return
// once HaltCh is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt signals every go routine to terminate and waits for them.  It is
// safe to call more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.cancelFn()
	w.wg.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.ctx.Done()
}

// Context returns a context cancelled by Halt, for blocking calls made
// from worker go routines.
func (w *Worker) Context() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}

// IsHalted returns true iff Halt has been called.
func (w *Worker) IsHalted() bool {
	return w.Context().Err() != nil
}
