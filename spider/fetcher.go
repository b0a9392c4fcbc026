package spider

import (
	"context"
	"sync"
)

// Result is a finished transfer handed back to the scheduler.
type Result struct {
	Work *queued
	Mark int
	Err  error
}

// Multi runs transfers concurrently and reports completions on a channel.
// The scheduler owns admission control; Multi only bounds the number of
// goroutines that may run at once.
type Multi struct {
	slots       chan struct{}
	completions chan *Result
	wg          sync.WaitGroup
}

// NewMulti sizes the transfer pool. Completions are buffered so finishing
// transfers never block each other.
func NewMulti(concurrent int) *Multi {
	if concurrent < 1 {
		concurrent = 1
	}
	poolSize := concurrent * 2
	if poolSize < 16 {
		poolSize = 16
	}
	return &Multi{
		slots:       make(chan struct{}, concurrent),
		completions: make(chan *Result, poolSize),
	}
}

// Add starts a transfer. It blocks while the pool is saturated, which only
// happens if the scheduler over-admits.
func (m *Multi) Add(ctx context.Context, w *queued) {
	m.slots <- struct{}{}
	m.wg.Add(1)
	go func() {
		defer func() {
			<-m.slots
			m.wg.Done()
		}()
		mark := w.h.HeaderMark()
		err := w.h.Perform(ctx)
		m.completions <- &Result{Work: w, Mark: mark, Err: err}
	}()
}

// Completions delivers finished transfers.
func (m *Multi) Completions() <-chan *Result {
	return m.completions
}

// Wait blocks until every started transfer has completed.
func (m *Multi) Wait() {
	m.wg.Wait()
}
