// Package queue implements the §5 serial background task queue: a single
// worker draining a FIFO channel, so that persistence writes and event
// broadcasts for a given trouble_id are applied in exactly the order they
// were accepted, even though registry mutations themselves never block on
// I/O. Grounded on the teacher's HistoryManager periodic-save goroutine
// (ticker + stopChan), generalized here to an arbitrary task closure
// submitted per mutation rather than a fixed periodic save.
package queue

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// defaultCapacity bounds the backlog; once it is full, Submit drops new
// tasks instead of blocking the caller (see Submit below).
const defaultCapacity = 1024

// Task is a unit of work executed on the single queue worker.
type Task func()

// Queue is a single-producer(many)/single-consumer FIFO task queue.
type Queue struct {
	tasks    chan Task
	done     chan struct{}
	wg       sync.WaitGroup
	fullOnce sync.Once
}

// New creates a Queue and starts its worker goroutine.
func New() *Queue {
	q := &Queue{
		tasks: make(chan Task, defaultCapacity),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			q.exec(t)
		case <-q.done:
			// Drain remaining queued tasks before exiting so in-flight
			// persistence/broadcast ordering for already-accepted work
			// is preserved across shutdown.
			for {
				select {
				case t, ok := <-q.tasks:
					if !ok {
						return
					}
					q.exec(t)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("queue task panicked, recovered")
		}
	}()
	t()
}

// Submit enqueues a task. If the queue is full, it is logged and dropped
// (§7 QueueFull) rather than blocking the caller — registry mutations must
// never block on the serial worker's backlog.
func (q *Queue) Submit(t Task) {
	select {
	case q.tasks <- t:
	default:
		q.fullOnce.Do(func() {
			log.Warn().Msg("task queue full, dropping task (will recur until drained)")
		})
		log.Warn().Msg("dropped queued task: queue full")
	}
}

// Stop signals the worker to drain remaining tasks and exit, then blocks
// until it has done so.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}
