package gatt

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Scheduler runs at most one Operation at a time, in FIFO order. A Disconnect
// with cancelQueued set pre-empts everything queued and in flight.
type Scheduler struct {
	env    *env
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []Operation
	current Operation
}

func newScheduler(e *env, logger *logrus.Logger) *Scheduler {
	return &Scheduler{env: e, logger: logger}
}

// Enqueue appends op and starts it if nothing is in flight.
func (s *Scheduler) Enqueue(o Operation) {
	o.bind(s.operationEnded)

	s.mu.Lock()
	s.logger.WithFields(logrus.Fields{
		"operation": o.Name(),
		"op_id":     o.ID(),
		"queued":    len(s.queue) + 1,
	}).Debug("Enqueuing operation")

	if d, ok := o.(*disconnectOp); ok && d.cancelQueued {
		s.logger.WithField("count", len(s.queue)).Debug("Cancelling operations")
		for _, q := range s.queue {
			q.cancel()
		}
		s.queue = nil
		if s.current != nil {
			s.current.cancel()
			s.current = nil
		}
	}

	s.queue = append(s.queue, o)
	next := s.dequeueLocked()
	s.mu.Unlock()

	s.run(next)
}

// dequeueLocked moves the queue head into the empty current slot.
func (s *Scheduler) dequeueLocked() Operation {
	if s.current != nil || len(s.queue) == 0 {
		return nil
	}
	next := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.current = next
	return next
}

// run starts o outside the lock so a synchronous finish can re-enter the scheduler.
func (s *Scheduler) run(o Operation) {
	if o == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{"operation": o.Name(), "op_id": o.ID()}).Debug("Performing operation")
	o.start(s.env)
}

// operationEnded frees the slot held by o and starts the next operation.
// Calls for an operation that is not current are ignored.
func (s *Scheduler) operationEnded(o Operation) {
	s.mu.Lock()
	if s.current != o {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.logger.WithFields(logrus.Fields{
		"operation": o.Name(),
		"op_id":     o.ID(),
		"remaining": len(s.queue),
	}).Debug("Operation ended")
	next := s.dequeueLocked()
	s.mu.Unlock()

	s.run(next)
}

// Current is the in-flight operation, or nil.
func (s *Scheduler) Current() Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Queued is the number of operations waiting to start.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CancelAll cancels every queued and in-flight operation.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queue {
		q.cancel()
	}
	s.queue = nil
	if s.current != nil {
		s.current.cancel()
		s.current = nil
	}
}
