package gateway

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"callgate/internal/callerr"
)

// Failure describes a call that ended in an error returned to the caller.
type Failure struct {
	Target string
	Method string
	Args   []interface{}
	Kind   callerr.Kind
	Err    error
}

// Recorder receives terminal failures for diagnosis.
type Recorder interface {
	RecordFailure(f Failure)
}

// LogRecorder writes failures to the global logger.
type LogRecorder struct{}

// RecordFailure logs f at error level.
func (LogRecorder) RecordFailure(f Failure) {
	log.Error().
		Err(f.Err).
		Str("target", f.Target).
		Str("method", f.Method).
		Str("args", fmt.Sprint(f.Args)).
		Str("kind", f.Kind.String()).
		Msg("Contract call failed")
}

const failureQueueSize = 256

// failureSink hands failures to a Recorder on its own goroutine so a slow or
// panicking recorder cannot affect callers.
type failureSink struct {
	recorder Recorder
	queue    chan Failure
	done     chan struct{}
	once     sync.Once

	mu     sync.RWMutex
	closed bool
}

func newFailureSink(r Recorder) *failureSink {
	s := &failureSink{
		recorder: r,
		queue:    make(chan Failure, failureQueueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *failureSink) record(f Failure) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- f:
	default:
		log.Warn().Str("method", f.Method).Msg("Failure recorder queue full, dropping record")
	}
}

func (s *failureSink) run() {
	defer close(s.done)
	for f := range s.queue {
		s.deliver(f)
	}
}

func (s *failureSink) deliver(f Failure) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("method", f.Method).Msg("Failure recorder panicked")
		}
	}()
	s.recorder.RecordFailure(f)
}

func (s *failureSink) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.done
	})
}
