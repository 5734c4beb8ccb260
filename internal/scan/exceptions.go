package scan

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes exceptions to the structured log.
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink returns a sink logging under the scan component.
func NewLogSink() *LogSink {
	return &LogSink{Logger: log.With().Str("component", "scan").Logger()}
}

// OnException logs err with its context fields.
func (s *LogSink) OnException(err error, fields map[string]string) {
	evt := s.Logger.Error().Err(err)
	for k, v := range fields {
		evt = evt.Str(k, v)
	}
	evt.Msg("scan failure")
}

// Exception is a recorded failure.
type Exception struct {
	Err    error
	Fields map[string]string
}

// Recorder keeps every reported exception in memory.
type Recorder struct {
	mu         sync.Mutex
	exceptions []Exception
}

// OnException records err.
func (r *Recorder) OnException(err error, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions = append(r.exceptions, Exception{Err: err, Fields: fields})
}

// Exceptions returns a copy of what was recorded.
func (r *Recorder) Exceptions() []Exception {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Exception(nil), r.exceptions...)
}

// Tee forwards exceptions to several sinks.
type Tee []ExceptionSink

// OnException forwards to every sink.
func (t Tee) OnException(err error, fields map[string]string) {
	for _, s := range t {
		s.OnException(err, fields)
	}
}
