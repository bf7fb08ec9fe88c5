package testutil

import (
	"sync"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// FakeSink captures request logs synchronously for assertions.
type FakeSink struct {
	mu   sync.Mutex
	logs []gateway.RequestLog
}

// Write appends the log.
func (s *FakeSink) Write(l gateway.RequestLog) {
	s.mu.Lock()
	s.logs = append(s.logs, l)
	s.mu.Unlock()
}

// Logs returns a copy of everything written so far.
func (s *FakeSink) Logs() []gateway.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// Last returns the most recent log, or a zero value when none were written.
func (s *FakeSink) Last() gateway.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) == 0 {
		return gateway.RequestLog{}
	}
	return s.logs[len(s.logs)-1]
}
