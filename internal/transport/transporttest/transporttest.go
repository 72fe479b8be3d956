// Package transporttest provides a scripted transport.Sender for tests.
package transporttest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/vaebz/magic-mcp/internal/transport"
)

// Call is one recorded Send.
type Call struct {
	ConnectionID string
	Payload      []byte
	At           time.Time
}

// Sender records every call and answers from a per-connection script.
// Connections without a script succeed.
type Sender struct {
	mu          sync.Mutex
	calls       []Call
	scripts     map[string][]error
	always      map[string]error
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

// New creates a sender where every send succeeds.
func New() *Sender {
	return &Sender{
		scripts: make(map[string][]error),
		always:  make(map[string]error),
	}
}

// Script queues per-attempt results for id. Once the queue is drained, sends
// to id succeed.
func (s *Sender) Script(id string, results ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = append(s.scripts[id], results...)
}

// AlwaysFail makes every send to id return err.
func (s *Sender) AlwaysFail(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.always[id] = err
}

// SetDelay makes each send block for d or until its context ends.
func (s *Sender) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Send implements transport.Sender.
func (s *Sender) Send(ctx context.Context, connectionID string, payload []byte) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{ConnectionID: connectionID, Payload: slices.Clone(payload), At: time.Now()})
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	delay := s.delay

	var result error
	if err, ok := s.always[connectionID]; ok {
		result = err
	} else if queue := s.scripts[connectionID]; len(queue) > 0 {
		result = queue[0]
		s.scripts[connectionID] = queue[1:]
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return transport.Transient("send cancelled", ctx.Err())
		}
	}
	return result
}

// Calls returns every recorded call in order.
func (s *Sender) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallsTo returns the recorded calls for one connection.
func (s *Sender) CallsTo(id string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.ConnectionID == id {
			out = append(out, c)
		}
	}
	return out
}

// Attempts returns how many sends targeted id.
func (s *Sender) Attempts(id string) int {
	return len(s.CallsTo(id))
}

// Recipients returns the distinct connection ids sent to, sorted.
func (s *Sender) Recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.calls {
		if !seen[c.ConnectionID] {
			seen[c.ConnectionID] = true
			out = append(out, c.ConnectionID)
		}
	}
	slices.Sort(out)
	return out
}

// MaxInFlight returns the highest number of concurrent sends observed.
func (s *Sender) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// ErrFlaky is a ready-made transient failure for scripts.
var ErrFlaky = transport.Transient("flaky transport", errors.New("503 from upstream"))

// GoneErr returns a gone failure for id.
func GoneErr(id string) error {
	return transport.Gone(id, errors.New("410 Gone"))
}
