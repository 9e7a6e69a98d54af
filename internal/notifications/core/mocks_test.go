package core

import (
	"context"
	"sync"
	"time"

	"deadswitch/internal/types"
)

type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (l *mockLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *mockLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args) }
func (l *mockLogger) With(args ...any) types.Logger { return l }

func (l *mockLogger) has(level, prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && len(e.msg) >= len(prefix) && e.msg[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// mockMessageStore keeps messages by ID and enforces version CAS like the
// real repository.
type mockMessageStore struct {
	mu       sync.Mutex
	messages map[string]types.Message

	getErr     error
	updateErrs []error // consumed in order before the CAS check

	// beforeUpdate runs once, inside the first Update call, to simulate a
	// concurrent writer.
	beforeUpdate func(m *types.Message)

	updates int
}

func newMockStore(msgs ...types.Message) *mockMessageStore {
	s := &mockMessageStore{messages: map[string]types.Message{}}
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return s
}

func (s *mockMessageStore) GetByID(_ context.Context, id string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	return &m, nil
}

func (s *mockMessageStore) Update(_ context.Context, m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updateErrs) > 0 {
		err := s.updateErrs[0]
		s.updateErrs = s.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	stored, ok := s.messages[m.ID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	if s.beforeUpdate != nil {
		s.beforeUpdate(&stored)
		stored.Version++
		s.messages[m.ID] = stored
		s.beforeUpdate = nil
	}
	if stored.Version != m.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "version mismatch", nil)
	}
	m.Version++
	s.messages[m.ID] = *m
	s.updates++
	return nil
}

func (s *mockMessageStore) get(id string) types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

type mockTransport struct {
	mu    sync.Mutex
	sent  []types.Envelope
	errs  []error // consumed in order; nil means success
	calls int
}

func (t *mockTransport) Send(_ context.Context, env types.Envelope) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return "", err
		}
	}
	t.sent = append(t.sent, env)
	return "sg-" + env.IdempotencyKey, nil
}

type recordingMetrics struct {
	mu            sync.Mutex
	results       []MetricResult
	inconsistent  int
	queueLags     []time.Duration
	latencyCalled int
}

func (r *recordingMetrics) RecordDelivery(_ context.Context, res MetricResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recordingMetrics) RecordLatency(context.Context, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencyCalled++
}

func (r *recordingMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueLags = append(r.queueLags, lag)
}

func (r *recordingMetrics) RecordInconsistency(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inconsistent++
}

// hangingTransport blocks until the caller's context ends. With succeed set
// it reports a delivery that completed right at the deadline.
type hangingTransport struct {
	mu      sync.Mutex
	calls   int
	succeed bool
}

func (t *hangingTransport) Send(ctx context.Context, env types.Envelope) (string, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	<-ctx.Done()
	if t.succeed {
		return "sg-" + env.IdempotencyKey, nil
	}
	return "", ctx.Err()
}

// gatedTransport signals started on its first call and holds it until
// release is closed.
type gatedTransport struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (t *gatedTransport) Send(_ context.Context, env types.Envelope) (string, error) {
	t.mu.Lock()
	t.calls++
	first := t.calls == 1
	t.mu.Unlock()
	if first {
		close(t.started)
		<-t.release
	}
	return "sg-" + env.IdempotencyKey, nil
}
