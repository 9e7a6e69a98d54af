package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"deadswitch/internal/lifecycle"
	"deadswitch/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sweepNow = time.Date(2026, 4, 2, 12, 30, 0, 0, time.UTC)

// overdueSwitch returns a switch whose deadline passed an hour before now.
func overdueSwitch(id string, now time.Time) *types.Switch {
	last := now.Add(-8*lifecycle.Day - time.Hour)
	due := lifecycle.ComputeNextDue(last, 7)
	return &types.Switch{
		ID:                  id,
		UserID:              "user_" + id,
		Name:                "switch " + id,
		CheckInIntervalDays: 7,
		GracePeriodDays:     1,
		IsActive:            true,
		LastCheckIn:         &last,
		NextCheckInDue:      &due,
		Status:              types.SwitchStatusActive,
		Version:             1,
	}
}

// ============================================================
// Mock: TriggerStore / ApproachingDueFinder
// ============================================================

type mockSwitchStore struct {
	mu sync.Mutex

	ready    []*types.Switch
	findErr  error
	upcoming []*types.Switch

	updateErrs map[string]error
	updated    []string
	versions   map[string]int64
	updateCtxs []context.Context
}

func (m *mockSwitchStore) FindReadyToTrigger(_ context.Context, _ time.Time, limit int) ([]*types.Switch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if limit < len(m.ready) {
		return m.ready[:limit], nil
	}
	return m.ready, nil
}

func (m *mockSwitchStore) FindApproachingDue(_ context.Context, _ time.Time, _ int, _ int) ([]*types.Switch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.upcoming, nil
}

func (m *mockSwitchStore) Update(ctx context.Context, sw *types.Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCtxs = append(m.updateCtxs, ctx)
	if err := m.updateErrs[sw.ID]; err != nil {
		return err
	}
	if m.versions == nil {
		m.versions = map[string]int64{}
	}
	sw.Version++
	m.versions[sw.ID] = sw.Version
	m.updated = append(m.updated, sw.ID)
	return nil
}

// casSwitchStore hands out copies and enforces the version check of the real
// repository. Every FindReadyToTrigger caller waits at the barrier, so
// concurrent sweeps all read the same stale versions.
type casSwitchStore struct {
	mu       sync.Mutex
	switches map[string]types.Switch
	barrier  *sync.WaitGroup
	commits  int
}

func newCASSwitchStore(readers int, sws ...*types.Switch) *casSwitchStore {
	s := &casSwitchStore{switches: map[string]types.Switch{}, barrier: &sync.WaitGroup{}}
	s.barrier.Add(readers)
	for _, sw := range sws {
		s.switches[sw.ID] = *sw
	}
	return s
}

func (s *casSwitchStore) FindReadyToTrigger(_ context.Context, _ time.Time, _ int) ([]*types.Switch, error) {
	s.mu.Lock()
	var out []*types.Switch
	for _, sw := range s.switches {
		if sw.Status == types.SwitchStatusActive {
			c := sw
			out = append(out, &c)
		}
	}
	s.mu.Unlock()

	s.barrier.Done()
	s.barrier.Wait()
	return out, nil
}

func (s *casSwitchStore) Update(_ context.Context, sw *types.Switch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.switches[sw.ID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSwitch, "switch not found", nil)
	}
	if stored.Version != sw.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "version mismatch", nil)
	}
	sw.Version++
	s.switches[sw.ID] = *sw
	s.commits++
	return nil
}

func (s *casSwitchStore) get(id string) types.Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches[id]
}

// ============================================================
// Mock: MessageLister / StrandedMessageFinder
// ============================================================

type mockMessages struct {
	mu sync.Mutex

	bySwitch map[string][]*types.Message
	listErr  map[string]error
	stranded []*types.Message
	cutoff   time.Time
	strErr   error
	redriven map[string]time.Time
	markErr  error
}

func (m *mockMessages) FindBySwitchID(_ context.Context, switchID string) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[switchID]; err != nil {
		return nil, err
	}
	return m.bySwitch[switchID], nil
}

func (m *mockMessages) FindStranded(_ context.Context, olderThan time.Time, _ int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoff = olderThan
	if m.strErr != nil {
		return nil, m.strErr
	}
	var out []*types.Message
	for _, msg := range m.stranded {
		if at, ok := m.redriven[msg.ID]; ok && !at.Before(olderThan) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *mockMessages) MarkRedriven(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	if m.redriven == nil {
		m.redriven = map[string]time.Time{}
	}
	m.redriven[id] = at
	return nil
}

// ============================================================
// Mock: JobEnqueuer
// ============================================================

type mockEnqueuer struct {
	mu     sync.Mutex
	jobs   []types.DispatchJob
	queues []string
	errFor map[string]error // keyed by message ID
}

func (m *mockEnqueuer) Enqueue(_ context.Context, queueName string, job types.DispatchJob) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errFor[job.MessageID]; err != nil {
		return "", err
	}
	m.jobs = append(m.jobs, job)
	m.queues = append(m.queues, queueName)
	return "sqs-" + job.MessageID, nil
}

func (m *mockEnqueuer) messageIDs() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, j := range m.jobs {
		out[j.MessageID]++
	}
	return out
}

// ============================================================
// Mock: ContactLookup / ReminderSender / ReminderCache
// ============================================================

type mockContacts struct {
	contacts map[string]*types.UserContact
}

func (m *mockContacts) GetContact(_ context.Context, userID string) (*types.UserContact, error) {
	c, ok := m.contacts[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return c, nil
}

type mockSender struct {
	mu      sync.Mutex
	sent    []types.ReminderNotice
	sendErr error
}

func (m *mockSender) SendReminder(_ context.Context, n types.ReminderNotice) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, n)
	return "sg-" + n.SwitchID, nil
}

type mockCache struct {
	mu     sync.Mutex
	keys   map[string]time.Duration
	getErr error
	setErr error
}

func (m *mockCache) Get(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return false, m.getErr
	}
	_, ok := m.keys[key]
	return ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	if m.keys == nil {
		m.keys = map[string]time.Duration{}
	}
	m.keys[key] = ttl
	return nil
}

// ============================================================
// Mock: BatchMetrics
// ============================================================

type mockMetrics struct {
	mu        sync.Mutex
	triggered int
	conflicts int
	enqueued  map[string]int
	reminders int
	failures  map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{enqueued: map[string]int{}, failures: map[string]int{}}
}

func (m *mockMetrics) RecordTriggered(_ context.Context, triggered, conflicts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered += triggered
	m.conflicts += conflicts
}

func (m *mockMetrics) RecordJobsEnqueued(_ context.Context, task string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued[task] += n
}

func (m *mockMetrics) RecordRemindersSent(_ context.Context, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders += n
}

func (m *mockMetrics) RecordBatchFailures(_ context.Context, task string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[task] += n
}

// ============================================================
// Mock: JobLocker
// ============================================================

type mockLocker struct {
	mu         sync.Mutex
	held       map[string]string // lockID -> worker
	err        error
	acquired   []string
	released   []string
	releaseErr error
}

func (m *mockLocker) Acquire(_ context.Context, lockID, workerID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.held == nil {
		m.held = map[string]string{}
	}
	if owner, ok := m.held[lockID]; ok && owner != workerID {
		return false, nil
	}
	m.held[lockID] = workerID
	m.acquired = append(m.acquired, lockID)
	return true, nil
}

func (m *mockLocker) Release(_ context.Context, lockID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return m.releaseErr
	}
	if m.held[lockID] == workerID {
		delete(m.held, lockID)
	}
	m.released = append(m.released, lockID)
	return nil
}
