package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/enforcer"
	"github.com/tavinathanson/taviblock/internal/hosts"
	"github.com/tavinathanson/taviblock/internal/policy"
	"github.com/tavinathanson/taviblock/internal/scheduler"
)

// memStore is a full in-memory domain.Store, standing in for the
// SQLCipher-backed store so scenarios run without touching disk.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	sessions  []domain.Session
	bypass    map[string]time.Time
	penalties map[int64]int
}

func newMemStore() *memStore {
	return &memStore{bypass: make(map[string]time.Time), penalties: make(map[int64]int)}
}

func dayBucket(t time.Time) int64 {
	anchor := time.Date(t.Year(), t.Month(), t.Day(), 4, 0, 0, 0, t.Location())
	if t.Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return anchor.Unix()
}

func (m *memStore) InsertSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *memStore) UpdateSessionState(ctx context.Context, id int64, state domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			m.sessions[i].State = state
			return nil
		}
	}
	return policy.ErrSessionNotFound
}

func (m *memStore) ExtendSession(ctx context.Context, id int64, newEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			m.sessions[i].End = newEnd
			m.sessions[i].Notified = false
			return nil
		}
	}
	return policy.ErrSessionNotFound
}

func (m *memStore) MarkNotified(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			m.sessions[i].Notified = true
			return nil
		}
	}
	return policy.ErrSessionNotFound
}

func (m *memStore) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if filter.NonTerminalOnly && s.State.IsTerminal() {
			continue
		}
		if filter.Profile != "" && s.Profile != filter.Profile {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) GetSession(ctx context.Context, id int64) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.Session{}, policy.ErrSessionNotFound
}

func (m *memStore) RecordBypass(ctx context.Context, profile string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bypass[profile] = now
	return nil
}

func (m *memStore) LastBypass(ctx context.Context, profile string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bypass[profile], nil
}

func (m *memStore) BumpPenalty(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penalties[dayBucket(now)]++
	return nil
}

func (m *memStore) GetPenalty(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.penalties[dayBucket(now)], nil
}

func (m *memStore) Close() error { return nil }

// fakeAdapter is a domain.PlatformAdapter whose engagement and prompt
// response are set directly by each scenario.
type fakeAdapter struct {
	engaged      map[string]bool
	promptChoice domain.PromptChoice
	promptCalls  int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{engaged: make(map[string]bool), promptChoice: domain.PromptLetClose}
}

func (f *fakeAdapter) EnumerateTabsFor(domainName string) ([]domain.BrowserTab, error) { return nil, nil }
func (f *fakeAdapter) CloseTab(handle string) error                                    { return nil }
func (f *fakeAdapter) AppIsRunning(name string) bool                                   { return false }
func (f *fakeAdapter) TerminateApp(name string) error                                  { return nil }
func (f *fakeAdapter) UserIsEngaged(domainOrApp string) bool                           { return f.engaged[domainOrApp] }
func (f *fakeAdapter) PromptUser(ctx context.Context, sessionID int64, choices []domain.PromptChoice, timeout time.Duration) (domain.PromptChoice, error) {
	f.promptCalls++
	return f.promptChoice, nil
}

// storeExtender adapts memStore to enforcer.Extender: like the daemon's
// production adapter it honours terminal and cooldown rejection before
// delegating to ExtendSession; it does not repeat that adapter's
// engaged-user check.
type storeExtender struct {
	store    *memStore
	engine   *policy.Engine
}

func (e *storeExtender) Extend(ctx context.Context, sessionID int64, minutes int) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State.IsTerminal() {
		return policy.ErrExtensionForbidden
	}
	if profile, ok := e.engine.Profile(sess.Profile); ok && profile.HasCooldown() {
		return policy.ErrExtensionForbidden
	}
	return e.store.ExtendSession(ctx, sessionID, sess.End.Add(time.Duration(minutes)*time.Minute))
}

// harness wires a policy Engine, a Scheduler, a Hosts Reconciler, and an
// Active Enforcer around one memStore and one MockClock, the same shape
// cmd/taviblockd assembles in production.
type harness struct {
	clk      *clock.MockClock
	store    *memStore
	index    *config.TargetIndex
	engine   *policy.Engine
	sched    *scheduler.Scheduler
	hostsDir string
	hostsPath string
	recon    *hosts.Reconciler
	adapter  *fakeAdapter
	enf      *enforcer.Enforcer
}

func newHarness(now time.Time, targets []domain.Target, profiles []domain.Profile) *harness {
	store := newMemStore()
	index := config.NewTargetIndex(targets)
	engine := policy.New(store, index, profiles, false, 0, nil, nil)

	clk := clock.NewMockClock(now)
	sched := scheduler.New(store, index, clk, nil)

	cooldown := make(map[string]bool)
	for _, p := range profiles {
		if p.HasCooldown() {
			cooldown[p.Name] = true
		}
	}
	sched.SetCooldownProfiles(cooldown)

	dir, err := os.MkdirTemp("", "hosts-integration-*")
	if err != nil {
		panic(err)
	}
	hostsPath := filepath.Join(dir, "hosts")
	if err := os.WriteFile(hostsPath, []byte("127.0.0.1 localhost\n"), 0644); err != nil {
		panic(err)
	}
	recon := hosts.New(hostsPath, nil)
	sched.Subscribe(recon)

	adapter := newFakeAdapter()
	enf := enforcer.New(adapter, index, &storeExtender{store: store, engine: engine}, clk, nil)
	enf.SetCooldownProfiles(cooldown)
	sched.Subscribe(enforcerPublisher{enf})
	sched.AddSink(enf)

	return &harness{
		clk: clk, store: store, index: index, engine: engine, sched: sched,
		hostsDir: dir, hostsPath: hostsPath, recon: recon, adapter: adapter, enf: enf,
	}
}

type enforcerPublisher struct{ enf *enforcer.Enforcer }

func (p enforcerPublisher) Publish(ctx context.Context, domains []string) { p.enf.Publish(ctx, domains) }

func (h *harness) cleanup() { os.RemoveAll(h.hostsDir) }

// unblock mimics the Control Interface's unblock handler: admit through
// the Engine, then commit the resulting drafts to the Store.
func (h *harness) unblock(ctx context.Context, profile string, targets []string, allowOverflow bool) (policy.AdmissionResult, []domain.Session, error) {
	result, err := h.engine.Admit(ctx, profile, targets, h.clk.Now(), allowOverflow)
	if err != nil {
		return policy.AdmissionResult{}, nil, err
	}
	var created []domain.Session
	for _, draft := range result.Created {
		sess, ierr := h.store.InsertSession(ctx, domain.Session{
			Profile: draft.Profile, Targets: draft.Targets, RequestedAt: draft.RequestedAt,
			EffectiveStart: draft.EffectiveStart, End: draft.End, State: domain.SessionPending, All: draft.All,
		})
		if ierr != nil {
			return policy.AdmissionResult{}, nil, ierr
		}
		created = append(created, sess)
	}
	for i := 0; i < result.PenaltyBumps; i++ {
		_ = h.store.BumpPenalty(ctx, h.clk.Now())
	}
	return result, created, nil
}

func (h *harness) hostsBody() string {
	b, err := os.ReadFile(h.hostsPath)
	if err != nil {
		panic(err)
	}
	return string(b)
}
