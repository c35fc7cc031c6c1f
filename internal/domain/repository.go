package domain

import (
	"context"
	"time"
)

// SessionFilter narrows ListSessions. A zero-value filter matches everything.
type SessionFilter struct {
	Profile        string
	States         []SessionState
	NonTerminalOnly bool
}

// Store provides the transactional operations named in the enforcement
// model: sessions, bypass cooldown markers, and the progressive-penalty
// counter. All mutations are serialised by the caller (the Control
// Interface's single writer); implementations must make readers see a
// consistent snapshot and must survive process crash and host reboot.
type Store interface {
	// InsertSession persists a new session and assigns it a monotonic id.
	InsertSession(ctx context.Context, s Session) (Session, error)

	// UpdateSessionState transitions a session to a new state. Returns
	// ErrSessionNotFound if no such session exists.
	UpdateSessionState(ctx context.Context, id int64, state SessionState) error

	// ExtendSession sets a session's End timestamp and clears its notified
	// flag so a later pre-expiry event can fire again at the new boundary.
	ExtendSession(ctx context.Context, id int64, newEnd time.Time) error

	// MarkNotified records that SessionExpiring has fired for id.
	MarkNotified(ctx context.Context, id int64) error

	// ListSessions returns sessions matching filter.
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)

	// GetSession returns a single session by id.
	GetSession(ctx context.Context, id int64) (Session, error)

	// RecordBypass stamps the most recent completion time for profile.
	RecordBypass(ctx context.Context, profile string, now time.Time) error

	// LastBypass returns the most recent completion time for profile, or
	// the zero time if none is recorded.
	LastBypass(ctx context.Context, profile string) (time.Time, error)

	// BumpPenalty increments today's unblock counter, rolling over the
	// bucket at the 04:00-local boundary if needed.
	BumpPenalty(ctx context.Context, now time.Time) error

	// GetPenalty returns today's unblock count, rolling over the bucket at
	// the 04:00-local boundary if needed (without incrementing it).
	GetPenalty(ctx context.Context, now time.Time) (int, error)

	// Close releases the underlying database handle.
	Close() error
}

// ProcessManager handles OS process operations used by the Active Enforcer
// to terminate applications bound to blocked domains.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID.
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// BrowserTab is a single enumerated browser tab.
type BrowserTab struct {
	Handle string
	Host   string
}

// PlatformAdapter is the capability set the Active Enforcer drives to close
// browser tabs, terminate applications, and run the pre-expiry interactive
// prompt. It is stateless per call.
type PlatformAdapter interface {
	// EnumerateTabsFor returns open tabs whose host exactly matches domain
	// or www.domain.
	EnumerateTabsFor(domain string) ([]BrowserTab, error)

	// CloseTab closes a single tab by handle.
	CloseTab(handle string) error

	// AppIsRunning reports whether the named application process is alive.
	AppIsRunning(name string) bool

	// TerminateApp terminates the named application if running.
	TerminateApp(name string) error

	// UserIsEngaged reports whether the user currently has an open tab for
	// domain, or the bound app in the foreground.
	UserIsEngaged(domainOrApp string) bool

	// PromptUser displays the extend-or-close dialog and blocks until the
	// user responds or timeout elapses, returning PromptLetClose on
	// timeout.
	PromptUser(ctx context.Context, sessionID int64, choices []PromptChoice, timeout time.Duration) (PromptChoice, error)
}
