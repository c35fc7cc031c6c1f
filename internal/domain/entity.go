// Package domain contains the core business entities of the enforcement
// model: targets, profiles, sessions, and the derived effective blocked
// set. This is the innermost layer - no external dependencies.
package domain

import "time"

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionActive    SessionState = "active"
	SessionExpired   SessionState = "expired"
	SessionCancelled SessionState = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionExpired || s == SessionCancelled
}

// MaxConcurrentSessions bounds the number of non-terminal sessions at once.
const MaxConcurrentSessions = 4

// PreExpiryWindow is how long before a session's end the Active Enforcer is
// notified so it can run the extend-or-close negotiation.
const PreExpiryWindow = 60 * time.Second

// AllTargetsSentinel is the synthetic target name used by a session
// representing an "all" profile selector.
const AllTargetsSentinel = "*"

// Target is a named unit from configuration: a bare domain or a group of
// domains, carrying tags used by profile selectors and tag_rules.
type Target struct {
	Name    string
	Domains []string
	Tags    []string
}

// HasTag reports whether t carries the given tag.
func (t Target) HasTag(tag string) bool {
	for _, g := range t.Tags {
		if g == tag {
			return true
		}
	}
	return false
}

// WaitSpec is a profile's wait policy: either a flat duration or a base plus
// a per-concurrent-session penalty.
type WaitSpec struct {
	Base              time.Duration
	ConcurrentPenalty time.Duration
}

// TagRule overrides the base wait when an admitted target carries any of
// Tags; WaitOverride replaces, it never adds to, the base wait, and the
// concurrent and progressive penalties still apply on top of it.
type TagRule struct {
	Tags         []string
	WaitOverride time.Duration
}

// Profile is a named policy governing how a session is created.
type Profile struct {
	Name        string
	Description string
	Wait        WaitSpec
	Duration    time.Duration
	Cooldown    time.Duration // zero means no cooldown
	All         bool
	Tags        []string
	Only        []string
	TagRules    []TagRule
	Default     bool
}

// HasCooldown reports whether the profile is bypass-style.
func (p Profile) HasCooldown() bool {
	return p.Cooldown > 0
}

// Session is a time-bounded exception permitting access to a set of target
// domains under a profile.
type Session struct {
	ID             int64
	Profile        string
	Targets        []string
	RequestedAt    time.Time
	EffectiveStart time.Time
	End            time.Time
	State          SessionState
	All            bool
	Notified       bool // SessionExpiring already emitted
}

// CoversTarget reports whether the session's target list includes name, or
// the session is an "all" session (synthetic target "*").
func (s Session) CoversTarget(name string) bool {
	if s.All {
		return true
	}
	for _, t := range s.Targets {
		if t == name {
			return true
		}
	}
	return false
}

// IsNonTerminal reports whether the session still occupies a concurrency
// slot and is still eligible for scheduler transitions.
func (s Session) IsNonTerminal() bool {
	return !s.State.IsTerminal()
}

// BypassMarker records the most recent completion time of a cooldown-bearing
// profile, keyed by profile name.
type BypassMarker struct {
	Profile string
	LastAt  time.Time
}

// PenaltyCounter is the progressive-penalty counter for one calendar day
// bucket (rolling over at 04:00 local time).
type PenaltyCounter struct {
	BucketStart time.Time
	Count       int
}

// EventKind identifies a scheduler lifecycle event.
type EventKind string

const (
	EventSessionActivated EventKind = "session_activated"
	EventSessionExpiring  EventKind = "session_expiring"
	EventSessionExpired   EventKind = "session_expired"
)

// Event is a scheduler lifecycle notification delivered to the Active
// Enforcer.
type Event struct {
	Kind      EventKind
	Session   Session
	Remaining time.Duration // only meaningful for EventSessionExpiring
}

// ActionKind is a Platform Adapter action issued by the Active Enforcer.
type ActionKind string

const (
	ActionCloseTabs    ActionKind = "close_tabs"
	ActionTerminateApp ActionKind = "terminate_app"
)

// PromptChoice is the user's response to the pre-expiry interactive prompt.
type PromptChoice string

const (
	PromptExtend5    PromptChoice = "extend_5"
	PromptExtend30   PromptChoice = "extend_30"
	PromptLetClose   PromptChoice = "let_close"
)
