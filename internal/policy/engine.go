package policy

import (
	"context"
	"sync"
	"time"

	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/logging"
)

// SkipReason records why a requested target was dropped from an admission.
type SkipReason struct {
	Target string
	Reason ErrorKind // KindAlreadyActive or KindAlreadyPending
}

// SessionDraft is a session the engine has decided to create; the Control
// Interface commits it to the Store.
type SessionDraft struct {
	Profile        string
	Targets        []string
	RequestedAt    time.Time
	EffectiveStart time.Time
	End            time.Time
	All            bool
}

// AdmissionResult is the outcome of Admit.
type AdmissionResult struct {
	Created     []SessionDraft
	Skipped     []SkipReason
	PenaltyBumps int
}

// TargetResolver resolves a profile's selectors and raw CLI targets into a
// concrete target-name list (config.TargetIndex satisfies this).
type TargetResolver interface {
	ResolveSelectors(p domain.Profile, rawTargets []string) []string
	Lookup(name string) (domain.Target, bool)
}

// Engine is the pure admission decision logic of §4.2. It reads the Store
// through the snapshot taken at the start of Admit and never mutates it;
// only the Control Interface commits the plan it returns.
type Engine struct {
	store    domain.Store
	resolver TargetResolver
	logger   logging.Logger

	mu              sync.RWMutex
	profiles        map[string]domain.Profile
	penaltyEnabled  bool
	perUnblock      time.Duration
	excludeProfiles map[string]bool
}

// New constructs an Engine.
func New(store domain.Store, resolver TargetResolver, profiles []domain.Profile, penaltyEnabled bool, perUnblock time.Duration, excludeProfiles map[string]bool, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	e := &Engine{
		store:    store,
		resolver: resolver,
		logger:   logger,
	}
	e.ReplaceProfiles(profiles, penaltyEnabled, perUnblock, excludeProfiles)
	return e
}

// ReplaceProfiles swaps the Engine's entire profile table and progressive-
// penalty configuration in place, the way Reload re-applies a changed
// configuration document without tearing down the Engine (and therefore
// without losing the Store/resolver it was constructed with).
func (e *Engine) ReplaceProfiles(profiles []domain.Profile, penaltyEnabled bool, perUnblock time.Duration, excludeProfiles map[string]bool) {
	byName := make(map[string]domain.Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles = byName
	e.penaltyEnabled = penaltyEnabled
	e.perUnblock = perUnblock
	e.excludeProfiles = excludeProfiles
}

// Admit runs the full §4.2 admission pipeline for profileName against
// rawTargets at instant now. allowOverflow permits exceeding
// MaxConcurrentSessions when the caller is performing a replace.
func (e *Engine) Admit(ctx context.Context, profileName string, rawTargets []string, now time.Time, allowOverflow bool) (AdmissionResult, error) {
	e.mu.RLock()
	profile, ok := e.profiles[profileName]
	excluded := e.excludeProfiles[profileName]
	penaltyEnabled := e.penaltyEnabled && !excluded
	perUnblock := e.perUnblock
	e.mu.RUnlock()
	if !ok {
		return AdmissionResult{}, &PolicyError{Kind: KindTargetUnknown}
	}

	// Step 1: resolve targets.
	names := e.resolver.ResolveSelectors(profile, rawTargets)
	for _, n := range names {
		if _, found := e.resolver.Lookup(n); !found {
			return AdmissionResult{}, &PolicyError{Kind: KindTargetUnknown}
		}
	}

	// Step 2: cooldown check.
	if profile.HasCooldown() {
		last, err := e.store.LastBypass(ctx, profile.Name)
		if err != nil {
			return AdmissionResult{}, &PolicyError{Kind: KindStoreUnavailable, Err: err}
		}
		if !last.IsZero() {
			elapsed := now.Sub(last)
			if elapsed < profile.Cooldown {
				return AdmissionResult{}, &PolicyError{Kind: KindCooldownActive, Remaining: profile.Cooldown - elapsed}
			}
		}
	}

	nonTerminal, err := e.store.ListSessions(ctx, domain.SessionFilter{NonTerminalOnly: true})
	if err != nil {
		return AdmissionResult{}, &PolicyError{Kind: KindStoreUnavailable, Err: err}
	}

	// Step 3: duplicate suppression. A name is a duplicate if any
	// non-terminal session under the same profile already covers it,
	// per-target overlap rather than an exact-set match.
	var admitted []string
	var skipped []SkipReason
	for _, name := range names {
		if reason, dup := e.duplicateReason(nonTerminal, profile.Name, name); dup {
			skipped = append(skipped, SkipReason{Target: name, Reason: reason})
			continue
		}
		admitted = append(admitted, name)
	}
	if len(admitted) == 0 {
		return AdmissionResult{}, &PolicyError{Kind: KindNothingToDo, Reasons: skipped}
	}

	// Step 4: concurrency limit. Each admitted target counts separately
	// (§9 decided rule).
	if !allowOverflow {
		current := len(nonTerminal)
		if current+len(admitted) > domain.MaxConcurrentSessions {
			return AdmissionResult{}, &PolicyError{Kind: KindTooManySessions, Limit: domain.MaxConcurrentSessions, Current: current}
		}
	}

	// Step 5: wait computation.
	penaltyCount := 0
	if penaltyEnabled {
		penaltyCount, err = e.store.GetPenalty(ctx, now)
		if err != nil {
			return AdmissionResult{}, &PolicyError{Kind: KindStoreUnavailable, Err: err}
		}
	}

	var drafts []SessionDraft
	if profile.All {
		wait := e.computeWait(profile, admitted, len(nonTerminal), penaltyCount, penaltyEnabled, perUnblock)
		drafts = append(drafts, e.compose(profile, []string{domain.AllTargetsSentinel}, true, now, wait))
	} else {
		for i, name := range admitted {
			wait := e.computeWait(profile, []string{name}, len(nonTerminal)+i, penaltyCount, penaltyEnabled, perUnblock)
			drafts = append(drafts, e.compose(profile, []string{name}, false, now, wait))
		}
	}

	e.logger.Info(map[string]any{"profile": profile.Name, "admitted": admitted, "skipped": len(skipped)}, "policy: admission decided")

	penaltyBumps := len(drafts)
	if excluded {
		penaltyBumps = 0
	}
	return AdmissionResult{Created: drafts, Skipped: skipped, PenaltyBumps: penaltyBumps}, nil
}

// duplicateReason reports whether an existing non-terminal session under
// profile already covers target exactly, returning which.
func (e *Engine) duplicateReason(sessions []domain.Session, profile, target string) (ErrorKind, bool) {
	for _, s := range sessions {
		if s.Profile != profile {
			continue
		}
		if !s.CoversTarget(target) {
			continue
		}
		if s.State == domain.SessionActive {
			return KindAlreadyActive, true
		}
		return KindAlreadyPending, true
	}
	return "", false
}

// computeWait implements §4.2 step 5 for a single admitted draft.
// nonTerminalExcludingSelf is the number of non-terminal sessions that
// exist before this draft is added.
func (e *Engine) computeWait(profile domain.Profile, admittedTargets []string, nonTerminalExcludingSelf int, penaltyCount int, penaltyEnabled bool, perUnblock time.Duration) time.Duration {
	base := profile.Wait.Base

	var maxOverride time.Duration = -1
	for _, rule := range profile.TagRules {
		if e.targetsMatchAnyTag(admittedTargets, rule.Tags) {
			if rule.WaitOverride > maxOverride {
				maxOverride = rule.WaitOverride
			}
		}
	}
	if maxOverride >= 0 {
		base = maxOverride
	}

	wait := base + profile.Wait.ConcurrentPenalty*time.Duration(nonTerminalExcludingSelf)

	if penaltyEnabled {
		wait += perUnblock * time.Duration(penaltyCount)
	}

	if wait < 0 {
		wait = 0
	}
	return wait
}

func (e *Engine) targetsMatchAnyTag(names []string, tags []string) bool {
	for _, n := range names {
		t, ok := e.resolver.Lookup(n)
		if !ok {
			continue
		}
		for _, tag := range tags {
			if t.HasTag(tag) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) compose(profile domain.Profile, targets []string, all bool, now time.Time, wait time.Duration) SessionDraft {
	start := now.Add(wait)
	return SessionDraft{
		Profile:        profile.Name,
		Targets:        targets,
		RequestedAt:    now,
		EffectiveStart: start,
		End:            start.Add(profile.Duration),
		All:            all,
	}
}

// DefaultProfileName returns the name of the profile marked default, or
// empty if none is marked.
func (e *Engine) DefaultProfileName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for name, p := range e.profiles {
		if p.Default {
			return name
		}
	}
	return ""
}

// Profile returns the named profile.
func (e *Engine) Profile(name string) (domain.Profile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[name]
	return p, ok
}
