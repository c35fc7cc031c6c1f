// Package enforcer implements the Active Enforcer (§4.5): it reacts to
// scheduler lifecycle events and the effective blocked set by driving a
// domain.PlatformAdapter to close browser tabs and terminate bound
// applications, and it hosts the per-session pre-expiry prompt state
// machine.
package enforcer

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/logging"
)

// promptState is the per-session state machine of §4.5.
type promptState string

const (
	promptIdle      promptState = "idle"
	promptPrompting promptState = "prompting"
	promptResolved  promptState = "resolved"
)

const (
	actionThrottle = 1 * time.Second
	promptTimeout  = 30 * time.Second
)

// Extender performs the Control Interface's extend operation; the Control
// Interface implements this so the enforcer never mutates the Store
// directly.
type Extender interface {
	Extend(ctx context.Context, sessionID int64, minutes int) error
}

// DomainIndex resolves a target name to the domains it covers, and a
// domain back to the app it's bound to, if any.
type DomainIndex interface {
	Domains(names []string) []string
	AppForDomain(domain string) (string, bool)
}

type throttleKey struct {
	domain string
	kind   string
}

// Enforcer implements scheduler.EventSink.
type Enforcer struct {
	adapter  domain.PlatformAdapter
	index    DomainIndex
	extender Extender
	clock    clock.Clock
	logger   logging.Logger

	throttle *lru.Cache[throttleKey, time.Time]
	prompts  map[int64]promptState

	cooldownProfiles map[string]bool
}

// New constructs an Enforcer.
func New(adapter domain.PlatformAdapter, index DomainIndex, extender Extender, clk clock.Clock, logger logging.Logger) *Enforcer {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	cache, _ := lru.New[throttleKey, time.Time](512)
	return &Enforcer{
		adapter:          adapter,
		index:            index,
		extender:         extender,
		clock:            clk,
		logger:           logger,
		throttle:         cache,
		prompts:          make(map[int64]promptState),
		cooldownProfiles: make(map[string]bool),
	}
}

// SetCooldownProfiles tells the enforcer which profile names have a
// cooldown, exempting their sessions from the pre-expiry prompt (§4.5).
func (e *Enforcer) SetCooldownProfiles(names map[string]bool) {
	e.cooldownProfiles = names
}

// HandleEvent implements scheduler.EventSink.
func (e *Enforcer) HandleEvent(ctx context.Context, ev domain.Event) {
	switch ev.Kind {
	case domain.EventSessionActivated:
		e.prompts[ev.Session.ID] = promptIdle

	case domain.EventSessionExpiring:
		e.handleExpiring(ctx, ev.Session)

	case domain.EventSessionExpired:
		delete(e.prompts, ev.Session.ID)
	}
}

// handleExpiring decides whether to enter the prompting state for a
// session approaching its end, per §4.5's engagement rule, and exempts
// cooldown (bypass-style) profiles.
func (e *Enforcer) handleExpiring(ctx context.Context, sess domain.Session) {
	if e.prompts[sess.ID] != promptIdle && e.prompts[sess.ID] != "" {
		return
	}
	if e.cooldownProfiles[sess.Profile] {
		return
	}
	if !e.sessionIsEngaged(sess) {
		return
	}

	e.prompts[sess.ID] = promptPrompting
	choice, err := e.adapter.PromptUser(ctx, sess.ID, []domain.PromptChoice{
		domain.PromptExtend5, domain.PromptExtend30, domain.PromptLetClose,
	}, promptTimeout)
	if err != nil {
		e.logger.Warn(map[string]any{"session": sess.ID, "error": err}, "enforcer: prompt failed")
		e.prompts[sess.ID] = promptResolved
		return
	}

	switch choice {
	case domain.PromptExtend5:
		e.extend(ctx, sess.ID, 5)
		e.prompts[sess.ID] = promptIdle
	case domain.PromptExtend30:
		e.extend(ctx, sess.ID, 30)
		e.prompts[sess.ID] = promptIdle
	default:
		e.prompts[sess.ID] = promptResolved
	}
}

func (e *Enforcer) extend(ctx context.Context, sessionID int64, minutes int) {
	if err := e.extender.Extend(ctx, sessionID, minutes); err != nil {
		e.logger.Warn(map[string]any{"session": sessionID, "minutes": minutes, "error": err}, "enforcer: extension rejected")
	}
}

// sessionIsEngaged reports whether the user currently has an open tab or
// foreground app for any domain the session covers.
func (e *Enforcer) sessionIsEngaged(sess domain.Session) bool {
	for _, d := range e.index.Domains(sess.Targets) {
		if e.adapter.UserIsEngaged(d) {
			return true
		}
		if app, ok := e.index.AppForDomain(d); ok && e.adapter.UserIsEngaged(app) {
			return true
		}
	}
	return false
}

// Publish drives close-tab and terminate-app actions for every domain in
// the current blocked set, implementing scheduler.BlockedSetPublisher so
// the scheduler's end-of-tick publish also reaches the enforcer.
func (e *Enforcer) Publish(ctx context.Context, blockedDomains []string) {
	now := e.clock.Now()
	for _, d := range blockedDomains {
		if e.allow(throttleKey{domain: d, kind: "tab"}, now) {
			e.closeTabs(d)
		}
		if app, ok := e.index.AppForDomain(d); ok {
			if e.allow(throttleKey{domain: d, kind: "app"}, now) {
				e.terminateApp(app)
			}
		}
	}
}

// allow reports whether an action for key is due, throttling repeats to
// at most once per second per (domain, kind).
func (e *Enforcer) allow(key throttleKey, now time.Time) bool {
	if last, ok := e.throttle.Get(key); ok && now.Sub(last) < actionThrottle {
		return false
	}
	e.throttle.Add(key, now)
	return true
}

func (e *Enforcer) closeTabs(domainName string) {
	tabs, err := e.adapter.EnumerateTabsFor(domainName)
	if err != nil {
		e.logger.Warn(map[string]any{"domain": domainName, "error": err}, "enforcer: tab enumeration failed")
		return
	}
	for _, t := range tabs {
		if t.Host != domainName && t.Host != "www."+domainName {
			continue // subdomain mismatches never trigger (§4.5 invariant)
		}
		if err := e.adapter.CloseTab(t.Handle); err != nil {
			e.logger.Warn(map[string]any{"domain": domainName, "tab": t.Handle, "error": err}, "enforcer: tab close failed")
		}
	}
}

func (e *Enforcer) terminateApp(name string) {
	if !e.adapter.AppIsRunning(name) {
		return
	}
	if err := e.adapter.TerminateApp(name); err != nil {
		e.logger.Warn(map[string]any{"app": name, "error": err}, "enforcer: app termination failed")
		return
	}
	e.logger.Info(map[string]any{"app": name}, "enforcer: app terminated")
}
