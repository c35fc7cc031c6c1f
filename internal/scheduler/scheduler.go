// Package scheduler drives the session lifecycle: pending to active to
// expired, on a one-second tick, and publishes the effective blocked set
// derived from each tick's post-transition snapshot.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/logging"
)

// TickInterval is the scheduler's cadence (§4.3).
const TickInterval = 1 * time.Second

// DomainResolver maps target names to the domains they cover, and knows
// the full configured domain catalog.
type DomainResolver interface {
	AllDomains() []string
	Domains(targetNames []string) []string
}

// BlockedSetPublisher receives the effective blocked set computed at the
// end of each tick. The Hosts Reconciler implements this.
type BlockedSetPublisher interface {
	Publish(ctx context.Context, domains []string)
}

// EventSink receives scheduler lifecycle events. The Active Enforcer
// implements this.
type EventSink interface {
	HandleEvent(ctx context.Context, ev domain.Event)
}

// Scheduler implements §4.3.
type Scheduler struct {
	store      domain.Store
	resolver   DomainResolver
	clock      clock.Clock
	logger     logging.Logger
	publishers []BlockedSetPublisher
	sinks      []EventSink

	cooldownProfiles map[string]bool
}

// New constructs a Scheduler.
func New(store domain.Store, resolver DomainResolver, clk clock.Clock, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Scheduler{store: store, resolver: resolver, clock: clk, logger: logger, cooldownProfiles: make(map[string]bool)}
}

// SetCooldownProfiles tells the scheduler which profile names have a
// cooldown, so that expiry can call Store.RecordBypass (§4.3 step 4)
// without the scheduler needing the full profile table.
func (s *Scheduler) SetCooldownProfiles(names map[string]bool) {
	s.cooldownProfiles = names
}

// Subscribe registers a BlockedSetPublisher to receive the blocked set
// computed at the end of every tick.
func (s *Scheduler) Subscribe(p BlockedSetPublisher) {
	s.publishers = append(s.publishers, p)
}

// AddSink registers an EventSink to receive lifecycle events.
func (s *Scheduler) AddSink(sink EventSink) {
	s.sinks = append(s.sinks, sink)
}

// Run owns the tick loop. commands is an ordered queue of store-mutating
// closures submitted by the Control Interface; draining it before each
// tick's reads is what gives the single-writer property of §5 without a
// mutex around the Store's public API.
func (s *Scheduler) Run(ctx context.Context, commands <-chan func()) error {
	// Fail-closed-on-start: publish the full blocked set before the first
	// tick runs; that tick then applies any sessions already active.
	s.failClosed(ctx)
	if err := s.Tick(ctx, s.clock.Now()); err != nil {
		s.logger.Error(map[string]any{"error": err}, "scheduler: initial tick failed")
	}

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(nil, "scheduler: stopping, running fail-closed tick")
			s.failClosed(context.Background())
			return ctx.Err()

		case cmd := <-commands:
			cmd()

		case <-ticker.C:
			drainCommands(commands)
			if err := s.Tick(ctx, s.clock.Now()); err != nil {
				s.logger.Error(map[string]any{"error": err}, "scheduler: tick failed")
			}
		}
	}
}

func drainCommands(commands <-chan func()) {
	for {
		select {
		case cmd := <-commands:
			cmd()
		default:
			return
		}
	}
}

// failClosed publishes the blocked set with zero active sessions, the
// clean-shutdown property of §4.4.
func (s *Scheduler) failClosed(ctx context.Context) {
	full := s.resolver.AllDomains()
	for _, p := range s.publishers {
		p.Publish(ctx, full)
	}
}

// Tick runs one iteration of §4.3 steps 1-5.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	sessions, err := s.store.ListSessions(ctx, domain.SessionFilter{NonTerminalOnly: true})
	if err != nil {
		return err
	}

	var activeTargetNames []string
	var allSessionActive bool

	for _, sess := range sessions {
		if sess.State == domain.SessionPending && !sess.EffectiveStart.After(now) {
			if err := s.store.UpdateSessionState(ctx, sess.ID, domain.SessionActive); err != nil {
				s.logger.Warn(map[string]any{"session": sess.ID, "error": err}, "scheduler: activation failed")
				continue
			}
			sess.State = domain.SessionActive
			s.emit(ctx, domain.Event{Kind: domain.EventSessionActivated, Session: sess})
		}

		if sess.State == domain.SessionActive {
			remaining := sess.End.Sub(now)
			if remaining <= domain.PreExpiryWindow && remaining > 0 && !sess.Notified {
				if err := s.store.MarkNotified(ctx, sess.ID); err == nil {
					sess.Notified = true
					s.emit(ctx, domain.Event{Kind: domain.EventSessionExpiring, Session: sess, Remaining: remaining})
				}
			}

			if !sess.End.After(now) {
				if err := s.store.UpdateSessionState(ctx, sess.ID, domain.SessionExpired); err != nil {
					s.logger.Warn(map[string]any{"session": sess.ID, "error": err}, "scheduler: expiry failed")
					continue
				}
				sess.State = domain.SessionExpired
				if err := s.recordCooldownIfNeeded(ctx, sess, now); err != nil {
					s.logger.Warn(map[string]any{"session": sess.ID, "error": err}, "scheduler: bypass record failed")
				}
				s.emit(ctx, domain.Event{Kind: domain.EventSessionExpired, Session: sess})
				continue
			}
		}

		if sess.State == domain.SessionActive {
			if sess.All {
				allSessionActive = true
			} else {
				activeTargetNames = append(activeTargetNames, sess.Targets...)
			}
		}
	}

	s.publishBlockedSet(ctx, activeTargetNames, allSessionActive)
	return nil
}

// recordCooldownIfNeeded records a bypass marker keyed by the session's
// profile name when that profile was listed through SetCooldownProfiles;
// the scheduler has no profile table of its own.
func (s *Scheduler) recordCooldownIfNeeded(ctx context.Context, sess domain.Session, now time.Time) error {
	if !s.cooldownProfiles[sess.Profile] {
		return nil
	}
	return s.store.RecordBypass(ctx, sess.Profile, now)
}

func (s *Scheduler) emit(ctx context.Context, ev domain.Event) {
	for _, sink := range s.sinks {
		sink.HandleEvent(ctx, ev)
	}
}

func (s *Scheduler) publishBlockedSet(ctx context.Context, activeTargets []string, allActive bool) {
	if allActive {
		for _, p := range s.publishers {
			p.Publish(ctx, nil)
		}
		return
	}

	full := s.resolver.AllDomains()
	uncovered := s.resolver.Domains(activeTargets)
	exempt := make(map[string]bool, len(uncovered))
	for _, d := range uncovered {
		exempt[d] = true
	}

	blocked := make([]string, 0, len(full))
	for _, d := range full {
		if !exempt[d] {
			blocked = append(blocked, d)
		}
	}
	sort.Strings(blocked)

	for _, p := range s.publishers {
		p.Publish(ctx, blocked)
	}
}
