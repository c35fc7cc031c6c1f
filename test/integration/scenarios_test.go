package integration

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/policy"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var _ = Describe("Basic unblock", func() {
	var h *harness

	BeforeEach(func() {
		targets := []domain.Target{{Name: "gmail", Domains: []string{"gmail.com", "mail.google.com"}}}
		profiles := []domain.Profile{{
			Name: "unblock", Duration: 30 * time.Minute,
			Wait: domain.WaitSpec{Base: 300 * time.Second, ConcurrentPenalty: 300 * time.Second},
		}}
		h = newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)
	})

	It("creates a pending session that activates at t+300 and expires at t+2100", func(ctx SpecContext) {
		_, created, err := h.unblock(ctx, "unblock", []string{"gmail"}, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(HaveLen(1))
		sess := created[0]
		Expect(sess.ID).To(Equal(int64(1)))
		Expect(sess.State).To(Equal(domain.SessionPending))
		Expect(sess.EffectiveStart).To(Equal(t0.Add(300 * time.Second)))
		Expect(sess.End).To(Equal(t0.Add(300*time.Second + 30*time.Minute)))

		// Before activation the managed region is the full blocked set.
		Expect(h.sched.Tick(ctx, t0)).To(Succeed())
		Expect(h.hostsBody()).To(ContainSubstring("gmail.com"))
		Expect(h.hostsBody()).To(ContainSubstring("mail.google.com"))

		h.clk.Set(sess.EffectiveStart)
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		Expect(h.hostsBody()).NotTo(ContainSubstring("gmail.com"))

		h.clk.Set(sess.End)
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		Expect(h.hostsBody()).To(ContainSubstring("gmail.com"))

		got, err := h.store.GetSession(ctx, sess.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.State).To(Equal(domain.SessionExpired))
	})
})

var _ = Describe("Concurrent penalty", func() {
	It("adds base plus one concurrent penalty to the second session's wait", func(ctx SpecContext) {
		targets := []domain.Target{
			{Name: "gmail", Domains: []string{"gmail.com"}},
			{Name: "slack", Domains: []string{"slack.com"}},
		}
		profiles := []domain.Profile{{
			Name: "unblock", Duration: 30 * time.Minute,
			Wait: domain.WaitSpec{Base: 300 * time.Second, ConcurrentPenalty: 300 * time.Second},
		}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)

		_, _, err := h.unblock(ctx, "unblock", []string{"gmail"}, false)
		Expect(err).NotTo(HaveOccurred())

		h.clk.Set(t0.Add(10 * time.Second))
		_, created, err := h.unblock(ctx, "unblock", []string{"slack"}, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(HaveLen(1))
		Expect(created[0].ID).To(Equal(int64(2)))
		Expect(created[0].EffectiveStart).To(Equal(t0.Add(10*time.Second + 300*time.Second + 300*time.Second)))
	})
})

var _ = Describe("Ultra-distracting override", func() {
	It("replaces, rather than adds to, the base wait", func(ctx SpecContext) {
		targets := []domain.Target{{Name: "netflix.com", Domains: []string{"netflix.com"}, Tags: []string{"ultra_distracting"}}}
		profiles := []domain.Profile{{
			Name: "unblock", Duration: 30 * time.Minute,
			Wait:     domain.WaitSpec{Base: 300 * time.Second},
			TagRules: []domain.TagRule{{Tags: []string{"ultra_distracting"}, WaitOverride: 1800 * time.Second}},
		}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)

		_, created, err := h.unblock(ctx, "unblock", []string{"netflix.com"}, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(HaveLen(1))
		Expect(created[0].EffectiveStart).To(Equal(t0.Add(1800 * time.Second)))
	})
})

var _ = Describe("Bypass cooldown", func() {
	It("activates immediately, then rejects until the cooldown elapses", func(ctx SpecContext) {
		targets := []domain.Target{{Name: "anything", Domains: []string{"anything.com"}}}
		profiles := []domain.Profile{{
			Name: "bypass", Duration: 300 * time.Second, Cooldown: 3600 * time.Second, All: true,
		}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)

		_, created, err := h.unblock(ctx, "bypass", nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(HaveLen(1))
		Expect(created[0].EffectiveStart).To(Equal(t0))
		Expect(created[0].End).To(Equal(t0.Add(300 * time.Second)))

		h.clk.Set(t0.Add(300 * time.Second))
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		got, err := h.store.GetSession(ctx, created[0].ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.State).To(Equal(domain.SessionExpired))

		h.clk.Set(t0.Add(400 * time.Second))
		_, _, err = h.unblock(ctx, "bypass", nil, false)
		Expect(err).To(HaveOccurred())
		var perr *policy.PolicyError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Kind).To(Equal(policy.KindCooldownActive))
		Expect(perr.Remaining).To(Equal(3500 * time.Second))

		// The cooldown runs from the expiry at t=300, so it has elapsed at
		// t=300+3600.
		h.clk.Set(t0.Add(3900 * time.Second))
		_, created2, err := h.unblock(ctx, "bypass", nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(created2).To(HaveLen(1))
	})
})

var _ = Describe("Replace pending", func() {
	It("cancels the predecessor and admits the new targets under the same profile", func(ctx SpecContext) {
		targets := []domain.Target{
			{Name: "gmail", Domains: []string{"gmail.com"}},
			{Name: "reddit", Domains: []string{"reddit.com"}},
		}
		profiles := []domain.Profile{{
			Name: "unblock", Duration: 30 * time.Minute,
			Wait: domain.WaitSpec{Base: 300 * time.Second, ConcurrentPenalty: 300 * time.Second},
		}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)

		_, created, err := h.unblock(ctx, "unblock", []string{"gmail"}, false)
		Expect(err).NotTo(HaveOccurred())
		original := created[0]

		h.clk.Set(t0.Add(60 * time.Second))
		pending, err := h.store.GetSession(ctx, original.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.State).To(Equal(domain.SessionPending))
		Expect(h.store.UpdateSessionState(ctx, pending.ID, domain.SessionCancelled)).To(Succeed())

		_, replacement, err := h.unblock(ctx, "unblock", []string{"reddit"}, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(replacement).To(HaveLen(1))
		Expect(replacement[0].ID).To(Equal(int64(2)))
		Expect(replacement[0].Targets).To(Equal([]string{"reddit"}))

		cancelled, err := h.store.GetSession(ctx, original.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cancelled.State).To(Equal(domain.SessionCancelled))

		// The replacement activates at its effective start. Rejecting a
		// replace of an already-active session (SessionNotPending) is the
		// Control Interface's check and is not exercised here.
		h.clk.Set(replacement[0].EffectiveStart)
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		active, err := h.store.GetSession(ctx, replacement[0].ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(active.State).To(Equal(domain.SessionActive))
	})
})

var _ = Describe("Pre-expiry extend", func() {
	It("prompts an engaged user and extends the session by the chosen minutes", func(ctx SpecContext) {
		targets := []domain.Target{{Name: "gmail", Domains: []string{"gmail.com"}}}
		profiles := []domain.Profile{{Name: "unblock", Duration: 600 * time.Second}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)
		h.adapter.promptChoice = domain.PromptExtend5

		_, created, err := h.unblock(ctx, "unblock", []string{"gmail"}, false)
		Expect(err).NotTo(HaveOccurred())
		sess := created[0]

		h.clk.Set(sess.EffectiveStart)
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())

		h.adapter.engaged["gmail.com"] = true
		h.clk.Set(sess.End.Add(-60 * time.Second))
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		Expect(h.adapter.promptCalls).To(Equal(1))

		extended, err := h.store.GetSession(ctx, sess.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(extended.End).To(Equal(sess.End.Add(5 * time.Minute)))

		// The prompt fires again at the new pre-expiry boundary.
		h.clk.Set(extended.End.Add(-60 * time.Second))
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		Expect(h.adapter.promptCalls).To(Equal(2))
	})

	It("never prompts for a cooldown-bearing session and rejects extend", func(ctx SpecContext) {
		targets := []domain.Target{{Name: "anything", Domains: []string{"anything.com"}}}
		profiles := []domain.Profile{{Name: "bypass", Duration: 600 * time.Second, Cooldown: time.Hour, All: true}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)
		h.adapter.promptChoice = domain.PromptExtend5
		h.adapter.engaged["anything.com"] = true

		_, created, err := h.unblock(ctx, "bypass", nil, false)
		Expect(err).NotTo(HaveOccurred())
		sess := created[0]

		h.clk.Set(sess.End.Add(-60 * time.Second))
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		Expect(h.adapter.promptCalls).To(Equal(0))

		extendErr := (&storeExtender{store: h.store, engine: h.engine}).Extend(ctx, sess.ID, 5)
		Expect(extendErr).To(MatchError(policy.ErrExtensionForbidden))
	})
})

var _ = Describe("Universal invariants", func() {
	It("keeps the managed region at the full blocked set with no active sessions", func(ctx SpecContext) {
		targets := []domain.Target{{Name: "gmail", Domains: []string{"gmail.com"}}}
		h := newHarness(t0, targets, nil)
		DeferCleanup(h.cleanup)

		Expect(h.sched.Tick(ctx, t0)).To(Succeed())
		Expect(h.hostsBody()).To(ContainSubstring("gmail.com"))
	})

	It("fails closed on shutdown, publishing the full set regardless of in-flight sessions", func(ctx SpecContext) {
		targets := []domain.Target{{Name: "gmail", Domains: []string{"gmail.com"}}}
		profiles := []domain.Profile{{Name: "unblock", Duration: 30 * time.Minute}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)

		_, created, err := h.unblock(ctx, "unblock", []string{"gmail"}, false)
		Expect(err).NotTo(HaveOccurred())
		h.clk.Set(created[0].EffectiveStart)
		Expect(h.sched.Tick(ctx, h.clk.Now())).To(Succeed())
		Expect(h.hostsBody()).NotTo(ContainSubstring("gmail.com"))

		runCtx, cancel := context.WithCancel(context.Background())
		cancel()
		err = h.sched.Run(runCtx, make(chan func()))
		Expect(err).To(MatchError(context.Canceled))
		Expect(h.hostsBody()).To(ContainSubstring("gmail.com"))
	})

	It("rejects a duplicate unblock of the same target under the same profile while pending", func(ctx SpecContext) {
		targets := []domain.Target{{Name: "gmail", Domains: []string{"gmail.com"}}}
		profiles := []domain.Profile{{Name: "unblock", Duration: 30 * time.Minute, Wait: domain.WaitSpec{Base: 300 * time.Second}}}
		h := newHarness(t0, targets, profiles)
		DeferCleanup(h.cleanup)

		_, _, err := h.unblock(ctx, "unblock", []string{"gmail"}, false)
		Expect(err).NotTo(HaveOccurred())

		_, _, err = h.unblock(ctx, "unblock", []string{"gmail"}, false)
		Expect(err).To(HaveOccurred())
		var perr *policy.PolicyError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Kind).To(Equal(policy.KindNothingToDo))
		Expect(perr.Reasons).To(ConsistOf(policy.SkipReason{Target: "gmail", Reason: policy.KindAlreadyPending}))
	})

	It("rejects cancel of a non-existent session as a no-op", func(ctx SpecContext) {
		h := newHarness(t0, nil, nil)
		DeferCleanup(h.cleanup)
		Expect(h.store.UpdateSessionState(ctx, 999, domain.SessionCancelled)).To(MatchError(policy.ErrSessionNotFound))
		_, err := h.store.GetSession(ctx, 999)
		Expect(err).To(MatchError(policy.ErrSessionNotFound))
	})
})
