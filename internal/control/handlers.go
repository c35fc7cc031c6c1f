package control

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/policy"
)

func minutesToDuration(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

func (s *Server) handleStatus(ctx context.Context, req Request) Response {
	var payload StatusPayload
	err := s.submit(ctx, func() {
		sessions, lerr := s.store.ListSessions(ctx, domain.SessionFilter{})
		if lerr != nil {
			return
		}
		for _, sess := range sessions {
			payload.Sessions = append(payload.Sessions, toPayload(sess))
		}

		var activeTargets []string
		var allActive bool
		for _, sess := range sessions {
			if sess.State != domain.SessionActive {
				continue
			}
			if sess.All {
				allActive = true
				continue
			}
			activeTargets = append(activeTargets, sess.Targets...)
		}
		if allActive {
			payload.BlockedSet = nil
		} else {
			covered := make(map[string]bool)
			for _, d := range s.index.Domains(activeTargets) {
				covered[d] = true
			}
			for _, d := range s.index.AllDomains() {
				if !covered[d] {
					payload.BlockedSet = append(payload.BlockedSet, d)
				}
			}
		}

		payload.PenaltyCount, _ = s.store.GetPenalty(ctx, s.clock.Now())
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, OK: true, Status: &payload}
}

func (s *Server) handleUnblock(ctx context.Context, req Request) Response {
	profile := req.Profile
	if profile == "" {
		profile = s.engine.DefaultProfileName()
	}

	var result policy.AdmissionResult
	var admitErr error
	now := s.clock.Now()

	err := s.submit(ctx, func() {
		allowOverflow := req.ReplaceID != 0
		result, admitErr = s.engine.Admit(ctx, profile, req.Targets, now, allowOverflow)
		if admitErr != nil {
			return
		}
		for _, draft := range result.Created {
			if o := req.Overrides; o != nil {
				length := draft.End.Sub(draft.EffectiveStart)
				if o.DurationSeconds > 0 {
					length = time.Duration(o.DurationSeconds) * time.Second
				}
				if o.WaitSeconds > 0 {
					draft.EffectiveStart = draft.RequestedAt.Add(time.Duration(o.WaitSeconds) * time.Second)
				}
				draft.End = draft.EffectiveStart.Add(length)
			}
			sess := domain.Session{
				Profile:        draft.Profile,
				Targets:        draft.Targets,
				RequestedAt:    draft.RequestedAt,
				EffectiveStart: draft.EffectiveStart,
				End:            draft.End,
				State:          domain.SessionPending,
				All:            draft.All,
			}
			if _, ierr := s.store.InsertSession(ctx, sess); ierr != nil {
				admitErr = ierr
				return
			}
		}
		for i := 0; i < result.PenaltyBumps; i++ {
			s.store.BumpPenalty(ctx, now)
		}
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if admitErr != nil {
		return errorResponse(req.ID, admitErr)
	}

	resp := Response{ID: req.ID, OK: true}
	for _, sk := range result.Skipped {
		resp.Skipped = append(resp.Skipped, SkippedPayload{Target: sk.Target, Reason: string(sk.Reason)})
	}
	return resp
}

func (s *Server) handleCancel(ctx context.Context, req Request) Response {
	var cancelled []domain.Session
	var opErr error

	err := s.submit(ctx, func() {
		sessions, lerr := s.store.ListSessions(ctx, domain.SessionFilter{NonTerminalOnly: true})
		if lerr != nil {
			opErr = lerr
			return
		}
		for _, sess := range sessions {
			if !matchesSelector(sess, req) {
				continue
			}
			if uerr := s.store.UpdateSessionState(ctx, sess.ID, domain.SessionCancelled); uerr != nil {
				opErr = uerr
				return
			}
			cancelled = append(cancelled, sess)
		}
		if len(cancelled) == 0 && !req.All {
			opErr = policy.ErrSessionNotFound
		}
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if opErr != nil {
		return errorResponse(req.ID, opErr)
	}

	resp := Response{ID: req.ID, OK: true}
	for _, sess := range cancelled {
		resp.Sessions = append(resp.Sessions, toPayload(sess))
	}
	return resp
}

func matchesSelector(sess domain.Session, req Request) bool {
	if req.All {
		return true
	}
	if req.SessionID != 0 {
		return sess.ID == req.SessionID
	}
	if req.Name != "" {
		if id, err := strconv.ParseInt(req.Name, 10, 64); err == nil {
			return sess.ID == id
		}
		return sess.Profile == req.Name || sess.CoversTarget(req.Name)
	}
	return false
}

func (s *Server) handleReplace(ctx context.Context, req Request) Response {
	var target domain.Session
	var found bool
	var opErr error

	err := s.submit(ctx, func() {
		sessions, lerr := s.store.ListSessions(ctx, domain.SessionFilter{NonTerminalOnly: true})
		if lerr != nil {
			opErr = lerr
			return
		}
		for _, sess := range sessions {
			if matchesSelector(sess, req) {
				target, found = sess, true
				break
			}
		}
		if !found {
			opErr = policy.ErrSessionNotFound
			return
		}
		if target.State != domain.SessionPending {
			opErr = policy.ErrSessionNotPending
			return
		}
		if cerr := s.store.UpdateSessionState(ctx, target.ID, domain.SessionCancelled); cerr != nil {
			opErr = cerr
			return
		}
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if opErr != nil {
		return errorResponse(req.ID, opErr)
	}

	unblockReq := Request{ID: req.ID, Command: "unblock", Profile: target.Profile, Targets: req.NewTargets, ReplaceID: target.ID}
	return s.handleUnblock(ctx, unblockReq)
}

func (s *Server) handleExtend(ctx context.Context, req Request) Response {
	var opErr error
	var newEnd string

	err := s.submit(ctx, func() {
		sess, gerr := s.store.GetSession(ctx, req.SessionID)
		if gerr != nil {
			opErr = gerr
			return
		}
		if sess.State.IsTerminal() {
			opErr = policy.ErrExtensionForbidden
			return
		}
		profile, ok := s.engine.Profile(sess.Profile)
		if ok && profile.HasCooldown() {
			opErr = policy.ErrExtensionForbidden
			return
		}
		if !s.callerIsEngaged(sess) {
			opErr = policy.ErrExtensionForbidden
			return
		}

		end := sess.End.Add(minutesToDuration(req.Minutes))
		if uerr := s.store.ExtendSession(ctx, sess.ID, end); uerr != nil {
			opErr = uerr
			return
		}
		newEnd = end.Format(time.RFC3339)
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if opErr != nil {
		return errorResponse(req.ID, opErr)
	}
	return Response{ID: req.ID, OK: true, Sessions: []SessionPayload{{ID: req.SessionID, End: newEnd}}}
}

// callerIsEngaged implements §4.5's extend precondition: the caller may
// only extend a session the user is actively engaged with, i.e. has an
// open tab for one of its domains or the foreground app bound to one. A
// nil adapter (test doubles that don't exercise this rule) always passes.
func (s *Server) callerIsEngaged(sess domain.Session) bool {
	if s.adapter == nil {
		return true
	}
	for _, d := range s.index.Domains(sess.Targets) {
		if s.adapter.UserIsEngaged(d) {
			return true
		}
		if app, ok := s.index.AppForDomain(d); ok && s.adapter.UserIsEngaged(app) {
			return true
		}
	}
	return false
}

func (s *Server) handleReload(ctx context.Context, req Request) Response {
	if s.reload == nil {
		return errorResponse(req.ID, fmt.Errorf("control: reload not configured"))
	}
	var reloadErr error
	err := s.submit(ctx, func() {
		reloadErr = s.reload()
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if reloadErr != nil {
		return errorResponse(req.ID, reloadErr)
	}
	return Response{ID: req.ID, OK: true}
}
