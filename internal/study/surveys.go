package study

import (
	"context"
	"time"
)

const week = 7 * 24 * time.Hour

// participationPossible: the user is eligible and has not terminated.
func (s *Study) participationPossible(st State, now time.Time) bool {
	if st.TerminatedAt != nil {
		return false
	}
	return s.cfg.Eligible == nil || s.cfg.Eligible(now)
}

// ShouldShowIntroSurvey is true while the invitation is still open.
func (s *Study) ShouldShowIntroSurvey() bool {
	if s.cfg.IntroSurveyURL == "" {
		return false
	}
	st := s.snapshot()
	return s.participationPossible(st, s.now()) && st.ConsentAt == nil && !st.Dismissed
}

// ShouldShowMidSurvey is true once ShowAfter has passed since consent.
func (s *Study) ShouldShowMidSurvey() bool {
	if s.cfg.MidSurvey == nil || s.cfg.MidSurvey.URL == "" {
		return false
	}
	st := s.snapshot()
	if st.ConsentAt == nil || st.CompletedMidSurvey {
		return false
	}
	return !s.now().Before(st.ConsentAt.Add(s.cfg.MidSurvey.ShowAfter))
}

// ShouldShowTerminationSurvey is true once the study has ended.
func (s *Study) ShouldShowTerminationSurvey() bool {
	if s.cfg.ConcludingSurveyURL == "" {
		return false
	}
	st := s.snapshot()
	end, ok := s.endInstant(st)
	if !ok {
		return false
	}
	return !s.now().Before(end) && !st.CompletedTerminationSurvey && !st.Dismissed
}

// VisibleSurvey picks the one survey a host should offer now.
func (s *Study) VisibleSurvey() SurveyType {
	switch {
	case s.ShouldShowTerminationSurvey():
		return SurveyCompletion
	case s.ShouldShowMidSurvey():
		return SurveyMid
	case s.ShouldShowIntroSurvey():
		return SurveyIntroductory
	default:
		return SurveyNone
	}
}

// ShouldShowWeeklyCheckIn is true when a new study week started since the
// last check-in was shown.
func (s *Study) ShouldShowWeeklyCheckIn() bool {
	st := s.snapshot()
	now := s.now()
	if !s.running(st, now) || st.ConsentAt == nil {
		return false
	}
	due := st.ConsentAt.Add(time.Duration(st.LastCheckInWeek+1) * week)
	return due.Before(now)
}

// MarkWeeklyCheckInShown records the number of whole weeks since consent.
func (s *Study) MarkWeeklyCheckInShown(ctx context.Context, at time.Time) error {
	return s.update(ctx, func(st *State) bool {
		if st.ConsentAt == nil {
			return false
		}
		weeks := int(at.Sub(*st.ConsentAt) / week)
		if weeks < 0 {
			weeks = 0
		}
		st.LastCheckInWeek = weeks
		return true
	})
}

// HandleSurveyCallback applies the outcome of a survey redirect. It
// returns false when rawURL is not a survey callback.
//
// Introductory: success grants consent (with the redirect's parameters),
// failure dismisses the invitation. Mid and completion surveys are marked
// done on any outcome.
func (s *Study) HandleSurveyCallback(ctx context.Context, t SurveyType, rawURL string) (bool, error) {
	cb, ok := ParseSurveyCallback(rawURL)
	if !ok {
		return false, nil
	}

	switch t {
	case SurveyIntroductory:
		if cb.Success {
			return true, s.GrantConsent(ctx, s.now(), cb.Parameters)
		}
		return true, s.Dismiss(ctx)
	case SurveyMid:
		return true, s.CompleteMidSurvey(ctx)
	case SurveyCompletion:
		return true, s.CompleteTerminationSurvey(ctx)
	default:
		return false, nil
	}
}
