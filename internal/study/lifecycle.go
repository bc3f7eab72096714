package study

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotActive is returned for operations that need a running study.
var ErrNotActive = errors.New("study is not actively running")

// Phase is the lifecycle position of a study.
type Phase int

const (
	PhaseNoConsent Phase = iota
	PhaseActive
	PhaseEnded
	PhaseEndedSurveyed
)

func (p Phase) String() string {
	switch p {
	case PhaseNoConsent:
		return "no-consent"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	case PhaseEndedSurveyed:
		return "ended-surveyed"
	default:
		return "unknown"
	}
}

// Group-assignment parameters a survey redirect may carry.
var groupParams = []string{"assignedGroup", "groupid"}

// terminationReasonUser is recorded in the synthetic termination event.
const terminationReasonUser = "terminatedByUser"

// endInstant is the explicit termination if any, else consent + duration
// for fixed-duration studies. Data-donation studies only end by termination.
func (s *Study) endInstant(st State) (time.Time, bool) {
	if st.TerminatedAt != nil {
		return *st.TerminatedAt, true
	}
	if s.cfg.DataDonation || st.ConsentAt == nil {
		return time.Time{}, false
	}
	return st.ConsentAt.Add(s.cfg.Duration), true
}

func (s *Study) running(st State, now time.Time) bool {
	if s.cfg.DataDonation {
		return st.ConsentAt != nil && st.TerminatedAt == nil
	}
	end, ok := s.endInstant(st)
	return ok && end.After(now)
}

// EndInstant returns when the study ends, if that is known.
func (s *Study) EndInstant() (time.Time, bool) {
	return s.endInstant(s.snapshot())
}

// IsActivelyRunning reports whether data is being collected right now.
func (s *Study) IsActivelyRunning() bool {
	return s.running(s.snapshot(), s.now())
}

// IsFinished reports whether the end instant has been reached.
func (s *Study) IsFinished() bool {
	end, ok := s.EndInstant()
	return ok && !end.After(s.now())
}

func (s *Study) HasConsent() bool {
	return s.snapshot().ConsentAt != nil
}

// Phase derives the lifecycle phase from the stored state and the clock.
func (s *Study) Phase() Phase {
	st := s.snapshot()
	switch {
	case s.running(st, s.now()):
		return PhaseActive
	case st.ConsentAt == nil && st.TerminatedAt == nil:
		return PhaseNoConsent
	case st.CompletedTerminationSurvey:
		return PhaseEndedSurveyed
	default:
		return PhaseEnded
	}
}

// GrantConsent records consent at the given instant. Consent is recorded
// once; later calls are no-ops and do not fire the completion hook.
// A group-assignment parameter is stored together with the consent.
func (s *Study) GrantConsent(ctx context.Context, at time.Time, parameters map[string]string) error {
	granted := false
	err := s.update(ctx, func(st *State) bool {
		if st.ConsentAt != nil {
			return false
		}
		st.ConsentAt = &at
		for _, key := range groupParams {
			if g := parameters[key]; g != "" {
				st.AssignedGroup = g
				break
			}
		}
		granted = true
		return true
	})
	if err != nil {
		return err
	}
	if !granted {
		s.log.Debug("consent already recorded, ignoring")
		return nil
	}

	s.log.Info("consent granted", "at", at, "group", s.snapshot().AssignedGroup)
	if s.cfg.OnIntroSurveyCompleted != nil {
		s.cfg.OnIntroSurveyCompleted(copyParams(parameters))
	}
	return nil
}

// TerminateImmediately ends participation at the given instant. A
// termination event is appended and an upload is started right away,
// regardless of the upload interval. A second call keeps the first instant.
func (s *Study) TerminateImmediately(ctx context.Context, at time.Time) error {
	s.termMu.Lock()
	defer s.termMu.Unlock()

	st := s.snapshot()
	if st.TerminatedAt != nil {
		return nil
	}

	if st.ConsentAt != nil {
		b, err := s.eventBuffer(ctx)
		if err != nil {
			return err
		}
		err = b.Append(map[string]any{
			"terminationReason": terminationReasonUser,
			"timestamp":         float64(at.UnixNano()) / float64(time.Second),
		})
		if err != nil {
			return err
		}
	}

	terminated := false
	err := s.update(ctx, func(st *State) bool {
		if st.TerminatedAt != nil {
			return false
		}
		st.TerminatedAt = &at
		terminated = true
		return true
	})
	if err != nil {
		return err
	}
	if !terminated {
		return nil
	}

	s.log.Info("participation terminated by user", "at", at)
	s.startUpload(ctx, "terminate")
	return nil
}

// AssignGroup stores the experiment group. Only allowed while running.
func (s *Study) AssignGroup(ctx context.Context, group string) error {
	if !s.IsActivelyRunning() {
		return ErrNotActive
	}
	return s.update(ctx, func(st *State) bool {
		if st.AssignedGroup == group {
			return false
		}
		st.AssignedGroup = group
		return true
	})
}

func (s *Study) AssignedGroup() string {
	return s.snapshot().AssignedGroup
}

// Dismiss suppresses survey prompts. It never changes the lifecycle.
func (s *Study) Dismiss(ctx context.Context) error {
	return s.update(ctx, func(st *State) bool {
		if st.Dismissed {
			return false
		}
		st.Dismissed = true
		return true
	})
}

func (s *Study) CompleteMidSurvey(ctx context.Context) error {
	return s.update(ctx, func(st *State) bool {
		if st.CompletedMidSurvey {
			return false
		}
		st.CompletedMidSurvey = true
		return true
	})
}

func (s *Study) CompleteTerminationSurvey(ctx context.Context) error {
	return s.update(ctx, func(st *State) bool {
		if st.CompletedTerminationSurvey {
			return false
		}
		st.CompletedTerminationSurvey = true
		return true
	})
}

// AdditionalValue reads a host-defined value stored with the study. Values
// come back in decoded JSON form: numbers as float64, objects as
// map[string]any.
func (s *Study) AdditionalValue(key string) (any, bool) {
	st := s.snapshot()
	v, ok := st.Additional[key]
	return v, ok
}

// SetAdditionalValue persists a host-defined JSON-compatible value. The
// value is copied; later changes by the caller are not seen.
func (s *Study) SetAdditionalValue(ctx context.Context, key string, value any) error {
	v, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("additional value %q is not JSON-compatible: %w", key, err)
	}
	return s.update(ctx, func(st *State) bool {
		if st.Additional == nil {
			st.Additional = make(map[string]any)
		}
		st.Additional[key] = v
		return true
	})
}

// DataURL is the location the collector reported for the last upload.
func (s *Study) DataURL() string {
	return s.snapshot().DataURL
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
