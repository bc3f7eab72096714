package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openresearch/studykit/internal/store"
)

// Store persists one field dictionary per study identifier.
// store.Defaults implements it.
type Store interface {
	ReadStudy(ctx context.Context, studyID string) (json.RawMessage, error)
	WriteStudy(ctx context.Context, studyID string, fields json.RawMessage) error
}

// State is the durable per-study record.
type State struct {
	ParticipantID              string         `json:"localUserIdentifier,omitempty"`
	ConsentAt                  *time.Time     `json:"userConsentDate,omitempty"`
	TerminatedAt               *time.Time     `json:"terminatedByUserDate,omitempty"`
	Dismissed                  bool           `json:"isDismissedByUser,omitempty"`
	AssignedGroup              string         `json:"assignedGroup,omitempty"`
	CompletedMidSurvey         bool           `json:"hasCompletedMidSurvey,omitempty"`
	CompletedTerminationSurvey bool           `json:"hasCompletedTerminationSurvey,omitempty"`
	LastUploadAt               *time.Time     `json:"lastSuccessfulUploadDate,omitempty"`
	LastCheckInWeek            int            `json:"lastCheckInWeek,omitempty"`
	DataURL                    string         `json:"dataURL,omitempty"`
	Additional                 map[string]any `json:"additionalDefaults,omitempty"`
}

func (st State) clone() State {
	out := st
	out.ConsentAt = cloneTime(st.ConsentAt)
	out.TerminatedAt = cloneTime(st.TerminatedAt)
	out.LastUploadAt = cloneTime(st.LastUploadAt)
	if st.Additional != nil {
		out.Additional = make(map[string]any, len(st.Additional))
		for k, v := range st.Additional {
			out.Additional[k] = cloneValue(v)
		}
	}
	return out
}

// cloneValue deep-copies a decoded JSON value.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// normalizeValue converts v to its decoded JSON form, as it will read back
// after a restart.
func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func decodeState(raw json.RawMessage) (State, error) {
	var st State
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("failed to decode study state: %w", err)
	}
	return st, nil
}

// load reads the record; absence or damage yields the default state. Any
// other read error is returned so a later write cannot replace a record
// that merely could not be read.
func (s *Study) load(ctx context.Context) (State, error) {
	raw, err := s.store.ReadStudy(ctx, s.cfg.StudyID)
	if errors.Is(err, store.ErrDamaged) {
		s.log.Warn("stored defaults are damaged, using defaults", "error", err)
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read study state: %w", err)
	}
	st, err := decodeState(raw)
	if err != nil {
		s.log.Warn("study state is damaged, using defaults", "error", err)
		return State{}, nil
	}
	return st, nil
}

// update applies fn to a copy of the state and persists it. The cached
// state only changes once the write succeeded. fn returns false to skip
// the write entirely.
func (s *Study) update(ctx context.Context, fn func(st *State) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if !fn(&next) {
		return nil
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode study state: %w", err)
	}
	if err := s.store.WriteStudy(ctx, s.cfg.StudyID, raw); err != nil {
		return fmt.Errorf("failed to persist study state: %w", err)
	}

	s.state = next
	return nil
}

// snapshot returns a copy of the cached state.
func (s *Study) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}
