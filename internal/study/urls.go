package study

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoSurvey means the requested survey is not configured.
var ErrNoSurvey = errors.New("no survey available")

// QueryItem is one name/value pair. Order is preserved when appending.
type QueryItem struct {
	Name  string
	Value string
}

// AppendQueryItems adds items after any existing query parameters, in the
// given order.
func AppendQueryItems(rawURL string, items ...QueryItem) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if len(items) == 0 {
		return u.String(), nil
	}

	var b strings.Builder
	b.WriteString(u.RawQuery)
	for _, it := range items {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(it.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(it.Value))
	}
	u.RawQuery = b.String()
	u.ForceQuery = false
	return u.String(), nil
}

// SurveyURL builds the personalised link for a survey: the configured base
// plus uuid, the assigned group for the completion survey, then the
// configured and caller-supplied extra items.
func (s *Study) SurveyURL(ctx context.Context, t SurveyType, extra ...QueryItem) (string, error) {
	base := s.cfg.surveyURL(t)
	if base == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSurvey, t)
	}

	pid, err := s.EnsureParticipantID(ctx)
	if err != nil {
		return "", err
	}

	items := []QueryItem{{Name: "uuid", Value: pid}}
	if t == SurveyCompletion {
		if g := s.AssignedGroup(); g != "" {
			items = append(items, QueryItem{Name: "assignedGroup", Value: g})
		}
	}
	if s.cfg.AdditionalQueryItems != nil {
		items = append(items, s.cfg.AdditionalQueryItems(t)...)
	}
	items = append(items, extra...)

	return AppendQueryItems(base, items...)
}

// SurveyCallback is the outcome a survey page reports by redirecting to
// .../survey-callback/success or .../survey-callback/failed.
type SurveyCallback struct {
	Success    bool
	Parameters map[string]string
}

// ParseSurveyCallback recognises a survey redirect URL.
func ParseSurveyCallback(rawURL string) (SurveyCallback, bool) {
	var cb SurveyCallback
	switch {
	case strings.Contains(rawURL, "survey-callback/success"):
		cb.Success = true
	case strings.Contains(rawURL, "survey-callback/failed"):
	default:
		return cb, false
	}

	cb.Parameters = map[string]string{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return cb, true
	}
	for name, values := range u.Query() {
		if len(values) > 0 {
			// Last value wins for repeated names
			cb.Parameters[name] = values[len(values)-1]
		}
	}
	return cb, true
}
