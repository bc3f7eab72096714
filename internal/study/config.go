package study

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openresearch/studykit/internal/upload"
)

// DefaultUploadInterval is the minimum time between two regular uploads.
const DefaultUploadInterval = 24 * time.Hour

var ErrInvalidConfig = errors.New("invalid study config")

// SurveyType identifies one of the study's questionnaires.
type SurveyType string

const (
	SurveyNone         SurveyType = ""
	SurveyIntroductory SurveyType = "introductory"
	SurveyMid          SurveyType = "mid"
	SurveyCompletion   SurveyType = "completion"
)

// MidSurvey is shown once, ShowAfter the consent was given.
type MidSurvey struct {
	ShowAfter time.Duration
	URL       string
}

// Config is the immutable description of one study.
type Config struct {
	StudyID  string
	Title    string
	Duration time.Duration // Consent-to-end duration; ignored for data-donation studies

	// DataDonation studies have no fixed end and run until the participant terminates.
	DataDonation bool

	IntroSurveyURL      string // Optional
	MidSurvey           *MidSurvey
	ConcludingSurveyURL string // Optional

	UploadEndpoint string
	APIKey         string
	UploadInterval time.Duration // 0 = DefaultUploadInterval
	UploadTimeout  time.Duration // 0 = transport default

	// Eligible reports whether participation is currently possible for this
	// user, e.g. based on install date or locale. nil means always eligible.
	Eligible func(now time.Time) bool

	// AdditionalQueryItems are appended to every survey URL of the given type.
	AdditionalQueryItems func(SurveyType) []QueryItem

	// OnIntroSurveyCompleted is invoked after consent is durably recorded,
	// with the parameters returned by the survey redirect.
	OnIntroSurveyCompleted func(parameters map[string]string)

	// OnUploadFinished reports the outcome of every upload attempt.
	OnUploadFinished func(res *upload.Result, err error)
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.StudyID == "" {
		return fmt.Errorf("%w: StudyID required", ErrInvalidConfig)
	}
	// The ID is part of the event document's file name.
	if strings.ContainsAny(c.StudyID, `/\`) || strings.Contains(c.StudyID, "..") {
		return fmt.Errorf("%w: StudyID %q must not contain path separators or '..'", ErrInvalidConfig, c.StudyID)
	}
	if c.UploadEndpoint == "" {
		return fmt.Errorf("%w: UploadEndpoint required", ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(c.UploadEndpoint); err != nil {
		return fmt.Errorf("%w: UploadEndpoint: %v", ErrInvalidConfig, err)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: APIKey required", ErrInvalidConfig)
	}
	if c.UploadInterval < 0 {
		return fmt.Errorf("%w: UploadInterval must not be negative", ErrInvalidConfig)
	}
	if c.MidSurvey != nil && c.MidSurvey.ShowAfter < 0 {
		return fmt.Errorf("%w: MidSurvey.ShowAfter must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) uploadInterval() time.Duration {
	if c.UploadInterval == 0 {
		return DefaultUploadInterval
	}
	return c.UploadInterval
}

func (c Config) surveyURL(t SurveyType) string {
	switch t {
	case SurveyIntroductory:
		return c.IntroSurveyURL
	case SurveyMid:
		if c.MidSurvey != nil {
			return c.MidSurvey.URL
		}
	case SurveyCompletion:
		return c.ConcludingSurveyURL
	}
	return ""
}
