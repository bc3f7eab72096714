package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openresearch/studykit/internal/study"
	"github.com/openresearch/studykit/internal/upload"
)

// studyFile is the YAML study definition. Endpoint, key and intervals set
// at the top level apply to every study unless a study overrides them.
type studyFile struct {
	UploadEndpoint string        `yaml:"upload_endpoint"`
	APIKey         string        `yaml:"api_key"`
	UploadInterval time.Duration `yaml:"upload_interval"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	ForceHTTP2     bool          `yaml:"force_http2"`
	CAPath         string        `yaml:"ca_path"`
	Studies        []studySpec   `yaml:"studies"`
}

type studySpec struct {
	ID                  string          `yaml:"id"`
	Title               string          `yaml:"title"`
	DurationDays        int             `yaml:"duration_days"`
	Duration            time.Duration   `yaml:"duration"`
	DataDonation        bool            `yaml:"data_donation"`
	IntroSurveyURL      string          `yaml:"intro_survey_url"`
	MidSurvey           *midSurveySpec  `yaml:"mid_survey"`
	ConcludingSurveyURL string          `yaml:"concluding_survey_url"`
	UploadEndpoint      string          `yaml:"upload_endpoint"`
	APIKey              string          `yaml:"api_key"`
	UploadInterval      time.Duration   `yaml:"upload_interval"`
	QueryItems          []queryItemSpec `yaml:"query_items"`
}

type midSurveySpec struct {
	AfterDays int    `yaml:"after_days"`
	URL       string `yaml:"url"`
}

type queryItemSpec struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

func loadStudyFile(path string) (*studyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("study file %s not found (set --config or STUDYKIT_CONFIG)", path)
		}
		return nil, fmt.Errorf("failed to read study file: %w", err)
	}
	return parseStudyFile(data)
}

func parseStudyFile(data []byte) (*studyFile, error) {
	var f studyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse study file: %w", err)
	}
	if len(f.Studies) == 0 {
		return nil, fmt.Errorf("study file defines no studies")
	}
	return &f, nil
}

func (f *studyFile) transportOptions() upload.TransportOptions {
	return upload.TransportOptions{
		Timeout:    f.UploadTimeout,
		ForceHTTP2: f.ForceHTTP2,
		CAPath:     f.CAPath,
	}
}

// configs converts every study to a validated study.Config.
func (f *studyFile) configs() ([]study.Config, error) {
	seen := make(map[string]bool, len(f.Studies))
	out := make([]study.Config, 0, len(f.Studies))

	for i, s := range f.Studies {
		if seen[s.ID] {
			return nil, fmt.Errorf("study %d: duplicate id %q", i+1, s.ID)
		}
		seen[s.ID] = true

		cfg := study.Config{
			StudyID:             s.ID,
			Title:               s.Title,
			Duration:            s.Duration,
			DataDonation:        s.DataDonation,
			IntroSurveyURL:      s.IntroSurveyURL,
			ConcludingSurveyURL: s.ConcludingSurveyURL,
			UploadEndpoint:      firstNonEmpty(s.UploadEndpoint, f.UploadEndpoint),
			APIKey:              firstNonEmpty(s.APIKey, f.APIKey),
			UploadInterval:      f.UploadInterval,
			UploadTimeout:       f.UploadTimeout,
		}
		if s.DurationDays > 0 {
			cfg.Duration = time.Duration(s.DurationDays) * 24 * time.Hour
		}
		if s.UploadInterval > 0 {
			cfg.UploadInterval = s.UploadInterval
		}
		if s.MidSurvey != nil {
			cfg.MidSurvey = &study.MidSurvey{
				ShowAfter: time.Duration(s.MidSurvey.AfterDays) * 24 * time.Hour,
				URL:       s.MidSurvey.URL,
			}
		}
		if len(s.QueryItems) > 0 {
			items := make([]study.QueryItem, len(s.QueryItems))
			for j, q := range s.QueryItems {
				items[j] = study.QueryItem{Name: q.Name, Value: q.Value}
			}
			cfg.AdditionalQueryItems = func(study.SurveyType) []study.QueryItem { return items }
		}

		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("study %q: %w", s.ID, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
