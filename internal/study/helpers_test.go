package study_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openresearch/studykit/internal/store"
	"github.com/openresearch/studykit/internal/study"
	"github.com/openresearch/studykit/internal/upload"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock {
	return &clock{now: at}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeUploader records payloads. Calls fail while failNext > 0, and block
// on gate when it is set.
type fakeUploader struct {
	mu       sync.Mutex
	payloads []upload.Payload
	failNext int
	path     string
	gate     chan struct{}
	started  chan struct{}
}

func (f *fakeUploader) Upload(ctx context.Context, p upload.Payload) (*upload.Result, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	fail := f.failNext > 0
	if fail {
		f.failNext--
	}
	gate, started, path := f.gate, f.started, f.path
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	return &upload.Result{Success: true, Path: path}, nil
}

func (f *fakeUploader) Calls() []upload.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]upload.Payload, len(f.payloads))
	copy(out, f.payloads)
	return out
}

// failingStore wraps a Store and fails writes on demand.
type failingStore struct {
	study.Store
	mu        sync.Mutex
	failWrite bool
}

func (f *failingStore) WriteStudy(ctx context.Context, id string, fields json.RawMessage) error {
	f.mu.Lock()
	fail := f.failWrite
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("disk full")
	}
	return f.Store.WriteStudy(ctx, id, fields)
}

func baseConfig() study.Config {
	return study.Config{
		StudyID:             "sleep",
		Title:               "Sleep and Screens",
		Duration:            6 * 7 * 24 * time.Hour,
		IntroSurveyURL:      "https://survey.example.org/intro",
		ConcludingSurveyURL: "https://survey.example.org/outro",
		UploadEndpoint:      "https://collect.example.org/files",
		APIKey:              "key-1",
		UploadInterval:      24 * time.Hour,
	}
}

type fixture struct {
	study    *study.Study
	clock    *clock
	uploader *fakeUploader
	store    study.Store
	dir      string
}

func newFixture(t *testing.T, cfg study.Config, opts ...study.Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    newClock(t0),
		uploader: &fakeUploader{},
		store:    store.NewDefaults(store.NewMemoryBackend()),
		dir:      t.TempDir(),
	}
	f.study = f.open(t, cfg, opts...)
	return f
}

// open creates another Study over the fixture's store and directory.
func (f *fixture) open(t *testing.T, cfg study.Config, opts ...study.Option) *study.Study {
	t.Helper()
	base := []study.Option{
		study.WithClock(f.clock.Now),
		study.WithUploader(f.uploader),
		study.WithDataDir(f.dir),
		study.WithIDGenerator(func() string { return "ABC" }),
	}
	s, err := study.New(context.Background(), cfg, f.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create study: %v", err)
	}
	t.Cleanup(s.Wait)
	return s
}

func mustConsent(t *testing.T, s *study.Study, at time.Time) {
	t.Helper()
	if err := s.GrantConsent(context.Background(), at, nil); err != nil {
		t.Fatalf("failed to grant consent: %v", err)
	}
}

func decodeDoc(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var doc []map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("uploaded document is not a JSON array: %v", err)
	}
	return doc
}
