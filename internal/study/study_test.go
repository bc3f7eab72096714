package study_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openresearch/studykit/internal/store"
	"github.com/openresearch/studykit/internal/study"
)

func TestNew_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*study.Config)
	}{
		{"missing study id", func(c *study.Config) { c.StudyID = "" }},
		{"study id with slash", func(c *study.Config) { c.StudyID = "a/b" }},
		{"study id with backslash", func(c *study.Config) { c.StudyID = `a\b` }},
		{"study id escaping data dir", func(c *study.Config) { c.StudyID = "../../etc" }},
		{"missing endpoint", func(c *study.Config) { c.UploadEndpoint = "" }},
		{"relative endpoint", func(c *study.Config) { c.UploadEndpoint = "files" }},
		{"missing api key", func(c *study.Config) { c.APIKey = "" }},
		{"negative interval", func(c *study.Config) { c.UploadInterval = -1 }},
		{"negative mid offset", func(c *study.Config) { c.MidSurvey = &study.MidSurvey{ShowAfter: -1, URL: "https://x"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			_, err := study.New(context.Background(), cfg, store.NewDefaults(store.NewMemoryBackend()))
			if !errors.Is(err, study.ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := study.New(context.Background(), baseConfig(), nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestParticipantID_Format(t *testing.T) {
	s, err := study.New(context.Background(), baseConfig(), store.NewDefaults(store.NewMemoryBackend()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	id, err := s.EnsureParticipantID(context.Background())
	if err != nil {
		t.Fatalf("participant id: %v", err)
	}
	if !strings.HasPrefix(id, "sleep-") {
		t.Errorf("got %q, want sleep- prefix", id)
	}
	if strings.ToUpper(id[len("sleep-"):]) != id[len("sleep-"):] {
		t.Errorf("got %q, want an upper-case UUID", id)
	}
}

func TestParticipantID_StableAndConcurrent(t *testing.T) {
	var n atomic.Int64
	f := newFixture(t, baseConfig(), study.WithIDGenerator(func() string {
		return fmt.Sprintf("ID%d", n.Add(1))
	}))
	ctx := context.Background()

	ids := make([]string, 50)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.study.EnsureParticipantID(ctx)
			if err != nil {
				t.Errorf("participant id: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("call %d got %q, call 0 got %q", i, id, ids[0])
		}
	}
	if n.Load() != 1 {
		t.Errorf("generator called %d times, want 1", n.Load())
	}

	// A new instance over the same store reads the persisted ID
	again, err := f.open(t, baseConfig()).EnsureParticipantID(ctx)
	if err != nil {
		t.Fatalf("participant id: %v", err)
	}
	if again != ids[0] {
		t.Errorf("got %q after reopen, want %q", again, ids[0])
	}
}

func TestParticipantID_WriteFailure(t *testing.T) {
	fs := &failingStore{Store: store.NewDefaults(store.NewMemoryBackend()), failWrite: true}
	s, err := study.New(context.Background(), baseConfig(), fs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := s.EnsureParticipantID(context.Background()); err == nil {
		t.Fatal("expected error when the ID cannot be persisted")
	}
	if s.State().ParticipantID != "" {
		t.Error("ID must not be kept when the write failed")
	}
}

func TestNew_DamagedStateUsesDefaults(t *testing.T) {
	backend := store.NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Set(ctx, store.DefaultsKey, []byte(`{"sleep":"not an object"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := study.New(ctx, baseConfig(), store.NewDefaults(backend))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Phase() != study.PhaseNoConsent {
		t.Errorf("got phase %v, want no-consent", s.Phase())
	}
}

type unreadableStore struct {
	study.Store
}

func (unreadableStore) ReadStudy(ctx context.Context, id string) (json.RawMessage, error) {
	return nil, errors.New("database is locked")
}

func TestNew_ReadErrorIsReturned(t *testing.T) {
	d := store.NewDefaults(store.NewMemoryBackend())
	ctx := context.Background()
	if err := d.WriteStudy(ctx, "sleep", json.RawMessage(`{"localUserIdentifier":"sleep-A"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := study.New(ctx, baseConfig(), unreadableStore{Store: d}); err == nil {
		t.Fatal("expected the read error instead of a fresh state")
	}

	s, err := study.New(ctx, baseConfig(), d)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if id, _ := s.EnsureParticipantID(ctx); id != "sleep-A" {
		t.Errorf("got participant id %q, want sleep-A", id)
	}
}

func TestNew_DamagedTopLevelUsesDefaults(t *testing.T) {
	backend := store.NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Set(ctx, store.DefaultsKey, []byte("{broken")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := study.New(ctx, baseConfig(), store.NewDefaults(backend))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.EnsureParticipantID(ctx); err != nil {
		t.Fatalf("participant id: %v", err)
	}
	if kept, err := backend.Get(ctx, store.DamagedKey); err != nil || string(kept) != "{broken" {
		t.Errorf("got damaged copy %q, %v", kept, err)
	}
}

func TestAdditionalValue_IsCopied(t *testing.T) {
	f := newFixture(t, baseConfig())
	ctx := context.Background()

	prefs := map[string]any{"tags": []any{"a"}, "nested": map[string]any{"on": true}}
	if err := f.study.SetAdditionalValue(ctx, "prefs", prefs); err != nil {
		t.Fatalf("set additional: %v", err)
	}
	prefs["tags"].([]any)[0] = "changed"
	prefs["nested"].(map[string]any)["on"] = false

	v, _ := f.study.AdditionalValue("prefs")
	got := v.(map[string]any)
	got["tags"].([]any)[0] = "changed by reader"

	again, _ := f.study.AdditionalValue("prefs")
	m := again.(map[string]any)
	if m["tags"].([]any)[0] != "a" || m["nested"].(map[string]any)["on"] != true {
		t.Errorf("stored value was aliased: %v", m)
	}

	if err := f.study.SetAdditionalValue(ctx, "bad", func() {}); err == nil {
		t.Error("expected error for a value JSON cannot encode")
	}
}

func TestState_PersistsAcrossInstances(t *testing.T) {
	f := newFixture(t, baseConfig())
	ctx := context.Background()

	mustConsent(t, f.study, t0)
	if err := f.study.AssignGroup(ctx, "control"); err != nil {
		t.Fatalf("assign group: %v", err)
	}
	if err := f.study.SetAdditionalValue(ctx, "theme", "dark"); err != nil {
		t.Fatalf("set additional: %v", err)
	}

	reopened := f.open(t, baseConfig())
	st := reopened.State()
	if st.ConsentAt == nil || !st.ConsentAt.Equal(t0) {
		t.Errorf("got consent %v, want %v", st.ConsentAt, t0)
	}
	if reopened.AssignedGroup() != "control" {
		t.Errorf("got group %q, want control", reopened.AssignedGroup())
	}
	if v, ok := reopened.AdditionalValue("theme"); !ok || v != "dark" {
		t.Errorf("got additional %v, %v", v, ok)
	}
}
