package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/openresearch/studykit/internal/store"
)

func TestDefaults_ReadMissingStudy(t *testing.T) {
	d := store.NewDefaults(store.NewMemoryBackend())

	fields, err := d.ReadStudy(context.Background(), "sleep")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fields != nil {
		t.Errorf("got %s, want nil", fields)
	}
}

func TestDefaults_StudiesAreIndependent(t *testing.T) {
	backend := store.NewMemoryBackend()
	d := store.NewDefaults(backend)
	ctx := context.Background()

	if err := d.WriteStudy(ctx, "sleep", json.RawMessage(`{"isDismissedByUser":true}`)); err != nil {
		t.Fatalf("write sleep: %v", err)
	}
	if err := d.WriteStudy(ctx, "focus", json.RawMessage(`{"assignedGroup":"b"}`)); err != nil {
		t.Fatalf("write focus: %v", err)
	}

	got, err := d.ReadStudy(ctx, "sleep")
	if err != nil {
		t.Fatalf("read sleep: %v", err)
	}
	if string(got) != `{"isDismissedByUser":true}` {
		t.Errorf("got %s", got)
	}

	// Everything lives under the single top-level key
	raw, err := backend.Get(ctx, store.DefaultsKey)
	if err != nil {
		t.Fatalf("backend get: %v", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d studies, want 2", len(all))
	}

	ids, err := d.StudyIDs(ctx)
	if err != nil {
		t.Fatalf("study ids: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "focus" || ids[1] != "sleep" {
		t.Errorf("got ids %v", ids)
	}
}

func TestDefaults_CorruptDocument(t *testing.T) {
	backend := store.NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Set(ctx, store.DefaultsKey, []byte("not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d := store.NewDefaults(backend)

	if _, err := d.ReadStudy(ctx, "sleep"); !errors.Is(err, store.ErrDamaged) {
		t.Fatalf("got %v, want ErrDamaged", err)
	}

	// Writes recover by starting a fresh document
	if err := d.WriteStudy(ctx, "sleep", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("write after corruption: %v", err)
	}
	if _, err := d.ReadStudy(ctx, "sleep"); err != nil {
		t.Errorf("read after rewrite: %v", err)
	}

	kept, err := backend.Get(ctx, store.DamagedKey)
	if err != nil {
		t.Fatalf("damaged copy: %v", err)
	}
	if string(kept) != "not json" {
		t.Errorf("got damaged copy %q", kept)
	}
}

// flakyBackend fails the next failGets reads.
type flakyBackend struct {
	*store.MemoryBackend
	mu       sync.Mutex
	failGets int
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return f.MemoryBackend.Get(ctx, key)
}

func TestDefaults_ReadErrorKeepsOtherStudies(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: store.NewMemoryBackend()}
	d := store.NewDefaults(backend)
	ctx := context.Background()

	if err := d.WriteStudy(ctx, "focus", json.RawMessage(`{"localUserIdentifier":"focus-A"}`)); err != nil {
		t.Fatalf("write focus: %v", err)
	}

	backend.mu.Lock()
	backend.failGets = 1
	backend.mu.Unlock()
	if err := d.WriteStudy(ctx, "sleep", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected the read error to be returned")
	}

	got, err := d.ReadStudy(ctx, "focus")
	if err != nil {
		t.Fatalf("read focus: %v", err)
	}
	if string(got) != `{"localUserIdentifier":"focus-A"}` {
		t.Errorf("got focus %s, want it untouched", got)
	}

	backend.mu.Lock()
	backend.failGets = 1
	backend.mu.Unlock()
	if _, err := d.ReadStudy(ctx, "focus"); err == nil || errors.Is(err, store.ErrDamaged) {
		t.Errorf("got %v, want the backend error", err)
	}
}

func TestDefaults_SQLiteBackend(t *testing.T) {
	s := setupTestDB(t)
	d := store.NewDefaults(s)
	ctx := context.Background()

	if err := d.WriteStudy(ctx, "sleep", json.RawMessage(`{"assignedGroup":"a"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A second view over the same database sees the write
	got, err := store.NewDefaults(s).ReadStudy(ctx, "sleep")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"assignedGroup":"a"}` {
		t.Errorf("got %s", got)
	}
}
